package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// State history source values. They name the transport that delivered
// the update.
const (
	SourceLAN       = "lan"
	SourceCloud     = "cloud"
	SourcePoll      = "poll"
	SourceDiscovery = "discovery"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// HistoryEntry is one recorded field update.
type HistoryEntry struct {
	ID        int64          `json:"id"`
	DeviceID  string         `json:"deviceid"`
	Fields    map[string]any `json:"params"`
	Source    string         `json:"source"`
	CreatedAt time.Time      `json:"created_at"`
}

// HistoryRepository stores and retrieves per-device update history.
type HistoryRepository interface {
	RecordStateChange(ctx context.Context, deviceID string, fields map[string]any, source string) error
	GetHistory(ctx context.Context, deviceID string, limit int) ([]HistoryEntry, error)
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLiteHistoryRepository implements HistoryRepository using the
// state_history table. Only the fields carried by each update are stored,
// not the merged state.
type SQLiteHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteHistoryRepository creates a new SQLite history repository.
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db}
}

// RecordStateChange inserts one history row.
func (r *SQLiteHistoryRepository) RecordStateChange(ctx context.Context, deviceID string, fields map[string]any, source string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidDevice)
	}
	if source == "" {
		source = SourceLAN
	}
	if fields == nil {
		fields = map[string]any{}
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshalling params: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO state_history (device_id, params, source, created_at) VALUES (?, ?, ?, ?)",
		deviceID,
		string(fieldsJSON),
		source,
		time.Now().UTC().Format(timestampFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory returns recent entries for a device, newest first.
// limit defaults to 50 and is capped at 200.
func (r *SQLiteHistoryRepository) GetHistory(ctx context.Context, deviceID string, limit int) ([]HistoryEntry, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrInvalidDevice)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, params, source, created_at
		 FROM state_history
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var (
			entry      HistoryEntry
			fieldsJSON string
			createdAt  string
		)
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &fieldsJSON, &entry.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &entry.Fields); err != nil {
			return nil, fmt.Errorf("unmarshalling params: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entry.CreatedAt = ts
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// PruneHistory deletes entries older than the given age and returns the
// number removed.
func (r *SQLiteHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(timestampFormat)
	result, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
