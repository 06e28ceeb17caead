package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// timestampFormat is fixed-width so stored timestamps sort lexically.
const timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Repository persists device snapshots so a restart can address devices
// (LAN keys, addresses, model ids) before the first cloud poll completes.
type Repository interface {
	// Save inserts or replaces the persisted snapshot of one device.
	Save(ctx context.Context, snap Snapshot) error

	// Get returns one persisted snapshot.
	// Returns ErrDeviceNotFound if the device was never saved.
	Get(ctx context.Context, id string) (Snapshot, error)

	// List returns every persisted snapshot ordered by id.
	List(ctx context.Context) ([]Snapshot, error)
}

// SQLiteRepository implements Repository using the devices table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save upserts a snapshot. Connectivity flags are not stored.
func (r *SQLiteRepository) Save(ctx context.Context, snap Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidDevice)
	}

	params := snap.Fields
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshalling params: %w", err)
	}

	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO devices (id, name, device_key, uiid, ip_address, local_encrypt, params, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			device_key = excluded.device_key,
			uiid = excluded.uiid,
			ip_address = excluded.ip_address,
			local_encrypt = excluded.local_encrypt,
			params = excluded.params,
			updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		snap.ID,
		snap.Name,
		snap.DeviceKey,
		snap.UIID,
		snap.IPAddress,
		boolToInt(snap.LocalEncrypt),
		string(paramsJSON),
		updatedAt.UTC().Format(timestampFormat),
	)
	if err != nil {
		return fmt.Errorf("saving device %s: %w", snap.ID, err)
	}
	return nil
}

// Get returns one persisted snapshot.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (Snapshot, error) {
	query := `
		SELECT id, name, device_key, uiid, ip_address, local_encrypt, params, updated_at
		FROM devices
		WHERE id = ?`

	snap, err := scanSnapshot(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrDeviceNotFound
		}
		return Snapshot{}, fmt.Errorf("querying device by id: %w", err)
	}
	return snap, nil
}

// List returns every persisted snapshot ordered by id.
func (r *SQLiteRepository) List(ctx context.Context) ([]Snapshot, error) {
	query := `
		SELECT id, name, device_key, uiid, ip_address, local_encrypt, params, updated_at
		FROM devices
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (Snapshot, error) {
	var (
		snap       Snapshot
		encrypt    int
		paramsJSON string
		updatedAt  string
	)
	if err := row.Scan(&snap.ID, &snap.Name, &snap.DeviceKey, &snap.UIID,
		&snap.IPAddress, &encrypt, &paramsJSON, &updatedAt); err != nil {
		return Snapshot{}, err
	}
	snap.LocalEncrypt = encrypt != 0

	if err := json.Unmarshal([]byte(paramsJSON), &snap.Fields); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshalling params: %w", err)
	}
	if snap.Fields == nil {
		snap.Fields = map[string]any{}
	}

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	snap.UpdatedAt = ts
	return snap, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
