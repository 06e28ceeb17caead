// Package audit records every command submitted through the API or MQTT
// bridge, whether the queue accepted it or not.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sources a command can arrive from.
const (
	SourceAPI  = "api"
	SourceMQTT = "mqtt"
)

// Outcomes recorded against an entry.
const (
	OutcomeQueued   = "queued"
	OutcomeRejected = "rejected"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// timestampFormat is fixed-width so created_at sorts lexically.
	timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// Entry is one submitted command.
type Entry struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"deviceid,omitempty"`
	Command   string         `json:"command"`
	Sequence  int64          `json:"sequence,omitempty"`
	Source    string         `json:"source"`
	Subject   string         `json:"subject,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Outcome   string         `json:"outcome"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	DeviceID string
	Source   string
	Outcome  string
	Limit    int // default 50, max 200
	Offset   int
}

// Page is one slice of the command log plus the unpaginated total.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository stores and queries the command log.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) (*Page, error)
}

// SQLiteRepository keeps the command log in the command_log table.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts e, filling ID and CreatedAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "cmd-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var params any
	if len(e.Params) > 0 {
		b, err := json.Marshal(e.Params)
		if err != nil {
			return fmt.Errorf("encoding command params: %w", err)
		}
		params = string(b)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_log (id, device_id, command, sequence, source, subject, params, outcome, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullable(e.DeviceID), e.Command, e.Sequence, e.Source,
		nullable(e.Subject), params, e.Outcome, nullable(e.Error),
		e.CreatedAt.UTC().Format(timestampFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting command log entry: %w", err)
	}
	return nil
}

// List returns matching entries, newest first.
func (r *SQLiteRepository) List(ctx context.Context, f Filter) (*Page, error) {
	f.Limit = clampLimit(f.Limit)
	if f.Offset < 0 {
		f.Offset = 0
	}

	where, args := f.where()

	var total int
	countQuery := "SELECT COUNT(*) FROM command_log" + where //nolint:gosec // where holds only ? placeholders
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command log: %w", err)
	}

	query := `SELECT id, device_id, command, sequence, source, subject, params, outcome, error, created_at
		FROM command_log` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?` //nolint:gosec // where holds only ? placeholders
	rows, err := r.db.QueryContext(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}

	return &Page{Entries: entries, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Prune removes entries older than olderThan and reports how many went.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timestampFormat)
	res, err := r.db.ExecContext(ctx, `DELETE FROM command_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning command log: %w", err)
	}
	return res.RowsAffected()
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(col, v string) {
		if v != "" {
			conds = append(conds, col+" = ?")
			args = append(args, v)
		}
	}
	add("device_id", f.DeviceID)
	add("source", f.Source)
	add("outcome", f.Outcome)

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	default:
		return n
	}
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var deviceID, subject, params, errMsg sql.NullString
	var createdAt string
	if err := rows.Scan(&e.ID, &deviceID, &e.Command, &e.Sequence, &e.Source,
		&subject, &params, &e.Outcome, &errMsg, &createdAt); err != nil {
		return Entry{}, fmt.Errorf("scanning command log entry: %w", err)
	}
	e.DeviceID = deviceID.String
	e.Subject = subject.String
	e.Error = errMsg.String
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &e.Params); err != nil {
			return Entry{}, fmt.Errorf("decoding params for %s: %w", e.ID, err)
		}
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing command log timestamp %q: %w", createdAt, err)
	}
	e.CreatedAt = t
	return e, nil
}

// nullable maps "" to SQL NULL for optional TEXT columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
