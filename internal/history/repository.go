// Package history records the outcome of every flash, erase, config and
// batch task in the transfers table.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRecord is returned when a record lacks its ID, kind or device.
var ErrInvalidRecord = errors.New("history: invalid record")

// Status values stored for a finished task.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Record is one finished task.
type Record struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name,omitempty"`
	Transport  string    `json:"transport"`
	Artifact   string    `json:"artifact,omitempty"`
	Status     string    `json:"status"`
	ErrorClass string    `json:"error_class,omitempty"`
	Message    string    `json:"message,omitempty"`
	Chip       string    `json:"chip,omitempty"`
	Bytes      int64     `json:"bytes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time the task took.
func (r Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Filter controls which records List returns.
type Filter struct {
	DeviceID string // optional
	Kind     string // optional
	Status   string // optional
	Limit    int    // default 50, max 500
	Offset   int
}

// ListResult is one page of records, newest first.
type ListResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Repository stores and queries finished tasks.
type Repository interface {
	Record(ctx context.Context, rec Record) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository persists records in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open database whose
// schema has been migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const (
	defaultLimit = 50
	maxLimit     = 500

	// timeLayout is fixed width so finished_at sorts correctly as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Record inserts rec. Re-recording an ID replaces the earlier row.
func (r *SQLiteRepository) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" || rec.Kind == "" || rec.DeviceID == "" {
		return fmt.Errorf("%w: id, kind and device_id are required", ErrInvalidRecord)
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.FinishedAt
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO transfers
		 (id, kind, device_id, device_name, transport, artifact, status, error_class, message, chip, bytes, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.DeviceID, rec.DeviceName, rec.Transport, rec.Artifact,
		rec.Status, rec.ErrorClass, rec.Message, rec.Chip, rec.Bytes,
		rec.StartedAt.UTC().Format(timeLayout),
		rec.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting transfer record: %w", err)
	}
	return nil
}

// List returns records matching filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM transfers " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting transfer records: %w", err)
	}

	query := `SELECT id, kind, device_id, device_name, transport, artifact, status, error_class, message, chip, bytes, started_at, finished_at
		FROM transfers ` + where + ` ORDER BY finished_at DESC LIMIT ? OFFSET ?` //nolint:gosec // WHERE built from parameterised conditions
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying transfer records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var started, finished string
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.DeviceID, &rec.DeviceName, &rec.Transport,
			&rec.Artifact, &rec.Status, &rec.ErrorClass, &rec.Message, &rec.Chip, &rec.Bytes,
			&started, &finished); err != nil {
			return nil, fmt.Errorf("scanning transfer record: %w", err)
		}
		if rec.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parsing started_at %q: %w", started, err)
		}
		if rec.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("parsing finished_at %q: %w", finished, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transfer records: %w", err)
	}

	return &ListResult{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}
