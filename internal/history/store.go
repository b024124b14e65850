// Package history persists terminal jobs to SQLite so completed, failed, and
// cancelled runs survive daemon restarts and outlive the in-memory queue.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"scenarioforge/internal/queue"
	"scenarioforge/internal/services"
)

// Record is one archived job.
type Record struct {
	ID           string
	OwnerID      string
	SourceName   string
	SourceSize   int64
	Variant      string
	Status       queue.Status
	ErrorMessage string
	Artifacts    []queue.Artifact
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Store wraps the history database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the history database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// modernc's driver serializes writes itself; a single connection avoids
	// SQLITE_BUSY churn under concurrent job finalization.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts or replaces the archived form of a terminal job. Replays of
// the same job ID are harmless.
func (s *Store) Record(ctx context.Context, job *queue.Job) error {
	if job == nil {
		return services.Wrap(services.ErrValidation, "", "record_history", "job is nil", nil)
	}
	if !job.Status.IsTerminal() {
		return services.Wrap(services.ErrInvalidState, "", "record_history",
			fmt.Sprintf("job %s is %s, only terminal jobs are archived", job.ID, job.Status), nil)
	}
	artifacts, err := json.Marshal(job.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO job_history (id, owner_id, source_name, source_size, variant, status, error_message, artifacts, created_at, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status = excluded.status,
    error_message = excluded.error_message,
    artifacts = excluded.artifacts,
    started_at = excluded.started_at,
    completed_at = excluded.completed_at`,
		job.ID, job.OwnerID, job.SourceName, job.SourceSize, job.Config.Variant,
		job.Status.String(), nullString(job.ErrorMessage), string(artifacts),
		formatTime(job.CreatedAt), nullTime(job.StartedAt), nullTime(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("record job history: %w", err)
	}
	return nil
}

// Get returns one archived job.
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner_id, source_name, source_size, variant, status, error_message, artifacts, created_at, started_at, completed_at
FROM job_history WHERE id = ?`, jobID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "", "get_history",
			fmt.Sprintf("no history for job %s", jobID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load job history: %w", err)
	}
	return record, nil
}

// List returns archived jobs newest first. An empty ownerID lists all
// owners; limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	query := `
SELECT id, owner_id, source_name, source_size, variant, status, error_message, artifacts, created_at, started_at, completed_at
FROM job_history`
	var args []any
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY completed_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job history: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job history: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Sweep deletes records completed before the cutoff and returns them so the
// caller can remove their preserved artifacts.
func (s *Store) Sweep(ctx context.Context, olderThan time.Duration) ([]*Record, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, source_name, source_size, variant, status, error_message, artifacts, created_at, started_at, completed_at
FROM job_history WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select expired history: %w", err)
	}
	var expired []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired history: %w", err)
		}
		expired = append(expired, record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(expired) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM job_history WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("delete expired history: %w", err)
	}
	return expired, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var status, createdAt, artifacts string
	var errorMessage, startedAt, completedAt sql.NullString
	if err := row.Scan(&record.ID, &record.OwnerID, &record.SourceName, &record.SourceSize,
		&record.Variant, &status, &errorMessage, &artifacts,
		&createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	parsed, err := queue.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	record.Status = parsed
	record.ErrorMessage = errorMessage.String
	if err := json.Unmarshal([]byte(artifacts), &record.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if record.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if record.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &record, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t, nil
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
