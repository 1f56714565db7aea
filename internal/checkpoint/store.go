package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vk/bulkforge/internal/plan"
)

//go:embed schema.sql
var schemaSQL string

// Record is the persisted outcome of one task.
//
// Once a task id is marked Done here, the engine never re-issues its
// underlying remote call in a later run; resume is purely additive.
type Record struct {
	Status    plan.Status
	RemoteKey string
	Error     string
	UpdatedAt time.Time
}

// Store provides durable task-outcome storage backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the checkpoint database at the given path.
//
// The connection is configured with WAL journaling and synchronous=FULL so a
// Put that returns has reached stable storage: a crash mid-run loses at most
// the single in-flight task.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect checkpoint db: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under the worker pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply checkpoint schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the record for taskID, or nil if the task has never been
// attempted.
func (s *Store) Get(ctx context.Context, taskID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, remote_key, error, updated_at
		FROM task_outcomes WHERE task_id = ?
	`, taskID)

	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", taskID, err)
	}
	return rec, nil
}

// Put upserts the record for taskID. The write is durable before Put returns.
func (s *Store) Put(ctx context.Context, taskID string, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_outcomes (task_id, status, remote_key, error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status     = excluded.status,
			remote_key = excluded.remote_key,
			error      = excluded.error,
			updated_at = excluded.updated_at
	`, taskID, rec.Status.String(), rec.RemoteKey, rec.Error, rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put %s: %w", taskID, err)
	}
	return nil
}

// Load returns every stored record, keyed by task id. The engine calls this
// once at startup; Done entries are treated as already satisfied.
func (s *Store) Load(ctx context.Context) (map[string]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, status, remote_key, error, updated_at FROM task_outcomes
	`)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	defer rows.Close()

	records := make(map[string]Record)
	for rows.Next() {
		var taskID string
		rec, err := scanRecord(func(dest ...any) error {
			return rows.Scan(append([]any{&taskID}, dest...)...)
		})
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		records[taskID] = *rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return records, nil
}

// Clear deletes the record for taskID. Failed outcomes are terminal unless an
// operator clears them explicitly; the next run then re-attempts the task.
func (s *Store) Clear(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_outcomes WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear %s: %w", taskID, err)
	}
	return nil
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var statusName, remoteKey, errText, updatedAt string
	if err := scan(&statusName, &remoteKey, &errText, &updatedAt); err != nil {
		return nil, err
	}
	status, err := plan.ParseStatus(statusName)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return &Record{Status: status, RemoteKey: remoteKey, Error: errText, UpdatedAt: ts}, nil
}
