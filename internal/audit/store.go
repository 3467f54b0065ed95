package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fanout/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    ts             TEXT NOT NULL,
    task_id        TEXT NOT NULL,
    event_type     TEXT NOT NULL,
    source_path    TEXT NOT NULL,
    destination_id TEXT,
    detail         TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_task ON audit_events(task_id);

CREATE TABLE IF NOT EXISTS quarantine_reports (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id        TEXT NOT NULL UNIQUE,
    source_path    TEXT NOT NULL,
    quarantined_at TEXT NOT NULL,
    disposition    TEXT NOT NULL,
    attempts_json  TEXT NOT NULL
);
`

const (
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store is the SQLite-backed audit and quarantine sink.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the audit database inside dir.
func Open(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "audit.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &Store{db: db, path: dbPath}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		_, lastErr = s.db.ExecContext(ctx, query, args...)
		if lastErr == nil {
			return nil
		}
		if !isBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// Emit appends one lifecycle event.
func (s *Store) Emit(ctx context.Context, event Event) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	err := s.execWithRetry(ctx,
		`INSERT INTO audit_events (ts, task_id, event_type, source_path, destination_id, detail)
         VALUES (?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano),
		event.TaskID,
		string(event.Type),
		event.SourcePath,
		nullableString(event.DestinationID),
		nullableString(event.Detail),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// EventsForTask returns a task's events in emission order.
func (s *Store) EventsForTask(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, task_id, event_type, source_path, destination_id, detail
         FROM audit_events WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ts     string
			event  Event
			destID sql.NullString
			detail sql.NullString
		)
		if err := rows.Scan(&ts, &event.TaskID, (*string)(&event.Type), &event.SourcePath, &destID, &detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		event.DestinationID = destID.String
		event.Detail = detail.String
		events = append(events, event)
	}
	return events, rows.Err()
}

// AttemptRecord is the persisted form of one classified failure.
type AttemptRecord struct {
	At          time.Time `json:"at"`
	Destination string    `json:"destination,omitempty"`
	Category    string    `json:"category"`
	Message     string    `json:"message"`
}

// Report is a stored quarantine error report.
type Report struct {
	TaskID        string
	SourcePath    string
	QuarantinedAt time.Time
	Disposition   string
	Attempts      []AttemptRecord
}

// Store persists the task's full per-attempt error history.
func (s *Store) Store(ctx context.Context, t *task.Task, disposition string) error {
	attempts := make([]AttemptRecord, 0, len(t.History))
	for _, attempt := range t.History {
		attempts = append(attempts, AttemptRecord{
			At:          attempt.At,
			Destination: attempt.Destination,
			Category:    attempt.Category,
			Message:     attempt.Message,
		})
	}
	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}

	err = s.execWithRetry(ctx,
		`INSERT INTO quarantine_reports (task_id, source_path, quarantined_at, disposition, attempts_json)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(task_id) DO UPDATE SET disposition = excluded.disposition, attempts_json = excluded.attempts_json`,
		t.ID,
		t.SourcePath,
		time.Now().UTC().Format(time.RFC3339Nano),
		disposition,
		string(attemptsJSON),
	)
	if err != nil {
		return fmt.Errorf("insert quarantine report: %w", err)
	}
	return nil
}

// ReportForTask fetches a stored quarantine report, or nil when absent.
func (s *Store) ReportForTask(ctx context.Context, taskID string) (*Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, source_path, quarantined_at, disposition, attempts_json
         FROM quarantine_reports WHERE task_id = ?`, taskID)

	var (
		report       Report
		quarantined  string
		attemptsJSON string
	)
	err := row.Scan(&report.TaskID, &report.SourcePath, &quarantined, &report.Disposition, &attemptsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan quarantine report: %w", err)
	}
	report.QuarantinedAt, _ = time.Parse(time.RFC3339Nano, quarantined)
	if err := json.Unmarshal([]byte(attemptsJSON), &report.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	return &report, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
