// Package audit persists the history of packet filter changes.
//
// Every block, unblock, jail and CIDR change is recorded through the
// logger's audit hook and lands in a SQLite table next to the rule store,
// so the history survives log rotation and can be queried with
// `warden audit`.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/warden/internal/clock"
)

// FileName is the database file created inside the data directory.
const FileName = "audit.db"

// DefaultRetention applies when no retention is configured.
const DefaultRetention = 90 * 24 * time.Hour

// Event represents a single audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Details   map[string]any `json:"details,omitempty"`
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	Since    time.Time
	Until    time.Time
	Action   string
	Resource string
	Limit    int
}

// Store provides persistent storage for audit events.
type Store struct {
	mu        sync.RWMutex
	db        *sql.DB
	retention time.Duration
	clk       clock.Clock
}

// Open creates or opens the audit database at path.
func Open(path string, retention time.Duration, clk clock.Clock) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action);
		CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_events(resource);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	if retention <= 0 {
		retention = DefaultRetention
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Store{db: db, retention: retention, clk: clk}, nil
}

// Record stores an event stamped with the current time. It satisfies
// logging.AuditSink.
func (s *Store) Record(action, resource string, details map[string]any) error {
	return s.Write(context.Background(), Event{
		Timestamp: s.clk.Now(),
		Action:    action,
		Resource:  resource,
		Details:   details,
	})
}

// Write persists an audit event.
func (s *Store) Write(ctx context.Context, evt Event) error {
	if evt.Action == "" || evt.Resource == "" {
		return fmt.Errorf("audit event needs an action and a resource")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clk.Now()
	}

	var details sql.NullString
	if len(evt.Details) > 0 {
		data, err := json.Marshal(evt.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (ts, action, resource, details) VALUES (?, ?, ?, ?)`,
		clock.Millis(evt.Timestamp), evt.Action, evt.Resource, details)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query returns matching events, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, clock.Millis(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, clock.Millis(f.Until))
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, f.Resource)
	}

	query := "SELECT id, ts, action, resource, details FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			evt     Event
			ts      int64
			details sql.NullString
		)
		if err := rows.Scan(&evt.ID, &ts, &evt.Action, &evt.Resource, &details); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Timestamp = clock.FromMillis(ts)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &evt.Details); err != nil {
				return nil, fmt.Errorf("decode audit details %d: %w", evt.ID, err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Prune removes events older than the retention period.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	cutoff := s.clk.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE ts < ?", clock.Millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of events in the store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&count)
	return count, err
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
