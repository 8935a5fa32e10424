package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists audit events to a SQLite database. Events are
// insert-only; there is no update or delete path.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the audit database and runs the
// idempotent schema migration.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit db directory: %w", err)
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	return s, nil
}

func (s *SQLiteSink) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		level TEXT NOT NULL,
		session_id TEXT,
		user_id TEXT,
		timestamp DATETIME NOT NULL,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_session ON security_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON security_events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts the event.
func (s *SQLiteSink) Append(ev Event) error {
	detail := ""
	if len(ev.Detail) > 0 {
		data, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		detail = string(data)
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (id, type, level, session_id, user_id, timestamp, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), string(ev.Level), ev.SessionID, ev.UserID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano), detail,
	)
	return err
}

// Recent returns up to limit events, newest first. This read path serves
// the reporting CLI, not the daemon core.
func (s *SQLiteSink) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, type, level, session_id, user_id, timestamp, detail
		 FROM security_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var ts, detail string
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Level, &ev.SessionID, &ev.UserID, &ts, &detail); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = t
		}
		if detail != "" {
			_ = json.Unmarshal([]byte(detail), &ev.Detail)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
