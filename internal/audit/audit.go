// Package audit provides the append-only security event log.
// The logger exclusively owns the full event stream; other components
// (like the session tracker) keep at most a bounded recent window.
package audit

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a security-relevant action.
type EventType string

const (
	EventAuthFailure        EventType = "auth_failure"
	EventAuthSuccess        EventType = "auth_success"
	EventRateLimited        EventType = "rate_limited"
	EventDangerousCommand   EventType = "dangerous_command"
	EventBlockedCommand     EventType = "blocked_command"
	EventDeniedPath         EventType = "denied_path"
	EventSessionBlocked     EventType = "session_blocked"
	EventSessionReset       EventType = "session_reset"
	EventSessionCreated     EventType = "session_created"
	EventSessionCompleted   EventType = "session_completed"
	EventExternalSession    EventType = "external_session"
	EventAdapterRegistered  EventType = "adapter_registered"
	EventProcessSpawned     EventType = "process_spawned"
	EventProcessInterrupted EventType = "process_interrupted"
	EventProcessTimeout     EventType = "process_timeout"
)

// Level is the severity of an event.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Event is a single security event. Events are append-only: once logged
// they are never mutated or deleted by the daemon.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Level     Level             `json:"level"`
	SessionID string            `json:"session_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Sink persists events. Append must never mutate or reorder prior entries.
type Sink interface {
	Append(ev Event) error
	Close() error
}

// Logger is the audit event logger. It stamps IDs and timestamps, writes
// to its sink, and never blocks callers on sink failure (a failed append
// is reported on the process log and dropped).
type Logger struct {
	mu   sync.Mutex
	sink Sink
}

// NewLogger creates a logger writing to the given sink. A nil sink is
// allowed; events are then only visible on the process log.
func NewLogger(sink Sink) *Logger {
	return &Logger{sink: sink}
}

// Log appends an event to the audit stream, filling in ID and timestamp
// if the caller left them empty.
func (l *Logger) Log(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}

	log.Printf("🔏 Audit [%s/%s] session=%s user=%s", ev.Type, ev.Level, ev.SessionID, ev.UserID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		return
	}
	if err := l.sink.Append(ev); err != nil {
		log.Printf("⚠️  Failed to append audit event %s: %v", ev.ID, err)
	}
}

// Close closes the underlying sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// JSONLSink appends events as one JSON object per line. Used as the
// fallback when no database path is configured.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLSink opens (or creates) the given file for appending.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{file: f}, nil
}

// Append writes the event as a JSON line.
func (s *JSONLSink) Append(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(data)
	return err
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
