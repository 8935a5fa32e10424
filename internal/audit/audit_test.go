package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type captureSink struct {
	events []Event
}

func (s *captureSink) Append(ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Close() error { return nil }

func TestLoggerStampsIDAndTimestamp(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(sink)

	l.Log(Event{Type: EventAuthFailure, Level: LevelWarning, UserID: "u1"})

	if len(sink.events) != 1 {
		t.Fatalf("sink has %d events, want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.ID == "" {
		t.Error("event missing id")
	}
	if ev.Timestamp.IsZero() {
		t.Error("event missing timestamp")
	}
	if ev.Type != EventAuthFailure || ev.Level != LevelWarning {
		t.Errorf("event = %+v", ev)
	}
}

func TestLoggerDefaultsLevelToInfo(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(sink)

	l.Log(Event{Type: EventProcessSpawned})
	if sink.events[0].Level != LevelInfo {
		t.Errorf("level = %s, want info", sink.events[0].Level)
	}
}

func TestLoggerNilSink(t *testing.T) {
	l := NewLogger(nil)
	// Must not panic; events just go to the process log.
	l.Log(Event{Type: EventSessionCreated})
	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestJSONLSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}

	l := NewLogger(sink)
	l.Log(Event{Type: EventBlockedCommand, Level: LevelCritical, SessionID: "s1"})
	l.Log(Event{Type: EventDeniedPath, Level: LevelWarning, SessionID: "s1"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, ev)
	}

	if len(lines) != 2 {
		t.Fatalf("file has %d events, want 2", len(lines))
	}
	if lines[0].Type != EventBlockedCommand || lines[1].Type != EventDeniedPath {
		t.Error("events out of order; the stream must be append-only")
	}
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer sink.Close()

	l := NewLogger(sink)
	l.Log(Event{Type: EventAuthSuccess, SessionID: "s1", UserID: "u1", Detail: map[string]string{"client_id": "c1"}})
	l.Log(Event{Type: EventSessionBlocked, Level: LevelCritical, SessionID: "s2"})

	events, err := sink.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Recent returned %d events, want 2", len(events))
	}
	// Newest first.
	if events[0].Type != EventSessionBlocked {
		t.Errorf("first event = %s, want session_blocked", events[0].Type)
	}
	if events[1].Detail["client_id"] != "c1" {
		t.Errorf("detail lost: %+v", events[1].Detail)
	}
}
