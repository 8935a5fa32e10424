package security

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/usehatch/hatch/internal/audit"
)

// memSink captures audit events for assertions.
type memSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memSink) Append(ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) byType(t audit.EventType) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestTracker(sink *memSink) (*Tracker, *time.Time) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(DefaultTrackerConfig(), audit.NewLogger(sink))
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestTrackerStateProgression(t *testing.T) {
	sink := &memSink{}
	tr, _ := newTestTracker(sink)

	if tr.State("s1") != StateUntracked {
		t.Error("fresh session not untracked")
	}

	tr.Touch("s1", "u1", "", false)
	if tr.State("s1") != StateActive {
		t.Error("touched session not active")
	}
	if err := tr.Authorize("s1", ActionExecute); err != nil {
		t.Errorf("Authorize on active session: %v", err)
	}

	// Untracked sessions authorize fine; tracking starts on first touch.
	if err := tr.Authorize("never-seen", ActionExecute); err != nil {
		t.Errorf("Authorize on untracked session: %v", err)
	}
}

func TestTrackerBlocksAtThreshold(t *testing.T) {
	sink := &memSink{}
	tr, now := newTestTracker(sink)

	// Three criticals in one minute: 40×2 each with the frequency
	// multiplier, well past the threshold of 100.
	for i := 0; i < 3; i++ {
		tr.RecordEvent("s1", "u1", audit.EventBlockedCommand, audit.LevelCritical, nil)
		*now = now.Add(time.Second)
	}

	if tr.State("s1") != StateBlocked {
		t.Fatalf("state = %s, want blocked (score %d)", tr.State("s1"), tr.RiskScore("s1"))
	}

	var blocked *ErrSessionBlocked
	err := tr.Authorize("s1", ActionExecute)
	if !errors.As(err, &blocked) {
		t.Fatalf("Authorize err = %v, want ErrSessionBlocked", err)
	}
	if blocked.SessionID != "s1" || blocked.Reason == "" {
		t.Errorf("blocked error missing detail: %+v", blocked)
	}

	if got := sink.byType(audit.EventSessionBlocked); len(got) != 1 {
		t.Errorf("session_blocked events = %d, want 1", len(got))
	}
}

func TestBlockedIsMonotonicUntilReset(t *testing.T) {
	sink := &memSink{}
	tr, now := newTestTracker(sink)

	for i := 0; i < 3; i++ {
		tr.RecordEvent("s1", "u1", audit.EventBlockedCommand, audit.LevelCritical, nil)
	}
	if tr.State("s1") != StateBlocked {
		t.Fatal("session not blocked")
	}

	// Hours pass. Still blocked.
	*now = now.Add(6 * time.Hour)
	if err := tr.Authorize("s1", ActionDangerousMode); err == nil {
		t.Error("blocked session authorized after elapsed time")
	}

	// Eviction skips blocked sessions too.
	tr.EvictIdle()
	if tr.State("s1") != StateBlocked {
		t.Error("eviction cleared a blocked session")
	}

	tr.Reset("s1")
	if tr.State("s1") != StateActive {
		t.Errorf("state after reset = %s, want active", tr.State("s1"))
	}
	if err := tr.Authorize("s1", ActionExecute); err != nil {
		t.Errorf("Authorize after reset: %v", err)
	}
	if got := sink.byType(audit.EventSessionReset); len(got) != 1 {
		t.Errorf("session_reset events = %d, want 1", len(got))
	}
}

func TestEvictIdleDropsInactiveSessions(t *testing.T) {
	sink := &memSink{}
	tr, now := newTestTracker(sink)

	tr.Touch("idle", "u1", "", false)
	tr.Touch("busy", "u2", "", false)

	*now = now.Add(29 * time.Minute)
	tr.Touch("busy", "u2", "", false)

	*now = now.Add(2 * time.Minute)
	evicted := tr.EvictIdle()
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if tr.State("idle") != StateUntracked {
		t.Error("idle session survived eviction")
	}
	if tr.State("busy") != StateActive {
		t.Error("active session evicted")
	}
}

func TestRiskScoreFrequencyMultiplier(t *testing.T) {
	sink := &memSink{}
	tr, now := newTestTracker(sink)

	// Two warnings spread out: no multiplier, 15 each.
	tr.RecordEvent("s1", "u1", audit.EventDeniedPath, audit.LevelWarning, nil)
	*now = now.Add(5 * time.Minute)
	tr.RecordEvent("s1", "u1", audit.EventDeniedPath, audit.LevelWarning, nil)
	if got := tr.RiskScore("s1"); got != 30 {
		t.Errorf("spread-out score = %d, want 30", got)
	}

	// A burst of the same type doubles the in-window weights.
	tr2, _ := newTestTracker(&memSink{})
	for i := 0; i < 3; i++ {
		tr2.RecordEvent("s2", "u1", audit.EventDeniedPath, audit.LevelWarning, nil)
	}
	if got := tr2.RiskScore("s2"); got != 90 {
		t.Errorf("burst score = %d, want 90 (3 × 15 × 2)", got)
	}
}

func TestRingBufferCapsHistory(t *testing.T) {
	sink := &memSink{}
	tr, _ := newTestTracker(sink)

	for i := 0; i < 50; i++ {
		tr.RecordEvent("s1", "u1", audit.EventDangerousCommand, audit.LevelInfo, nil)
	}

	if got := len(tr.History("s1")); got != 32 {
		t.Errorf("history length = %d, want ring capacity 32", got)
	}
	// The audit stream keeps everything the ring forgot.
	if got := len(sink.byType(audit.EventDangerousCommand)); got != 50 {
		t.Errorf("audit events = %d, want all 50", got)
	}
}
