package security

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/usehatch/hatch/internal/audit"
)

// SessionState is the tracker's view of a session.
type SessionState string

const (
	StateUntracked SessionState = "untracked"
	StateActive    SessionState = "active"
	StateBlocked   SessionState = "blocked"
)

// Action is an operation gated by the tracker.
type Action string

const (
	ActionExecute       Action = "execute"
	ActionDangerousMode Action = "dangerous_mode"
	ActionResourceScope Action = "resource_scope"
)

// ErrSessionBlocked is returned when a blocked session attempts a gated
// operation. It carries the policy that tripped so callers can explain
// the veto.
type ErrSessionBlocked struct {
	SessionID string
	Reason    string
}

func (e *ErrSessionBlocked) Error() string {
	return fmt.Sprintf("session %s is blocked: %s", e.SessionID, e.Reason)
}

// TrackerConfig tunes the risk policy.
type TrackerConfig struct {
	// HistorySize is the per-session ring buffer capacity.
	HistorySize int
	// BlockThreshold is the risk score at which a session is blocked.
	BlockThreshold int
	// FrequencyWindow is the span in which repeated same-type events
	// double their weight.
	FrequencyWindow time.Duration
	// InactivityTimeout evicts idle (non-blocked) sessions.
	InactivityTimeout time.Duration
}

// DefaultTrackerConfig returns the production policy.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		HistorySize:       32,
		BlockThreshold:    100,
		FrequencyWindow:   time.Minute,
		InactivityTimeout: 30 * time.Minute,
	}
}

// riskWeights maps event severity to its score contribution.
var riskWeights = map[audit.Level]int{
	audit.LevelInfo:     5,
	audit.LevelWarning:  15,
	audit.LevelCritical: 40,
}

type sessionRecord struct {
	sessionID     string
	userID        string
	role          string
	dangerousMode bool
	state         SessionState
	riskScore     int
	history       *eventRing
	lastActivity  time.Time
	blockedReason string
}

// Tracker is the per-session security state machine. Sessions move
// UNTRACKED → ACTIVE on first touch, ACTIVE → BLOCKED when the risk score
// crosses the threshold, and BLOCKED → ACTIVE only through an explicit
// administrative Reset. Idle eviction never applies to blocked sessions,
// so blocking is monotonic until reset.
type Tracker struct {
	cfg     TrackerConfig
	logger  *audit.Logger
	mu      sync.Mutex
	entries map[string]*sessionRecord

	// now is swappable for tests.
	now func() time.Time
}

// NewTracker creates a tracker. The logger receives every recorded event;
// eviction only drops the tracker's bounded window, never logged events.
func NewTracker(cfg TrackerConfig, logger *audit.Logger) *Tracker {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 32
	}
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = 100
	}
	if cfg.FrequencyWindow <= 0 {
		cfg.FrequencyWindow = time.Minute
	}
	return &Tracker{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*sessionRecord),
		now:     time.Now,
	}
}

// Touch ensures an ACTIVE entry exists for the session and refreshes its
// activity timestamp. Called on every authenticated request.
func (t *Tracker) Touch(sessionID, userID, role string, dangerousMode bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.entryLocked(sessionID, userID, role)
	rec.dangerousMode = dangerousMode
	rec.lastActivity = t.now()
}

// entryLocked returns the session's record, creating it in ACTIVE state
// at baseline risk when untracked. Caller holds t.mu.
func (t *Tracker) entryLocked(sessionID, userID, role string) *sessionRecord {
	rec, ok := t.entries[sessionID]
	if !ok {
		rec = &sessionRecord{
			sessionID:    sessionID,
			userID:       userID,
			role:         role,
			state:        StateActive,
			history:      newEventRing(t.cfg.HistorySize),
			lastActivity: t.now(),
		}
		t.entries[sessionID] = rec
	}
	return rec
}

// RecordEvent appends a gated-action event to the session's history,
// forwards it to the audit log, and recomputes the risk level.
func (t *Tracker) RecordEvent(sessionID, userID string, evType audit.EventType, level audit.Level, detail map[string]string) {
	ev := audit.Event{
		Type:      evType,
		Level:     level,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: t.now().UTC(),
		Detail:    detail,
	}
	if t.logger != nil {
		t.logger.Log(ev)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.entryLocked(sessionID, userID, "")
	rec.history.push(ev)
	rec.lastActivity = t.now()
	rec.riskScore = t.scoreLocked(rec)

	if rec.state != StateBlocked && rec.riskScore >= t.cfg.BlockThreshold {
		rec.state = StateBlocked
		rec.blockedReason = fmt.Sprintf("risk score %d reached threshold %d after %s",
			rec.riskScore, t.cfg.BlockThreshold, evType)
		log.Printf("🚫 Session %s blocked: %s", sessionID, rec.blockedReason)
		if t.logger != nil {
			t.logger.Log(audit.Event{
				Type:      audit.EventSessionBlocked,
				Level:     audit.LevelCritical,
				SessionID: sessionID,
				UserID:    userID,
				Detail:    map[string]string{"reason": rec.blockedReason},
			})
		}
	}
}

// scoreLocked computes the weighted risk score over the ring-buffer
// window. Repeated events of the same type inside the frequency window
// count double once three or more have landed.
func (t *Tracker) scoreLocked(rec *sessionRecord) int {
	events := rec.history.items()
	now := t.now()

	recentByType := make(map[audit.EventType]int)
	for _, ev := range events {
		if now.Sub(ev.Timestamp) <= t.cfg.FrequencyWindow {
			recentByType[ev.Type]++
		}
	}

	score := 0
	for _, ev := range events {
		w := riskWeights[ev.Level]
		if w == 0 {
			w = riskWeights[audit.LevelInfo]
		}
		if recentByType[ev.Type] >= 3 && now.Sub(ev.Timestamp) <= t.cfg.FrequencyWindow {
			w *= 2
		}
		score += w
	}
	return score
}

// Authorize checks whether the session may perform a gated action.
// Blocked sessions fail with ErrSessionBlocked regardless of elapsed
// time; only Reset unblocks.
func (t *Tracker) Authorize(sessionID string, action Action) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.entries[sessionID]
	if !ok {
		// Untracked sessions start ACTIVE on first gated action.
		return nil
	}
	if rec.state == StateBlocked {
		return &ErrSessionBlocked{SessionID: sessionID, Reason: rec.blockedReason}
	}
	rec.lastActivity = t.now()
	return nil
}

// State returns the tracker's view of the session.
func (t *Tracker) State(sessionID string) SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.entries[sessionID]
	if !ok {
		return StateUntracked
	}
	return rec.state
}

// RiskScore returns the session's current risk score.
func (t *Tracker) RiskScore(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.entries[sessionID]
	if !ok {
		return 0
	}
	return rec.riskScore
}

// History returns a copy of the session's bounded recent event window,
// oldest first.
func (t *Tracker) History(sessionID string) []audit.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.entries[sessionID]
	if !ok {
		return nil
	}
	return rec.history.items()
}

// Reset is the explicit administrative unblock. It returns the session to
// ACTIVE at baseline risk with an empty window and logs the reset. Events
// already in the audit stream are untouched.
func (t *Tracker) Reset(sessionID string) {
	t.mu.Lock()
	rec, ok := t.entries[sessionID]
	if ok {
		rec.state = StateActive
		rec.riskScore = 0
		rec.blockedReason = ""
		rec.history = newEventRing(t.cfg.HistorySize)
		rec.lastActivity = t.now()
	}
	t.mu.Unlock()

	if ok {
		log.Printf("♻️  Session %s reset by administrator", sessionID)
		if t.logger != nil {
			t.logger.Log(audit.Event{
				Type:      audit.EventSessionReset,
				Level:     audit.LevelWarning,
				SessionID: sessionID,
			})
		}
	}
}

// EvictIdle drops sessions inactive past the configured timeout. Blocked
// sessions are never evicted: expiring a block through inactivity would
// launder risk. Returns the number of evicted sessions.
func (t *Tracker) EvictIdle() int {
	if t.cfg.InactivityTimeout <= 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.cfg.InactivityTimeout)
	evicted := 0
	for id, rec := range t.entries {
		if rec.state == StateBlocked {
			continue
		}
		if rec.lastActivity.Before(cutoff) {
			delete(t.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("🧹 Evicted %d idle session trackers", evicted)
	}
	return evicted
}
