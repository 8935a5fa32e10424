package adapter

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/usehatch/hatch/internal/audit"
	"github.com/usehatch/hatch/internal/security"
)

func newTestBase(t *testing.T) *BaseAdapter {
	t.Helper()
	b := NewBase("test-tool", "1.0.0", []string{"execute", "stream"})
	b.SetConfig(Config{Name: "test-tool", Enabled: true})
	return b
}

func drain(t *testing.T, chunks <-chan OutputChunk) []OutputChunk {
	t.Helper()
	var out []OutputChunk
	deadline := time.After(10 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-deadline:
			t.Fatal("timed out draining output stream")
		}
	}
}

func TestSpawnStreamsToCompletion(t *testing.T) {
	b := newTestBase(t)

	handle, err := b.Spawn(context.Background(), []string{"echo", "hello"}, "say hello", ExecuteOptions{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if handle.PID <= 0 {
		t.Errorf("expected positive pid, got %d", handle.PID)
	}
	if handle.AdapterName != "test-tool" {
		t.Errorf("handle adapter = %q, want test-tool", handle.AdapterName)
	}

	chunks, err := b.StreamOutput(handle)
	if err != nil {
		t.Fatalf("StreamOutput: %v", err)
	}

	out := drain(t, chunks)
	if len(out) < 2 {
		t.Fatalf("expected stdout + exit chunks, got %d chunks", len(out))
	}

	if out[0].Kind != ChunkStdout || out[0].Data != "hello" {
		t.Errorf("first chunk = %+v, want stdout hello", out[0])
	}

	last := out[len(out)-1]
	if last.Kind != ChunkSystem {
		t.Errorf("last chunk kind = %s, want system", last.Kind)
	}
	if code, err := strconv.Atoi(last.Metadata["exit_code"]); err != nil || code != 0 {
		t.Errorf("exit_code = %q, want 0", last.Metadata["exit_code"])
	}
}

func TestStreamAfterNaturalEndReturnsClosedChannel(t *testing.T) {
	b := newTestBase(t)

	handle, err := b.Spawn(context.Background(), []string{"echo", "done"}, "echo", ExecuteOptions{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	first, err := b.StreamOutput(handle)
	if err != nil {
		t.Fatalf("StreamOutput: %v", err)
	}
	drain(t, first)

	second, err := b.StreamOutput(handle)
	if err != nil {
		t.Fatalf("second StreamOutput after natural end: %v", err)
	}
	if chunk, ok := <-second; ok {
		t.Errorf("expected closed empty channel, received %+v", chunk)
	}
}

func TestStreamSingleConsumer(t *testing.T) {
	b := newTestBase(t)

	handle, err := b.Spawn(context.Background(), []string{"sleep", "30"}, "sleep", ExecuteOptions{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer b.Interrupt(context.Background(), handle)

	if _, err := b.StreamOutput(handle); err != nil {
		t.Fatalf("first StreamOutput: %v", err)
	}
	if _, err := b.StreamOutput(handle); !errors.Is(err, ErrStreamConsumed) {
		t.Errorf("second StreamOutput err = %v, want ErrStreamConsumed", err)
	}
}

func TestStreamUnknownHandle(t *testing.T) {
	b := newTestBase(t)

	_, err := b.StreamOutput(&ProcessHandle{ID: "nope"})
	if !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("err = %v, want ErrHandleNotFound", err)
	}
}

func TestInterruptIdempotent(t *testing.T) {
	b := newTestBase(t)

	handle, err := b.Spawn(context.Background(), []string{"sleep", "30"}, "sleep", ExecuteOptions{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := b.Interrupt(context.Background(), handle); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	// Second interrupt of the same handle is a quiet no-op.
	if err := b.Interrupt(context.Background(), handle); err != nil {
		t.Errorf("repeat Interrupt: %v", err)
	}
	if err := b.Interrupt(context.Background(), nil); err != nil {
		t.Errorf("nil-handle Interrupt: %v", err)
	}

	// An interrupted handle is removed from the table, not marked ended.
	if _, err := b.StreamOutput(handle); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("StreamOutput after interrupt err = %v, want ErrHandleNotFound", err)
	}
	if n := len(b.LiveProcesses()); n != 0 {
		t.Errorf("live processes after interrupt = %d, want 0", n)
	}
}

func TestDisposeTerminatesAll(t *testing.T) {
	b := newTestBase(t)

	h1, err := b.Spawn(context.Background(), []string{"sleep", "30"}, "sleep", ExecuteOptions{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	h2, err := b.Spawn(context.Background(), []string{"sleep", "30"}, "sleep", ExecuteOptions{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Dispose(ctx); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	if n := len(b.LiveProcesses()); n != 0 {
		t.Errorf("live processes after dispose = %d, want 0", n)
	}
	for _, h := range []*ProcessHandle{h1, h2} {
		if _, err := b.StreamOutput(h); !errors.Is(err, ErrHandleNotFound) {
			t.Errorf("StreamOutput(%s) after dispose err = %v, want ErrHandleNotFound", h.ID, err)
		}
	}
}

func TestSpawnRequiresInitialize(t *testing.T) {
	b := NewBase("test-tool", "1.0.0", nil)

	_, err := b.Spawn(context.Background(), []string{"echo", "hi"}, "hi", ExecuteOptions{})
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestTimeoutKillsProcess(t *testing.T) {
	b := newTestBase(t)

	handle, err := b.Spawn(context.Background(), []string{"sleep", "30"}, "sleep",
		ExecuteOptions{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	chunks, err := b.StreamOutput(handle)
	if err != nil {
		t.Fatalf("StreamOutput: %v", err)
	}

	out := drain(t, chunks)
	last := out[len(out)-1]
	if last.Kind != ChunkSystem {
		t.Fatalf("last chunk kind = %s, want system", last.Kind)
	}
	if last.Metadata["exit_code"] == "0" {
		t.Error("expected nonzero exit after timeout kill")
	}
}

func TestBenignSpawnsDoNotRaiseRisk(t *testing.T) {
	b := newTestBase(t)
	logger := audit.NewLogger(nil)
	tracker := security.NewTracker(security.DefaultTrackerConfig(), logger)
	b.AttachSecurity(tracker, logger)

	sec, err := security.NewContext(security.SessionParams{
		SessionID:   "clean-session",
		Permissions: []string{"session:execute"},
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	tracker.Touch(sec.SessionID, sec.UserID, "", false)

	// A burst of policy-clean executes is routine activity, not abuse.
	for i := 0; i < 20; i++ {
		handle, err := b.Spawn(context.Background(), []string{"true"}, "noop", ExecuteOptions{Security: sec})
		if err != nil {
			t.Fatalf("Spawn %d: %v", i, err)
		}
		chunks, err := b.StreamOutput(handle)
		if err != nil {
			t.Fatalf("StreamOutput %d: %v", i, err)
		}
		drain(t, chunks)
	}

	if state := tracker.State(sec.SessionID); state != security.StateActive {
		t.Errorf("state after benign spawns = %s, want active", state)
	}
	if score := tracker.RiskScore(sec.SessionID); score != 0 {
		t.Errorf("risk score after benign spawns = %d, want 0", score)
	}
	if err := tracker.Authorize(sec.SessionID, security.ActionExecute); err != nil {
		t.Errorf("Authorize after benign spawns: %v", err)
	}
}

func TestGateBlockedCommand(t *testing.T) {
	b := newTestBase(t)

	_, err := b.Spawn(context.Background(), []string{"echo", "hi"}, "rm -rf /", ExecuteOptions{})
	var policy *PolicyError
	if !errors.As(err, &policy) {
		t.Fatalf("err = %v, want PolicyError", err)
	}
	if policy.Rule != "blocked_command" {
		t.Errorf("rule = %q, want blocked_command", policy.Rule)
	}
}

func TestGateSessionBlockedCommand(t *testing.T) {
	b := newTestBase(t)

	sec, err := security.NewContext(security.SessionParams{
		SessionID:   "s1",
		Permissions: []string{"session:execute"},
		Restrictions: security.Restrictions{
			BlockedCommands: []string{"curl"},
		},
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	_, err = b.Spawn(context.Background(), []string{"echo", "hi"}, "curl http://evil", ExecuteOptions{Security: sec})
	var policy *PolicyError
	if !errors.As(err, &policy) {
		t.Fatalf("err = %v, want PolicyError", err)
	}
}

func TestGateDeniedPath(t *testing.T) {
	b := newTestBase(t)

	sec, err := security.NewContext(security.SessionParams{
		SessionID: "s1",
		Restrictions: security.Restrictions{
			DeniedPaths: []string{"/etc"},
		},
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	_, err = b.Spawn(context.Background(), []string{"echo", "hi"}, "hi",
		ExecuteOptions{WorkingDirectory: "/etc", Security: sec})
	var policy *PolicyError
	if !errors.As(err, &policy) {
		t.Fatalf("err = %v, want PolicyError", err)
	}
	if policy.Rule != "denied_path" {
		t.Errorf("rule = %q, want denied_path", policy.Rule)
	}
}

func TestGateCommandAllowlist(t *testing.T) {
	b := newTestBase(t)

	sec, err := security.NewContext(security.SessionParams{
		SessionID: "s1",
		Restrictions: security.Restrictions{
			AllowedCommands: []string{"git"},
		},
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	// Flagged input is screened against the allowlist.
	_, err = b.Spawn(context.Background(), []string{"echo", "hi"}, "ls -la", ExecuteOptions{Security: sec})
	var policy *PolicyError
	if !errors.As(err, &policy) {
		t.Fatalf("flagged command err = %v, want PolicyError", err)
	}

	// Natural-language input is a prompt, not a program.
	if _, err := b.Spawn(context.Background(), []string{"echo", "hi"}, "please list my files", ExecuteOptions{Security: sec}); err != nil {
		t.Errorf("natural-language command rejected: %v", err)
	}
}

func TestScrubbedEnv(t *testing.T) {
	env := scrubbedEnv(map[string]string{"API_KEY": "secret"})

	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "PATH=") {
		t.Error("PATH missing from scrubbed env")
	}
	if !strings.Contains(joined, "API_KEY=secret") {
		t.Error("override missing from scrubbed env")
	}
	if len(env) != 3 {
		t.Errorf("env has %d entries, want 3 (PATH, HOME, override)", len(env))
	}
}

func TestEffectiveTimeoutPrecedence(t *testing.T) {
	cfg := Config{Security: SecurityConfig{TimeoutMS: 60000}}
	sec := &security.Context{Restrictions: security.Restrictions{Timeout: 30 * time.Second}}

	if got := effectiveTimeout(ExecuteOptions{Timeout: time.Second, Security: sec}, cfg); got != time.Second {
		t.Errorf("options timeout = %v, want 1s", got)
	}
	if got := effectiveTimeout(ExecuteOptions{Security: sec}, cfg); got != 30*time.Second {
		t.Errorf("session timeout = %v, want 30s", got)
	}
	if got := effectiveTimeout(ExecuteOptions{}, cfg); got != time.Minute {
		t.Errorf("adapter timeout = %v, want 1m", got)
	}
}
