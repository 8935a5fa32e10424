package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/usehatch/hatch/internal/audit"
	"github.com/usehatch/hatch/internal/security"
)

// LineTransform converts one raw output line into a chunk. Adapters that
// speak a structured wire format (like stream-json) install their own
// transform; the default passes lines through unparsed.
type LineTransform func(kind ChunkKind, line string) OutputChunk

// chunkBufferSize is the per-process chunk channel capacity.
const chunkBufferSize = 256

// endedHandleLimit bounds the table of naturally-ended handle ids kept to
// distinguish "stream finished" from "handle never existed".
const endedHandleLimit = 4096

// managedProcess is one live entry in the adapter's process table.
type managedProcess struct {
	handle  *ProcessHandle
	cmd     *exec.Cmd
	chunks  chan OutputChunk
	claimed bool

	timeout *time.Timer

	// abandon is closed on interrupt/dispose so output pumps never block
	// forever on an unread chunk channel.
	abandon     chan struct{}
	abandonOnce sync.Once

	// done is closed after the process has been reaped and the table
	// cleaned up.
	done chan struct{}
}

func (p *managedProcess) markAbandoned() {
	p.abandonOnce.Do(func() { close(p.abandon) })
}

// BaseAdapter supplies the shared process-management logic behind every
// tool adapter: the live-process table, output streaming, interruption,
// disposal, timeout supervision, and the pre-spawn security gate.
// Concrete adapters embed it and translate commands into argument
// vectors.
type BaseAdapter struct {
	name         string
	version      string
	capabilities []string
	transform    LineTransform

	tracker *security.Tracker
	auditor *audit.Logger

	mu    sync.Mutex
	cfg   *Config
	procs map[string]*managedProcess
	ended map[string]struct{}
}

// NewBase creates the shared core for a named adapter.
func NewBase(name, version string, capabilities []string) *BaseAdapter {
	return &BaseAdapter{
		name:         name,
		version:      version,
		capabilities: capabilities,
		procs:        make(map[string]*managedProcess),
		ended:        make(map[string]struct{}),
	}
}

// AttachSecurity wires the session tracker and audit logger consulted by
// the pre-spawn gate. Both may be nil for standalone library use.
func (b *BaseAdapter) AttachSecurity(tracker *security.Tracker, auditor *audit.Logger) {
	b.tracker = tracker
	b.auditor = auditor
}

// SetLineTransform installs the adapter's wire-format parser.
func (b *BaseAdapter) SetLineTransform(fn LineTransform) {
	b.transform = fn
}

// Name implements Adapter.
func (b *BaseAdapter) Name() string { return b.name }

// Version implements Adapter.
func (b *BaseAdapter) Version() string { return b.version }

// Capabilities implements Adapter.
func (b *BaseAdapter) Capabilities() []string {
	return append([]string(nil), b.capabilities...)
}

// ConfigSchema implements Adapter with the shared config shape.
func (b *BaseAdapter) ConfigSchema() ConfigSchema {
	return baseConfigSchema()
}

// ValidateConfig implements Adapter. Never returns an error; problems
// come back as the field error list.
func (b *BaseAdapter) ValidateConfig(cfg Config) ValidationResult {
	return validateConfig(cfg)
}

// SetConfig stores the adapter config. Re-initialization replaces the
// config without touching already-spawned processes.
func (b *BaseAdapter) SetConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = &cfg
}

// Config returns a copy of the stored config, or false before Initialize.
func (b *BaseAdapter) Config() (Config, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg == nil {
		return Config{}, false
	}
	return *b.cfg, true
}

// ProbeBinary runs a version probe against the tool binary. Returns the
// trimmed probe output, or ErrAdapterUnavailable when the binary cannot
// be located or responds with nonzero/empty output.
func (b *BaseAdapter) ProbeBinary(ctx context.Context, bin string, args ...string) (string, error) {
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("%w: %s not found in PATH", ErrAdapterUnavailable, bin)
	}

	out, err := exec.CommandContext(ctx, bin, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s version probe failed: %v", ErrAdapterUnavailable, bin, err)
	}
	version := strings.TrimSpace(string(out))
	if version == "" {
		return "", fmt.Errorf("%w: %s version probe returned no output", ErrAdapterUnavailable, bin)
	}
	return version, nil
}

// Spawn starts the tool process under the options' security context and
// registers it in the live-process table. The raw command string is what
// the security gate screens; argv is the already-translated invocation.
func (b *BaseAdapter) Spawn(ctx context.Context, argv []string, command string, opts ExecuteOptions) (*ProcessHandle, error) {
	if len(argv) == 0 {
		return nil, &SpawnError{Adapter: b.name, Cause: fmt.Errorf("empty argument vector")}
	}

	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()
	if cfg == nil {
		return nil, ErrNotInitialized
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("adapter %s is disabled", b.name)
	}

	if err := b.gate(command, *cfg, opts); err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = scrubbedEnv(opts.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Adapter: b.name, Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Adapter: b.name, Cause: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Adapter: b.name, Cause: err}
	}

	handle := &ProcessHandle{
		ID:          uuid.New().String(),
		PID:         cmd.Process.Pid,
		AdapterName: b.name,
		StartTime:   time.Now(),
	}

	mp := &managedProcess{
		handle:  handle,
		cmd:     cmd,
		chunks:  make(chan OutputChunk, chunkBufferSize),
		abandon: make(chan struct{}),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.procs[handle.ID] = mp
	b.mu.Unlock()

	// Supervising timer: enforce the effective timeout by killing the
	// process. Stream end then reports the exit to the consumer.
	if timeout := effectiveTimeout(opts, *cfg); timeout > 0 {
		mp.timeout = time.AfterFunc(timeout, func() {
			log.Printf("⏱️  Process %s (pid %d) exceeded %s timeout, killing", handle.ID, handle.PID, timeout)
			b.auditEvent(opts.Security, audit.EventProcessTimeout, audit.LevelWarning, map[string]string{
				"handle_id": handle.ID,
				"adapter":   b.name,
				"timeout":   timeout.String(),
			})
			_ = cmd.Process.Kill()
		})
	}

	log.Printf("🚀 Spawned %s process: pid=%d handle=%s", b.name, handle.PID, handle.ID)
	b.auditEvent(opts.Security, audit.EventProcessSpawned, audit.LevelInfo, map[string]string{
		"handle_id": handle.ID,
		"adapter":   b.name,
		"pid":       fmt.Sprintf("%d", handle.PID),
		"workdir":   opts.WorkingDirectory,
	})

	var pumps sync.WaitGroup
	pumps.Add(2)
	go b.pump(mp, ChunkStdout, stdout, &pumps)
	go b.pump(mp, ChunkStderr, stderr, &pumps)
	go b.reap(mp, &pumps)

	return handle, nil
}

// pump reads one output stream line by line into the chunk channel.
func (b *BaseAdapter) pump(mp *managedProcess, kind ChunkKind, r io.Reader, pumps *sync.WaitGroup) {
	defer pumps.Done()

	scanner := bufio.NewScanner(r)
	// Large buffer for tools that emit whole JSON documents per line.
	const maxLine = 1024 * 1024
	scanner.Buffer(make([]byte, maxLine), maxLine)

	for scanner.Scan() {
		line := scanner.Text()

		var chunk OutputChunk
		if b.transform != nil {
			chunk = b.transform(kind, line)
		} else {
			chunk = OutputChunk{Kind: kind, Data: line}
		}
		if chunk.Timestamp.IsZero() {
			chunk.Timestamp = time.Now()
		}

		select {
		case mp.chunks <- chunk:
		case <-mp.abandon:
			return
		}
	}
}

// reap waits for the pumps and the process, emits the terminal system
// chunk, closes the stream, and cleans up the live table.
func (b *BaseAdapter) reap(mp *managedProcess, pumps *sync.WaitGroup) {
	pumps.Wait()
	err := mp.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	exit := OutputChunk{
		Kind:      ChunkSystem,
		Data:      fmt.Sprintf("process exited with code %d", exitCode),
		Timestamp: time.Now(),
		Metadata:  map[string]string{"exit_code": fmt.Sprintf("%d", exitCode)},
	}
	select {
	case mp.chunks <- exit:
	case <-mp.abandon:
	}
	close(mp.chunks)

	if mp.timeout != nil {
		mp.timeout.Stop()
	}

	b.mu.Lock()
	// Only a natural exit marks the handle as ended; interrupted or
	// disposed handles were already removed and become not-found.
	if _, live := b.procs[mp.handle.ID]; live {
		delete(b.procs, mp.handle.ID)
		if len(b.ended) >= endedHandleLimit {
			b.ended = make(map[string]struct{})
		}
		b.ended[mp.handle.ID] = struct{}{}
	}
	b.mu.Unlock()

	log.Printf("🏁 Process %s (pid %d) exited with code %d", mp.handle.ID, mp.handle.PID, exitCode)
	close(mp.done)
}

// StreamOutput implements Adapter. The returned channel is forward-only
// and non-restartable: one consumer per handle, channel close is the exit
// signal, and a second call after natural end yields a closed empty
// channel.
func (b *BaseAdapter) StreamOutput(handle *ProcessHandle) (<-chan OutputChunk, error) {
	if handle == nil {
		return nil, ErrHandleNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if mp, ok := b.procs[handle.ID]; ok {
		if mp.claimed {
			return nil, ErrStreamConsumed
		}
		mp.claimed = true
		return mp.chunks, nil
	}

	if _, finished := b.ended[handle.ID]; finished {
		empty := make(chan OutputChunk)
		close(empty)
		return empty, nil
	}

	return nil, ErrHandleNotFound
}

// Interrupt implements Adapter. Sends a termination signal to the tracked
// process and removes it from the live table. Idempotent: interrupting an
// already-gone handle is a no-op. It does not wait for the process to
// exit; end of the output stream is the exit signal.
func (b *BaseAdapter) Interrupt(ctx context.Context, handle *ProcessHandle) error {
	if handle == nil {
		return nil
	}

	b.mu.Lock()
	mp, ok := b.procs[handle.ID]
	if ok {
		delete(b.procs, handle.ID)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}

	mp.markAbandoned()
	if mp.timeout != nil {
		mp.timeout.Stop()
	}
	if err := mp.cmd.Process.Kill(); err != nil {
		// Process may already be gone; that still counts as interrupted.
		log.Printf("⚠️  Failed to kill process %s (pid %d): %v", handle.ID, handle.PID, err)
	}

	log.Printf("🛑 Interrupted process %s (pid %d)", handle.ID, handle.PID)
	// No session context at interrupt time, so this goes straight to the
	// audit log rather than through the tracker.
	if b.auditor != nil {
		b.auditor.Log(audit.Event{
			Type:   audit.EventProcessInterrupted,
			Level:  audit.LevelInfo,
			Detail: map[string]string{"handle_id": handle.ID, "adapter": b.name},
		})
	}
	return nil
}

// Dispose implements Adapter: terminates every process this adapter owns.
// Safe to call when processes have already exited.
func (b *BaseAdapter) Dispose(ctx context.Context) error {
	b.mu.Lock()
	snapshot := make([]*managedProcess, 0, len(b.procs))
	for id, mp := range b.procs {
		snapshot = append(snapshot, mp)
		delete(b.procs, id)
	}
	b.mu.Unlock()

	for _, mp := range snapshot {
		mp.markAbandoned()
		if mp.timeout != nil {
			mp.timeout.Stop()
		}
		_ = mp.cmd.Process.Kill()
	}

	// Wait for reapers without holding the lock; bounded so disposal
	// cannot deadlock on a process that already exited.
	for _, mp := range snapshot {
		select {
		case <-mp.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			log.Printf("⚠️  Timed out waiting for process %s to be reaped", mp.handle.ID)
		}
	}

	if len(snapshot) > 0 {
		log.Printf("🧹 Disposed %d %s process(es)", len(snapshot), b.name)
	}
	return nil
}

// LiveProcesses returns the handles currently in the live table.
func (b *BaseAdapter) LiveProcesses() []*ProcessHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*ProcessHandle, 0, len(b.procs))
	for _, mp := range b.procs {
		h := *mp.handle
		out = append(out, &h)
	}
	return out
}

// gate screens the invocation against the merged adapter and session
// policy before anything is spawned. Violations are recorded through the
// tracker so repeated abuse escalates the session's risk level.
func (b *BaseAdapter) gate(command string, cfg Config, opts ExecuteOptions) error {
	sec := opts.Security

	// Blocked commands: defaults, adapter config, then session policy.
	blocked := security.Restrictions{BlockedCommands: DefaultBlockedCommands}
	if pattern := blocked.BlockedCommandMatch(command); pattern != "" {
		return b.veto(sec, "blocked_command", pattern, audit.EventBlockedCommand, audit.LevelCritical, command)
	}
	adapterBlocked := security.Restrictions{BlockedCommands: cfg.Security.BlockedCommands}
	if pattern := adapterBlocked.BlockedCommandMatch(command); pattern != "" {
		return b.veto(sec, "blocked_command", pattern, audit.EventBlockedCommand, audit.LevelCritical, command)
	}
	if sec != nil {
		if pattern := sec.Restrictions.BlockedCommandMatch(command); pattern != "" {
			return b.veto(sec, "blocked_command", pattern, audit.EventBlockedCommand, audit.LevelCritical, command)
		}
	}

	// Working directory against session and adapter path policy.
	if dir := opts.WorkingDirectory; dir != "" {
		if sec != nil && !sec.Restrictions.PathAllowed(dir) {
			return b.veto(sec, "denied_path", dir, audit.EventDeniedPath, audit.LevelWarning, dir)
		}
		adapterPaths := security.Restrictions{AllowedPaths: cfg.Security.AllowedPaths}
		if !adapterPaths.PathAllowed(dir) {
			return b.veto(sec, "denied_path", dir, audit.EventDeniedPath, audit.LevelWarning, dir)
		}
	}

	// Command allowlist applies only to flagged (tokenized) input; a
	// natural-language message is a prompt, not a program.
	if sec != nil && len(sec.Restrictions.AllowedCommands) > 0 {
		if tokens := ParseCommand(command); len(tokens) > 1 {
			allowed := false
			for _, c := range sec.Restrictions.AllowedCommands {
				if c == tokens[0] {
					allowed = true
					break
				}
			}
			if !allowed {
				return b.veto(sec, "command_not_allowed", tokens[0], audit.EventBlockedCommand, audit.LevelWarning, command)
			}
		}
	}

	// Dangerous mode: consult the session tracker. A blocked session can
	// never execute dangerously, regardless of elapsed time.
	if sec != nil && sec.DangerousMode {
		if b.tracker != nil {
			if err := b.tracker.Authorize(sec.SessionID, security.ActionDangerousMode); err != nil {
				return err
			}
		}
		b.recordEvent(sec, audit.EventDangerousCommand, audit.LevelWarning, map[string]string{
			"adapter": b.name,
			"command": command,
		})
	}

	return nil
}

// veto records a policy violation and returns the caller-facing error.
func (b *BaseAdapter) veto(sec *security.Context, rule, detail string, evType audit.EventType, level audit.Level, command string) error {
	b.recordEvent(sec, evType, level, map[string]string{
		"adapter": b.name,
		"rule":    rule,
		"match":   detail,
		"command": command,
	})
	return &PolicyError{Rule: rule, Detail: detail}
}

// auditEvent writes an event to the audit trail without touching the
// session's risk score. Routine process lifecycle goes here; only gated
// actions feed the tracker.
func (b *BaseAdapter) auditEvent(sec *security.Context, evType audit.EventType, level audit.Level, detail map[string]string) {
	if b.auditor == nil {
		return
	}
	ev := audit.Event{Type: evType, Level: level, Detail: detail}
	if sec != nil {
		ev.SessionID, ev.UserID = sec.SessionID, sec.UserID
	}
	b.auditor.Log(ev)
}

// recordEvent routes a gated-action event through the tracker when one is
// attached, falling back to the plain audit logger. Tracker events raise
// the session's risk score, so nothing benign belongs here.
func (b *BaseAdapter) recordEvent(sec *security.Context, evType audit.EventType, level audit.Level, detail map[string]string) {
	sessionID, userID := "", ""
	if sec != nil {
		sessionID, userID = sec.SessionID, sec.UserID
	}
	if b.tracker != nil {
		b.tracker.RecordEvent(sessionID, userID, evType, level, detail)
		return
	}
	if b.auditor != nil {
		b.auditor.Log(audit.Event{
			Type:      evType,
			Level:     level,
			SessionID: sessionID,
			UserID:    userID,
			Detail:    detail,
		})
	}
}

// scrubbedEnv builds the child environment: PATH and HOME pass through
// (the tools need their own state directories), everything else comes
// from explicit overrides.
func scrubbedEnv(overrides map[string]string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// effectiveTimeout resolves the supervising timeout: per-invocation
// options win, then session restrictions, then adapter config.
func effectiveTimeout(opts ExecuteOptions, cfg Config) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if opts.Security != nil && opts.Security.Restrictions.Timeout > 0 {
		return opts.Security.Restrictions.Timeout
	}
	return cfg.Security.Timeout()
}
