// Package adapter normalizes heterogeneous CLI coding assistants behind
// one process-orchestration contract: spawn, stream, interrupt, dispose,
// all under a session's security context.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/usehatch/hatch/internal/security"
)

// ChunkKind classifies a piece of subprocess output.
type ChunkKind string

const (
	ChunkStdout ChunkKind = "stdout"
	ChunkStderr ChunkKind = "stderr"
	ChunkSystem ChunkKind = "system"
)

// OutputChunk is one piece of a process's output stream. Chunks are
// ephemeral; the core never persists them.
type OutputChunk struct {
	Kind      ChunkKind         `json:"kind"`
	Data      string            `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProcessHandle is an opaque reference to a live spawned process. It is
// immutable and owned by the adapter that created it until disposal
// removes it from the live-process table.
type ProcessHandle struct {
	ID          string    `json:"id"`
	PID         int       `json:"pid"`
	AdapterName string    `json:"adapter_name"`
	StartTime   time.Time `json:"start_time"`
}

// ExecuteOptions are per-invocation parameters. Read-only to the adapter.
type ExecuteOptions struct {
	WorkingDirectory string
	Env              map[string]string
	Timeout          time.Duration
	Interactive      bool
	Security         *security.Context
}

// Adapter is the contract every tool plugin implements.
type Adapter interface {
	// Name is the registry key for this adapter.
	Name() string
	// Version is the adapter's own version, not the tool binary's.
	Version() string
	// Capabilities lists the operations this adapter supports.
	Capabilities() []string

	// Initialize stores config and verifies the underlying CLI binary is
	// installed and responsive. Idempotent: re-initializing replaces the
	// stored config without leaking spawned processes.
	Initialize(ctx context.Context, cfg Config) error

	// Execute translates a command string into an invocation of the tool
	// and spawns it under the options' security context. Returns a handle
	// immediately; it does not wait for process completion.
	Execute(ctx context.Context, command string, opts ExecuteOptions) (*ProcessHandle, error)

	// StreamOutput returns the handle's lazy, finite, non-restartable
	// chunk sequence. Channel close is the exit signal. After a stream
	// has ended naturally, calling again yields a closed empty channel.
	StreamOutput(handle *ProcessHandle) (<-chan OutputChunk, error)

	// Interrupt requests termination of the tracked process and removes
	// it from the live table. Idempotent: interrupting an unknown handle
	// is a no-op.
	Interrupt(ctx context.Context, handle *ProcessHandle) error

	// Dispose terminates every process this adapter owns.
	Dispose(ctx context.Context) error

	// ConfigSchema describes the adapter's configuration shape.
	ConfigSchema() ConfigSchema

	// ValidateConfig structurally checks a config. It never fails with an
	// error; problems come back as a field-level result.
	ValidateConfig(cfg Config) ValidationResult
}

// ProjectCreator is the optional project-creation capability. Callers
// must query for it with a type assertion at call time.
type ProjectCreator interface {
	CreateProject(ctx context.Context, path string) error
}

// ProjectOpener is the optional project-open capability.
type ProjectOpener interface {
	OpenProject(ctx context.Context, path string) error
}

// ErrAdapterUnavailable means the underlying CLI binary is missing or
// unresponsive. Fatal to that adapter until the tool is reinstalled.
var ErrAdapterUnavailable = errors.New("adapter unavailable: tool binary missing or unresponsive")

// ErrHandleNotFound means the handle is unknown or already disposed.
var ErrHandleNotFound = errors.New("process handle not found")

// ErrStreamConsumed means StreamOutput was called again while the first
// stream is still being consumed. The sequence is forward-only and
// non-restartable.
var ErrStreamConsumed = errors.New("output stream already consumed")

// ErrNotInitialized means Execute was called before Initialize.
var ErrNotInitialized = errors.New("adapter not initialized")

// SpawnError means the OS failed to start the process. Surfaced to the
// caller and never retried automatically.
type SpawnError struct {
	Adapter string
	Cause   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("adapter %s failed to spawn process: %v", e.Adapter, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// PolicyError is a security veto raised before spawning: the working
// directory or command violated the effective restrictions.
type PolicyError struct {
	Rule   string // "denied_path", "blocked_command", "command_not_allowed"
	Detail string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("execution rejected by security policy (%s): %s", e.Rule, e.Detail)
}
