package security

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Restrictions are the resource and policy limits attached to a session.
// They are immutable once the session's context is published; changing
// policy means replacing the session record, never mutating in place.
type Restrictions struct {
	AllowedPaths    []string      `json:"allowed_paths,omitempty"`
	DeniedPaths     []string      `json:"denied_paths,omitempty"`
	AllowedCommands []string      `json:"allowed_commands,omitempty"`
	BlockedCommands []string      `json:"blocked_commands,omitempty"`
	MaxMemory       int64         `json:"max_memory,omitempty"` // bytes
	MaxCPU          float64       `json:"max_cpu,omitempty"`    // fraction of one core
	Timeout         time.Duration `json:"timeout,omitempty"`
}

// PathAllowed reports whether path passes the allow/deny lists. Denied
// paths win over allowed ones; an empty allow list means "anywhere".
func (r Restrictions) PathAllowed(path string) bool {
	clean := filepath.Clean(path)

	for _, denied := range r.DeniedPaths {
		if pathWithin(clean, denied) {
			return false
		}
	}

	if len(r.AllowedPaths) == 0 {
		return true
	}
	for _, allowed := range r.AllowedPaths {
		if allowed == "**" || pathWithin(clean, allowed) {
			return true
		}
	}
	return false
}

// BlockedCommandMatch returns the first blocked pattern contained in the
// command, or "" if none match. Patterns are plain substrings, matching
// the destructive-shell screening of the tool adapters.
func (r Restrictions) BlockedCommandMatch(command string) string {
	for _, pattern := range r.BlockedCommands {
		if pattern != "" && strings.Contains(command, pattern) {
			return pattern
		}
	}
	return ""
}

func pathWithin(path, root string) bool {
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// Context is the resolved, per-session bundle of permissions and
// restrictions governing what an adapter invocation may do.
//
// Invariant: DangerousMode is true only if Permissions holds
// session:dangerous. NewContext enforces this.
type Context struct {
	SessionID     string
	UserID        string
	Permissions   PermissionSet
	DangerousMode bool
	Restrictions  Restrictions
	AuditEnabled  bool
}

// Has reports whether the context grants the permission.
func (c *Context) Has(p Permission) bool {
	return c.Permissions.Has(p)
}

// SessionParams are the inputs for building a session's security context.
type SessionParams struct {
	SessionID   string
	UserID      string
	Permissions []string

	// DangerousModePreferred is the user's persisted preference. It only
	// takes effect when the session also holds session:dangerous.
	DangerousModePreferred bool

	Restrictions Restrictions
	AuditEnabled bool
}

// NewContext resolves params into a context, rejecting unknown permission
// tokens. Dangerous mode is the AND of preference and permission.
func NewContext(p SessionParams) (*Context, error) {
	if p.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	perms, err := NewPermissionSet(p.Permissions)
	if err != nil {
		return nil, err
	}

	return &Context{
		SessionID:     p.SessionID,
		UserID:        p.UserID,
		Permissions:   perms,
		DangerousMode: p.DangerousModePreferred && perms.Has(PermSessionDangerous),
		Restrictions:  p.Restrictions,
		AuditEnabled:  p.AuditEnabled,
	}, nil
}

// ContextManager is the single source of truth mapping session id to
// security context. Contexts are built completely before publication, so
// callers never observe a partially initialized entry.
type ContextManager struct {
	mu       sync.RWMutex
	sessions map[string]*Context
}

// NewContextManager creates an empty manager.
func NewContextManager() *ContextManager {
	return &ContextManager{sessions: make(map[string]*Context)}
}

// InitializeSession creates and publishes the context for a new session.
// Initializing an already-known session is an error; use ReplaceSession
// to change policy.
func (m *ContextManager) InitializeSession(p SessionParams) (*Context, error) {
	ctx, err := NewContext(p)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[p.SessionID]; exists {
		return nil, fmt.Errorf("session already initialized: %s", p.SessionID)
	}
	m.sessions[p.SessionID] = ctx

	log.Printf("🔐 Security context initialized for session %s (dangerous=%v, %d permissions)",
		p.SessionID, ctx.DangerousMode, len(ctx.Permissions))
	return ctx.copy(), nil
}

// ReplaceSession swaps in a freshly built context for the session. This
// is the only way to change a session's restrictions: readers holding the
// old context keep a consistent snapshot.
func (m *ContextManager) ReplaceSession(p SessionParams) (*Context, error) {
	ctx, err := NewContext(p)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[p.SessionID]; !exists {
		return nil, fmt.Errorf("session not initialized: %s", p.SessionID)
	}
	m.sessions[p.SessionID] = ctx
	return ctx.copy(), nil
}

// GetSessionSecurity returns a copy of the session's context, or false if
// the session is unknown.
func (m *ContextManager) GetSessionSecurity(sessionID string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return ctx.copy(), true
}

// DropSession removes the session's context.
func (m *ContextManager) DropSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// copy returns an independent snapshot so callers cannot mutate the
// published context through the returned pointer.
func (c *Context) copy() *Context {
	out := *c
	out.Permissions = c.Permissions.Clone()
	out.Restrictions.AllowedPaths = append([]string(nil), c.Restrictions.AllowedPaths...)
	out.Restrictions.DeniedPaths = append([]string(nil), c.Restrictions.DeniedPaths...)
	out.Restrictions.AllowedCommands = append([]string(nil), c.Restrictions.AllowedCommands...)
	out.Restrictions.BlockedCommands = append([]string(nil), c.Restrictions.BlockedCommands...)
	return &out
}
