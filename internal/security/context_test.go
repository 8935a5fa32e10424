package security

import (
	"testing"
	"time"
)

func TestNewContextDangerousModeInvariant(t *testing.T) {
	// Preference without the permission never yields dangerous mode.
	ctx, err := NewContext(SessionParams{
		SessionID:              "s1",
		Permissions:            []string{"session:execute"},
		DangerousModePreferred: true,
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if ctx.DangerousMode {
		t.Error("dangerous mode granted without session:dangerous")
	}

	// Preference plus permission does.
	ctx, err = NewContext(SessionParams{
		SessionID:              "s2",
		Permissions:            []string{"session:execute", "session:dangerous"},
		DangerousModePreferred: true,
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if !ctx.DangerousMode {
		t.Error("dangerous mode denied despite preference and permission")
	}

	// Permission without preference stays off.
	ctx, err = NewContext(SessionParams{
		SessionID:   "s3",
		Permissions: []string{"session:dangerous"},
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if ctx.DangerousMode {
		t.Error("dangerous mode on without user preference")
	}
}

func TestNewContextRejectsUnknownPermission(t *testing.T) {
	if _, err := NewContext(SessionParams{SessionID: "s1", Permissions: []string{"root:everything"}}); err == nil {
		t.Error("unknown permission accepted")
	}
	if _, err := NewContext(SessionParams{Permissions: []string{"project:read"}}); err == nil {
		t.Error("missing session id accepted")
	}
}

func TestContextManagerLifecycle(t *testing.T) {
	m := NewContextManager()

	if _, ok := m.GetSessionSecurity("nope"); ok {
		t.Error("unknown session reported present")
	}

	params := SessionParams{
		SessionID:   "s1",
		UserID:      "u1",
		Permissions: []string{"session:execute"},
		Restrictions: Restrictions{
			AllowedPaths: []string{"/home/dev"},
			Timeout:      time.Minute,
		},
	}
	if _, err := m.InitializeSession(params); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	if _, err := m.InitializeSession(params); err == nil {
		t.Error("duplicate session accepted")
	}

	got, ok := m.GetSessionSecurity("s1")
	if !ok {
		t.Fatal("session missing after initialize")
	}

	// Returned contexts are copies; mutating one must not leak back.
	got.Restrictions.AllowedPaths[0] = "/tmp/evil"
	again, _ := m.GetSessionSecurity("s1")
	if again.Restrictions.AllowedPaths[0] != "/home/dev" {
		t.Error("caller mutation leaked into the manager's context")
	}

	// Restriction changes go through replacement, never mutation.
	params.Restrictions.AllowedPaths = []string{"/home/dev", "/srv/data"}
	if _, err := m.ReplaceSession(params); err != nil {
		t.Fatalf("ReplaceSession: %v", err)
	}
	replaced, _ := m.GetSessionSecurity("s1")
	if len(replaced.Restrictions.AllowedPaths) != 2 {
		t.Errorf("replacement not visible: %v", replaced.Restrictions.AllowedPaths)
	}

	m.DropSession("s1")
	if _, ok := m.GetSessionSecurity("s1"); ok {
		t.Error("session present after drop")
	}
}

func TestRestrictionsPathAllowed(t *testing.T) {
	tests := []struct {
		name string
		r    Restrictions
		path string
		want bool
	}{
		{"empty allows anywhere", Restrictions{}, "/anywhere", true},
		{"wildcard allows anywhere", Restrictions{AllowedPaths: []string{"**"}}, "/anywhere", true},
		{"inside allowed", Restrictions{AllowedPaths: []string{"/home/dev"}}, "/home/dev/proj", true},
		{"outside allowed", Restrictions{AllowedPaths: []string{"/home/dev"}}, "/etc", false},
		{"deny wins over allow", Restrictions{AllowedPaths: []string{"/home"}, DeniedPaths: []string{"/home/dev/secrets"}}, "/home/dev/secrets/key", false},
		{"prefix is not containment", Restrictions{AllowedPaths: []string{"/home/dev"}}, "/home/devops", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.PathAllowed(tt.path); got != tt.want {
				t.Errorf("PathAllowed(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestRestrictionsBlockedCommandMatch(t *testing.T) {
	r := Restrictions{BlockedCommands: []string{"rm -rf /", "mkfs"}}

	if got := r.BlockedCommandMatch("sudo rm -rf / --no-preserve-root"); got != "rm -rf /" {
		t.Errorf("match = %q, want rm -rf /", got)
	}
	if got := r.BlockedCommandMatch("ls -la"); got != "" {
		t.Errorf("match = %q, want empty", got)
	}
}
