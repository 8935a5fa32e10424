package security

import "testing"

func TestParsePermission(t *testing.T) {
	for _, tok := range []string{
		"project:read", "project:write", "project:create",
		"session:create", "session:execute", "session:dangerous",
		"adapter:use", "adapter:manage", "system:admin",
	} {
		if _, err := ParsePermission(tok); err != nil {
			t.Errorf("ParsePermission(%q): %v", tok, err)
		}
	}

	for _, tok := range []string{"", "project:delete", "admin", "session:*"} {
		if _, err := ParsePermission(tok); err == nil {
			t.Errorf("ParsePermission(%q) accepted unknown token", tok)
		}
	}
}

func TestPermissionSet(t *testing.T) {
	set, err := NewPermissionSet([]string{"project:read", "session:execute"})
	if err != nil {
		t.Fatalf("NewPermissionSet: %v", err)
	}

	if !set.Has(PermProjectRead) || !set.Has(PermSessionExecute) {
		t.Error("granted permissions not reported")
	}
	if set.Has(PermSystemAdmin) {
		t.Error("ungranted permission reported")
	}

	// One bad token fails the whole set; partial grants would be worse
	// than no grant.
	if _, err := NewPermissionSet([]string{"project:read", "bogus"}); err == nil {
		t.Error("set with unknown token accepted")
	}

	clone := set.Clone()
	if !clone.Has(PermProjectRead) {
		t.Error("clone lost permission")
	}
}
