// Package security holds the per-session security model: permission sets,
// resolved security contexts, the session risk tracker, and the auth rate
// limiter.
package security

import (
	"fmt"
	"sort"
)

// Permission is a capability token. The set of tokens is closed: parsing
// an unknown token is an error, never a silent skip.
type Permission string

const (
	PermProjectRead      Permission = "project:read"
	PermProjectWrite     Permission = "project:write"
	PermProjectCreate    Permission = "project:create"
	PermSessionCreate    Permission = "session:create"
	PermSessionExecute   Permission = "session:execute"
	PermSessionDangerous Permission = "session:dangerous"
	PermAdapterUse       Permission = "adapter:use"
	PermAdapterManage    Permission = "adapter:manage"
	PermSystemAdmin      Permission = "system:admin"
)

var knownPermissions = map[Permission]bool{
	PermProjectRead:      true,
	PermProjectWrite:     true,
	PermProjectCreate:    true,
	PermSessionCreate:    true,
	PermSessionExecute:   true,
	PermSessionDangerous: true,
	PermAdapterUse:       true,
	PermAdapterManage:    true,
	PermSystemAdmin:      true,
}

// ParsePermission validates a permission token.
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if !knownPermissions[p] {
		return "", fmt.Errorf("unknown permission: %q", s)
	}
	return p, nil
}

// PermissionSet is a set of granted capability tokens.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from raw tokens, rejecting unknown ones.
func NewPermissionSet(tokens []string) (PermissionSet, error) {
	set := make(PermissionSet, len(tokens))
	for _, tok := range tokens {
		p, err := ParsePermission(tok)
		if err != nil {
			return nil, err
		}
		set[p] = struct{}{}
	}
	return set, nil
}

// Has reports whether the permission is granted.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Clone returns an independent copy of the set.
func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

// List returns the granted tokens in stable order.
func (s PermissionSet) List() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}
