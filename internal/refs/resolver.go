// Package refs extracts cross-record references from document bodies and
// maintains the reverse-lookup edge table. Resolution handles literal
// "Type/id" references, URN-style identifiers seen during batch imports,
// and absolute URLs pointing outside the store.
package refs

import (
	"strings"
	"sync"
)

// Target is a resolved (record type, record id) pair.
type Target struct {
	Type string
	ID   string
}

// SessionResolver maps import-session-local opaque identifiers (URN
// literals) to targets. It is populated as a bulk import assigns ids and
// consulted for every URN reference. Absent in normal online operation.
type SessionResolver struct {
	mu sync.RWMutex
	m  map[string]Target
}

// NewSessionResolver creates an empty session table.
func NewSessionResolver() *SessionResolver {
	return &SessionResolver{m: make(map[string]Target)}
}

// Register records that urn now identifies target.
func (s *SessionResolver) Register(urn string, target Target) {
	s.mu.Lock()
	s.m[urn] = target
	s.mu.Unlock()
}

// Lookup resolves a URN literal registered earlier in the session.
func (s *SessionResolver) Lookup(urn string) (Target, bool) {
	s.mu.RLock()
	t, ok := s.m[urn]
	s.mu.RUnlock()
	return t, ok
}

// Resolve maps a raw reference literal to a target. The second return is
// false when the literal cannot be resolved yet: an unregistered URN, an
// absolute URL outside the store, or a fragment reference. Unresolved
// references are recorded as edges with an empty target, never treated
// as errors.
func Resolve(raw string, session *SessionResolver) (Target, bool) {
	switch {
	case raw == "":
		return Target{}, false
	case strings.HasPrefix(raw, "urn:"):
		if session == nil {
			return Target{}, false
		}
		return session.Lookup(raw)
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return Target{}, false
	case strings.HasPrefix(raw, "#"):
		return Target{}, false
	}

	parts := strings.Split(raw, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Target{}, false
	}
	return Target{Type: parts[0], ID: parts[1]}, true
}
