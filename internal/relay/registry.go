package relay

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Registry maps identities to their active sessions. It holds only sessions
// that completed the join handshake.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// TryAdd binds name to s unless name is already taken.
func (r *Registry) TryAdd(name string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[name]; taken {
		return false
	}
	r.sessions[name] = s
	return true
}

// Remove unbinds name and reports whether it was present.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[name]; !ok {
		return false
	}
	delete(r.sessions, name)
	return true
}

// Get resolves name to its session.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[name]
	return s, ok
}

// Snapshot returns the registered names in sorted order.
func (r *Registry) Snapshot() []string {
	names, _ := r.view()
	return names
}

// Sessions returns the registered sessions at one point in time.
func (r *Registry) Sessions() []*Session {
	_, sessions := r.view()
	return sessions
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// view captures names and sessions under the same read lock so a presence
// list always matches the set of sessions it is delivered to.
func (r *Registry) view() ([]string, []*Session) {
	r.mu.RLock()
	names := lo.Keys(r.sessions)
	sessions := lo.Values(r.sessions)
	r.mu.RUnlock()

	slices.Sort(names)
	return names, sessions
}
