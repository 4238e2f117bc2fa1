package manager

import (
	"sync"

	"github.com/mvbarbosa/warelay/internal/media"
)

// Registry maps instance IDs to live sessions. It is an explicit value,
// constructed once and passed to the manager and the pipeline, so tests
// can run isolated instances side by side.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the live session for an instance, or nil.
func (r *Registry) Get(instanceID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[instanceID]
}

// putIfAbsent registers the session unless the instance already has a
// live one. Returns whether the session was registered.
func (r *Registry) putIfAbsent(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.instanceID]; exists {
		return false
	}
	r.sessions[s.instanceID] = s
	return true
}

// remove detaches the given session. It only removes if the registered
// session is the same value, so a stale close event cannot evict a newer
// session created by a reconnect. Returns whether a removal happened.
func (r *Registry) remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.instanceID] != s {
		return false
	}
	delete(r.sessions, s.instanceID)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshots returns a snapshot of every live session.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}

// Fetcher returns the media fetcher for a live session. Implements the
// pipeline's FetcherSource.
func (r *Registry) Fetcher(instanceID string) (media.Fetcher, bool) {
	s := r.Get(instanceID)
	if s == nil {
		return nil, false
	}
	return s.transport, true
}
