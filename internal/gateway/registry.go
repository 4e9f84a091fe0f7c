package gateway

import "sync"

// Registry is the process-wide mapping from user ID to that user's one live
// session. It enforces the single-session-per-user rule: registering a new
// session atomically evicts the predecessor, and unregistration is
// compare-and-remove so a slow-closing predecessor can never undo its
// successor's registration.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register installs s as the live session for userID and returns the evicted
// predecessor, if any. The caller must close the predecessor with a
// connection-replaced reason.
func (r *Registry) Register(userID string, s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[userID]
	r.sessions[userID] = s
	return prev
}

// Unregister removes the mapping for userID only if s is still the
// registered session. Reports whether the mapping was removed.
func (r *Registry) Unregister(userID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[userID] != s {
		return false
	}
	delete(r.sessions, userID)
	return true
}

// Lookup returns the registered session for userID, if any.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	return s, ok
}

// Snapshot returns the currently registered sessions in unspecified order.
// The dispatcher scans it each pass; shutdown broadcasts over it.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
