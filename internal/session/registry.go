package session

import "sync"

// Registry is the owned table of live sessions, at most one per tenant.
// All mutation goes through Registry methods; the map is never exposed.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// getOrInsert returns the live session for the tenant, or inserts and returns
// a fresh provisional one. created reports whether the caller owns the new
// entry and must drive its handshake.
func (r *Registry) getOrInsert(tenantID string) (sess *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[tenantID]; ok {
		return existing, false
	}
	sess = newSession(tenantID)
	r.sessions[tenantID] = sess
	return sess, true
}

// Get returns the live session for the tenant.
func (r *Registry) Get(tenantID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[tenantID]
	return sess, ok
}

// remove evicts the tenant's entry only if it still maps to the given
// session, so a stale eviction cannot tear down a successor session.
func (r *Registry) remove(tenantID string, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[tenantID]; !ok || current != sess {
		return false
	}
	delete(r.sessions, tenantID)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions, for listing and shutdown.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		items = append(items, sess)
	}
	return items
}
