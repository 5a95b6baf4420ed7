package realtime

import "sync"

// Registry owns the set of live sessions. Sessions enter on successful
// handshake and leave on disconnect; everything else holds a *Session only as
// long as the registry still lists it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register allocates a session for an authenticated identity with an empty
// subscription set.
func (r *Registry) Register(identity Identity, sendBuffer int) *Session {
	session := newSession(identity, sendBuffer)
	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()
	return session
}

// IsLive reports whether the session is still registered. Joins that resolve
// after a disconnect consult this before applying membership.
func (r *Registry) IsLive(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Release removes the session and closes its outbound channel. Idempotent;
// returns false if the session was already gone.
func (r *Registry) Release(session *Session) bool {
	r.mu.Lock()
	_, ok := r.sessions[session.ID]
	delete(r.sessions, session.ID)
	r.mu.Unlock()
	session.close()
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of live sessions, used during teardown.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}
