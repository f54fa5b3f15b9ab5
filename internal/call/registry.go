package call

import (
	"errors"
	"log"
	"sync"
)

var (
	ErrNotFound      = errors.New("call session not found")
	ErrAlreadyExists = errors.New("call session already exists")
)

// Registry owns the lifetime of all active call sessions.
//
// The registry mutex only guards the map; it is never held across I/O or an
// upstream call.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session for callSID. Creating over a live session
// is an error so a duplicate stream can never silently orphan the first.
func (r *Registry) Create(callSID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[callSID]; ok {
		return nil, ErrAlreadyExists
	}
	s := NewSession(callSID)
	r.sessions[callSID] = s
	log.Printf("[%s] session created", callSID)
	return s, nil
}

func (r *Registry) Get(callSID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callSID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *Registry) Remove(callSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[callSID]; ok {
		delete(r.sessions, callSID)
		log.Printf("[%s] session removed", callSID)
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot reports the call id and state of every active session.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make(map[string]State, len(sessions))
	for _, s := range sessions {
		out[s.CallSID] = s.State()
	}
	return out
}
