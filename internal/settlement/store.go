package settlement

import (
	"context"
	"fmt"
	"sync"
)

// SessionStore tracks in-flight sessions and enforces the one active
// session per surface rule.
type SessionStore interface {
	// Begin registers s as the active session of s.Surface. It returns
	// ErrAlreadyInFlight if the surface already has one.
	Begin(ctx context.Context, s *Session) error
	// Update persists the session's current state.
	Update(ctx context.Context, s *Session) error
	// End releases the surface. It is a no-op if s is not the active
	// session.
	End(ctx context.Context, s *Session) error
}

// MemoryStore is a process-local SessionStore.
type MemoryStore struct {
	mu     sync.Mutex
	active map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{active: make(map[string]Session)}
}

func (m *MemoryStore) Begin(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.active[s.Surface]; ok {
		return fmt.Errorf("surface %s has session %s: %w", s.Surface, cur.ID, ErrAlreadyInFlight)
	}
	m.active[s.Surface] = s.Snapshot()
	return nil
}

func (m *MemoryStore) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.active[s.Surface]; ok && cur.ID == s.ID {
		m.active[s.Surface] = s.Snapshot()
	}
	return nil
}

func (m *MemoryStore) End(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.active[s.Surface]; ok && cur.ID == s.ID {
		delete(m.active, s.Surface)
	}
	return nil
}

// Active returns the surface's in-flight session, if any.
func (m *MemoryStore) Active(surface string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[surface]
	return s, ok
}
