package session

import (
	"context"
	"sync"

	"mindline-server/pkg/errors"
)

// Store is the persistence contract behind the session manager. Each call must
// apply atomically; the manager serializes calls per session on top of it.
type Store interface {
	Create(ctx context.Context, session *Session) error
	FindByID(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// MemoryStore is the default in-process store, also used as the test backend
type MemoryStore struct {
	mutex    sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create stores a new session
func (s *MemoryStore) Create(ctx context.Context, session *Session) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return errors.ErrAlreadyExists
	}
	s.sessions[session.ID] = session.clone()
	return nil
}

// FindByID returns a copy of the stored session
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*Session, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, errors.NewSessionNotFound(id)
	}
	return session.clone(), nil
}

// Save overwrites the stored session
func (s *MemoryStore) Save(ctx context.Context, session *Session) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sessions[session.ID] = session.clone()
	return nil
}

// Delete removes a session
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.sessions, id)
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
