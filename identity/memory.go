package identity

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory UserStore for development and tests
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string // email -> id
}

var _ UserStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryStore) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byEmail[user.Email]; taken {
		return ErrEmailTaken
	}
	cp := *user
	m.byID[user.ID] = &cp
	m.byEmail[user.Email] = user.ID
	return nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}
