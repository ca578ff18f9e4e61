package lock

import (
	"context"
	"sync"
)

// MemoryStore keeps locks in a process-local map. It exists for tests and
// single-process deployments; it provides no cross-process exclusivity.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]Lock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: map[string]Lock{}}
}

func (m *MemoryStore) Insert(_ context.Context, l Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[l.Key]; ok {
		return ErrHeld
	}
	m.locks[l.Key] = l
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		return Lock{}, ErrNotFound
	}
	return l, nil
}

func (m *MemoryStore) Delete(_ context.Context, key, lockID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok || l.LockID != lockID {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}
