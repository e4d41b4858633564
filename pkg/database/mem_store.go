package database

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store for tests. SetSaveError makes every
// subsequent Save fail until cleared.
type MemStore struct {
	mu      sync.Mutex
	docs    map[string][]byte
	saves   map[string]int
	saveErr error
	closed  bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		docs:  make(map[string][]byte),
		saves: make(map[string]int),
	}
}

func (m *MemStore) Load(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

func (m *MemStore) Save(ctx context.Context, key string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	stored := make([]byte, len(doc))
	copy(stored, doc)
	m.docs[key] = stored
	m.saves[key]++
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Put seeds a document without counting it as a save
func (m *MemStore) Put(key string, doc []byte) {
	m.mu.Lock()
	m.docs[key] = append([]byte(nil), doc...)
	m.mu.Unlock()
}

// SetSaveError makes Save return err; nil restores normal behavior
func (m *MemStore) SetSaveError(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

// SaveCount reports how many successful saves key has seen
func (m *MemStore) SaveCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[key]
}

// Closed reports whether Close has been called
func (m *MemStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
