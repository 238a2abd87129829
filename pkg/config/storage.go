package config

import (
	"context"
	"sync"
)

// Storage persists the configuration region.
// Implementations may back it with flash, a file or memory.
//
// All methods must be safe for concurrent use.
type Storage interface {
	// Store replaces the stored payload.
	Store(ctx context.Context, p *Payload) error

	// Retrieve returns the stored payload, or nil when nothing was ever stored.
	Retrieve(ctx context.Context) (*Payload, error)
}

// MemoryStorage is an in-memory Storage implementation.
// Useful for testing. Data is lost when the process exits.
type MemoryStorage struct {
	mu      sync.RWMutex
	payload *Payload
	stores  int
}

// NewMemoryStorage creates an empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Store implements Storage.
func (m *MemoryStorage) Store(_ context.Context, p *Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *p
	m.payload = &c
	m.stores++
	return nil
}

// Retrieve implements Storage.
func (m *MemoryStorage) Retrieve(_ context.Context) (*Payload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.payload == nil {
		return nil, nil
	}
	c := *m.payload
	return &c, nil
}

// Stores returns how many times Store was called.
func (m *MemoryStorage) Stores() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stores
}

var _ Storage = (*MemoryStorage)(nil)
