package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore keeps the token pair in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	pair TokenPair
}

// Compile-time check to ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore seeded with pair.
func NewMemoryStore(pair TokenPair) *MemoryStore {
	return &MemoryStore{pair: pair}
}

func (m *MemoryStore) Save(ctx context.Context, pair TokenPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.pair = m.pair.merge(pair)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context) (TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return TokenPair{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair, nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.pair = TokenPair{}
	m.mu.Unlock()
	return nil
}
