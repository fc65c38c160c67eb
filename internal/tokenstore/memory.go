package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Used for tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// Compile-time check to ensure MemoryStore implements CredentialStore
var _ CredentialStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Get returns the record for memberID or ErrNotFound.
func (m *MemoryStore) Get(ctx context.Context, memberID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[memberID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Upsert validates and stores the record, replacing any previous one.
func (m *MemoryStore) Upsert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.records[rec.MemberID] = rec.stamped(m.now())
	m.mu.Unlock()
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
