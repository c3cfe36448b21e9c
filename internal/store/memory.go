// internal/store/memory.go
package store

import (
	"context"
	"sync"
	"time"

	"credpilot/api/schemas"
)

// Memory is an in-process Store. It backs tests and single-shot runs that
// have no database configured; durability is explicitly not provided.
type Memory struct {
	mu      sync.Mutex
	records map[string]*schemas.AccountRecord

	// now is swappable for tests.
	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*schemas.AccountRecord),
		now:     time.Now,
	}
}

func (m *Memory) Create(_ context.Context, identity, secret, machineID string) (*schemas.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[identity]; exists {
		return nil, schemas.ErrIdentityConflict
	}
	rec := newRecord(identity, secret, machineID, m.now())
	m.records[identity] = rec
	return rec.Clone(), nil
}

func (m *Memory) Transition(_ context.Context, identity string, newStatus schemas.Status, fields schemas.TransitionFields) (*schemas.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[identity]
	if !exists {
		return nil, schemas.ErrNotFound
	}
	next, err := applyTransition(rec, newStatus, fields)
	if err != nil {
		return nil, err
	}
	m.records[identity] = next
	return next.Clone(), nil
}

func (m *Memory) Get(_ context.Context, identity string) (*schemas.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[identity]
	if !exists {
		return nil, schemas.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) ListByStatus(_ context.Context, status schemas.Status) ([]*schemas.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*schemas.AccountRecord
	for _, rec := range m.records {
		if rec.Status == status {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (m *Memory) Resumable(_ context.Context) ([]*schemas.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*schemas.AccountRecord
	for _, rec := range m.records {
		if rec.Status.Resumable() {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}
