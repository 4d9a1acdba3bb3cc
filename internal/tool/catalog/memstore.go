package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

type key struct{ tenant, name string }

// MemStore is an in-memory [Store].
type MemStore struct {
	mu      sync.RWMutex
	entries map[key]Entry
	now     func() time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[key]Entry), now: time.Now}
}

func (s *MemStore) Get(_ context.Context, tenant, name string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key{tenant, name}]
	if !ok {
		return nil, nil
	}
	return cloneEntry(e), nil
}

func (s *MemStore) Upsert(_ context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{e.Tenant, e.Name}
	now := s.now()
	e.CreatedAt, e.UpdatedAt = now, now
	if old, ok := s.entries[k]; ok {
		e.CreatedAt = old.CreatedAt
	}
	s.entries[k] = *cloneEntry(*e)
	return nil
}

func (s *MemStore) Update(_ context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{e.Tenant, e.Name}
	old, ok := s.entries[k]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, e.Name)
	}
	e.CreatedAt = old.CreatedAt
	e.UpdatedAt = s.now()
	s.entries[k] = *cloneEntry(*e)
	return nil
}

func (s *MemStore) Delete(_ context.Context, tenant, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key{tenant, name})
	return nil
}

func (s *MemStore) List(_ context.Context, tenant string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for k, e := range s.entries {
		if k.tenant == tenant {
			out = append(out, *cloneEntry(e))
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func cloneEntry(e Entry) *Entry {
	e.Parameters = slices.Clone(e.Parameters)
	return &e
}
