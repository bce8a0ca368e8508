package intervention

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func copyItem(item *Item) *Item {
	c := *item
	if item.ResolvedAt != nil {
		t := *item.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func (s *MemoryStore) Create(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = copyItem(item)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyItem(item), nil
}

func (s *MemoryStore) PendingByTransaction(_ context.Context, transactionID string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.TransactionID == transactionID && !item.Resolved() {
			return copyItem(item), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Pending(_ context.Context, limit int) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Item
	for _, item := range s.items {
		if !item.Resolved() {
			out = append(out, copyItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Resolve(_ context.Context, id string, resolution Resolution, operator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if item.Resolved() {
		return ErrAlreadyResolved
	}
	now := time.Now()
	item.ResolvedAt = &now
	item.Resolution = resolution
	item.Operator = operator
	return nil
}

func (s *MemoryStore) PendingCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, item := range s.items {
		if !item.Resolved() {
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
