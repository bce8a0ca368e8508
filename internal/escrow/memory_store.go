package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record
	byKey   map[string]string // userID+"\x00"+idempotencyKey -> transactionID
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byKey:   make(map[string]string),
	}
}

func idemKey(userID, key string) string { return userID + "\x00" + key }

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.TransactionID]; ok {
		return ErrExists
	}
	if rec.IdempotencyKey != "" {
		if _, ok := m.byKey[idemKey(rec.UserID, rec.IdempotencyKey)]; ok {
			return ErrExists
		}
		m.byKey[idemKey(rec.UserID, rec.IdempotencyKey)] = rec.TransactionID
	}
	cp := *rec
	m.records[rec.TransactionID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, userID, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[idemKey(userID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.records[id]
	return &cp, nil
}

func (m *MemoryStore) GetByGatewayRef(ctx context.Context, ref string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.MpesaTransactionID == ref || rec.MpesaReceiptNumber == ref {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, expect Status, mutate func(*Record) error) error {
	return m.mutateUnder(id, expect, mutate, false)
}

func (m *MemoryStore) Correct(ctx context.Context, id string, expect Status, mutate func(*Record) error) error {
	return m.mutateUnder(id, expect, mutate, true)
}

func (m *MemoryStore) mutateUnder(id string, expect Status, mutate func(*Record) error, correction bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}

	// Mutate a copy so a failed mutation never dirties the stored record.
	cp := *rec
	if err := applyMutation(&cp, expect, mutate, correction); err != nil {
		return err
	}
	m.records[id] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Record, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.UserID != userID {
			continue
		}
		if o.cursor != nil && !o.cursor.Precedes(rec.CreatedAt, rec.TransactionID) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if !matches(rec, filter) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func matches(rec *Record, f ListFilter) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.Status != "" {
		return rec.Status == f.Status
	}
	if f.NonTerminal || !f.TerminalSince.IsZero() {
		if !rec.Status.IsTerminal() {
			return f.NonTerminal
		}
		return !f.TerminalSince.IsZero() && !rec.UpdatedAt.Before(f.TerminalSince)
	}
	return true
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
