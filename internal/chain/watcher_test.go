package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

type stubClient struct {
	name string

	mu    sync.Mutex
	confs map[string]*Confirmation
	err   error
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Transfer(_ context.Context, _, _ string, _ decimal.Decimal) (*TransferResult, error) {
	return nil, errors.New("not implemented")
}

func (s *stubClient) Confirmation(_ context.Context, txHash string) (*Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if conf, ok := s.confs[txHash]; ok {
		return conf, nil
	}
	return &Confirmation{TxHash: txHash, Status: StatusPending}, nil
}

func (s *stubClient) TokenBalance(_ context.Context, _ string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *stubClient) Close() error { return nil }

func (s *stubClient) set(txHash string, conf *Confirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confs[txHash] = conf
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) ApplyChainEvent(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestWatcher(sink Sink) (*Watcher, *stubClient) {
	client := &stubClient{name: "celo", confs: make(map[string]*Confirmation)}
	reg := NewRegistry(client)
	logger := slog.New(slog.DiscardHandler)
	return NewWatcher(reg, sink, logger, WithMinConfirmations(3)), client
}

func TestWatcher_DeliversConfirmedEvent(t *testing.T) {
	sink := &recordingSink{}
	w, client := newTestWatcher(sink)

	w.Watch("txn_1", "celo", "0xaaa")
	client.set("0xaaa", &Confirmation{TxHash: "0xaaa", Status: StatusConfirmed, Confirmations: 5})

	w.Poll()

	if sink.count() != 1 {
		t.Fatalf("events = %d, want 1", sink.count())
	}
	ev := sink.events[0]
	if ev.TransactionID != "txn_1" || ev.Status != StatusConfirmed {
		t.Errorf("unexpected event: %+v", ev)
	}
	if w.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0 after delivery", w.PendingCount())
	}
}

func TestWatcher_WaitsForMinConfirmations(t *testing.T) {
	sink := &recordingSink{}
	w, client := newTestWatcher(sink)

	w.Watch("txn_1", "celo", "0xaaa")
	client.set("0xaaa", &Confirmation{TxHash: "0xaaa", Status: StatusConfirmed, Confirmations: 1})

	w.Poll()
	if sink.count() != 0 {
		t.Fatalf("delivered below confirmation threshold")
	}
	if w.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", w.PendingCount())
	}

	client.set("0xaaa", &Confirmation{TxHash: "0xaaa", Status: StatusConfirmed, Confirmations: 3})
	w.Poll()
	if sink.count() != 1 {
		t.Fatalf("events = %d, want 1 at threshold", sink.count())
	}
}

func TestWatcher_RevertedEventCarriesReason(t *testing.T) {
	sink := &recordingSink{}
	w, client := newTestWatcher(sink)

	w.Watch("txn_1", "celo", "0xbad")
	client.set("0xbad", &Confirmation{TxHash: "0xbad", Status: StatusReverted, BlockNumber: 10})

	w.Poll()

	if sink.count() != 1 {
		t.Fatalf("events = %d, want 1", sink.count())
	}
	if sink.events[0].Status != StatusReverted || sink.events[0].RevertReason == "" {
		t.Errorf("unexpected event: %+v", sink.events[0])
	}
}

func TestWatcher_RetriesWhenSinkFails(t *testing.T) {
	sink := &recordingSink{err: errors.New("store down")}
	w, client := newTestWatcher(sink)

	w.Watch("txn_1", "celo", "0xaaa")
	client.set("0xaaa", &Confirmation{TxHash: "0xaaa", Status: StatusConfirmed, Confirmations: 5})

	w.Poll()
	if w.PendingCount() != 1 {
		t.Fatalf("entry was dropped despite sink failure")
	}

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()

	w.Poll()
	if sink.count() != 1 || w.PendingCount() != 0 {
		t.Fatalf("events = %d pending = %d after recovery", sink.count(), w.PendingCount())
	}
}

func TestWatcher_DuplicateWatchIsNoop(t *testing.T) {
	sink := &recordingSink{}
	w, _ := newTestWatcher(sink)

	w.Watch("txn_1", "celo", "0xaaa")
	w.Watch("txn_1", "celo", "0xaaa")

	if w.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", w.PendingCount())
	}
}

func TestWatcher_UnknownChainEntryDropped(t *testing.T) {
	sink := &recordingSink{}
	w, _ := newTestWatcher(sink)

	w.Watch("txn_1", "solana", "0xaaa")
	w.Poll()

	if w.PendingCount() != 0 {
		t.Fatalf("pending = %d, want 0 for unregistered chain", w.PendingCount())
	}
	if sink.count() != 0 {
		t.Fatalf("no event should be delivered for unregistered chain")
	}
}
