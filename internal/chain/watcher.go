package chain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pesarail/pesarail/internal/metrics"
)

// Event is delivered when a watched transaction settles on-chain.
type Event struct {
	TransactionID string // escrow record the transaction belongs to
	Chain         string
	TxHash        string
	Status        Status
	Confirmations uint64
	RevertReason  string
}

// Sink receives settlement events. Delivery is at-least-once; the sink
// must tolerate duplicates.
type Sink interface {
	ApplyChainEvent(ctx context.Context, ev Event) error
}

// MinConfirmations before a mined transaction is reported as settled.
const MinConfirmations = uint64(3)

type watched struct {
	transactionID string
	chain         string
	txHash        string
	addedAt       time.Time
}

// Watcher polls registered chains for receipts of submitted transactions
// and delivers settlement events to the sink.
type Watcher struct {
	registry *Registry
	sink     Sink
	logger   *slog.Logger
	interval time.Duration
	minConfs uint64

	mu      sync.Mutex
	pending map[string]watched // keyed by tx hash

	stopCh chan struct{}
	doneCh chan struct{}
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithMinConfirmations sets the settlement threshold.
func WithMinConfirmations(n uint64) WatcherOption {
	return func(w *Watcher) { w.minConfs = n }
}

// NewWatcher creates a watcher over the registry's chains.
func NewWatcher(registry *Registry, sink Sink, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		registry: registry,
		sink:     sink,
		logger:   logger,
		interval: 10 * time.Second,
		minConfs: MinConfirmations,
		pending:  make(map[string]watched),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch registers a submitted transaction for settlement tracking.
func (w *Watcher) Watch(transactionID, chain, txHash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[txHash]; ok {
		return
	}
	w.pending[txHash] = watched{
		transactionID: transactionID,
		chain:         chain,
		txHash:        txHash,
		addedAt:       time.Now(),
	}
}

// PendingCount reports how many transactions are awaiting settlement.
func (w *Watcher) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Start begins the poll loop in a goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Stop halts the poll loop and waits for it to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("chain watcher started", "interval", w.interval, "min_confirmations", w.minConfs)

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("chain watcher stopped")
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// Poll checks every pending transaction once. Exposed for tests and the
// admin trigger; the run loop calls it on each tick.
func (w *Watcher) Poll() { w.poll() }

func (w *Watcher) poll() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("chain watcher poll panicked", "panic", r)
		}
	}()

	w.mu.Lock()
	batch := make([]watched, 0, len(w.pending))
	for _, item := range w.pending {
		batch = append(batch, item)
	}
	w.mu.Unlock()

	for _, item := range batch {
		w.check(item)
	}
}

func (w *Watcher) check(item watched) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := w.registry.Get(item.chain)
	if err != nil {
		w.logger.Error("watched transaction on unregistered chain",
			"transaction_id", item.transactionID, "chain", item.chain)
		w.remove(item.txHash)
		return
	}

	conf, err := client.Confirmation(ctx, item.txHash)
	if err != nil {
		w.logger.Warn("confirmation check failed",
			"tx_hash", item.txHash, "chain", item.chain, "error", err)
		return
	}

	switch conf.Status {
	case StatusPending:
		return
	case StatusConfirmed:
		if conf.Confirmations < w.minConfs {
			return
		}
		metrics.ChainConfirmationsTotal.WithLabelValues("confirmed").Inc()
	case StatusReverted:
		metrics.ChainConfirmationsTotal.WithLabelValues("reverted").Inc()
	}

	ev := Event{
		TransactionID: item.transactionID,
		Chain:         item.chain,
		TxHash:        item.txHash,
		Status:        conf.Status,
		Confirmations: conf.Confirmations,
	}
	if conf.Status == StatusReverted {
		ev.RevertReason = "execution reverted"
	}

	if err := w.sink.ApplyChainEvent(ctx, ev); err != nil {
		// Leave the entry in place so the next tick retries delivery.
		w.logger.Error("failed to apply chain event",
			"transaction_id", item.transactionID, "tx_hash", item.txHash, "error", err)
		return
	}
	w.remove(item.txHash)
}

func (w *Watcher) remove(txHash string) {
	w.mu.Lock()
	delete(w.pending, txHash)
	w.mu.Unlock()
}
