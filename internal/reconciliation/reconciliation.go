// Package reconciliation repairs escrow records whose status disagrees
// with the strongest available settlement evidence.
//
// Two rules, both idempotent:
//
//	R1: a record marked failed or error that carries a crypto transaction
//	    hash is corrected to completed. The hash is the strongest signal
//	    that funds moved; a rail timeout after the fact does not undo it.
//	R2: a record marked completed with no crypto transaction hash whose
//	    age since creation exceeds the stale window is corrected to failed.
//
// Corrections go through the store's audited correction path and never
// erase history.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pesarail/pesarail/internal/escrow"
	"github.com/pesarail/pesarail/internal/metrics"
	"github.com/pesarail/pesarail/internal/traces"
)

const (
	// RuleHashPresent corrects failed/error records that carry proof of
	// on-chain settlement.
	RuleHashPresent = "R1"
	// RuleStaleCompleted corrects completed records that never produced
	// on-chain proof.
	RuleStaleCompleted = "R2"

	// DefaultStaleCompletedAfter is how long a completed record may lack
	// a crypto transaction hash before R2 fails it.
	DefaultStaleCompletedAfter = 24 * time.Hour

	// DefaultSweepLimit bounds one sweep's scan.
	DefaultSweepLimit = 500
)

// Correction describes one applied status correction.
type Correction struct {
	TransactionID  string        `json:"transactionId"`
	Rule           string        `json:"rule"`
	OriginalStatus escrow.Status `json:"originalStatus"`
	NewStatus      escrow.Status `json:"newStatus"`
	Reason         string        `json:"reason"`
}

// Summary reports one sweep.
type Summary struct {
	TotalProcessed        int          `json:"totalProcessed"`
	SuccessfullyCorrected int          `json:"successfullyCorrected"`
	MarkedAsFailed        int          `json:"markedAsFailed"`
	ErrorsEncountered     int          `json:"errorsEncountered"`
	Corrections           []Correction `json:"corrections"`
	StartedAt             time.Time    `json:"startedAt"`
	Duration              string       `json:"duration"`
}

// Notifier receives corrected records, for the realtime feed.
type Notifier interface {
	TransactionUpdated(rec *escrow.Record)
}

// Engine applies the reconciliation rules.
type Engine struct {
	escrows             escrow.Store
	logger              *slog.Logger
	staleCompletedAfter time.Duration
	sweepLimit          int
	notifier            Notifier
	now                 func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithStaleCompletedAfter tunes the R2 window.
func WithStaleCompletedAfter(d time.Duration) Option {
	return func(e *Engine) { e.staleCompletedAfter = d }
}

// WithSweepLimit bounds how many records one sweep examines.
func WithSweepLimit(n int) Option {
	return func(e *Engine) { e.sweepLimit = n }
}

// WithNotifier attaches a status-change listener.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// withClock overrides time for tests.
func withClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a reconciliation engine.
func NewEngine(escrows escrow.Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		escrows:             escrows,
		logger:              logger,
		staleCompletedAfter: DefaultStaleCompletedAfter,
		sweepLimit:          DefaultSweepLimit,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile applies the rules to one record. It returns the (possibly
// corrected) record and whether a correction was applied. Applying it
// twice is safe; a corrected record matches no rule.
func (e *Engine) Reconcile(ctx context.Context, rec *escrow.Record) (*escrow.Record, bool, error) {
	rule, newStatus, reason := e.match(rec)
	if rule == "" {
		return rec, false, nil
	}

	original := rec.Status
	err := e.escrows.Correct(ctx, rec.TransactionID, original, func(r *escrow.Record) error {
		now := e.now()
		r.Status = newStatus
		r.Metadata.StatusCorrected = true
		r.Metadata.CorrectedAt = &now
		r.Metadata.OriginalStatus = original
		r.Metadata.CorrectionReason = reason
		if newStatus == escrow.StatusCompleted && r.CompletedAt == nil {
			r.CompletedAt = &now
		}
		return nil
	})
	if errors.Is(err, escrow.ErrStatusConflict) {
		// A concurrent writer moved the record first; re-read and report
		// the fresher state uncorrected.
		fresh, gerr := e.escrows.Get(ctx, rec.TransactionID)
		if gerr != nil {
			return rec, false, gerr
		}
		return fresh, false, nil
	}
	if err != nil {
		return rec, false, err
	}

	metrics.ReconciliationCorrectionsTotal.WithLabelValues(rule).Inc()
	e.logger.Info("reconciliation correction applied",
		"transaction_id", rec.TransactionID, "rule", rule,
		"from", original, "to", newStatus)

	corrected, err := e.escrows.Get(ctx, rec.TransactionID)
	if err != nil {
		return rec, true, err
	}
	if e.notifier != nil {
		e.notifier.TransactionUpdated(corrected)
	}
	return corrected, true, nil
}

// match returns the applicable rule, target status and audit reason, or
// an empty rule when the record is consistent.
func (e *Engine) match(rec *escrow.Record) (rule string, newStatus escrow.Status, reason string) {
	switch {
	case rec.CryptoTransactionHash != "" &&
		(rec.Status == escrow.StatusFailed || rec.Status == escrow.StatusError):
		return RuleHashPresent, escrow.StatusCompleted,
			"crypto transaction hash present; funds settled on-chain"

	case rec.CryptoTransactionHash == "" && rec.Status == escrow.StatusCompleted &&
		e.now().Sub(rec.CreatedAt) > e.staleCompletedAfter:
		return RuleStaleCompleted, escrow.StatusFailed,
			fmt.Sprintf("no on-chain settlement proof within %s of creation", e.staleCompletedAfter)
	}
	return "", "", ""
}

// Sweep scans non-terminal and recently-terminal records and applies
// the rules to each.
func (e *Engine) Sweep(ctx context.Context, window time.Duration) (*Summary, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Sweep")
	defer span.End()

	start := e.now()
	summary := &Summary{StartedAt: start}

	recs, err := e.escrows.List(ctx, escrow.ListFilter{
		NonTerminal:   true,
		TerminalSince: start.Add(-window),
	}, e.sweepLimit)
	if err != nil {
		return nil, err
	}

	for _, rec := range recs {
		summary.TotalProcessed++
		corrected, changed, rerr := e.Reconcile(ctx, rec)
		if rerr != nil {
			summary.ErrorsEncountered++
			e.logger.Error("reconcile failed during sweep",
				"transaction_id", rec.TransactionID, "error", rerr)
			continue
		}
		if !changed {
			continue
		}
		c := Correction{
			TransactionID:  rec.TransactionID,
			OriginalStatus: rec.Status,
			NewStatus:      corrected.Status,
			Reason:         corrected.Metadata.CorrectionReason,
		}
		switch corrected.Status {
		case escrow.StatusCompleted:
			c.Rule = RuleHashPresent
			summary.SuccessfullyCorrected++
		case escrow.StatusFailed:
			c.Rule = RuleStaleCompleted
			summary.MarkedAsFailed++
		}
		summary.Corrections = append(summary.Corrections, c)
	}

	summary.Duration = e.now().Sub(start).String()
	metrics.ReconciliationSweepsTotal.Inc()
	e.logger.Info("reconciliation sweep finished",
		"processed", summary.TotalProcessed,
		"corrected", summary.SuccessfullyCorrected,
		"failed", summary.MarkedAsFailed,
		"errors", summary.ErrorsEncountered)
	return summary, nil
}
