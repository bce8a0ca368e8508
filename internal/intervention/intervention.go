// Package intervention is the manual-intervention queue.
//
// Transactions land here when automated processing gives up: retries
// exhausted, or a fault the system cannot classify. Operators resolve
// items by submitting the missing settlement proof or by rolling the
// transaction back. Resolution always goes through the escrow store's
// audited correction path; nothing is ever deleted.
package intervention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesarail/pesarail/internal/escrow"
	"github.com/pesarail/pesarail/internal/idgen"
	"github.com/pesarail/pesarail/internal/metrics"
)

var (
	ErrNotFound        = errors.New("intervention: item not found")
	ErrAlreadyResolved = errors.New("intervention: item already resolved")
	ErrNoProof         = errors.New("intervention: receipt or transaction hash required")
)

// Resolution records how an operator closed an item.
type Resolution string

const (
	ResolutionReceipt  Resolution = "receipt_submitted"
	ResolutionRollback Resolution = "rolled_back"
)

// Item is one transaction awaiting an operator.
type Item struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	Reason        string     `json:"reason"`
	LastError     string     `json:"lastError,omitempty"`
	RetryCount    int        `json:"retryCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	Resolution    Resolution `json:"resolution,omitempty"`
	Operator      string     `json:"operator,omitempty"`
}

// Resolved reports whether an operator has closed the item.
func (i *Item) Resolved() bool { return i.ResolvedAt != nil }

// Store persists queue items.
type Store interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	// PendingByTransaction returns the open item for a transaction, or
	// ErrNotFound.
	PendingByTransaction(ctx context.Context, transactionID string) (*Item, error)
	Pending(ctx context.Context, limit int) ([]*Item, error)
	Resolve(ctx context.Context, id string, resolution Resolution, operator string) error
	PendingCount(ctx context.Context) (int, error)
}

// ReceiptProof is the settlement evidence an operator submits.
type ReceiptProof struct {
	MpesaReceiptNumber    string
	CryptoTransactionHash string
	Note                  string
}

// Service manages the queue and resolves items against escrow records.
type Service struct {
	store   Store
	escrows escrow.Store
	logger  *slog.Logger
}

// NewService creates the queue service.
func NewService(store Store, escrows escrow.Store, logger *slog.Logger) *Service {
	return &Service{store: store, escrows: escrows, logger: logger}
}

// Enqueue adds a transaction to the queue. Safe to call twice for the
// same transaction; the second call returns the existing open item.
func (s *Service) Enqueue(ctx context.Context, rec *escrow.Record, reason, lastError string) (*Item, error) {
	if existing, err := s.store.PendingByTransaction(ctx, rec.TransactionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	item := &Item{
		ID:            idgen.WithPrefix("iq_"),
		TransactionID: rec.TransactionID,
		Reason:        reason,
		LastError:     lastError,
		RetryCount:    rec.RetryCount,
		CreatedAt:     time.Now(),
	}
	if err := s.store.Create(ctx, item); err != nil {
		return nil, err
	}

	s.syncDepthGauge(ctx)
	s.logger.Warn("transaction queued for manual intervention",
		"transaction_id", rec.TransactionID, "item_id", item.ID, "reason", reason)
	return item, nil
}

// Pending lists open items, oldest first.
func (s *Service) Pending(ctx context.Context, limit int) ([]*Item, error) {
	return s.store.Pending(ctx, limit)
}

// Get returns one item.
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	return s.store.Get(ctx, id)
}

// SubmitReceipt closes an item by attaching the settlement proof the
// automated path never received, correcting the record to completed.
func (s *Service) SubmitReceipt(ctx context.Context, itemID, operator string, proof ReceiptProof) (*escrow.Record, error) {
	if proof.MpesaReceiptNumber == "" && proof.CryptoTransactionHash == "" {
		return nil, ErrNoProof
	}

	item, err := s.store.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Resolved() {
		return nil, ErrAlreadyResolved
	}

	rec, err := s.escrows.Get(ctx, item.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("escrow record for item %s: %w", itemID, err)
	}

	err = s.escrows.Correct(ctx, rec.TransactionID, rec.Status, func(r *escrow.Record) error {
		if proof.MpesaReceiptNumber != "" {
			r.MpesaReceiptNumber = proof.MpesaReceiptNumber
		}
		if proof.CryptoTransactionHash != "" {
			r.CryptoTransactionHash = proof.CryptoTransactionHash
		}
		original := r.Status
		r.Status = escrow.StatusCompleted
		now := time.Now()
		r.CompletedAt = &now
		r.Metadata.StatusCorrected = true
		r.Metadata.CorrectedAt = &now
		r.Metadata.OriginalStatus = original
		r.Metadata.CorrectionReason = "operator submitted settlement proof"
		r.Metadata.OperatorAction = "submit_receipt"
		r.Metadata.ReceiptSubmittedBy = operator
		if proof.Note != "" {
			r.Metadata.InternalFaultNote = proof.Note
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Resolve(ctx, itemID, ResolutionReceipt, operator); err != nil {
		return nil, err
	}
	s.syncDepthGauge(ctx)

	s.logger.Info("intervention resolved with receipt",
		"item_id", itemID, "transaction_id", rec.TransactionID, "operator", operator)
	return s.escrows.Get(ctx, rec.TransactionID)
}

// Rollback closes an item by marking the transaction failed and writing
// a platform operation record documenting the reversal. The original
// record is corrected in place, never removed.
func (s *Service) Rollback(ctx context.Context, itemID, operator, reason string) (*escrow.Record, error) {
	if reason == "" {
		return nil, fmt.Errorf("intervention: rollback reason required")
	}

	item, err := s.store.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Resolved() {
		return nil, ErrAlreadyResolved
	}

	rec, err := s.escrows.Get(ctx, item.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("escrow record for item %s: %w", itemID, err)
	}

	err = s.escrows.Correct(ctx, rec.TransactionID, rec.Status, func(r *escrow.Record) error {
		original := r.Status
		r.Status = escrow.StatusFailed
		now := time.Now()
		r.Metadata.StatusCorrected = true
		r.Metadata.CorrectedAt = &now
		r.Metadata.OriginalStatus = original
		r.Metadata.CorrectionReason = "operator rollback: " + reason
		r.Metadata.OperatorAction = "rollback"
		r.Metadata.RolledBackBy = operator
		r.Metadata.RollbackReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	audit := &escrow.Record{
		TransactionID: idgen.WithPrefix("txn_"),
		UserID:        rec.UserID,
		Type:          escrow.TypePlatformOperation,
		Status:        escrow.StatusCompleted,
		Amount:        rec.Amount,
		CryptoAmount:  decimal.Zero,
		Chain:         rec.Chain,
		TokenSymbol:   rec.TokenSymbol,
		Metadata: escrow.Metadata{
			OperatorAction: "rollback",
			RollbackOf:     rec.TransactionID,
			RolledBackBy:   operator,
			RollbackReason: reason,
		},
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
	if err := s.escrows.Create(ctx, audit); err != nil {
		return nil, fmt.Errorf("rollback audit record: %w", err)
	}

	if err := s.store.Resolve(ctx, itemID, ResolutionRollback, operator); err != nil {
		return nil, err
	}
	s.syncDepthGauge(ctx)

	s.logger.Info("intervention resolved with rollback",
		"item_id", itemID, "transaction_id", rec.TransactionID,
		"operator", operator, "audit_record", audit.TransactionID)
	return s.escrows.Get(ctx, rec.TransactionID)
}

func (s *Service) syncDepthGauge(ctx context.Context) {
	if n, err := s.store.PendingCount(ctx); err == nil {
		metrics.InterventionQueueDepth.Set(float64(n))
	}
}
