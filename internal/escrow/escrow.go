// Package escrow holds the durable transaction record for one cross-rail
// conversion attempt.
//
// An escrow record is the unit of truth for a fiat<->crypto conversion:
//  1. Orchestrator accepts a request -> record created in `pending`
//  2. One rail confirms intent -> `reserved`
//  3. Both legs in flight -> `processing`
//  4. Terminal: `completed`, `failed` (rail said no) or `error` (we broke)
//
// Records are never deleted; terminal records are the audit ledger.
// Reconciliation may rewrite a terminal status, but only with an audit
// trail appended to the record's metadata.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesarail/pesarail/internal/pagination"
)

var (
	ErrNotFound       = errors.New("escrow: record not found")
	ErrExists         = errors.New("escrow: record already exists")
	ErrStatusConflict = errors.New("escrow: status changed since last read")
	ErrBadTransition  = errors.New("escrow: illegal status transition")
)

// Type classifies a transaction by which rails it touches and in what order.
type Type string

const (
	TypeFiatToCrypto      Type = "fiat_to_crypto"
	TypeCryptoToFiat      Type = "crypto_to_fiat"
	TypeCryptoToPaybill   Type = "crypto_to_paybill"
	TypeCryptoToTill      Type = "crypto_to_till"
	TypeTokenTransfer     Type = "token_transfer"
	TypePlatformOperation Type = "platform_operation"
)

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	switch t {
	case TypeFiatToCrypto, TypeCryptoToFiat, TypeCryptoToPaybill,
		TypeCryptoToTill, TypeTokenTransfer, TypePlatformOperation:
		return true
	}
	return false
}

// Status is the escrow lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"    // created, no external confirmation yet
	StatusReserved   Status = "reserved"   // one rail confirmed, awaiting the other
	StatusProcessing Status = "processing" // both legs in flight
	StatusCompleted  Status = "completed"  // both legs settled
	StatusFailed     Status = "failed"     // a rail rejected, or reconciliation gave up
	StatusError      Status = "error"      // unexpected fault, needs investigation
)

// IsTerminal returns true for final states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError:
		return true
	}
	return false
}

// transitions is the single source of truth for legal status moves.
// Terminal states have no forward edges; reconciliation corrections go
// through Store.Correct, not this table.
var transitions = map[Status][]Status{
	StatusPending:    {StatusReserved, StatusProcessing, StatusCompleted, StatusFailed, StatusError},
	StatusReserved:   {StatusProcessing, StatusCompleted, StatusFailed, StatusError},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusError},
}

// CanTransition reports whether from -> to is a legal forward transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Metadata is the closed set of audit fields a record can carry.
// Fields are append-only in spirit: corrections add fields, nothing
// ever clears history.
type Metadata struct {
	// Reconciliation audit trail.
	StatusCorrected  bool       `json:"statusCorrected,omitempty"`
	CorrectedAt      *time.Time `json:"correctedAt,omitempty"`
	OriginalStatus   Status     `json:"originalStatus,omitempty"`
	CorrectionReason string     `json:"correctionReason,omitempty"`

	// Rail-reported failure detail (business rejection, not our fault).
	FailureReason     string `json:"failureReason,omitempty"`
	GatewayResultCode *int   `json:"gatewayResultCode,omitempty"`
	GatewayResultDesc string `json:"gatewayResultDesc,omitempty"`
	ChainRevertReason string `json:"chainRevertReason,omitempty"`
	InternalFaultNote string `json:"internalFaultNote,omitempty"`

	// Operation-specific detail.
	Phone              string `json:"phone,omitempty"`
	Destination        string `json:"destination,omitempty"`
	PaybillNumber      string `json:"paybillNumber,omitempty"`
	TillNumber         string `json:"tillNumber,omitempty"`
	AccountReference   string `json:"accountReference,omitempty"`
	OperatorAction     string `json:"operatorAction,omitempty"`
	ReceiptSubmittedBy string `json:"receiptSubmittedBy,omitempty"`

	// Manual rollback audit. RollbackOf links the audit record to the
	// transaction it rolls back; RolledBackBy names the operator.
	RollbackOf     string `json:"rollbackOf,omitempty"`
	RolledBackBy   string `json:"rolledBackBy,omitempty"`
	RollbackReason string `json:"rollbackReason,omitempty"`
}

// Record is one cross-rail conversion attempt.
type Record struct {
	TransactionID  string          `json:"transactionId"`
	UserID         string          `json:"userId,omitempty"` // empty for platform operations
	IdempotencyKey string          `json:"-"`
	Type           Type            `json:"type"`
	Status         Status          `json:"status"`
	Amount         decimal.Decimal `json:"amount"`       // fiat (KES)
	CryptoAmount   decimal.Decimal `json:"cryptoAmount"` // token units
	Chain          string          `json:"chain"`
	TokenSymbol    string          `json:"tokenSymbol"`

	// Rail receipts. A non-empty CryptoTransactionHash is the strongest
	// available signal that funds actually moved on-chain.
	CryptoTransactionHash string `json:"cryptoTransactionHash,omitempty"`
	MpesaTransactionID    string `json:"mpesaTransactionId,omitempty"`
	MpesaReceiptNumber    string `json:"mpesaReceiptNumber,omitempty"`

	Metadata Metadata `json:"metadata"`

	RetryCount  int        `json:"retryCount"`
	LastRetryAt *time.Time `json:"lastRetryAt,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// HasSettlementProof reports whether at least one rail has produced a
// receipt proving funds moved.
func (r *Record) HasSettlementProof() bool {
	return r.CryptoTransactionHash != "" || r.MpesaTransactionID != "" || r.MpesaReceiptNumber != ""
}

// ListFilter selects records for sweeps and operator views.
type ListFilter struct {
	UserID        string
	Status        Status    // empty = any
	NonTerminal   bool      // include pending/reserved/processing
	TerminalSince time.Time // include terminal records updated at/after this instant
}

// applyMutation runs a status-conditional mutation against a freshly-read
// record. Both stores funnel through it so the transition rules live in
// exactly one place:
//
//   - stored status must still equal expect (ErrStatusConflict otherwise)
//   - UpdateStatus (correction=false) never moves out of a terminal state
//     and only follows edges in the transition table
//   - Correct (correction=true) may rewrite terminal states but must leave
//     the correction audit fields populated
func applyMutation(rec *Record, expect Status, mutate func(*Record) error, correction bool) error {
	if rec.Status != expect {
		return ErrStatusConflict
	}
	if !correction && expect.IsTerminal() {
		return ErrBadTransition
	}

	if err := mutate(rec); err != nil {
		return err
	}

	if rec.Status != expect {
		if correction {
			if !rec.Metadata.StatusCorrected || rec.Metadata.CorrectionReason == "" {
				return ErrBadTransition
			}
		} else if !CanTransition(expect, rec.Status) {
			return ErrBadTransition
		}
	}
	rec.UpdatedAt = time.Now()
	return nil
}

// Store persists escrow records.
//
// UpdateStatus is the only mutation path for live records: it re-reads the
// record, rejects the update with ErrStatusConflict if the stored status no
// longer matches expect, applies mutate, and persists. Exactly one of two
// concurrent writers wins; the loser must re-read and retry or no-op.
//
// Correct is the reconciliation-only path: the same compare-and-swap, but
// it permits terminal -> terminal moves. Callers append the correction
// audit fields inside mutate.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*Record, error)
	GetByGatewayRef(ctx context.Context, ref string) (*Record, error)
	UpdateStatus(ctx context.Context, id string, expect Status, mutate func(*Record) error) error
	Correct(ctx context.Context, id string, expect Status, mutate func(*Record) error) error
	ListByUser(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Record, error)
	List(ctx context.Context, filter ListFilter, limit int) ([]*Record, error)
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor resumes a newest-first listing after the given cursor
// position. Malformed cursors are ignored.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}
