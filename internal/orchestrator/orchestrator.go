// Package orchestrator drives cross-rail conversions end to end.
//
// A conversion has two legs: a mobile-money movement and an on-chain
// token movement. Which leg runs first depends on the transaction type;
// money is only released on the outgoing rail after the incoming rail
// has confirmed. Rail results arrive asynchronously and at-least-once,
// so every event application is idempotent and every status move is a
// compare-and-swap against the escrow store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesarail/pesarail/internal/chain"
	"github.com/pesarail/pesarail/internal/escrow"
	"github.com/pesarail/pesarail/internal/idgen"
	"github.com/pesarail/pesarail/internal/intervention"
	"github.com/pesarail/pesarail/internal/metrics"
	"github.com/pesarail/pesarail/internal/mpesa"
	"github.com/pesarail/pesarail/internal/rates"
	"github.com/pesarail/pesarail/internal/retry"
	"github.com/pesarail/pesarail/internal/syncutil"
	"github.com/pesarail/pesarail/internal/traces"
)

var (
	ErrInvalidRequest  = errors.New("orchestrator: invalid request")
	ErrUnknownCallback = errors.New("orchestrator: callback matches no transaction")
)

// ConfirmationWatcher tracks submitted chain transactions until they
// settle. chain.Watcher implements it.
type ConfirmationWatcher interface {
	Watch(transactionID, chainName, txHash string)
}

// Notifier receives every record status change, for the realtime feed.
type Notifier interface {
	TransactionUpdated(rec *escrow.Record)
}

// BeginRequest starts a conversion. Amount is fiat (KES) for
// fiat-origin types; CryptoAmount is token units for crypto-origin
// types.
type BeginRequest struct {
	UserID         string
	IdempotencyKey string
	Type           escrow.Type
	Amount         decimal.Decimal
	CryptoAmount   decimal.Decimal
	Chain          string
	TokenSymbol    string

	Phone            string // customer phone for the mobile-money leg
	Destination      string // crypto destination address, where applicable
	PaybillNumber    string
	TillNumber       string
	AccountReference string
}

func (r BeginRequest) validate() error {
	if !r.Type.Valid() || r.Type == escrow.TypePlatformOperation {
		return fmt.Errorf("%w: unsupported transaction type %q", ErrInvalidRequest, r.Type)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: userId required", ErrInvalidRequest)
	}
	if r.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key required", ErrInvalidRequest)
	}
	if r.Chain == "" || r.TokenSymbol == "" {
		return fmt.Errorf("%w: chain and tokenSymbol required", ErrInvalidRequest)
	}

	switch r.Type {
	case escrow.TypeFiatToCrypto:
		if !r.Amount.IsPositive() {
			return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
		}
		if r.Phone == "" {
			return fmt.Errorf("%w: phone required", ErrInvalidRequest)
		}
		if r.Destination == "" {
			return fmt.Errorf("%w: destination address required", ErrInvalidRequest)
		}
	case escrow.TypeCryptoToFiat:
		if !r.CryptoAmount.IsPositive() {
			return fmt.Errorf("%w: cryptoAmount must be positive", ErrInvalidRequest)
		}
		if r.Phone == "" {
			return fmt.Errorf("%w: phone required", ErrInvalidRequest)
		}
	case escrow.TypeCryptoToPaybill:
		if !r.CryptoAmount.IsPositive() {
			return fmt.Errorf("%w: cryptoAmount must be positive", ErrInvalidRequest)
		}
		if r.PaybillNumber == "" {
			return fmt.Errorf("%w: paybillNumber required", ErrInvalidRequest)
		}
	case escrow.TypeCryptoToTill:
		if !r.CryptoAmount.IsPositive() {
			return fmt.Errorf("%w: cryptoAmount must be positive", ErrInvalidRequest)
		}
		if r.TillNumber == "" {
			return fmt.Errorf("%w: tillNumber required", ErrInvalidRequest)
		}
	case escrow.TypeTokenTransfer:
		if !r.CryptoAmount.IsPositive() {
			return fmt.Errorf("%w: cryptoAmount must be positive", ErrInvalidRequest)
		}
		if r.Destination == "" {
			return fmt.Errorf("%w: destination address required", ErrInvalidRequest)
		}
	}
	return nil
}

// firstLeg identifies which rail moves first for a transaction type.
// The incoming rail always confirms before the outgoing rail releases.
type firstLeg int

const (
	legFiat firstLeg = iota
	legChain
)

var legOrder = map[escrow.Type]firstLeg{
	escrow.TypeFiatToCrypto:    legFiat,
	escrow.TypeCryptoToFiat:    legChain,
	escrow.TypeCryptoToPaybill: legChain,
	escrow.TypeCryptoToTill:    legChain,
	escrow.TypeTokenTransfer:   legChain,
}

// Orchestrator owns the conversion state machine.
type Orchestrator struct {
	escrows  escrow.Store
	rates    *rates.Converter
	gateway  mpesa.Gateway
	chains   *chain.Registry
	watcher  ConfirmationWatcher
	queue    *intervention.Service
	policy   retry.Policy
	notifier Notifier
	logger   *slog.Logger

	locks syncutil.ShardedMutex
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithRetryPolicy overrides the external-call retry schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithNotifier attaches a status-change listener.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// New creates an orchestrator.
func New(escrows escrow.Store, converter *rates.Converter, gateway mpesa.Gateway,
	chains *chain.Registry, watcher ConfirmationWatcher, queue *intervention.Service,
	logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		escrows: escrows,
		rates:   converter,
		gateway: gateway,
		chains:  chains,
		watcher: watcher,
		queue:   queue,
		policy:  retry.DefaultPolicy,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Begin validates the request, prices it, writes a pending escrow record
// and kicks off the first leg. A duplicate idempotency key returns the
// original record without side effects.
func (o *Orchestrator) Begin(ctx context.Context, req BeginRequest) (*escrow.Record, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "orchestrator.Begin",
		traces.TransactionType(string(req.Type)), traces.UserID(req.UserID))
	defer span.End()

	now := time.Now()
	rec := &escrow.Record{
		TransactionID:  idgen.WithPrefix("txn_"),
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Type:           req.Type,
		Status:         escrow.StatusPending,
		Amount:         req.Amount,
		CryptoAmount:   req.CryptoAmount,
		Chain:          req.Chain,
		TokenSymbol:    req.TokenSymbol,
		Metadata: escrow.Metadata{
			Phone:            req.Phone,
			Destination:      req.Destination,
			PaybillNumber:    req.PaybillNumber,
			TillNumber:       req.TillNumber,
			AccountReference: req.AccountReference,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := o.price(ctx, rec); err != nil {
		return nil, err
	}

	rec, created, err := o.insertIdempotent(ctx, req, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		return rec, nil
	}

	metrics.TransactionsTotal.WithLabelValues(string(rec.Type), string(escrow.StatusPending)).Inc()
	o.logger.Info("transaction created",
		"transaction_id", rec.TransactionID, "type", rec.Type,
		"amount", rec.Amount, "crypto_amount", rec.CryptoAmount, "token", rec.TokenSymbol)

	switch legOrder[rec.Type] {
	case legFiat:
		o.startFiatDebit(ctx, rec)
	case legChain:
		o.startChainLeg(ctx, rec)
	}

	return o.escrows.Get(ctx, rec.TransactionID)
}

// insertIdempotent writes rec unless the idempotency key already has a
// record. The per-key lock covers only the duplicate check and insert;
// it is never held across an external rail call. Later transitions are
// serialized by the store's conditional update.
func (o *Orchestrator) insertIdempotent(ctx context.Context, req BeginRequest, rec *escrow.Record) (*escrow.Record, bool, error) {
	unlock := o.locks.Lock(req.UserID + ":" + req.IdempotencyKey)
	defer unlock()

	if existing, err := o.escrows.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, escrow.ErrNotFound) {
		return nil, false, err
	}

	if err := o.escrows.Create(ctx, rec); err != nil {
		if errors.Is(err, escrow.ErrExists) {
			// Lost a race with a concurrent duplicate; serve its record.
			existing, gerr := o.escrows.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return rec, true, nil
}

// price fills in the missing side of the conversion using the current
// rate. Token transfers move a single asset and need no pricing.
func (o *Orchestrator) price(ctx context.Context, rec *escrow.Record) error {
	switch rec.Type {
	case escrow.TypeFiatToCrypto:
		amount, rate, err := o.rates.FiatToToken(ctx, rec.TokenSymbol, rec.Amount)
		if err != nil {
			return err
		}
		rec.CryptoAmount = amount
		o.logger.Debug("priced conversion", "token", rec.TokenSymbol, "rate_source", rate.Source)
	case escrow.TypeCryptoToFiat, escrow.TypeCryptoToPaybill, escrow.TypeCryptoToTill:
		amount, rate, err := o.rates.TokenToFiat(ctx, rec.TokenSymbol, rec.CryptoAmount)
		if err != nil {
			return err
		}
		rec.Amount = amount
		o.logger.Debug("priced conversion", "token", rec.TokenSymbol, "rate_source", rate.Source)
	}
	return nil
}

// Get returns one record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*escrow.Record, error) {
	return o.escrows.Get(ctx, id)
}

// ListByUser returns a user's records, newest first.
func (o *Orchestrator) ListByUser(ctx context.Context, userID string, limit int, opts ...escrow.ListOption) ([]*escrow.Record, error) {
	return o.escrows.ListByUser(ctx, userID, limit, opts...)
}

// startFiatDebit runs the customer debit leg (STK push). The record
// stays pending until the gateway callback confirms the debit.
func (o *Orchestrator) startFiatDebit(ctx context.Context, rec *escrow.Record) {
	var resp *mpesa.STKPushResponse
	err := o.policy.DoNotify(ctx, func() error {
		var callErr error
		resp, callErr = o.gateway.STKPush(ctx, mpesa.STKPushRequest{
			Phone:            rec.Metadata.Phone,
			Amount:           rec.Amount,
			AccountReference: rec.TransactionID,
			Description:      "Token purchase",
		})
		return callErr
	}, o.noteRetry(ctx, rec.TransactionID, escrow.StatusPending))
	if err != nil {
		o.exhausted(ctx, rec.TransactionID, escrow.StatusPending, "customer debit request failed", err)
		return
	}

	if uerr := o.escrows.UpdateStatus(ctx, rec.TransactionID, escrow.StatusPending, func(r *escrow.Record) error {
		r.MpesaTransactionID = resp.CheckoutRequestID
		return nil
	}); uerr != nil {
		o.logger.Error("failed to store gateway reference",
			"transaction_id", rec.TransactionID, "error", uerr)
	}
}

// startChainLeg submits the incoming on-chain transfer for crypto-origin
// types. The record stays pending (processing for single-rail token
// transfers) until the watcher reports settlement.
func (o *Orchestrator) startChainLeg(ctx context.Context, rec *escrow.Record) {
	client, err := o.chains.Get(rec.Chain)
	if err != nil {
		o.reject(ctx, rec.TransactionID, escrow.StatusPending, err)
		return
	}

	destination := rec.Metadata.Destination
	if destination == "" {
		// Crypto-origin payouts move tokens into the platform wallet
		// before fiat is released; an explicit destination only exists
		// for outbound sends.
		destination = platformAddress(client)
	}

	var res *chain.TransferResult
	err = o.policy.DoNotify(ctx, func() error {
		var callErr error
		res, callErr = client.Transfer(ctx, rec.TokenSymbol, destination, rec.CryptoAmount)
		if callErr != nil && (errors.Is(callErr, chain.ErrUnknownToken) || errors.Is(callErr, chain.ErrInvalidAddress)) {
			return retry.Permanent(callErr)
		}
		return callErr
	}, o.noteRetry(ctx, rec.TransactionID, escrow.StatusPending))
	if err != nil {
		if errors.Is(err, chain.ErrUnknownToken) || errors.Is(err, chain.ErrInvalidAddress) {
			o.reject(ctx, rec.TransactionID, escrow.StatusPending, err)
			return
		}
		o.exhausted(ctx, rec.TransactionID, escrow.StatusPending, "chain submission failed", err)
		return
	}

	target := escrow.StatusPending
	if rec.Type == escrow.TypeTokenTransfer {
		target = escrow.StatusProcessing
	}
	if uerr := o.escrows.UpdateStatus(ctx, rec.TransactionID, escrow.StatusPending, func(r *escrow.Record) error {
		r.CryptoTransactionHash = res.TxHash
		r.Status = target
		return nil
	}); uerr != nil {
		o.logger.Error("failed to store transaction hash",
			"transaction_id", rec.TransactionID, "tx_hash", res.TxHash, "error", uerr)
		return
	}
	o.watcher.Watch(rec.TransactionID, rec.Chain, res.TxHash)
	o.notifyByID(ctx, rec.TransactionID)
}

// platformAddress returns the wallet address a chain client signs with,
// when the client exposes one.
func platformAddress(c chain.Client) string {
	type addressed interface{ Address() string }
	if a, ok := c.(addressed); ok {
		return a.Address()
	}
	return ""
}

// ApplyGatewayEvent applies a customer-debit callback. Duplicate
// deliveries are no-ops and never touch retryCount.
func (o *Orchestrator) ApplyGatewayEvent(ctx context.Context, cb *mpesa.STKCallback) error {
	ctx, span := traces.StartSpan(ctx, "orchestrator.ApplyGatewayEvent")
	defer span.End()

	rec, err := o.escrows.GetByGatewayRef(ctx, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			metrics.GatewayCallbacksTotal.WithLabelValues("unknown").Inc()
			return fmt.Errorf("%w: checkout %s", ErrUnknownCallback, cb.CheckoutRequestID)
		}
		return err
	}

	if !cb.Success() {
		metrics.GatewayCallbacksTotal.WithLabelValues("failure").Inc()
		err := o.escrows.UpdateStatus(ctx, rec.TransactionID, escrow.StatusPending, func(r *escrow.Record) error {
			code := cb.ResultCode
			r.Status = escrow.StatusFailed
			r.Metadata.FailureReason = "customer debit rejected"
			r.Metadata.GatewayResultCode = &code
			r.Metadata.GatewayResultDesc = cb.ResultDesc
			return nil
		})
		if errors.Is(err, escrow.ErrStatusConflict) {
			return nil // duplicate or already resolved
		}
		if err == nil {
			o.terminal(ctx, rec.TransactionID, escrow.StatusFailed, rec.Type)
		}
		return err
	}

	metrics.GatewayCallbacksTotal.WithLabelValues("success").Inc()
	if rec.MpesaReceiptNumber == cb.MpesaReceiptNumber && rec.MpesaReceiptNumber != "" {
		return nil // duplicate delivery
	}

	err = o.escrows.UpdateStatus(ctx, rec.TransactionID, escrow.StatusPending, func(r *escrow.Record) error {
		r.Status = escrow.StatusReserved
		r.MpesaReceiptNumber = cb.MpesaReceiptNumber
		return nil
	})
	if errors.Is(err, escrow.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	o.notifyByID(ctx, rec.TransactionID)

	// Fiat confirmed; release the tokens.
	updated, err := o.escrows.Get(ctx, rec.TransactionID)
	if err != nil {
		return err
	}
	o.releaseTokens(ctx, updated)
	return nil
}

// releaseTokens submits the outgoing on-chain transfer once the fiat
// leg of a fiat_to_crypto conversion has confirmed.
func (o *Orchestrator) releaseTokens(ctx context.Context, rec *escrow.Record) {
	client, err := o.chains.Get(rec.Chain)
	if err != nil {
		o.exhausted(ctx, rec.TransactionID, escrow.StatusReserved, "chain unavailable", err)
		return
	}

	var res *chain.TransferResult
	err = o.policy.DoNotify(ctx, func() error {
		var callErr error
		res, callErr = client.Transfer(ctx, rec.TokenSymbol, rec.Metadata.Destination, rec.CryptoAmount)
		if callErr != nil && (errors.Is(callErr, chain.ErrUnknownToken) || errors.Is(callErr, chain.ErrInvalidAddress)) {
			return retry.Permanent(callErr)
		}
		return callErr
	}, o.noteRetry(ctx, rec.TransactionID, escrow.StatusReserved))
	if err != nil {
		// The customer has already paid; this is never a clean failure.
		o.exhausted(ctx, rec.TransactionID, escrow.StatusReserved, "token release failed", err)
		return
	}

	if uerr := o.escrows.UpdateStatus(ctx, rec.TransactionID, escrow.StatusReserved, func(r *escrow.Record) error {
		r.Status = escrow.StatusProcessing
		r.CryptoTransactionHash = res.TxHash
		return nil
	}); uerr != nil {
		o.logger.Error("failed to advance to processing",
			"transaction_id", rec.TransactionID, "error", uerr)
		return
	}
	o.watcher.Watch(rec.TransactionID, rec.Chain, res.TxHash)
	o.notifyByID(ctx, rec.TransactionID)
}

// ApplyChainEvent applies a settlement event from the confirmation
// watcher. Duplicate deliveries are no-ops.
func (o *Orchestrator) ApplyChainEvent(ctx context.Context, ev chain.Event) error {
	ctx, span := traces.StartSpan(ctx, "orchestrator.ApplyChainEvent",
		traces.TransactionID(ev.TransactionID), traces.TxHash(ev.TxHash))
	defer span.End()

	rec, err := o.escrows.Get(ctx, ev.TransactionID)
	if err != nil {
		return err
	}
	if rec.CryptoTransactionHash != "" && rec.CryptoTransactionHash != ev.TxHash {
		o.logger.Warn("chain event hash mismatch, ignoring",
			"transaction_id", ev.TransactionID, "event_hash", ev.TxHash, "record_hash", rec.CryptoTransactionHash)
		return nil
	}
	if rec.Status.IsTerminal() {
		return nil // duplicate delivery after settlement
	}

	switch ev.Status {
	case chain.StatusConfirmed:
		return o.applyChainConfirmed(ctx, rec)
	case chain.StatusReverted:
		return o.applyChainReverted(ctx, rec, ev.RevertReason)
	}
	return nil
}

func (o *Orchestrator) applyChainConfirmed(ctx context.Context, rec *escrow.Record) error {
	switch rec.Type {
	case escrow.TypeFiatToCrypto, escrow.TypeTokenTransfer:
		// Outgoing (or only) leg settled.
		err := o.escrows.UpdateStatus(ctx, rec.TransactionID, escrow.StatusProcessing, func(r *escrow.Record) error {
			r.Status = escrow.StatusCompleted
			now := time.Now()
			r.CompletedAt = &now
			return nil
		})
		if errors.Is(err, escrow.ErrStatusConflict) {
			return nil
		}
		if err == nil {
			o.terminal(ctx, rec.TransactionID, escrow.StatusCompleted, rec.Type)
		}
		return err

	default:
		// Incoming crypto leg settled; reserve, then pay out.
		err := o.escrows.UpdateStatus(ctx, rec.TransactionID, escrow.StatusPending, func(r *escrow.Record) error {
			r.Status = escrow.StatusReserved
			return nil
		})
		if errors.Is(err, escrow.ErrStatusConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		o.notifyByID(ctx, rec.TransactionID)

		updated, err := o.escrows.Get(ctx, rec.TransactionID)
		if err != nil {
			return err
		}
		o.startPayout(ctx, updated)
		return nil
	}
}

func (o *Orchestrator) applyChainReverted(ctx context.Context, rec *escrow.Record, reason string) error {
	if rec.Type == escrow.TypeFiatToCrypto {
		// Customer paid but tokens never arrived. Needs a human.
		err := o.escrows.UpdateStatus(ctx, rec.TransactionID, rec.Status, func(r *escrow.Record) error {
			r.Status = escrow.StatusError
			r.Metadata.ChainRevertReason = reason
			r.Metadata.InternalFaultNote = "token release reverted after customer debit"
			return nil
		})
		if errors.Is(err, escrow.ErrStatusConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		o.terminal(ctx, rec.TransactionID, escrow.StatusError, rec.Type)
		o.enqueue(ctx, rec.TransactionID, "chain transfer reverted after customer debit", reason)
		return nil
	}

	// Incoming crypto never arrived; nothing was paid out.
	err := o.escrows.UpdateStatus(ctx, rec.TransactionID, rec.Status, func(r *escrow.Record) error {
		r.Status = escrow.StatusFailed
		r.Metadata.FailureReason = "chain transfer reverted"
		r.Metadata.ChainRevertReason = reason
		return nil
	})
	if errors.Is(err, escrow.ErrStatusConflict) {
		return nil
	}
	if err == nil {
		o.terminal(ctx, rec.TransactionID, escrow.StatusFailed, rec.Type)
	}
	return err
}

// startPayout runs the outgoing mobile-money leg once the incoming
// crypto leg has settled.
func (o *Orchestrator) startPayout(ctx context.Context, rec *escrow.Record) {
	req := mpesa.B2CRequest{
		Kind:        mpesa.B2CKindPhone,
		Destination: rec.Metadata.Phone,
		Amount:      rec.Amount,
		Remarks:     "Payout " + rec.TransactionID,
	}
	switch rec.Type {
	case escrow.TypeCryptoToPaybill:
		req.Kind = mpesa.B2CKindPaybill
		req.Destination = rec.Metadata.PaybillNumber
		req.AccountReference = rec.Metadata.AccountReference
	case escrow.TypeCryptoToTill:
		req.Kind = mpesa.B2CKindTill
		req.Destination = rec.Metadata.TillNumber
	}

	var resp *mpesa.B2CResponse
	err := o.policy.DoNotify(ctx, func() error {
		var callErr error
		resp, callErr = o.gateway.B2CPayment(ctx, req)
		return callErr
	}, o.noteRetry(ctx, rec.TransactionID, escrow.StatusReserved))
	if err != nil {
		// Tokens already arrived; never a clean failure.
		o.exhausted(ctx, rec.TransactionID, escrow.StatusReserved, "payout request failed", err)
		return
	}

	if uerr := o.escrows.UpdateStatus(ctx, rec.TransactionID, escrow.StatusReserved, func(r *escrow.Record) error {
		r.Status = escrow.StatusProcessing
		r.MpesaTransactionID = resp.ConversationID
		return nil
	}); uerr != nil {
		o.logger.Error("failed to advance payout to processing",
			"transaction_id", rec.TransactionID, "error", uerr)
		return
	}
	o.notifyByID(ctx, rec.TransactionID)
}

// ApplyPayoutResult applies a B2C result callback. Duplicate deliveries
// are no-ops.
func (o *Orchestrator) ApplyPayoutResult(ctx context.Context, res *mpesa.B2CResult) error {
	ctx, span := traces.StartSpan(ctx, "orchestrator.ApplyPayoutResult")
	defer span.End()

	rec, err := o.escrows.GetByGatewayRef(ctx, res.ConversationID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			metrics.GatewayCallbacksTotal.WithLabelValues("unknown").Inc()
			return fmt.Errorf("%w: conversation %s", ErrUnknownCallback, res.ConversationID)
		}
		return err
	}

	if res.Success() {
		metrics.GatewayCallbacksTotal.WithLabelValues("success").Inc()
		if rec.MpesaReceiptNumber == res.TransactionID && rec.MpesaReceiptNumber != "" {
			return nil // duplicate delivery
		}
		err := o.escrows.UpdateStatus(ctx, rec.TransactionID, escrow.StatusProcessing, func(r *escrow.Record) error {
			r.Status = escrow.StatusCompleted
			r.MpesaReceiptNumber = res.TransactionID
			now := time.Now()
			r.CompletedAt = &now
			return nil
		})
		if errors.Is(err, escrow.ErrStatusConflict) {
			return nil
		}
		if err == nil {
			o.terminal(ctx, rec.TransactionID, escrow.StatusCompleted, rec.Type)
		}
		return err
	}

	metrics.GatewayCallbacksTotal.WithLabelValues("failure").Inc()
	// Crypto already settled; a failed payout is an internal fault.
	err = o.escrows.UpdateStatus(ctx, rec.TransactionID, escrow.StatusProcessing, func(r *escrow.Record) error {
		code := res.ResultCode
		r.Status = escrow.StatusError
		r.Metadata.GatewayResultCode = &code
		r.Metadata.GatewayResultDesc = res.ResultDesc
		r.Metadata.InternalFaultNote = "payout failed after crypto settlement"
		return nil
	})
	if errors.Is(err, escrow.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	o.terminal(ctx, rec.TransactionID, escrow.StatusError, rec.Type)
	o.enqueue(ctx, rec.TransactionID, "payout failed after crypto settlement", res.ResultDesc)
	return nil
}

// reject marks a record failed for a synchronous business rejection.
func (o *Orchestrator) reject(ctx context.Context, id string, expect escrow.Status, cause error) {
	err := o.escrows.UpdateStatus(ctx, id, expect, func(r *escrow.Record) error {
		r.Status = escrow.StatusFailed
		r.Metadata.FailureReason = cause.Error()
		return nil
	})
	if err != nil {
		o.logger.Error("failed to mark rejection", "transaction_id", id, "error", err)
		return
	}
	rec, _ := o.escrows.Get(ctx, id)
	if rec != nil {
		o.terminal(ctx, id, escrow.StatusFailed, rec.Type)
	}
}

// noteRetry persists per-attempt bookkeeping so a record mid-retry
// shows live progress to an operator inspecting it.
func (o *Orchestrator) noteRetry(ctx context.Context, id string, expect escrow.Status) retry.OnRetry {
	return func(attempt int, cause error) {
		if err := o.escrows.UpdateStatus(ctx, id, expect, func(r *escrow.Record) error {
			r.RetryCount++
			now := time.Now()
			r.LastRetryAt = &now
			return nil
		}); err != nil {
			o.logger.Warn("failed to record retry attempt",
				"transaction_id", id, "attempt", attempt, "error", err)
		}
	}
}

// exhausted records a retry exhaustion: error status and a
// manual-intervention item. Per-attempt bookkeeping has already been
// written by noteRetry.
func (o *Orchestrator) exhausted(ctx context.Context, id string, expect escrow.Status, reason string, cause error) {
	metrics.RetryExhaustedTotal.Inc()
	err := o.escrows.UpdateStatus(ctx, id, expect, func(r *escrow.Record) error {
		r.Status = escrow.StatusError
		r.Metadata.InternalFaultNote = reason + ": " + cause.Error()
		return nil
	})
	if err != nil {
		o.logger.Error("failed to record retry exhaustion", "transaction_id", id, "error", err)
		return
	}
	rec, gerr := o.escrows.Get(ctx, id)
	if gerr != nil {
		return
	}
	o.terminal(ctx, id, escrow.StatusError, rec.Type)
	if _, qerr := o.queue.Enqueue(ctx, rec, reason, cause.Error()); qerr != nil {
		o.logger.Error("failed to enqueue intervention", "transaction_id", id, "error", qerr)
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, id, reason, detail string) {
	rec, err := o.escrows.Get(ctx, id)
	if err != nil {
		return
	}
	if _, err := o.queue.Enqueue(ctx, rec, reason, detail); err != nil {
		o.logger.Error("failed to enqueue intervention", "transaction_id", id, "error", err)
	}
}

// terminal records a terminal transition in metrics and notifies.
func (o *Orchestrator) terminal(ctx context.Context, id string, status escrow.Status, typ escrow.Type) {
	metrics.TransactionsTotal.WithLabelValues(string(typ), string(status)).Inc()
	o.notifyByID(ctx, id)
}

func (o *Orchestrator) notifyByID(ctx context.Context, id string) {
	if o.notifier == nil {
		return
	}
	if rec, err := o.escrows.Get(ctx, id); err == nil {
		o.notifier.TransactionUpdated(rec)
	}
}
