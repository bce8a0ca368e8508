package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesarail/pesarail/internal/chain"
	"github.com/pesarail/pesarail/internal/escrow"
	"github.com/pesarail/pesarail/internal/idgen"
	"github.com/pesarail/pesarail/internal/metrics"
	"github.com/pesarail/pesarail/internal/traces"
)

// WithdrawResult reports an executed platform withdrawal.
type WithdrawResult struct {
	TransactionHash string `json:"transactionHash"`
	LedgerEntryID   string `json:"ledgerEntryId"`
}

// Service executes guarded wallet operations and records them as
// platform operations in the escrow ledger.
type Service struct {
	guard   *Guard
	chains  *chain.Registry
	escrows escrow.Store
	logger  *slog.Logger
}

// NewService creates the treasury service.
func NewService(guard *Guard, chains *chain.Registry, escrows escrow.Store, logger *slog.Logger) *Service {
	return &Service{guard: guard, chains: chains, escrows: escrows, logger: logger}
}

// Guard exposes the credential guard for handlers.
func (s *Service) Guard() *Guard { return s.guard }

// Withdraw redeems an authorization, moves tokens out of the platform
// wallet and writes an audit record. The escrow record is written even
// if metrics or notification fail; the chain transfer is the point of
// no return.
func (s *Service) Withdraw(ctx context.Context, token string, op Operation) (*WithdrawResult, error) {
	ctx, span := traces.StartSpan(ctx, "treasury.Withdraw",
		traces.Chain(op.Chain), traces.Amount(op.Amount.String()))
	defer span.End()

	auth, err := s.guard.Consume(token, op)
	if err != nil {
		metrics.TreasuryWithdrawalsTotal.WithLabelValues("denied").Inc()
		return nil, err
	}

	client, err := s.chains.Get(op.Chain)
	if err != nil {
		metrics.TreasuryWithdrawalsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	res, err := client.Transfer(ctx, op.Token, op.Destination, op.Amount)
	if err != nil {
		metrics.TreasuryWithdrawalsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("treasury transfer: %w", err)
	}

	now := time.Now()
	rec := &escrow.Record{
		TransactionID:         idgen.WithPrefix("txn_"),
		Type:                  escrow.TypePlatformOperation,
		Status:                escrow.StatusCompleted,
		CryptoAmount:          op.Amount,
		Amount:                decimal.Zero,
		Chain:                 op.Chain,
		TokenSymbol:           op.Token,
		CryptoTransactionHash: res.TxHash,
		Metadata: escrow.Metadata{
			OperatorAction: string(op.Action),
			Destination:    op.Destination,
		},
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
	if err := s.escrows.Create(ctx, rec); err != nil {
		// Funds moved; surface the hash even though the audit write failed.
		s.logger.Error("treasury audit record write failed",
			"tx_hash", res.TxHash, "error", err)
		metrics.TreasuryWithdrawalsTotal.WithLabelValues("unrecorded").Inc()
		return &WithdrawResult{TransactionHash: res.TxHash}, nil
	}

	metrics.TreasuryWithdrawalsTotal.WithLabelValues("completed").Inc()
	s.logger.Info("treasury withdrawal executed",
		"tx_hash", res.TxHash, "ledger_entry", rec.TransactionID,
		"chain", op.Chain, "token", op.Token, "amount", op.Amount,
		"signers", auth.Signers)
	return &WithdrawResult{TransactionHash: res.TxHash, LedgerEntryID: rec.TransactionID}, nil
}

// Balance redeems a view authorization and reads the platform wallet's
// on-chain token balance.
func (s *Service) Balance(ctx context.Context, token string, op Operation) (decimal.Decimal, error) {
	if _, err := s.guard.Consume(token, op); err != nil {
		return decimal.Zero, err
	}

	client, err := s.chains.Get(op.Chain)
	if err != nil {
		return decimal.Zero, err
	}
	return client.TokenBalance(ctx, op.Token)
}
