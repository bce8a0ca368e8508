// Package chain handles blockchain interactions for stablecoin transfers.
//
// Each supported chain gets one Client; the Registry routes by chain name.
// Submissions return a transaction hash immediately; settlement truth
// arrives later through the confirmation Watcher.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownChain      = errors.New("chain: unknown chain")
	ErrUnknownToken      = errors.New("chain: unknown token on this chain")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTxReverted        = errors.New("chain: transaction reverted")
)

// TransferError wraps transfer failures with context.
type TransferError struct {
	Op     string // operation that failed
	TxHash string // transaction hash if available
	Err    error  // underlying error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Status of a submitted transaction as observed on-chain.
type Status string

const (
	StatusPending   Status = "pending"   // not yet mined
	StatusConfirmed Status = "confirmed" // mined, success
	StatusReverted  Status = "reverted"  // mined, execution failed
)

// TransferResult describes a submitted transfer.
type TransferResult struct {
	TxHash string
	From   string
	To     string
	Token  string
	Amount decimal.Decimal
	Nonce  uint64
}

// Confirmation is the observed state of a transaction.
type Confirmation struct {
	TxHash        string
	Status        Status
	BlockNumber   uint64
	Confirmations uint64
	GasUsed       uint64
}

// Client submits and observes transactions on one chain.
type Client interface {
	// Name returns the chain name records carry ("celo", "polygon", ...).
	Name() string
	// Transfer submits a token transfer and returns as soon as the
	// transaction is accepted by the node. Settlement is not implied.
	Transfer(ctx context.Context, token, to string, amount decimal.Decimal) (*TransferResult, error)
	// Confirmation reports the current on-chain state of a transaction.
	Confirmation(ctx context.Context, txHash string) (*Confirmation, error)
	// TokenBalance returns the platform wallet's balance of token.
	TokenBalance(ctx context.Context, token string) (decimal.Decimal, error)
	Close() error
}

// Registry routes operations to the Client for a chain.
type Registry struct {
	clients map[string]Client
}

// NewRegistry creates a registry over the given clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

// Get returns the client for chain, or ErrUnknownChain.
func (r *Registry) Get(chain string) (Client, error) {
	c, ok := r.clients[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	return c, nil
}

// Chains lists registered chain names.
func (r *Registry) Chains() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

// Close closes every registered client.
func (r *Registry) Close() error {
	var firstErr error
	for _, c := range r.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
