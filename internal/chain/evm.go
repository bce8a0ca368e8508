package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// DefaultGasLimit for ERC20 transfers when estimation fails.
const DefaultGasLimit = uint64(100000)

// Token describes one ERC-20 token deployed on a chain.
type Token struct {
	Contract string
	Decimals int32
}

// EVMConfig configures one EVM chain client.
type EVMConfig struct {
	Name       string // chain name used on escrow records
	RPCURL     string
	ChainID    int64
	PrivateKey string // hex, with or without 0x prefix
	Tokens     map[string]Token
}

// EthClient abstracts go-ethereum's client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// EVMClient implements Client for one EVM chain.
type EVMClient struct {
	name       string
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	tokens     map[string]Token
	erc20      abi.ABI
}

// EVMOption configures the client.
type EVMOption func(*EVMClient)

// WithEthClient sets a custom node client (useful for testing).
func WithEthClient(client EthClient) EVMOption {
	return func(c *EVMClient) {
		c.client = client
	}
}

// NewEVMClient creates a client for one EVM chain.
func NewEVMClient(cfg EVMConfig, opts ...EVMOption) (*EVMClient, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	tokens := make(map[string]Token, len(cfg.Tokens))
	for symbol, token := range cfg.Tokens {
		tokens[strings.ToUpper(symbol)] = token
	}

	c := &EVMClient{
		name:       cfg.Name,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		tokens:     tokens,
		erc20:      parsedABI,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}
	return c, nil
}

func (c *EVMClient) Name() string { return c.name }

// Address returns the platform wallet address on this chain.
func (c *EVMClient) Address() string { return c.address.Hex() }

func (c *EVMClient) token(symbol string) (Token, error) {
	t, ok := c.tokens[strings.ToUpper(symbol)]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s on %s", ErrUnknownToken, symbol, c.name)
	}
	return t, nil
}

// toUnits converts a decimal token amount to its smallest-unit big.Int.
func toUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// fromUnits converts a smallest-unit big.Int to a decimal token amount.
func fromUnits(units *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(units, 0).Shift(-decimals)
}

// Transfer implements Client.
func (c *EVMClient) Transfer(ctx context.Context, token, to string, amount decimal.Decimal) (*TransferResult, error) {
	tok, err := c.token(token)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, to)
	}
	recipient := common.HexToAddress(to)
	contract := common.HexToAddress(tok.Contract)
	units := toUnits(amount, tok.Decimals)

	data, err := c.erc20.Pack("transfer", recipient, units)
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &TransferResult{
		TxHash: signedTx.Hash().Hex(),
		From:   c.address.Hex(),
		To:     recipient.Hex(),
		Token:  strings.ToUpper(token),
		Amount: amount,
		Nonce:  nonce,
	}, nil
}

// Confirmation implements Client.
func (c *EVMClient) Confirmation(ctx context.Context, txHash string) (*Confirmation, error) {
	hash := common.HexToHash(txHash)

	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &Confirmation{TxHash: txHash, Status: StatusPending}, nil
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return &Confirmation{
			TxHash:      txHash,
			Status:      StatusReverted,
			BlockNumber: receipt.BlockNumber.Uint64(),
			GasUsed:     receipt.GasUsed,
		}, nil
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	var confs uint64
	if head >= mined {
		confs = head - mined + 1
	}

	return &Confirmation{
		TxHash:        txHash,
		Status:        StatusConfirmed,
		BlockNumber:   mined,
		Confirmations: confs,
		GasUsed:       receipt.GasUsed,
	}, nil
}

// TokenBalance implements Client.
func (c *EVMClient) TokenBalance(ctx context.Context, token string) (decimal.Decimal, error) {
	tok, err := c.token(token)
	if err != nil {
		return decimal.Zero, err
	}
	contract := common.HexToAddress(tok.Contract)

	data, err := c.erc20.Pack("balanceOf", c.address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: data,
	}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	units := new(big.Int).SetBytes(result)
	return fromUnits(units, tok.Decimals), nil
}

func (c *EVMClient) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// Compile-time assertion that EVMClient implements Client.
var _ Client = (*EVMClient)(nil)
