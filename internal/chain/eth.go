package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Backend is the slice of *ethclient.Client used by EthClient.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Options configures an EthClient.
type Options struct {
	RPCURL       string
	ChainID      int64
	PrivateKey   string // hex, with or without 0x
	AgentAddress string // optional; must match the key when set
}

// EthClient implements Client against a JSON-RPC endpoint. It is the only
// holder of the signing key.
type EthClient struct {
	backend Backend
	key     *ecdsa.PrivateKey
	sender  common.Address
	chainID *big.Int
	signer  types.Signer
	breaker *circuitBreaker
}

// Dial connects to opts.RPCURL and verifies the endpoint serves the
// configured chain.
func Dial(ctx context.Context, opts Options) (*EthClient, error) {
	ec, err := ethclient.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc: %w: %w", ErrNetwork, err)
	}
	c, err := NewEthClient(ec, opts)
	if err != nil {
		ec.Close()
		return nil, err
	}
	if err := c.Ping(ctx); err != nil {
		ec.Close()
		return nil, err
	}
	slog.Info("chain: connected",
		slog.Int64("chain_id", opts.ChainID),
		slog.String("sender", c.sender.Hex()),
	)
	return c, nil
}

// NewEthClient wraps an existing backend. The key is parsed here so a bad key
// fails at construction, never mid-purchase.
func NewEthClient(b Backend, opts Options) (*EthClient, error) {
	if strings.TrimSpace(opts.PrivateKey) == "" {
		return nil, ErrNoSigningKey
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(opts.PrivateKey), "0x"))
	if err != nil {
		// Never echo the key material.
		return nil, fmt.Errorf("chain: parse signing key: malformed hex key")
	}
	sender := gethcrypto.PubkeyToAddress(key.PublicKey)
	if opts.AgentAddress != "" && !strings.EqualFold(common.HexToAddress(opts.AgentAddress).Hex(), sender.Hex()) {
		return nil, fmt.Errorf("chain: agent address %s does not match signing key (%s)", opts.AgentAddress, sender.Hex())
	}
	chainID := big.NewInt(opts.ChainID)
	return &EthClient{
		backend: b,
		key:     key,
		sender:  sender,
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
		breaker: newCircuitBreaker(),
	}, nil
}

// Sender returns the address derived from the signing key.
func (c *EthClient) Sender() common.Address { return c.sender }

// ChainID returns the configured chain id.
func (c *EthClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Ping is the connection liveness check: the endpoint must answer and report
// the configured chain id.
func (c *EthClient) Ping(ctx context.Context) error {
	var got *big.Int
	err := c.guard("chain id", func() error {
		var err error
		got, err = c.backend.ChainID(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if got.Cmp(c.chainID) != 0 {
		return fmt.Errorf("%w: want %s, got %s", ErrWrongChain, c.chainID, got)
	}
	return nil
}

// PendingNonce returns the sender's next nonce counting pending transactions.
func (c *EthClient) PendingNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := c.guard("pending nonce", func() error {
		var err error
		nonce, err = c.backend.PendingNonceAt(ctx, c.sender)
		return err
	})
	return nonce, err
}

// GasPrice returns the node's current gas price suggestion.
func (c *EthClient) GasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.guard("gas price", func() error {
		var err error
		price, err = c.backend.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

// Sign builds req and signs it with the client's key.
func (c *EthClient) Sign(req TxRequest) (*SignedTx, error) {
	if req.From != c.sender {
		return nil, fmt.Errorf("chain: request sender %s is not the signing account", req.From.Hex())
	}
	if req.ChainID != nil && req.ChainID.Cmp(c.chainID) != 0 {
		return nil, fmt.Errorf("%w: request targets %s", ErrWrongChain, req.ChainID)
	}
	tx, err := BuildTransaction(req)
	if err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign transaction: %w", err)
	}
	return NewSignedTx(signed)
}

// Broadcast submits tx. Any answer from the node other than acceptance is a
// rejection; transport failures are network errors and the transaction may or
// may not have reached the mempool.
func (c *EthClient) Broadcast(ctx context.Context, tx *SignedTx) (common.Hash, error) {
	if tx == nil || tx.tx == nil {
		return common.Hash{}, fmt.Errorf("chain: nothing to broadcast")
	}
	err := c.guard("send transaction", func() error {
		return c.backend.SendTransaction(ctx, tx.tx)
	})
	if err != nil {
		if errors.Is(err, ErrNetwork) || errors.Is(err, ErrCircuitOpen) {
			return common.Hash{}, err
		}
		return common.Hash{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return tx.Hash, nil
}

// Receipt looks up the receipt for hash. A transaction that is not mined yet
// yields ErrPending.
func (c *EthClient) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var r *types.Receipt
	err := c.guard("transaction receipt", func() error {
		var err error
		r, err = c.backend.TransactionReceipt(ctx, hash)
		return err
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrPending
		}
		return nil, err
	}
	out := &Receipt{TxHash: r.TxHash, Status: r.Status, GasUsed: r.GasUsed}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out, nil
}

// Close releases the underlying connection.
func (c *EthClient) Close() {
	c.backend.Close()
}

// CircuitState exposes the breaker state for health reporting.
func (c *EthClient) CircuitState() CircuitState {
	return c.breaker.State()
}

// guard runs fn through the circuit breaker. Transport failures are wrapped
// with ErrNetwork and counted; any answer from the node closes the circuit.
func (c *EthClient) guard(op string, fn func() error) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("chain: %s: %w", op, ErrCircuitOpen)
	}
	err := fn()
	if err == nil || !isTransportError(err) {
		c.breaker.RecordSuccess()
		if err != nil {
			return fmt.Errorf("chain: %s: %w", op, err)
		}
		return nil
	}
	if state := c.breaker.RecordFailure(); state == CircuitOpen {
		slog.Warn("chain: circuit opened", slog.String("op", op))
	}
	return fmt.Errorf("chain: %s: %w: %w", op, ErrNetwork, err)
}

// isTransportError reports whether err came from the connection rather than
// from the node answering.
func isTransportError(err error) bool {
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}
