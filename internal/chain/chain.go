// Package chain wraps all ledger I/O for the purchase path: liveness, nonce
// and gas price queries, local signing, broadcast and receipt lookup.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Errors returned by chain clients. Transport failures wrap ErrNetwork; the
// node refusing a transaction wraps ErrRejected.
var (
	ErrNetwork      = errors.New("chain: network error")
	ErrRejected     = errors.New("chain: transaction rejected")
	ErrPending      = errors.New("chain: receipt not available")
	ErrCircuitOpen  = errors.New("chain: rpc unavailable (circuit open)")
	ErrWrongChain   = errors.New("chain: endpoint serves a different chain id")
	ErrNoSigningKey = errors.New("chain: signing key is not configured")
)

// TxRequest is everything needed to build one purchase transaction. It is
// built fresh for each attempt and never reused.
type TxRequest struct {
	From      common.Address
	Contract  common.Address
	Merchant  common.Address
	AmountWei *big.Int
	Purpose   string
	Nonce     uint64
	GasLimit  uint64
	GasPrice  *big.Int
	ChainID   *big.Int
}

// SignedTx is a signed transaction ready for broadcast. Callers treat it as
// opaque beyond Hash and Nonce.
type SignedTx struct {
	Hash  common.Hash
	Nonce uint64
	Raw   []byte
	tx    *types.Transaction
}

// Transaction returns the underlying go-ethereum transaction.
func (s *SignedTx) Transaction() *types.Transaction { return s.tx }

// NewSignedTx wraps a signed go-ethereum transaction.
func NewSignedTx(tx *types.Transaction) (*SignedTx, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &SignedTx{Hash: tx.Hash(), Nonce: tx.Nonce(), Raw: raw, tx: tx}, nil
}

// Receipt is the subset of a ledger receipt the purchase path needs.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool { return r.Status == types.ReceiptStatusSuccessful }

// Client is the capability set the purchase executor depends on. A test
// double must implement every method deterministically.
type Client interface {
	// Sender is the address whose key signs transactions.
	Sender() common.Address
	// PendingNonce returns the next nonce including pending transactions.
	PendingNonce(ctx context.Context) (uint64, error)
	// GasPrice returns the spot gas price. Never cached.
	GasPrice(ctx context.Context) (*big.Int, error)
	// Sign builds and signs req locally.
	Sign(req TxRequest) (*SignedTx, error)
	// Broadcast submits a signed transaction. It mutates remote state and must
	// not be retried blindly.
	Broadcast(ctx context.Context, tx *SignedTx) (common.Hash, error)
	// Receipt returns the receipt for hash, or ErrPending if it is not mined yet.
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}
