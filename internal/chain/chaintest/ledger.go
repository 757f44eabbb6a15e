// Package chaintest provides a deterministic in-memory ledger implementing
// chain.Client, for tests of the purchase path.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/agenticos/agentos-go/internal/chain"
)

// DefaultKey is a well-known throwaway key. Never fund it.
const DefaultKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type pendingTx struct {
	tx    *chain.SignedTx
	polls int
}

// Ledger is a single-account chain. Nonces are strictly sequential: a
// broadcast below the next nonce is rejected as "nonce too low", exactly as a
// node rejects a replay of an already-used nonce.
type Ledger struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	sender  common.Address
	chainID *big.Int
	signer  types.Signer

	nextNonce uint64
	block     uint64
	pending   map[common.Hash]*pendingTx
	mined     map[common.Hash]*chain.Receipt

	// GasPriceWei is returned by GasPrice.
	GasPriceWei *big.Int
	// ConfirmAfter is the number of receipt polls that report pending before
	// the transaction is mined.
	ConfirmAfter int
	// NeverMine keeps every broadcast pending forever.
	NeverMine bool
	// Revert mines transactions with a failed status.
	Revert bool

	NonceErr     error
	GasErr       error
	BroadcastErr error
	ReceiptErr   error
	// AckErr is returned by Broadcast after the transaction was accepted,
	// as when the connection drops before the node replies.
	AckErr error

	// OnBroadcast, when set, runs before a broadcast is accepted.
	OnBroadcast func(tx *chain.SignedTx)

	broadcasts  []*chain.SignedTx
	nonceCalls  int
	gasCalls    int
	signCalls   int
	receiptHits int
}

// NewLedger returns a ledger for chainID whose account is DefaultKey.
func NewLedger(chainID int64) *Ledger {
	key, err := gethcrypto.HexToECDSA(DefaultKey)
	if err != nil {
		panic(err)
	}
	id := big.NewInt(chainID)
	return &Ledger{
		key:         key,
		sender:      gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:     id,
		signer:      types.LatestSignerForChainID(id),
		pending:     make(map[common.Hash]*pendingTx),
		mined:       make(map[common.Hash]*chain.Receipt),
		GasPriceWei: big.NewInt(2_000_000_000),
	}
}

var _ chain.Client = (*Ledger)(nil)

func (l *Ledger) Sender() common.Address { return l.sender }

func (l *Ledger) PendingNonce(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nonceCalls++
	if l.NonceErr != nil {
		return 0, l.NonceErr
	}
	return l.nextNonce, nil
}

func (l *Ledger) GasPrice(_ context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gasCalls++
	if l.GasErr != nil {
		return nil, l.GasErr
	}
	return new(big.Int).Set(l.GasPriceWei), nil
}

func (l *Ledger) Sign(req chain.TxRequest) (*chain.SignedTx, error) {
	l.mu.Lock()
	l.signCalls++
	l.mu.Unlock()
	if req.From != l.sender {
		return nil, fmt.Errorf("chaintest: request sender %s is not the ledger account", req.From.Hex())
	}
	tx, err := chain.BuildTransaction(req)
	if err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, l.signer, l.key)
	if err != nil {
		return nil, err
	}
	return chain.NewSignedTx(signed)
}

func (l *Ledger) Broadcast(_ context.Context, tx *chain.SignedTx) (common.Hash, error) {
	if hook := l.OnBroadcast; hook != nil {
		hook(tx)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.BroadcastErr != nil {
		return common.Hash{}, l.BroadcastErr
	}
	if _, ok := l.pending[tx.Hash]; ok {
		return common.Hash{}, fmt.Errorf("%w: already known", chain.ErrRejected)
	}
	if _, ok := l.mined[tx.Hash]; ok {
		return common.Hash{}, fmt.Errorf("%w: nonce too low", chain.ErrRejected)
	}
	switch {
	case tx.Nonce < l.nextNonce:
		return common.Hash{}, fmt.Errorf("%w: nonce too low: next nonce %d, tx nonce %d", chain.ErrRejected, l.nextNonce, tx.Nonce)
	case tx.Nonce > l.nextNonce:
		return common.Hash{}, fmt.Errorf("%w: nonce too high: next nonce %d, tx nonce %d", chain.ErrRejected, l.nextNonce, tx.Nonce)
	}
	l.nextNonce++
	l.pending[tx.Hash] = &pendingTx{tx: tx}
	l.broadcasts = append(l.broadcasts, tx)
	if l.AckErr != nil {
		return common.Hash{}, l.AckErr
	}
	return tx.Hash, nil
}

func (l *Ledger) Receipt(_ context.Context, hash common.Hash) (*chain.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiptHits++
	if l.ReceiptErr != nil {
		return nil, l.ReceiptErr
	}
	if r, ok := l.mined[hash]; ok {
		return r, nil
	}
	p, ok := l.pending[hash]
	if !ok {
		return nil, chain.ErrPending
	}
	p.polls++
	if l.NeverMine || p.polls <= l.ConfirmAfter {
		return nil, chain.ErrPending
	}
	return l.mineLocked(hash), nil
}

// MineAll mines every pending transaction regardless of NeverMine.
func (l *Ledger) MineAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for h := range l.pending {
		l.mineLocked(h)
	}
}

func (l *Ledger) mineLocked(hash common.Hash) *chain.Receipt {
	delete(l.pending, hash)
	l.block++
	status := types.ReceiptStatusSuccessful
	if l.Revert {
		status = types.ReceiptStatusFailed
	}
	r := &chain.Receipt{TxHash: hash, Status: status, BlockNumber: l.block, GasUsed: 21000}
	l.mined[hash] = r
	return r
}

// Rebroadcast replays a previously accepted transaction.
func (l *Ledger) Rebroadcast(ctx context.Context, i int) error {
	l.mu.Lock()
	tx := l.broadcasts[i]
	l.mu.Unlock()
	_, err := l.Broadcast(ctx, tx)
	return err
}

// Broadcasts returns every accepted transaction in order.
func (l *Ledger) Broadcasts() []*chain.SignedTx {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*chain.SignedTx(nil), l.broadcasts...)
}

// Purposes decodes the purpose argument of every accepted transaction.
func (l *Ledger) Purposes() []string {
	var out []string
	for _, tx := range l.Broadcasts() {
		args, err := chain.UnpackPurchase(tx.Transaction().Data())
		if err != nil {
			out = append(out, "")
			continue
		}
		out = append(out, args.Purpose)
	}
	return out
}

// Calls reports how many times each capability was invoked.
func (l *Ledger) Calls() (nonce, gas, sign, receipt int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonceCalls, l.gasCalls, l.signCalls, l.receiptHits
}
