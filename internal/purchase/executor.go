// Package purchase is the autonomous payment execution core. It turns a BUY
// decision into a single signed contract call, tracks it to inclusion and
// reports a typed outcome. It never resets system state itself.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"

	"github.com/agenticos/agentos-go/internal/chain"
	"github.com/agenticos/agentos-go/pkg/config"
)

// Defaults for the optional durations in Config.
const (
	DefaultCallTimeout    = 10 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultReceiptTimeout = 120 * time.Second
)

// Config is the static purchase configuration. Amount is fixed; it is never
// derived from the decision.
type Config struct {
	Contract       string
	Merchant       string
	AmountWei      *big.Int
	GasLimit       uint64
	ChainID        int64
	CallTimeout    time.Duration
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

// SpendPolicy gates a purchase before anything is signed. Spend is recorded
// just before the broadcast and refunded if the ledger rejects it or the
// transaction reverts.
type SpendPolicy interface {
	Authorize(merchant common.Address, amountWei *big.Int) error
	Spend(amountWei *big.Int)
	Refund(amountWei *big.Int)
}

// Option customises an Executor.
type Option func(*Executor)

// WithLocker adds a cross-process lock on the paying account.
func WithLocker(l Locker) Option { return func(e *Executor) { e.locker = l } }

// WithPolicy adds a spend policy check.
func WithPolicy(p SpendPolicy) Option { return func(e *Executor) { e.policy = p } }

// Executor implements Execute. At most one submission is unresolved at any
// time per executor, and per account when a Locker is configured.
type Executor struct {
	cfg      Config
	client   chain.Client
	contract common.Address
	merchant common.Address
	chainID  *big.Int

	inflight *semaphore.Weighted
	locker   Locker
	policy   SpendPolicy
}

// NewExecutor validates cfg and returns an executor. A returned error wraps
// ErrConfiguration and is fatal at startup.
func NewExecutor(cfg Config, client chain.Client, opts ...Option) (*Executor, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	e := &Executor{
		cfg:      cfg,
		client:   client,
		chainID:  big.NewInt(cfg.ChainID),
		inflight: semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	e.merchant = common.HexToAddress(cfg.Merchant)
	e.contract = common.HexToAddress(cfg.Contract)
	return e, nil
}

// validate checks everything that needs no network call. It only reads.
func (e *Executor) validate() *Error {
	fail := func(err error) *Error {
		return &Error{Kind: KindConfiguration, Op: "precondition", Err: err}
	}
	if err := config.ValidateAddress(e.cfg.Merchant); err != nil {
		return fail(fmt.Errorf("merchant address: %w", err))
	}
	if err := config.ValidateAddress(e.cfg.Contract); err != nil {
		return fail(fmt.Errorf("contract address: %w", err))
	}
	if e.client == nil {
		return fail(chain.ErrNoSigningKey)
	}
	if e.client.Sender() == (common.Address{}) {
		return fail(errors.New("sender address is not configured"))
	}
	if e.cfg.AmountWei == nil || e.cfg.AmountWei.Sign() <= 0 {
		return fail(errors.New("purchase amount must be positive"))
	}
	if e.cfg.GasLimit == 0 {
		return fail(errors.New("gas limit must be positive"))
	}
	if e.cfg.ChainID <= 0 {
		return fail(errors.New("chain id must be positive"))
	}
	return nil
}

// Execute performs one purchase for purpose and blocks until it is resolved.
// The caller's cancellation is not propagated past the precondition check: a
// started attempt always runs to Confirmed, Failed or TimedOut, bounded by the
// configured timeouts.
func (e *Executor) Execute(ctx context.Context, purpose string) Outcome {
	purpose = strings.TrimSpace(purpose)
	if cause := e.validate(); cause != nil {
		return Outcome{Kind: Failed, Purpose: purpose, Cause: cause}
	}
	if !e.inflight.TryAcquire(1) {
		slog.Warn("purchase: deferred, submission in flight", slog.String("purpose", purpose))
		return Outcome{Kind: Deferred, Purpose: purpose}
	}
	defer e.inflight.Release(1)

	ctx = context.WithoutCancel(ctx)

	if e.locker != nil {
		release, ok, err := e.locker.TryLock(ctx, e.lockKey(), e.lockTTL())
		if err != nil {
			return failed(purpose, KindNetwork, "lock", err)
		}
		if !ok {
			slog.Warn("purchase: deferred, account locked by another process",
				slog.String("purpose", purpose),
				slog.String("sender", e.client.Sender().Hex()),
			)
			return Outcome{Kind: Deferred, Purpose: purpose}
		}
		defer func() {
			if err := release(ctx); err != nil {
				slog.Error("purchase: release lock", slog.String("error", err.Error()))
			}
		}()
	}

	return e.attempt(ctx, purpose)
}

// attempt runs steps 1–7 of a purchase. Every call builds a fresh request.
func (e *Executor) attempt(ctx context.Context, purpose string) Outcome {
	start := time.Now()
	sender := e.client.Sender()

	if e.policy != nil {
		if err := e.policy.Authorize(e.merchant, e.cfg.AmountWei); err != nil {
			slog.Warn("purchase: denied by spend policy",
				slog.String("purpose", purpose),
				slog.String("error", err.Error()),
			)
			return failed(purpose, KindRejected, "policy", err)
		}
	}

	nonce, err := callWithTimeout(ctx, e.cfg.CallTimeout, e.client.PendingNonce)
	if err != nil {
		return failed(purpose, Classify(err), "nonce", err)
	}

	gasPrice, err := callWithTimeout(ctx, e.cfg.CallTimeout, e.client.GasPrice)
	if err != nil {
		return failed(purpose, Classify(err), "gas_price", err)
	}

	req := chain.TxRequest{
		From:      sender,
		Contract:  e.contract,
		Merchant:  e.merchant,
		AmountWei: new(big.Int).Set(e.cfg.AmountWei),
		Purpose:   purpose,
		Nonce:     nonce,
		GasLimit:  e.cfg.GasLimit,
		GasPrice:  gasPrice,
		ChainID:   new(big.Int).Set(e.chainID),
	}

	signed, err := e.client.Sign(req)
	if err != nil {
		kind := KindUnknown
		if errors.Is(err, chain.ErrWrongChain) || errors.Is(err, chain.ErrNoSigningKey) {
			kind = KindConfiguration
		}
		return failed(purpose, kind, "sign", err)
	}

	slog.Info("purchase: broadcasting",
		slog.String("purpose", purpose),
		slog.String("sender", sender.Hex()),
		slog.String("merchant", e.merchant.Hex()),
		slog.String("amount_wei", e.cfg.AmountWei.String()),
		slog.Uint64("nonce", nonce),
		slog.String("gas_price", gasPrice.String()),
		slog.String("tx_hash", signed.Hash.Hex()),
	)

	// Reserve before the broadcast: once it is sent the money may move even
	// if the reply is lost. Only a definite rejection or a revert refunds.
	if e.policy != nil {
		e.policy.Spend(e.cfg.AmountWei)
	}

	bctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	hash, err := e.client.Broadcast(bctx, signed)
	cancel()
	if err != nil {
		kind := Classify(err)
		out := failed(purpose, kind, "broadcast", err)
		if kind == KindRejected && e.policy != nil {
			e.policy.Refund(e.cfg.AmountWei)
		}
		if kind == KindNetwork {
			// The node may have accepted it before the connection failed.
			out.TxHash = signed.Hash.Hex()
			slog.Warn("purchase: broadcast outcome unknown",
				slog.String("tx_hash", out.TxHash),
				slog.String("error", err.Error()),
			)
		}
		return out
	}

	out := e.waitMined(ctx, hash, purpose)
	slog.Info("purchase: resolved",
		slog.String("purpose", purpose),
		slog.String("outcome", out.Kind.String()),
		slog.String("tx_hash", hash.Hex()),
		slog.Int("duration_ms", int(time.Since(start).Milliseconds())),
	)
	return out
}

// waitMined polls for the receipt of hash until it appears or the receipt
// timeout elapses. Poll errors are logged and retried: the transaction is
// already out, so nothing here may fail the purchase except a revert.
func (e *Executor) waitMined(ctx context.Context, hash common.Hash, purpose string) Outcome {
	deadline := time.NewTimer(e.cfg.ReceiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		polls++
		if out, done := e.checkReceipt(ctx, hash, purpose); done {
			return out
		}
		select {
		case <-deadline.C:
			slog.Warn("purchase: confirmation timed out",
				slog.String("tx_hash", hash.Hex()),
				slog.Int("polls", polls),
			)
			return Outcome{Kind: TimedOut, TxHash: hash.Hex(), Purpose: purpose}
		case <-ticker.C:
		}
	}
}

// Resolve checks a previously timed-out transaction once. It returns
// Confirmed, Failed (reverted) or TimedOut if the receipt is still absent.
func (e *Executor) Resolve(ctx context.Context, txHash, purpose string) Outcome {
	hash := common.HexToHash(txHash)
	if out, done := e.checkReceipt(context.WithoutCancel(ctx), hash, purpose); done {
		return out
	}
	return Outcome{Kind: TimedOut, TxHash: hash.Hex(), Purpose: purpose}
}

func (e *Executor) checkReceipt(ctx context.Context, hash common.Hash, purpose string) (Outcome, bool) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	receipt, err := e.client.Receipt(rctx, hash)
	cancel()
	switch {
	case errors.Is(err, chain.ErrPending):
		return Outcome{}, false
	case err != nil:
		slog.Debug("purchase: receipt poll failed",
			slog.String("tx_hash", hash.Hex()),
			slog.String("error", err.Error()),
		)
		return Outcome{}, false
	case !receipt.Succeeded():
		if e.policy != nil {
			e.policy.Refund(e.cfg.AmountWei)
		}
		out := failed(purpose, KindRejected, "receipt",
			fmt.Errorf("%w: execution reverted in block %d", chain.ErrRejected, receipt.BlockNumber))
		out.TxHash = hash.Hex()
		return out, true
	default:
		return Outcome{Kind: Confirmed, TxHash: hash.Hex(), Purpose: purpose}, true
	}
}

// Sender returns the paying account.
func (e *Executor) Sender() common.Address { return e.client.Sender() }

func (e *Executor) lockKey() string {
	return strings.ToLower(e.client.Sender().Hex())
}

// lockTTL outlives the longest possible attempt.
func (e *Executor) lockTTL() time.Duration {
	return e.cfg.ReceiptTimeout + 4*e.cfg.CallTimeout
}

// Classify maps a chain-layer error onto the purchase taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, chain.ErrRejected):
		return KindRejected
	case errors.Is(err, chain.ErrNetwork), errors.Is(err, chain.ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	case errors.Is(err, chain.ErrWrongChain), errors.Is(err, chain.ErrNoSigningKey),
		errors.Is(err, config.ErrInvalid):
		return KindConfiguration
	default:
		return KindUnknown
	}
}

func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(cctx)
}
