// Package agent drives the watch loop: poll the status collaborator, ask the
// decision source, buy through the executor on BUY, report the outcome and
// sleep. One goroutine runs the loop; phases never overlap.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agenticos/agentos-go/internal/decision"
	"github.com/agenticos/agentos-go/internal/purchase"
	"github.com/agenticos/agentos-go/internal/status"
	"github.com/agenticos/agentos-go/pkg/config"
)

// Phase is the loop's current state.
type Phase int32

const (
	Idle Phase = iota
	Polling
	Deciding
	Executing
	Settling
	Cooldown
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Deciding:
		return "deciding"
	case Executing:
		return "executing"
	case Settling:
		return "settling"
	case Cooldown:
		return "cooldown"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// StatusClient is the consumed side of the status collaborator.
type StatusClient interface {
	FetchStatus(ctx context.Context) (status.Snapshot, error)
	AppendHistory(ctx context.Context, e status.HistoryEntry) error
}

// Executor performs purchases. *purchase.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, purpose string) purchase.Outcome
	Resolve(ctx context.Context, txHash, purpose string) purchase.Outcome
}

// Config holds the loop schedule.
type Config struct {
	Cooldown       time.Duration
	SettleCooldown time.Duration
	QuotaCooldown  time.Duration
	StatusTimeout  time.Duration
	// MaxTrackCycles is how many cycles a timed-out hash is re-checked
	// before it is abandoned.
	MaxTrackCycles int
	// RecordFailures appends failed, timed_out and abandoned entries to the
	// history. Confirmed purchases are always recorded.
	RecordFailures bool
}

// ConfigFrom converts the agent config section, applying defaults.
func ConfigFrom(c config.AgentConfig) Config {
	cfg := Config{
		Cooldown:       config.Duration(c.CooldownSec, 10*time.Second),
		SettleCooldown: config.Duration(c.SettleCooldownSec, 15*time.Second),
		QuotaCooldown:  config.Duration(c.QuotaCooldownSec, 60*time.Second),
		StatusTimeout:  config.Duration(c.StatusTimeoutSec, 5*time.Second),
		MaxTrackCycles: c.MaxTrackCycles,
		RecordFailures: c.RecordFailures,
	}
	if cfg.MaxTrackCycles <= 0 {
		cfg.MaxTrackCycles = 30
	}
	return cfg
}

// pendingTx is a broadcast transaction whose fate is not known yet.
type pendingTx struct {
	hash   string
	reason string
	checks int
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// WithSleep overrides how the loop waits between cycles. The function must
// return ctx.Err() when ctx is done.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) { l.sleep = sleep }
}

// Loop is the agent's state machine.
type Loop struct {
	cfg    Config
	status StatusClient
	source decision.Source
	exec   Executor
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	phase   atomic.Int32
	running atomic.Bool
	cycles  atomic.Int64

	mu      sync.Mutex
	pending *pendingTx
	unsent  *status.HistoryEntry
}

// New creates a loop.
func New(cfg Config, sc StatusClient, src decision.Source, ex Executor, opts ...Option) *Loop {
	l := &Loop{
		cfg:    cfg,
		status: sc,
		source: src,
		exec:   ex,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Phase returns the current phase.
func (l *Loop) Phase() Phase { return Phase(l.phase.Load()) }

func (l *Loop) setPhase(p Phase) { l.phase.Store(int32(p)) }

// Pending returns the hash of an unresolved transaction, if any.
func (l *Loop) Pending() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return "", false
	}
	return l.pending.hash, true
}

// Run executes cycles until ctx is done. It returns nil on shutdown; cycle
// errors never stop it.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("agent: loop started",
		slog.Duration("cooldown", l.cfg.Cooldown),
		slog.Duration("settle_cooldown", l.cfg.SettleCooldown),
		slog.Duration("quota_cooldown", l.cfg.QuotaCooldown),
	)
	for {
		if ctx.Err() != nil {
			break
		}
		wait := l.RunCycle(ctx)
		l.setPhase(Cooldown)
		if err := l.sleep(ctx, wait); err != nil {
			break
		}
	}
	l.setPhase(Idle)
	if hash, ok := l.Pending(); ok {
		slog.Warn("agent: shutting down with unresolved transaction",
			slog.String("tx_hash", hash),
		)
	}
	slog.Info("agent: loop stopped", slog.Int64("cycles", l.cycles.Load()))
	return nil
}

// RunCycle runs one Polling → Deciding → Executing → Settling pass and
// returns the cooldown to apply before the next one. A call made while
// another cycle is in progress returns immediately without polling.
func (l *Loop) RunCycle(ctx context.Context) (wait time.Duration) {
	if !l.running.CompareAndSwap(false, true) {
		slog.Info("agent: cycle already in progress, deferring")
		return l.cfg.Cooldown
	}
	defer l.running.Store(false)

	n := l.cycles.Add(1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent: cycle panic",
				slog.Int64("cycle_num", n),
				slog.Any("panic", r),
			)
			wait = l.cfg.Cooldown
		}
	}()

	started := time.Now()
	wait = l.runCycleInner(ctx)
	slog.Debug("agent: cycle end",
		slog.Int64("cycle_num", n),
		slog.Duration("elapsed", time.Since(started)),
		slog.Duration("cooldown", wait),
	)
	return wait
}

func (l *Loop) runCycleInner(ctx context.Context) time.Duration {
	// A confirmed purchase that was not committed blocks new purchases:
	// the snapshot still shows the pre-reset state.
	if l.hasUnsent() {
		l.setPhase(Settling)
		if !l.flushUnsent(ctx) {
			return l.cfg.Cooldown
		}
	}

	if l.hasPending() {
		l.setPhase(Settling)
		if wait, busy := l.trackPending(ctx); busy {
			return wait
		}
	}

	l.setPhase(Polling)
	snap, err := l.fetch(ctx)
	if err != nil {
		slog.Warn("agent: status poll failed", slog.String("error", err.Error()))
		return l.cfg.Cooldown
	}

	l.setPhase(Deciding)
	if snap.Paused {
		slog.Info("agent: paused by operator, waiting")
		return l.cfg.Cooldown
	}
	d, err := l.source.Decide(ctx, snap)
	switch {
	case errors.Is(err, decision.ErrQuota):
		slog.Warn("agent: decision quota exhausted, extended cooldown",
			slog.Duration("cooldown", l.cfg.QuotaCooldown),
		)
		return l.cfg.QuotaCooldown
	case err != nil:
		slog.Warn("agent: decision failed, waiting", slog.String("error", err.Error()))
		return l.cfg.Cooldown
	}
	slog.Info("agent: decision",
		slog.Int("load", snap.Load),
		slog.Int("days_remaining", snap.SubscriptionDaysRemaining),
		slog.String("action", d.Kind.String()),
		slog.String("reason", d.Reason),
	)
	if d.Kind != decision.Buy {
		return l.cfg.Cooldown
	}

	l.setPhase(Executing)
	out := l.exec.Execute(ctx, d.Reason)

	l.setPhase(Settling)
	return l.settle(context.WithoutCancel(ctx), out, d.Reason)
}

func (l *Loop) fetch(ctx context.Context) (status.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StatusTimeout)
	defer cancel()
	return l.status.FetchStatus(ctx)
}

// settle reports an outcome and picks the cooldown. Only Confirmed resets
// state, through the confirmed history commit.
func (l *Loop) settle(ctx context.Context, out purchase.Outcome, reason string) time.Duration {
	switch out.Kind {
	case purchase.Confirmed:
		slog.Info("agent: purchase confirmed",
			slog.String("tx_hash", out.TxHash),
			slog.String("reason", reason),
		)
		l.commit(ctx, l.entry(reason, out.TxHash, status.StatusConfirmed))
		return l.cfg.SettleCooldown

	case purchase.TimedOut:
		slog.Warn("agent: purchase unconfirmed, tracking",
			slog.String("tx_hash", out.TxHash),
		)
		l.track(out.TxHash, reason)
		l.record(ctx, l.entry(reason, out.TxHash, status.StatusTimedOut))
		return l.cfg.Cooldown

	case purchase.Deferred:
		slog.Info("agent: purchase deferred, another submission is unresolved")
		return l.cfg.Cooldown

	default:
		attrs := []any{slog.String("reason", reason)}
		if out.Cause != nil {
			attrs = append(attrs,
				slog.String("kind", out.Cause.Kind.String()),
				slog.String("op", out.Cause.Op),
				slog.String("error", out.Cause.Error()),
			)
		}
		if out.TxHash != "" {
			attrs = append(attrs, slog.String("tx_hash", out.TxHash))
		}
		if out.Cause != nil && out.Cause.Kind == purchase.KindConfiguration {
			slog.Error("agent: purchase misconfigured", attrs...)
		} else {
			slog.Warn("agent: purchase failed", attrs...)
		}
		// A broadcast whose network call failed may still have gone out.
		if out.TxHash != "" && out.Cause != nil && out.Cause.Kind == purchase.KindNetwork {
			l.track(out.TxHash, reason)
		}
		l.record(ctx, l.entry(reason, out.TxHash, status.StatusFailed))
		return l.cfg.Cooldown
	}
}

// trackPending re-checks the unresolved transaction. busy reports that the
// cycle must end here with the returned cooldown.
func (l *Loop) trackPending(ctx context.Context) (wait time.Duration, busy bool) {
	l.mu.Lock()
	p := *l.pending
	l.mu.Unlock()

	out := l.exec.Resolve(ctx, p.hash, p.reason)
	switch out.Kind {
	case purchase.Confirmed:
		l.clearPending()
		slog.Info("agent: tracked transaction confirmed", slog.String("tx_hash", p.hash))
		l.commit(context.WithoutCancel(ctx), l.entry(p.reason, p.hash, status.StatusConfirmed))
		return l.cfg.SettleCooldown, true

	case purchase.Failed:
		l.clearPending()
		slog.Warn("agent: tracked transaction reverted", slog.String("tx_hash", p.hash))
		l.record(context.WithoutCancel(ctx), l.entry(p.reason, p.hash, status.StatusFailed))
		return l.cfg.Cooldown, true
	}

	l.mu.Lock()
	l.pending.checks++
	checks := l.pending.checks
	l.mu.Unlock()
	if checks < l.cfg.MaxTrackCycles {
		slog.Info("agent: transaction still pending",
			slog.String("tx_hash", p.hash),
			slog.Int("checks", checks),
		)
		return l.cfg.Cooldown, true
	}

	l.clearPending()
	slog.Warn("agent: abandoning unresolved transaction",
		slog.String("tx_hash", p.hash),
		slog.Int("checks", checks),
	)
	l.record(context.WithoutCancel(ctx), l.entry(p.reason, p.hash, status.StatusAbandoned))
	return l.cfg.Cooldown, true
}

func (l *Loop) entry(reason, hash, st string) status.HistoryEntry {
	e := status.HistoryEntry{
		Timestamp: l.now().Format(time.TimeOnly),
		Reason:    reason,
		Status:    st,
	}
	if hash != "" {
		e.TxHash = status.StrPtr(hash)
	}
	return e
}

// commit sends a confirmed entry. The collaborator appends and resets state
// in one step. On a transport failure the entry is kept and retried before
// any new purchase. The entry gets its ID here so every retry names the same
// record and a write that landed without a reply is not applied twice.
func (l *Loop) commit(ctx context.Context, e status.HistoryEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	l.mu.Lock()
	l.unsent = &e
	l.mu.Unlock()
	l.flushUnsent(ctx)
}

func (l *Loop) flushUnsent(ctx context.Context) bool {
	l.mu.Lock()
	e := l.unsent
	l.mu.Unlock()
	if e == nil {
		return true
	}

	err := l.status.AppendHistory(ctx, *e)
	switch {
	case err == nil:
		slog.Info("agent: history committed, state reset",
			slog.String("tx_hash", e.Hash()),
		)
	case errors.Is(err, status.ErrInvalidEntry):
		slog.Error("agent: history entry rejected, dropping",
			slog.String("tx_hash", e.Hash()),
			slog.String("error", err.Error()),
		)
	default:
		slog.Warn("agent: history commit failed, will retry",
			slog.String("tx_hash", e.Hash()),
			slog.String("error", err.Error()),
		)
		return false
	}
	l.mu.Lock()
	l.unsent = nil
	l.mu.Unlock()
	return true
}

// record appends a non-confirmed entry once. Failures are logged only.
func (l *Loop) record(ctx context.Context, e status.HistoryEntry) {
	if !l.cfg.RecordFailures {
		return
	}
	if err := l.status.AppendHistory(ctx, e); err != nil {
		slog.Warn("agent: history append failed",
			slog.String("status", e.Status),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Loop) track(hash, reason string) {
	l.mu.Lock()
	l.pending = &pendingTx{hash: hash, reason: reason}
	l.mu.Unlock()
}

func (l *Loop) clearPending() {
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
}

func (l *Loop) hasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending != nil
}

func (l *Loop) hasUnsent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unsent != nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
