package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agenticos/agentos-go/internal/decision"
	"github.com/agenticos/agentos-go/internal/purchase"
	"github.com/agenticos/agentos-go/internal/status"
	"github.com/agenticos/agentos-go/internal/store"
	"github.com/agenticos/agentos-go/pkg/config"
)

var baseline = store.State{Load: 45, SubscriptionDaysRemaining: 15}

var testCfg = Config{
	Cooldown:       10 * time.Second,
	SettleCooldown: 15 * time.Second,
	QuotaCooldown:  60 * time.Second,
	StatusTimeout:  time.Second,
	MaxTrackCycles: 3,
	RecordFailures: true,
}

// fakeExec returns queued outcomes. An empty queue yields Confirmed with a
// generated hash.
type fakeExec struct {
	mu       sync.Mutex
	outcomes []purchase.Outcome
	resolves []purchase.Outcome
	calls    []string
	resolved []string

	entered chan struct{}
	release chan struct{}
}

func (f *fakeExec) Execute(_ context.Context, purpose string) purchase.Outcome {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, purpose)
	if len(f.outcomes) == 0 {
		return purchase.Outcome{Kind: purchase.Confirmed, TxHash: fmt.Sprintf("0x%064x", len(f.calls)), Purpose: purpose}
	}
	out := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	out.Purpose = purpose
	return out
}

func (f *fakeExec) Resolve(_ context.Context, txHash, purpose string) purchase.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, txHash)
	if len(f.resolves) == 0 {
		return purchase.Outcome{Kind: purchase.TimedOut, TxHash: txHash, Purpose: purpose}
	}
	out := f.resolves[0]
	f.resolves = f.resolves[1:]
	return out
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func rejected(hash string) purchase.Outcome {
	return purchase.Outcome{
		Kind:   purchase.Failed,
		TxHash: hash,
		Cause:  &purchase.Error{Kind: purchase.KindRejected, Op: "broadcast", Err: errors.New("nonce too low")},
	}
}

type harness struct {
	svc    *status.Service
	client *status.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	svc := status.NewService(store.NewMemory(baseline), baseline)
	srv := httptest.NewServer(status.NewHandler(svc, nil).Routes())
	t.Cleanup(srv.Close)
	return &harness{svc: svc, client: status.NewClient(srv.URL, time.Second)}
}

func (h *harness) snapshot(t *testing.T) status.Snapshot {
	t.Helper()
	s, err := h.svc.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (h *harness) history(t *testing.T) []status.HistoryEntry {
	t.Helper()
	hist, err := h.svc.History(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	return hist
}

func rules(t *testing.T) decision.Source {
	t.Helper()
	src, err := decision.NewRuleSource(decision.DefaultRules(85, 3), "")
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func TestOverloadScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.TriggerOverload(ctx); err != nil {
		t.Fatal(err)
	}
	exec := &fakeExec{outcomes: []purchase.Outcome{{Kind: purchase.Confirmed, TxHash: "0xabc"}}}
	loop := New(testCfg, h.client, rules(t), exec)

	if got := loop.RunCycle(ctx); got != testCfg.SettleCooldown {
		t.Errorf("cooldown = %v, want settle cooldown", got)
	}
	if len(exec.calls) != 1 || exec.calls[0] != "High load scaling" {
		t.Fatalf("execute calls = %v", exec.calls)
	}
	snap := h.snapshot(t)
	if snap.Load != 45 || snap.SubscriptionDaysRemaining != 15 {
		t.Errorf("state = %+v, want baseline", snap)
	}
	hist := h.history(t)
	if len(hist) != 1 || hist[0].Reason != "High load scaling" || hist[0].Hash() != "0xabc" {
		t.Errorf("history = %+v", hist)
	}

	// Back at baseline the next cycle waits.
	if got := loop.RunCycle(ctx); got != testCfg.Cooldown || exec.callCount() != 1 {
		t.Errorf("baseline cycle: cooldown %v, calls %d", got, exec.callCount())
	}
}

type quotaSource struct{ calls int }

func (q *quotaSource) Decide(context.Context, status.Snapshot) (decision.Decision, error) {
	q.calls++
	return decision.Decision{}, fmt.Errorf("%w: 429", decision.ErrQuota)
}

func TestQuotaUsesExtendedCooldown(t *testing.T) {
	h := newHarness(t)
	h.svc.TriggerOverload(context.Background())
	exec := &fakeExec{}
	src := &quotaSource{}
	loop := New(testCfg, h.client, src, exec)

	if got := loop.RunCycle(context.Background()); got != testCfg.QuotaCooldown {
		t.Errorf("cooldown = %v, want %v", got, testCfg.QuotaCooldown)
	}
	if src.calls != 1 || exec.callCount() != 0 {
		t.Errorf("decide calls %d, execute calls %d", src.calls, exec.callCount())
	}
}

func TestNoResetWithoutConfirmation(t *testing.T) {
	tests := []struct {
		name    string
		outcome purchase.Outcome
		status  string
	}{
		{"rejected", rejected(""), status.StatusFailed},
		{"timed out", purchase.Outcome{Kind: purchase.TimedOut, TxHash: "0xdead"}, status.StatusTimedOut},
		{"network", purchase.Outcome{Kind: purchase.Failed, Cause: &purchase.Error{Kind: purchase.KindNetwork, Op: "nonce", Err: errors.New("dial")}}, status.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.svc.TriggerOverload(context.Background())
			loop := New(testCfg, h.client, rules(t), &fakeExec{outcomes: []purchase.Outcome{tt.outcome}})

			if got := loop.RunCycle(context.Background()); got != testCfg.Cooldown {
				t.Errorf("cooldown = %v", got)
			}
			if snap := h.snapshot(t); snap.Load != 95 {
				t.Errorf("state reset on %s: %+v", tt.name, snap)
			}
			hist := h.history(t)
			if len(hist) != 1 || hist[0].Status != tt.status {
				t.Errorf("history = %+v", hist)
			}
		})
	}
}

func TestRecordFailuresOff(t *testing.T) {
	h := newHarness(t)
	h.svc.TriggerOverload(context.Background())
	cfg := testCfg
	cfg.RecordFailures = false
	loop := New(cfg, h.client, rules(t), &fakeExec{outcomes: []purchase.Outcome{rejected("")}})
	loop.RunCycle(context.Background())
	if hist := h.history(t); len(hist) != 0 {
		t.Errorf("history = %+v, want none", hist)
	}
}

func TestTimedOutTrackedThenConfirmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.TriggerOverload(ctx)
	exec := &fakeExec{
		outcomes: []purchase.Outcome{{Kind: purchase.TimedOut, TxHash: "0xbeef"}},
		resolves: []purchase.Outcome{
			{Kind: purchase.TimedOut, TxHash: "0xbeef"},
			{Kind: purchase.Confirmed, TxHash: "0xbeef"},
		},
	}
	loop := New(testCfg, h.client, rules(t), exec)

	loop.RunCycle(ctx)
	if hash, ok := loop.Pending(); !ok || hash != "0xbeef" {
		t.Fatalf("pending = %q, %v", hash, ok)
	}
	// Still pending: no new purchase even though load is high.
	if got := loop.RunCycle(ctx); got != testCfg.Cooldown {
		t.Errorf("cooldown = %v", got)
	}
	if exec.callCount() != 1 {
		t.Fatalf("new purchase while one is unresolved: %v", exec.calls)
	}
	// Confirmed late: commit and settle.
	if got := loop.RunCycle(ctx); got != testCfg.SettleCooldown {
		t.Errorf("cooldown = %v, want settle", got)
	}
	if _, ok := loop.Pending(); ok {
		t.Error("pending not cleared")
	}
	if snap := h.snapshot(t); snap.Load != 45 {
		t.Errorf("state = %+v, want baseline", snap)
	}
	hist := h.history(t)
	last := hist[len(hist)-1]
	if last.Status != status.StatusConfirmed || last.Hash() != "0xbeef" {
		t.Errorf("last entry = %+v", last)
	}
	if exec.callCount() != 1 {
		t.Errorf("execute calls = %d", exec.callCount())
	}
}

func TestPendingAbandoned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.TriggerOverload(ctx)
	exec := &fakeExec{outcomes: []purchase.Outcome{{Kind: purchase.TimedOut, TxHash: "0xfeed"}}}
	loop := New(testCfg, h.client, rules(t), exec)

	loop.RunCycle(ctx)
	for i := 0; i < testCfg.MaxTrackCycles; i++ {
		loop.RunCycle(ctx)
	}
	if _, ok := loop.Pending(); ok {
		t.Fatal("pending should be abandoned")
	}
	if len(exec.resolved) != testCfg.MaxTrackCycles {
		t.Errorf("resolve calls = %d", len(exec.resolved))
	}
	hist := h.history(t)
	if last := hist[len(hist)-1]; last.Status != status.StatusAbandoned || last.Hash() != "0xfeed" {
		t.Errorf("last entry = %+v", last)
	}
	if snap := h.snapshot(t); snap.Load != 95 {
		t.Error("abandoning must not reset state")
	}

	// Tracking is over: the next cycle may buy again.
	loop.RunCycle(ctx)
	if exec.callCount() != 2 {
		t.Errorf("execute calls = %d, want 2", exec.callCount())
	}
}

func TestBroadcastNetworkFailureTracked(t *testing.T) {
	h := newHarness(t)
	h.svc.TriggerOverload(context.Background())
	out := purchase.Outcome{
		Kind:   purchase.Failed,
		TxHash: "0x0f",
		Cause:  &purchase.Error{Kind: purchase.KindNetwork, Op: "broadcast", Err: errors.New("connection reset")},
	}
	loop := New(testCfg, h.client, rules(t), &fakeExec{outcomes: []purchase.Outcome{out}})
	loop.RunCycle(context.Background())
	if hash, ok := loop.Pending(); !ok || hash != "0x0f" {
		t.Errorf("pending = %q, %v", hash, ok)
	}
}

func TestOverlappingCycleDeferred(t *testing.T) {
	h := newHarness(t)
	h.svc.TriggerOverload(context.Background())
	exec := &fakeExec{entered: make(chan struct{}), release: make(chan struct{})}
	loop := New(testCfg, h.client, rules(t), exec)

	done := make(chan time.Duration)
	go func() { done <- loop.RunCycle(context.Background()) }()
	<-exec.entered
	if loop.Phase() != Executing {
		t.Errorf("phase = %s, want executing", loop.Phase())
	}

	if got := loop.RunCycle(context.Background()); got != testCfg.Cooldown {
		t.Errorf("overlapping cycle cooldown = %v", got)
	}
	close(exec.release)
	if got := <-done; got != testCfg.SettleCooldown {
		t.Errorf("first cycle cooldown = %v", got)
	}
	if exec.callCount() != 1 {
		t.Errorf("execute calls = %d, want 1", exec.callCount())
	}
}

func TestDeferredOutcome(t *testing.T) {
	h := newHarness(t)
	h.svc.TriggerOverload(context.Background())
	loop := New(testCfg, h.client, rules(t), &fakeExec{outcomes: []purchase.Outcome{{Kind: purchase.Deferred}}})
	if got := loop.RunCycle(context.Background()); got != testCfg.Cooldown {
		t.Errorf("cooldown = %v", got)
	}
	if hist := h.history(t); len(hist) != 0 {
		t.Errorf("deferred outcome recorded: %+v", hist)
	}
}

func TestPausedWaits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.TriggerOverload(ctx)
	h.svc.SetPaused(ctx, true)
	exec := &fakeExec{}
	loop := New(testCfg, h.client, rules(t), exec)
	loop.RunCycle(ctx)
	if exec.callCount() != 0 {
		t.Error("paused agent bought")
	}
}

// fakeStatus fails AppendHistory with the queued errors.
type fakeStatus struct {
	snap      status.Snapshot
	fetchErr  error
	appendErr []error
	fetches   int
	appended  []status.HistoryEntry
}

func (f *fakeStatus) FetchStatus(context.Context) (status.Snapshot, error) {
	f.fetches++
	return f.snap, f.fetchErr
}

func (f *fakeStatus) AppendHistory(_ context.Context, e status.HistoryEntry) error {
	if len(f.appendErr) > 0 {
		err := f.appendErr[0]
		f.appendErr = f.appendErr[1:]
		if err != nil {
			return err
		}
	}
	f.appended = append(f.appended, e)
	return nil
}

func TestCommitRetriedBeforeNewPurchase(t *testing.T) {
	fs := &fakeStatus{
		snap:      status.Snapshot{Load: 95, SubscriptionDaysRemaining: 10},
		appendErr: []error{status.ErrUnavailable, status.ErrUnavailable},
	}
	exec := &fakeExec{}
	loop := New(testCfg, fs, rules(t), exec)
	ctx := context.Background()

	loop.RunCycle(ctx)
	if exec.callCount() != 1 || len(fs.appended) != 0 {
		t.Fatalf("calls %d, appended %d", exec.callCount(), len(fs.appended))
	}
	// Retry fails again: no poll, no purchase.
	if got := loop.RunCycle(ctx); got != testCfg.Cooldown {
		t.Errorf("cooldown = %v", got)
	}
	if fs.fetches != 1 || exec.callCount() != 1 {
		t.Errorf("fetches %d, calls %d", fs.fetches, exec.callCount())
	}
	// Retry succeeds, then the cycle continues with a poll.
	fs.snap = status.Snapshot{Load: 45, SubscriptionDaysRemaining: 15}
	loop.RunCycle(ctx)
	if len(fs.appended) != 1 || fs.appended[0].Status != status.StatusConfirmed {
		t.Errorf("appended = %+v", fs.appended)
	}
	if fs.fetches != 2 || exec.callCount() != 1 {
		t.Errorf("fetches %d, calls %d", fs.fetches, exec.callCount())
	}
}

// lostReplyClient applies history writes but reports the first drop of them
// as unreachable, as when the connection dies after the server committed.
type lostReplyClient struct {
	serviceClient
	drop int
	sent []status.HistoryEntry
}

func (c *lostReplyClient) AppendHistory(ctx context.Context, e status.HistoryEntry) error {
	c.sent = append(c.sent, e)
	if err := c.serviceClient.AppendHistory(ctx, e); err != nil {
		return err
	}
	if c.drop > 0 {
		c.drop--
		return fmt.Errorf("%w: connection reset", status.ErrUnavailable)
	}
	return nil
}

func TestCommitRetryAfterLostReplyIsIdempotent(t *testing.T) {
	svc := status.NewService(store.NewMemory(baseline), baseline)
	c := &lostReplyClient{serviceClient: serviceClient{svc: svc}, drop: 1}
	exec := &fakeExec{}
	loop := New(testCfg, c, rules(t), exec)
	ctx := context.Background()

	svc.TriggerOverload(ctx)
	loop.RunCycle(ctx)
	if !loop.hasUnsent() {
		t.Fatal("lost reply should leave the entry queued")
	}

	// The first write did land and reset state. A new overload arrives
	// before the retry.
	svc.TriggerOverload(ctx)
	loop.RunCycle(ctx)

	if len(c.sent) < 2 || c.sent[0].ID == "" || c.sent[1].ID != c.sent[0].ID {
		t.Fatalf("retry must reuse the entry id: %+v", c.sent)
	}
	// The overload survived the retry, so the cycle went on to buy again.
	if exec.callCount() != 2 {
		t.Errorf("purchases = %d, want 2", exec.callCount())
	}
	hist, _ := svc.History(ctx, 0)
	if len(hist) != 2 || hist[0].ID == hist[1].ID {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].Hash() != fmt.Sprintf("0x%064x", 1) || hist[1].Hash() != fmt.Sprintf("0x%064x", 2) {
		t.Errorf("history hashes = %s, %s", hist[0].Hash(), hist[1].Hash())
	}
}

func TestRejectedCommitDropped(t *testing.T) {
	fs := &fakeStatus{
		snap:      status.Snapshot{Load: 95, SubscriptionDaysRemaining: 10},
		appendErr: []error{fmt.Errorf("%w: bad hash", status.ErrInvalidEntry)},
	}
	loop := New(testCfg, fs, rules(t), &fakeExec{})
	loop.RunCycle(context.Background())
	if loop.hasUnsent() {
		t.Error("an invalid entry must not be retried")
	}
}

func TestPollFailureCoolsDown(t *testing.T) {
	fs := &fakeStatus{fetchErr: status.ErrUnavailable}
	exec := &fakeExec{}
	loop := New(testCfg, fs, rules(t), exec)
	if got := loop.RunCycle(context.Background()); got != testCfg.Cooldown {
		t.Errorf("cooldown = %v", got)
	}
	if exec.callCount() != 0 {
		t.Error("bought without a snapshot")
	}
}

type panicSource struct{}

func (panicSource) Decide(context.Context, status.Snapshot) (decision.Decision, error) {
	panic("boom")
}

func TestPanicCaughtAtCycleBoundary(t *testing.T) {
	fs := &fakeStatus{snap: status.Snapshot{Load: 50, SubscriptionDaysRemaining: 10}}
	loop := New(testCfg, fs, panicSource{}, &fakeExec{})
	if got := loop.RunCycle(context.Background()); got != testCfg.Cooldown {
		t.Errorf("cooldown = %v", got)
	}
	// The guard is released after a panic.
	if got := loop.RunCycle(context.Background()); got != testCfg.Cooldown || fs.fetches != 2 {
		t.Errorf("second cycle: %v, fetches %d", got, fs.fetches)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fs := &fakeStatus{snap: status.Snapshot{Load: 50, SubscriptionDaysRemaining: 10}}
	ctx, cancel := context.WithCancel(context.Background())
	var waits []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	loop := New(testCfg, fs, rules(t), &fakeExec{}, WithSleep(sleep))
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fs.fetches != 3 {
		t.Errorf("fetches = %d, want 3", fs.fetches)
	}
	for _, w := range waits {
		if w != testCfg.Cooldown {
			t.Errorf("wait = %v", w)
		}
	}
	if loop.Phase() != Idle {
		t.Errorf("phase = %s after stop", loop.Phase())
	}
}

func TestEntryTimestamp(t *testing.T) {
	fs := &fakeStatus{snap: status.Snapshot{Load: 95, SubscriptionDaysRemaining: 10}}
	at := time.Date(2026, 3, 1, 9, 30, 5, 0, time.UTC)
	loop := New(testCfg, fs, rules(t), &fakeExec{}, WithClock(func() time.Time { return at }))
	loop.RunCycle(context.Background())
	if len(fs.appended) != 1 || fs.appended[0].Timestamp != "09:30:05" {
		t.Errorf("appended = %+v", fs.appended)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.AgentConfig{})
	if cfg.Cooldown != 10*time.Second || cfg.SettleCooldown != 15*time.Second ||
		cfg.QuotaCooldown != 60*time.Second || cfg.StatusTimeout != 5*time.Second || cfg.MaxTrackCycles != 30 {
		t.Errorf("defaults = %+v", cfg)
	}
	cfg = ConfigFrom(config.AgentConfig{CooldownSec: 2, MaxTrackCycles: 4, RecordFailures: true})
	if cfg.Cooldown != 2*time.Second || cfg.MaxTrackCycles != 4 || !cfg.RecordFailures {
		t.Errorf("overrides = %+v", cfg)
	}
}
