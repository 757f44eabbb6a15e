package status

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agenticos/agentos-go/internal/store"
)

// Trigger values used by the demo endpoints.
const (
	OverloadLoad    = 95
	ExpiringSubDays = 1
)

// Service owns system state and history on top of a store.
type Service struct {
	store    store.Store
	baseline store.State
}

// NewService creates a service that resets to baseline after a confirmed
// purchase.
func NewService(st store.Store, baseline store.State) *Service {
	return &Service{store: st, baseline: baseline}
}

// Snapshot returns the current metrics.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	st, err := s.store.State(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return toSnapshot(st), nil
}

// Record appends e. A confirmed entry resets the system state to baseline
// in the same store transaction; any other status leaves state untouched.
// Recording an ID that is already stored changes nothing and returns the
// stored entry.
func (s *Service) Record(ctx context.Context, e HistoryEntry) (HistoryEntry, error) {
	if err := e.Normalize(); err != nil {
		return HistoryEntry{}, err
	}
	var reset *store.State
	if e.Status == StatusConfirmed {
		reset = &s.baseline
	}
	var id uuid.UUID
	if e.ID != "" {
		id = uuid.MustParse(e.ID)
	}
	rec, err := s.store.Append(ctx, store.Entry{
		ID:        id,
		Timestamp: e.Timestamp,
		Reason:    e.Reason,
		TxHash:    e.Hash(),
		Status:    e.Status,
	}, reset)
	if err != nil {
		return HistoryEntry{}, err
	}
	if reset != nil {
		slog.Info("status: purchase confirmed, state reset to baseline",
			slog.String("reason", rec.Reason),
			slog.String("tx_hash", rec.TxHash),
			slog.Int("load", s.baseline.Load),
			slog.Int("subscription_days_remaining", s.baseline.SubscriptionDaysRemaining),
		)
	} else {
		slog.Info("status: history recorded",
			slog.String("reason", rec.Reason),
			slog.String("status", rec.Status),
		)
	}
	return fromEntry(rec), nil
}

// History returns up to limit entries, oldest first.
func (s *Service) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	recs, err := s.store.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromEntry(r))
	}
	return out, nil
}

// TriggerOverload sets load to 95.
func (s *Service) TriggerOverload(ctx context.Context) (Snapshot, error) {
	return s.update(ctx, "overload", func(st *store.State) { st.Load = OverloadLoad })
}

// TriggerExpiring sets the subscription to expire in one day.
func (s *Service) TriggerExpiring(ctx context.Context) (Snapshot, error) {
	return s.update(ctx, "subscription", func(st *store.State) { st.SubscriptionDaysRemaining = ExpiringSubDays })
}

// SetPaused toggles the emergency pause.
func (s *Service) SetPaused(ctx context.Context, paused bool) (Snapshot, error) {
	return s.update(ctx, fmt.Sprintf("paused=%t", paused), func(st *store.State) { st.Paused = paused })
}

func (s *Service) update(ctx context.Context, what string, fn func(*store.State)) (Snapshot, error) {
	st, err := s.store.UpdateState(ctx, fn)
	if err != nil {
		return Snapshot{}, err
	}
	slog.Warn("status: state changed", slog.String("trigger", what),
		slog.Int("load", st.Load),
		slog.Int("subscription_days_remaining", st.SubscriptionDaysRemaining),
		slog.Bool("paused", st.Paused),
	)
	return toSnapshot(st), nil
}

func toSnapshot(st store.State) Snapshot {
	snap := Snapshot{
		Load:                      st.Load,
		SubscriptionDaysRemaining: st.SubscriptionDaysRemaining,
		Paused:                    st.Paused,
	}
	if st.Paused {
		snap.Message = "agent paused by owner"
	}
	return snap
}

func fromEntry(r store.Entry) HistoryEntry {
	e := HistoryEntry{
		Timestamp: r.Timestamp,
		Reason:    r.Reason,
		TxHash:    StrPtr(r.TxHash),
		Status:    r.Status,
	}
	if r.ID != uuid.Nil {
		e.ID = r.ID.String()
	}
	return e
}
