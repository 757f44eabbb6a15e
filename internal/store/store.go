// Package store persists the status collaborator's mutable system state and
// its append-only purchase history.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenticos/agentos-go/pkg/config"
)

// ErrUnknownDriver is returned by Open for an unsupported database driver.
var ErrUnknownDriver = errors.New("store: unknown driver")

// State is the process-wide system state. A single row.
type State struct {
	Load                      int
	SubscriptionDaysRemaining int
	Paused                    bool
	UpdatedAt                 time.Time
}

// Entry is one history record. Entries are never updated once appended.
type Entry struct {
	ID        uuid.UUID
	Timestamp string // as supplied by the producer
	Reason    string
	TxHash    string // empty when no transaction was broadcast
	Status    string
	CreatedAt time.Time
}

// Store is the status store. Append with a non-nil reset writes the entry
// and the new state in one transaction: both happen or neither does.
//
// Append is idempotent on Entry.ID. When an entry with the same ID already
// exists nothing is written, the reset is skipped, and the stored entry is
// returned.
type Store interface {
	State(ctx context.Context) (State, error)
	UpdateState(ctx context.Context, fn func(*State)) (State, error)
	Append(ctx context.Context, e Entry, reset *State) (Entry, error)
	// History returns the most recent limit entries, oldest first. A
	// non-positive limit returns everything.
	History(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Open returns the backend selected by cfg.Driver, seeded with baseline when
// the state row does not exist yet.
func Open(ctx context.Context, cfg config.DatabaseConfig, baseline State) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(baseline), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN, baseline)
	case "postgres", "pgx":
		return OpenPostgres(ctx, cfg.DSN, baseline)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// prepare fills the generated fields of an entry about to be appended.
func prepare(e Entry, now time.Time) Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC().Truncate(time.Millisecond)
	}
	if e.Timestamp == "" {
		e.Timestamp = e.CreatedAt.Format(time.RFC3339)
	}
	return e
}
