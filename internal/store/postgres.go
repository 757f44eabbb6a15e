package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx shared by a pool and a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	pool DBTX
	now  func() time.Time
}

// OpenPostgres connects to dsn, pings, and migrates.
func OpenPostgres(ctx context.Context, dsn string, baseline State) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("store: postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	p := NewPostgres(pool)
	if err := p.Migrate(ctx, baseline); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	slog.Info("store: postgres connected")
	return p, nil
}

// NewPostgres wraps an existing pool or transaction.
func NewPostgres(pool DBTX) *Postgres {
	return &Postgres{pool: pool, now: time.Now}
}

// Migrate creates the schema and seeds the state row with baseline.
func (p *Postgres) Migrate(ctx context.Context, baseline State) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS system_state (
			id                          SMALLINT PRIMARY KEY CHECK (id = 1),
			load                        INTEGER NOT NULL,
			subscription_days_remaining INTEGER NOT NULL,
			paused                      BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at                  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			seq        BIGSERIAL PRIMARY KEY,
			id         UUID NOT NULL UNIQUE,
			timestamp  TEXT NOT NULL,
			reason     TEXT NOT NULL,
			tx_hash    TEXT,
			status     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO system_state (id, load, subscription_days_remaining, paused, updated_at)
		 VALUES (1, $1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		baseline.Load, baseline.SubscriptionDaysRemaining, baseline.Paused, p.now().UTC())
	return err
}

// Tx executes fn inside a database transaction. If fn returns an error the
// transaction is rolled back; otherwise it is committed. When the pool is
// already a transaction fn runs directly.
func (p *Postgres) Tx(ctx context.Context, fn func(q DBTX) error) error {
	beginner, ok := p.pool.(interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	})
	if !ok {
		return fn(p.pool)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const pgSelectState = `SELECT load, subscription_days_remaining, paused, updated_at FROM system_state WHERE id = 1`

func pgScanState(row pgx.Row) (State, error) {
	var st State
	err := row.Scan(&st.Load, &st.SubscriptionDaysRemaining, &st.Paused, &st.UpdatedAt)
	return st, err
}

func (p *Postgres) State(ctx context.Context) (State, error) {
	st, err := pgScanState(p.pool.QueryRow(ctx, pgSelectState))
	if err != nil {
		return State{}, fmt.Errorf("store: read state: %w", err)
	}
	return st, nil
}

func (p *Postgres) UpdateState(ctx context.Context, fn func(*State)) (State, error) {
	var next State
	err := p.Tx(ctx, func(q DBTX) error {
		cur, err := pgScanState(q.QueryRow(ctx, pgSelectState+" FOR UPDATE"))
		if err != nil {
			return err
		}
		fn(&cur)
		cur.UpdatedAt = p.now().UTC()
		next = cur
		_, err = q.Exec(ctx,
			`UPDATE system_state SET load = $1, subscription_days_remaining = $2, paused = $3, updated_at = $4 WHERE id = 1`,
			cur.Load, cur.SubscriptionDaysRemaining, cur.Paused, cur.UpdatedAt)
		return err
	})
	if err != nil {
		return State{}, fmt.Errorf("store: update state: %w", err)
	}
	return next, nil
}

func (p *Postgres) Append(ctx context.Context, e Entry, reset *State) (Entry, error) {
	now := p.now()
	e = prepare(e, now)
	err := p.Tx(ctx, func(q DBTX) error {
		var txHash *string
		if e.TxHash != "" {
			txHash = &e.TxHash
		}
		tag, err := q.Exec(ctx,
			`INSERT INTO history (id, timestamp, reason, tx_hash, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			e.ID, e.Timestamp, e.Reason, txHash, e.Status, e.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var stored *string
			e.TxHash = ""
			if err := q.QueryRow(ctx,
				`SELECT timestamp, reason, tx_hash, status, created_at FROM history WHERE id = $1`, e.ID).
				Scan(&e.Timestamp, &e.Reason, &stored, &e.Status, &e.CreatedAt); err != nil {
				return err
			}
			if stored != nil {
				e.TxHash = *stored
			}
			return nil
		}
		if reset == nil {
			return nil
		}
		_, err = q.Exec(ctx,
			`UPDATE system_state SET load = $1, subscription_days_remaining = $2, updated_at = $3 WHERE id = 1`,
			reset.Load, reset.SubscriptionDaysRemaining, now.UTC())
		return err
	})
	if err != nil {
		return Entry{}, fmt.Errorf("store: append history: %w", err)
	}
	return e, nil
}

func (p *Postgres) History(ctx context.Context, limit int) ([]Entry, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = p.pool.Query(ctx,
			`SELECT id, timestamp, reason, tx_hash, status, created_at FROM
			 (SELECT * FROM history ORDER BY seq DESC LIMIT $1) h ORDER BY seq ASC`, limit)
	} else {
		rows, err = p.pool.Query(ctx,
			`SELECT id, timestamp, reason, tx_hash, status, created_at FROM history ORDER BY seq ASC`)
	}
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			txHash *string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Reason, &txHash, &e.Status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		if txHash != nil {
			e.TxHash = *txHash
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the pool when the store owns one.
func (p *Postgres) Close() error {
	if c, ok := p.pool.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}
