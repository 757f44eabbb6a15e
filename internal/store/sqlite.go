package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is a file-backed Store.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(ctx context.Context, path string, baseline State) (*SQLite, error) {
	if path == "" {
		path = "agentos.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One writer; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	s := &SQLite{db: db, now: time.Now}
	if err := s.migrate(ctx, baseline); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	slog.Info("store: sqlite opened", slog.String("path", path))
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context, baseline State) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS system_state (
			id                          INTEGER PRIMARY KEY CHECK (id = 1),
			load                        INTEGER NOT NULL,
			subscription_days_remaining INTEGER NOT NULL,
			paused                      INTEGER NOT NULL DEFAULT 0,
			updated_at                  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			timestamp  TEXT NOT NULL,
			reason     TEXT NOT NULL,
			tx_hash    TEXT,
			status     TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_created ON history(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO system_state (id, load, subscription_days_remaining, paused, updated_at)
		 VALUES (1, ?, ?, ?, ?)`,
		baseline.Load, baseline.SubscriptionDaysRemaining, baseline.Paused, s.now().UnixMilli())
	return err
}

// tx runs fn inside a transaction, rolling back when it returns an error.
func (s *SQLite) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (State, error) {
	var (
		st      State
		updated int64
	)
	if err := row.Scan(&st.Load, &st.SubscriptionDaysRemaining, &st.Paused, &updated); err != nil {
		return State{}, err
	}
	st.UpdatedAt = time.UnixMilli(updated).UTC()
	return st, nil
}

const selectState = `SELECT load, subscription_days_remaining, paused, updated_at FROM system_state WHERE id = 1`

func (s *SQLite) State(ctx context.Context) (State, error) {
	st, err := scanState(s.db.QueryRowContext(ctx, selectState))
	if err != nil {
		return State{}, fmt.Errorf("store: read state: %w", err)
	}
	return st, nil
}

func (s *SQLite) UpdateState(ctx context.Context, fn func(*State)) (State, error) {
	var next State
	err := s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := scanState(tx.QueryRowContext(ctx, selectState))
		if err != nil {
			return err
		}
		fn(&cur)
		cur.UpdatedAt = s.now().UTC()
		next = cur
		return writeStateSQL(ctx, tx, cur)
	})
	if err != nil {
		return State{}, fmt.Errorf("store: update state: %w", err)
	}
	return next, nil
}

func writeStateSQL(ctx context.Context, tx *sql.Tx, st State) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE system_state SET load = ?, subscription_days_remaining = ?, paused = ?, updated_at = ? WHERE id = 1`,
		st.Load, st.SubscriptionDaysRemaining, st.Paused, st.UpdatedAt.UnixMilli())
	return err
}

func (s *SQLite) Append(ctx context.Context, e Entry, reset *State) (Entry, error) {
	now := s.now()
	e = prepare(e, now)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var txHash any
		if e.TxHash != "" {
			txHash = e.TxHash
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO history (id, timestamp, reason, tx_hash, status, created_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			e.ID.String(), e.Timestamp, e.Reason, txHash, e.Status, e.CreatedAt.UnixMilli())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			e, err = s.entryByID(ctx, tx, e.ID)
			return err
		}
		if reset == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE system_state SET load = ?, subscription_days_remaining = ?, updated_at = ? WHERE id = 1`,
			reset.Load, reset.SubscriptionDaysRemaining, now.UnixMilli())
		return err
	})
	if err != nil {
		return Entry{}, fmt.Errorf("store: append history: %w", err)
	}
	return e, nil
}

func (s *SQLite) entryByID(ctx context.Context, tx *sql.Tx, id uuid.UUID) (Entry, error) {
	var (
		e       = Entry{ID: id}
		txHash  sql.NullString
		created int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT timestamp, reason, tx_hash, status, created_at FROM history WHERE id = ?`, id.String()).
		Scan(&e.Timestamp, &e.Reason, &txHash, &e.Status, &created)
	if err != nil {
		return Entry{}, err
	}
	e.TxHash = txHash.String
	e.CreatedAt = time.UnixMilli(created).UTC()
	return e, nil
}

func (s *SQLite) History(ctx context.Context, limit int) ([]Entry, error) {
	q := `SELECT id, timestamp, reason, tx_hash, status, created_at FROM
		(SELECT * FROM history ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			id      string
			txHash  sql.NullString
			created int64
		)
		if err := rows.Scan(&id, &e.Timestamp, &e.Reason, &txHash, &e.Status, &created); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("store: history id %q: %w", id, err)
		}
		e.TxHash = txHash.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
