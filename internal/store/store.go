// Package store is the Postgres system of record for Stella.
//
// Every durable write in the system flows through this package: user
// accounts, the append-only balance history, the background action log,
// and the aggregate stat counters. Nothing else in the codebase is allowed
// to touch the database directly.
//
// The relationship with the balance cache is strict: the store never knows
// about the cache. The ledger service layered on top is responsible for
// keeping the cache coherent with what the store returns. This keeps the
// transaction logic here free of cache edge cases.
//
// Consistency guarantees:
//   - ApplyDelta is fully transactional. The read, the floor at zero, the
//     balance write, the history append, and the generation counter bump
//     either all happen or none do.
//   - balance_history is append-only. Rows are never updated or deleted,
//     so the signed sum of a user's history (starting from the initial
//     grant) reconstructs the current balance up to the zero floor.
//
// Every operation carries a short command timeout so a slow or unreachable
// Postgres cannot starve the connection pool.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Balance history operation types. The history row stores the magnitude of
// the change; the operation type carries its direction and intent.
const (
	OpInitial  = "initial"  // first grant at account creation
	OpAdd      = "add"      // credit (purchase, admin grant)
	OpSubtract = "subtract" // debit for a paid generation
	OpRefund   = "refund"   // credit reversing a prior debit
)

// commandTimeout bounds every single statement against Postgres.
// Long enough for a loaded database, short enough to fail fast and free
// the pooled connection.
const commandTimeout = 5 * time.Second

// User is one account row.
type User struct {
	UserID           int64
	Username         string
	FirstName        string
	LastName         string
	Balance          int64
	TotalGenerations int64
	CreatedAt        time.Time
	LastGeneration   time.Time
}

// Stats is the aggregate view over all accounts.
type Stats struct {
	TotalUsers       int64
	TotalGenerations int64
	AvgBalance       float64
}

// Store wraps the Postgres connection pool.
//
// Thread safety: all methods are safe for concurrent use; database/sql
// manages the pool internally.
//
// Lifecycle: create once at startup with New, call EnsureSchema, use for
// the process lifetime, Close during shutdown.
type Store struct {
	db             *sql.DB
	log            zerolog.Logger
	defaultBalance int64
}

// New opens a Postgres connection pool and verifies connectivity.
//
// minConns/maxConns size the pool. defaultBalance is the star grant for
// newly created users.
func New(databaseURL string, minConns, maxConns int, defaultBalance int64, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open failed: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &Store{
		db:             db,
		log:            logger.With().Str("component", "store").Logger(),
		defaultBalance: defaultBalance,
	}, nil
}

// DB exposes the underlying pool for the seeder and readiness checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the connection pool.
// Ping verifies database connectivity. Readiness probes use it instead
// of a real query.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema idempotently creates all tables and indexes. Safe to call
// on every process start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			user_id BIGINT UNIQUE NOT NULL,
			username VARCHAR(255) DEFAULT '',
			first_name VARCHAR(255) DEFAULT '',
			last_name VARCHAR(255) DEFAULT '',
			balance BIGINT NOT NULL DEFAULT 0,
			total_generations BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_generation TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_users_user_id ON users (user_id);

		CREATE TABLE IF NOT EXISTS balance_history (
			id UUID PRIMARY KEY,
			user_id BIGINT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount >= 0),
			operation_type VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_balance_history_user_id ON balance_history (user_id);

		CREATE TABLE IF NOT EXISTS action_log (
			id UUID PRIMARY KEY,
			user_id BIGINT NOT NULL,
			action VARCHAR(255) NOT NULL,
			details JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS bot_stats (
			stat_name VARCHAR(255) PRIMARY KEY,
			value BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("schema creation failed: %w", err)
	}
	return nil
}

// ReadBalance returns the stored balance for a user, or 0 if the user has
// no row. A missing row is not an error: callers are expected to create
// users first, and reads must never fail on absence.
func (s *Store) ReadBalance(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM users WHERE user_id = $1`, userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance read failed: %w", err)
	}
	return balance, nil
}

// GetUser returns the full account row, or sql.ErrNoRows if absent.
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, first_name, last_name,
		       balance, total_generations, created_at, last_generation
		FROM users WHERE user_id = $1
	`, userID).Scan(&u.UserID, &u.Username, &u.FirstName, &u.LastName,
		&u.Balance, &u.TotalGenerations, &u.CreatedAt, &u.LastGeneration)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser creates the account if absent, seeding it with the default
// balance and an "initial" history row, and returns created=true.
//
// If the account exists, only non-empty display fields are updated and the
// balance is left untouched. An existing non-empty field is never
// overwritten with an empty one.
func (s *Store) UpsertUser(ctx context.Context, userID int64, username, firstName, lastName string) (created bool, balance int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM users WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&existing)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (user_id, username, first_name, last_name, balance)
			VALUES ($1, $2, $3, $4, $5)
		`, userID, username, firstName, lastName, s.defaultBalance)
		if err != nil {
			return false, 0, fmt.Errorf("user insert failed: %w", err)
		}
		if s.defaultBalance > 0 {
			if err := appendHistory(ctx, tx, userID, s.defaultBalance, OpInitial); err != nil {
				return false, 0, err
			}
		}
		if err := tx.Commit(); err != nil {
			return false, 0, fmt.Errorf("commit failed: %w", err)
		}
		s.log.Info().Int64("user_id", userID).Int64("balance", s.defaultBalance).Msg("user created")
		return true, s.defaultBalance, nil

	case err != nil:
		return false, 0, fmt.Errorf("user lookup failed: %w", err)

	default:
		// NULLIF turns empty input into NULL so COALESCE keeps the stored
		// value. This is what makes the upsert non-destructive.
		_, err = tx.ExecContext(ctx, `
			UPDATE users SET
				username   = COALESCE(NULLIF($2, ''), username),
				first_name = COALESCE(NULLIF($3, ''), first_name),
				last_name  = COALESCE(NULLIF($4, ''), last_name)
			WHERE user_id = $1
		`, userID, username, firstName, lastName)
		if err != nil {
			return false, 0, fmt.Errorf("user update failed: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, 0, fmt.Errorf("commit failed: %w", err)
		}
		return false, existing, nil
	}
}

// ApplyDelta atomically adjusts a user's balance and returns the new value.
//
// Inside one transaction it reads the current balance with a row lock,
// floors the result at zero, writes the new balance with a fresh
// last_generation timestamp, appends a history row, and, only for debits
// (delta < 0), increments total_generations.
//
// A debit against a nonexistent user is a caller contract violation:
// it is logged and 0 is returned without any mutation.
func (s *Store) ApplyDelta(ctx context.Context, userID, delta int64) (int64, error) {
	op := OpAdd
	if delta < 0 {
		op = OpSubtract
	}
	return s.applyDelta(ctx, userID, delta, op, delta < 0)
}

// ApplyRefund credits amount back to a user, recording a "refund" history
// row. Every refund reverses exactly one generation debit, so the
// generation counter that debit bumped is rolled back, keeping
// total_generations equal to the number of generations actually paid for.
func (s *Store) ApplyRefund(ctx context.Context, userID, amount int64) (int64, error) {
	if amount < 0 {
		amount = -amount
	}
	return s.applyDelta(ctx, userID, amount, OpRefund, false)
}

func (s *Store) applyDelta(ctx context.Context, userID, delta int64, op string, countGeneration bool) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM users WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Error().Int64("user_id", userID).Int64("delta", delta).
			Msg("balance adjustment for nonexistent user, refusing to mutate")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance lock failed: %w", err)
	}

	newBalance := current + delta
	if newBalance < 0 {
		newBalance = 0
	}

	switch {
	case countGeneration:
		_, err = tx.ExecContext(ctx, `
			UPDATE users SET balance = $2, total_generations = total_generations + 1,
			                 last_generation = NOW()
			WHERE user_id = $1
		`, userID, newBalance)
	case op == OpRefund:
		_, err = tx.ExecContext(ctx, `
			UPDATE users SET balance = $2,
			                 total_generations = GREATEST(total_generations - 1, 0),
			                 last_generation = NOW()
			WHERE user_id = $1
		`, userID, newBalance)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE users SET balance = $2, last_generation = NOW()
			WHERE user_id = $1
		`, userID, newBalance)
	}
	if err != nil {
		return 0, fmt.Errorf("balance update failed: %w", err)
	}

	amount := delta
	if amount < 0 {
		amount = -amount
	}
	if err := appendHistory(ctx, tx, userID, amount, op); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit failed: %w", err)
	}

	s.log.Info().
		Int64("user_id", userID).
		Int64("delta", delta).
		Int64("new_balance", newBalance).
		Str("operation", op).
		Msg("balance adjusted")
	return newBalance, nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, userID, amount int64, op string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balance_history (id, user_id, amount, operation_type)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), userID, amount, op)
	if err != nil {
		return fmt.Errorf("history append failed: %w", err)
	}
	return nil
}

// InsertActionLog appends one audit row. Called from the background worker
// only; failures are the worker's problem, not the request path's.
func (s *Store) InsertActionLog(ctx context.Context, userID int64, action string, details []byte) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if len(details) == 0 {
		details = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_log (id, user_id, action, details)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), userID, action, details)
	if err != nil {
		return fmt.Errorf("action log insert failed: %w", err)
	}
	return nil
}

// IncrementStat bumps a named counter, creating it on first use.
func (s *Store) IncrementStat(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_stats (stat_name, value) VALUES ($1, 1)
		ON CONFLICT (stat_name)
		DO UPDATE SET value = bot_stats.value + 1, updated_at = NOW()
	`, name)
	if err != nil {
		return fmt.Errorf("stat increment failed: %w", err)
	}
	return nil
}

// UserStats returns the aggregate account statistics.
func (s *Store) UserStats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
		       COALESCE(SUM(total_generations), 0),
		       COALESCE(AVG(balance), 0)
		FROM users
	`).Scan(&st.TotalUsers, &st.TotalGenerations, &st.AvgBalance)
	if err != nil {
		return Stats{}, fmt.Errorf("stats query failed: %w", err)
	}
	return st, nil
}
