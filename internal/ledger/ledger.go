// Package ledger is the credit ledger façade the rest of the system calls.
//
// It combines the Postgres store and the balance cache into one API:
// balance lookup, sufficiency check, user upsert, and atomic balance
// adjustment. All cache coherency rules live here; the store knows
// nothing about the cache, and callers never touch either directly.
//
// Error philosophy, inherited from the bot this serves: callers always
// receive a usable integer. A store failure on a read degrades to balance
// 0 with an error log; a failure on a write invalidates the cache and
// returns the best-effort current balance. A user must never see an
// internal error where a number is expected.
//
// Concurrency: the façade holds no locks. Per-user mutation ordering is
// whatever the store's row-locked transactions produce, which is enough:
// the final balance is the same under either ordering of a concurrent
// debit and credit.
package ledger

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/portraitlab/stella/internal/cache"
	"github.com/portraitlab/stella/internal/tasks"
)

// Store is the slice of the Postgres store the ledger needs. Tests
// substitute fakes.
type Store interface {
	ReadBalance(ctx context.Context, userID int64) (int64, error)
	UpsertUser(ctx context.Context, userID int64, username, firstName, lastName string) (created bool, balance int64, err error)
	ApplyDelta(ctx context.Context, userID, delta int64) (int64, error)
	ApplyRefund(ctx context.Context, userID, amount int64) (int64, error)
}

var adjustments = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stella_balance_adjustments_total",
	Help: "Balance adjustments applied, by direction",
}, []string{"direction"})

// Service is the credit ledger façade.
//
// Thread safety: all methods are safe for concurrent use.
type Service struct {
	store Store
	cache cache.Cache
	tasks *tasks.Queue
	log   zerolog.Logger
}

// NewService wires the façade. The task queue receives audit events; it
// does not have to be started for the ledger to function.
func NewService(store Store, c cache.Cache, queue *tasks.Queue, logger zerolog.Logger) *Service {
	return &Service{
		store: store,
		cache: c,
		tasks: queue,
		log:   logger.With().Str("component", "ledger").Logger(),
	}
}

// GetBalance returns the user's balance, cache-first.
//
// On a cache miss the store is read and the cache populated. A store
// failure returns 0. Wrong for UX, but the safe direction: a user is
// told they have nothing rather than something the store cannot confirm.
func (s *Service) GetBalance(ctx context.Context, userID int64) int64 {
	if balance, ok := s.cache.Get(userID); ok {
		return balance
	}

	balance, err := s.store.ReadBalance(ctx, userID)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", userID).Msg("balance read failed, returning 0")
		s.cache.Invalidate(userID)
		return 0
	}

	s.cache.Put(userID, balance)
	return balance
}

// IsSufficient reports whether the user can afford cost. It reads through
// GetBalance so there is exactly one cache path for balance checks.
func (s *Service) IsSufficient(ctx context.Context, userID, cost int64) bool {
	return s.GetBalance(ctx, userID) >= cost
}

// CreateOrTouchUser ensures the account exists and returns its balance.
//
// On first sight of a user the account is created with the default grant
// and the cache is seeded with it. On an existing user only non-empty
// profile fields are refreshed; the balance (and its cache entry) is left
// alone.
func (s *Service) CreateOrTouchUser(ctx context.Context, userID int64, username, firstName, lastName string) int64 {
	created, balance, err := s.store.UpsertUser(ctx, userID, username, firstName, lastName)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", userID).Msg("user upsert failed")
		s.cache.Invalidate(userID)
		return s.GetBalance(ctx, userID)
	}

	if created {
		s.cache.Put(userID, balance)
		s.tasks.Enqueue(tasks.Task{
			Type:   tasks.TypeLogAction,
			UserID: userID,
			Action: "user_created",
		})
		s.tasks.Enqueue(tasks.Task{Type: tasks.TypeUpdateStats, StatName: "users_created"})
	}
	return balance
}

// AdjustBalance applies a signed delta and returns the new balance.
//
// On success the cache receives the authoritative new value, so an
// immediate GetBalance observes the write. On failure the cache entry is
// invalidated and the best-effort current balance is returned instead of
// an error.
//
// The zero floor is enforced by the store only; callers gating debits
// must check IsSufficient first.
func (s *Service) AdjustBalance(ctx context.Context, userID, delta int64) int64 {
	newBalance, err := s.store.ApplyDelta(ctx, userID, delta)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", userID).Int64("delta", delta).
			Msg("balance adjustment failed")
		s.cache.Invalidate(userID)
		return s.GetBalance(ctx, userID)
	}

	if delta < 0 {
		adjustments.WithLabelValues("debit").Inc()
	} else {
		adjustments.WithLabelValues("credit").Inc()
	}
	s.cache.Put(userID, newBalance)
	return newBalance
}

// Refund credits amount back to the user, recorded in the balance history
// as a refund rather than a plain credit. Cache semantics match
// AdjustBalance.
func (s *Service) Refund(ctx context.Context, userID, amount int64) int64 {
	newBalance, err := s.store.ApplyRefund(ctx, userID, amount)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", userID).Int64("amount", amount).
			Msg("refund failed")
		s.cache.Invalidate(userID)
		return s.GetBalance(ctx, userID)
	}

	adjustments.WithLabelValues("refund").Inc()
	s.cache.Put(userID, newBalance)
	return newBalance
}
