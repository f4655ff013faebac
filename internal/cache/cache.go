// Package cache provides the balance read cache that sits in front of the
// Postgres store.
//
// The highly repeated operation in the system is "can this user afford a
// generation", fired on nearly every incoming message. Caching balances
// keeps those checks off the database. Staleness is bounded by a TTL
// (default 5 minutes), and the ledger service shrinks the window to
// effectively zero on the write path by putting the authoritative new
// balance into the cache after every successful adjustment, or
// invalidating the entry when it cannot.
//
// Two implementations exist:
//   - Memory: an in-process map with per-entry deadlines. The default, and
//     the right choice for a single-process deployment.
//   - Redis: shared cache for multi-process deployments, using the same
//     aggressive timeouts the hot path demands.
//
// Both are safe for concurrent use and never block on anything slower
// than a Redis round trip; a cache failure is always reported as a miss,
// never as an error.
package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache is the balance cache contract used by the ledger service.
type Cache interface {
	// Get returns the cached balance and true, or reports a miss. An entry
	// older than the TTL is a miss.
	Get(userID int64) (int64, bool)

	// Put stores the balance with a fresh timestamp, overwriting any
	// existing entry.
	Put(userID int64, balance int64)

	// Invalidate removes the entry unconditionally. Called whenever a
	// write path cannot guarantee the new value.
	Invalidate(userID int64)
}

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stella_balance_cache_hits_total",
		Help: "Balance cache lookups served without a store read",
	}, []string{"backend"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stella_balance_cache_misses_total",
		Help: "Balance cache lookups that fell through to the store",
	}, []string{"backend"})
)
