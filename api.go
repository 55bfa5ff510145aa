package spoolcache

import (
	"context"
	"time"

	"github.com/spoolcache/spoolcache/backend"
	"github.com/spoolcache/spoolcache/codec"
	"github.com/spoolcache/spoolcache/front"
)

// Element is one persisted cache row. Alias of backend.Element so facade
// callers rarely need to import backend directly.
type Element = backend.Element

// Entry is one typed value handed to Put or PutAsync.
type Entry[V any] struct {
	Key   string
	Value V

	// TypeName tags the row for by-type reads and invalidation. Empty
	// falls back to the cache's TypeName option.
	TypeName string

	// TTL > 0 sets an explicit lifetime, 0 takes the cache's DefaultTTL,
	// < 0 stores the row without expiry.
	TTL time.Duration
}

// Cache is the typed facade over a Queue: values go through a Codec[V], and
// an optional front store answers reads in-process when it provably holds
// the latest committed row. All writes are queued; the synchronous variants
// just wait for the carrying batch to commit.
type Cache[V any] interface {
	// Reads. Missing and expired keys are absent from results, never an
	// error. A row whose bytes no longer decode is treated as a miss and
	// purged.
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	GetMulti(ctx context.Context, keys []string) (map[string]V, error)
	GetType(ctx context.Context, typeName string) (map[string]V, error)
	Keys(ctx context.Context) ([]string, error)

	// Writes. Within one call (or one coalesced batch) the last value
	// written for a key wins.
	Put(ctx context.Context, entries ...Entry[V]) error
	PutAsync(entries ...Entry[V]) *Future[struct{}]
	Invalidate(ctx context.Context, keys ...string) error
	InvalidateAsync(keys ...string) *Future[struct{}]
	InvalidateType(ctx context.Context, typeNames ...string) error
	InvalidateAll(ctx context.Context) error
	DeleteExpired(ctx context.Context) error

	// Maintenance and lifecycle.
	Flush(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close(ctx context.Context) error

	// Queue exposes the untyped operation queue. Mutations issued on it
	// directly skip the facade's front-tier bookkeeping: with a Front
	// configured they can leave stale rows in the front until those are
	// invalidated (or expire). Reads are always safe.
	Queue() *Queue
}

// CacheOptions configure NewCache. Only Backend and Codec are required.
type CacheOptions[V any] struct {
	// Required
	Backend backend.Backend
	Codec   codec.Codec[V]

	// TypeName tags entries that do not carry their own. e.g. "user",
	// "profile", "order"
	TypeName string

	// Front, when set, serves repeat reads without a queue round trip.
	Front front.Store

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	// DefaultTTL applies to entries with TTL zero. 0 => no expiry.
	DefaultTTL time.Duration

	// Queue tuning, passed through to Options.
	BatchSize       int
	MaxBatchRetries int
	RetryBackoff    time.Duration
	SweepInterval   time.Duration

	// Clock overrides time.Now. Tests use it.
	Clock func() time.Time
}

// NewCache builds the facade and starts its queue. Close releases the queue,
// the front store and the backend.
func NewCache[V any](opts CacheOptions[V]) (Cache[V], error) {
	return newCache[V](opts)
}
