// Package front defines the optional in-process read accelerator sitting in
// front of the spoolcache queue.
//
// A Store holds wire-framed rows and never interprets them. It may evict
// anything at any time: correctness comes from the cache's pending-write
// gating, not from the store. Implementations must be safe for concurrent
// use and byte-for-byte transparent (Get returns exactly what Set stored).
package front

import "time"

// Store is a minimal byte store. ttl is advisory; implementations without
// per-entry TTLs may ignore it, the cache filters expired rows on read.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Del(key string)

	// Clear drops every entry. Called after scope-wide invalidations.
	Clear()

	// Close releases resources.
	Close() error
}
