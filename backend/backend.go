// Package backend defines the persisted-tier abstraction used by spoolcache.
//
// A Backend owns the durable row store the dispatcher writes to. All row
// mutations and reads happen inside a Tx so one drained batch becomes exactly
// one transaction; Vacuum is the single exception and must never run while a
// transaction is open (implementations are free to reject it, fail it, or
// deadlock if callers break that contract; the dispatcher never does).
//
// Implementations MUST treat Element.Value as opaque bytes: no re-encoding,
// no mutation, no trimming. What Insert stored, SelectKeys returns.
package backend

import (
	"context"
	"time"
)

// Element is one cache row. Key is the row identity: a later Insert with the
// same key supersedes the earlier row, whatever its TypeName. TypeName groups
// rows for the by-type operations and is indexed by every backend.
type Element struct {
	Key       string
	TypeName  string
	Value     []byte
	CreatedAt time.Time
	// ExpiresAt zero means the row never expires.
	ExpiresAt time.Time
}

// Expired reports whether the element's expiry is set and has passed.
func (e Element) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

// Backend is a transactional row store. Must be safe for concurrent use,
// though the dispatcher serializes all access through its gate.
type Backend interface {
	// Begin opens a transaction. Every row operation of one dispatch cycle
	// runs inside it; nothing is observable to callers until Commit.
	Begin(ctx context.Context) (Tx, error)

	// Vacuum compacts the underlying store. It must be called outside any
	// transaction and takes whatever exclusive access it needs itself.
	Vacuum(ctx context.Context) error

	// Close releases resources. Pending transactions are undefined after Close.
	Close(ctx context.Context) error
}

// Tx is one open transaction. Selects observe writes made earlier in the same
// transaction. Expired rows are invisible to SelectKeys, SelectTypes and
// AllKeys even before DeleteExpired physically removes them.
//
// A method returning an error must leave the transaction usable for the
// remaining operations of the batch (statement-level isolation); Commit
// decides the fate of the whole batch.
type Tx interface {
	// Insert upserts rows by key. When the slice carries the same key more
	// than once the last occurrence wins.
	Insert(ctx context.Context, elems []Element) error

	// SelectKeys returns live rows for the given keys. Missing and expired
	// keys are simply absent from the result, never an error.
	SelectKeys(ctx context.Context, keys []string) ([]Element, error)

	// SelectTypes returns all live rows whose TypeName is in typeNames.
	SelectTypes(ctx context.Context, typeNames []string) ([]Element, error)

	// DeleteKeys removes rows by key. Unknown keys are not an error.
	DeleteKeys(ctx context.Context, keys []string) error

	// DeleteTypes removes all rows with the given type names.
	DeleteTypes(ctx context.Context, typeNames []string) error

	// DeleteAll empties the store.
	DeleteAll(ctx context.Context) error

	// DeleteExpired removes rows whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) error

	// AllKeys returns the keys of all live rows, sorted ascending.
	AllKeys(ctx context.Context) ([]string, error)

	// Commit makes the transaction's effects durable.
	Commit() error

	// Rollback abandons the transaction. Safe to call after a failed Commit.
	Rollback() error
}
