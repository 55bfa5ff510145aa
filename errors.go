package spoolcache

import (
	"errors"
	"fmt"
)

// ErrClosed fails operations enqueued after Shutdown, and operations still
// queued when a shutdown drain runs out of time.
var ErrClosed = errors.New("spoolcache: queue closed")

// ErrVacuumInTransaction reports a compaction request that reached the
// transactional executor. The backend contract keeps this impossible through
// the public API; it exists so the executor can refuse rather than corrupt.
var ErrVacuumInTransaction = errors.New("spoolcache: vacuum inside transaction")

// OpError is the terminal failure of one operation whose batch committed.
// Other operations of the same batch are unaffected.
type OpError struct {
	Kind Kind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("spoolcache: %s failed: %v", e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// RetryError fails an operation whose batches kept failing to begin or
// commit until the requeue budget ran out. Err is the last transaction
// error. Unlike OpError this says nothing about the operation itself: the
// whole batch could not be made durable.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("spoolcache: dropped after %d failed batch attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }
