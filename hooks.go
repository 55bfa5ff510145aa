package spoolcache

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking: the dispatcher calls them
// between transactions. Wrap with hooks/async when a sink can stall.
type Hooks interface {
	// One batch transaction committed. ops is the drained descriptor count,
	// reduced what was left after coalescing.
	BatchCommitted(ops, reduced int, took time.Duration)

	// A batch failed to begin or commit and went back to the intake queue.
	// attempt is the highest failed-cycle count among the requeued
	// descriptors.
	BatchRequeued(ops, attempt int, err error)

	// One operation failed inside a committed batch (per-item isolation).
	OpFailed(kind Kind, err error)

	// An operation ran out of requeue budget and was failed with RetryError.
	OpDropped(kind Kind, err error)

	// A compaction window finished (err nil on success).
	MaintenanceDone(took time.Duration, err error)

	// The front tier answered a read without touching the queue.
	FrontHit(keys int)

	// A front-tier read was bypassed. reason is one of "pending_write",
	// "miss", "expired" or "decode".
	FrontBypass(reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) BatchCommitted(int, int, time.Duration) {}
func (NopHooks) BatchRequeued(int, int, error)          {}
func (NopHooks) OpFailed(Kind, error)                   {}
func (NopHooks) OpDropped(Kind, error)                  {}
func (NopHooks) MaintenanceDone(time.Duration, error)   {}
func (NopHooks) FrontHit(int)                           {}
func (NopHooks) FrontBypass(string)                     {}
