package spoolcache

import (
	"context"
	"fmt"
	"time"

	"github.com/spoolcache/spoolcache/backend"
)

// run is the dispatcher loop. One goroutine; the only writer the backend
// ever sees during normal operation.
func (q *Queue) run() {
	defer close(q.runDone)
	for {
		if !q.waitWork() {
			return
		}
		if !q.cycle(context.Background()) {
			q.pause()
		}
	}
}

// waitWork blocks until at least one descriptor is queued. Returns false
// when shutdown began; remaining work is drained by Shutdown itself.
func (q *Queue) waitWork() bool {
	for {
		select {
		case <-q.stop:
			return false
		default:
		}
		q.mu.Lock()
		n := len(q.pending)
		q.mu.Unlock()
		if n > 0 {
			return true
		}
		select {
		case <-q.notify:
		case <-q.stop:
			return false
		}
	}
}

// pause sleeps the retry backoff after a failed cycle, shutdown permitting.
func (q *Queue) pause() {
	select {
	case <-time.After(q.backoff):
	case <-q.stop:
	}
}

// cycle runs one dispatch iteration: take the gate, drain a chunk, coalesce,
// execute inside one transaction, publish results after commit. Returns
// false when the batch failed and went back to the intake queue.
func (q *Queue) cycle(ctx context.Context) bool {
	if err := q.gate.Lock(ctx); err != nil {
		return false
	}
	defer q.gate.Unlock()

	batch := q.drain()
	if len(batch) == 0 {
		return true
	}
	reduced := coalesceBatch(batch)

	start := time.Now()
	tx, err := q.be.Begin(ctx)
	if err != nil {
		q.requeue(batch, fmt.Errorf("begin: %w", err))
		return false
	}
	for _, o := range reduced {
		q.executeOp(ctx, tx, o)
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		q.requeue(batch, fmt.Errorf("commit: %w", err))
		return false
	}

	// Durable now. Only from this point are outcomes observable. Barriers
	// settle after everything else in the cycle: the coalescer may float a
	// NoOp ahead of deeper-bucketed work, and a flush must never resolve
	// while an earlier-enqueued descriptor is still pending.
	for _, o := range reduced {
		if o.kind != KindNoOp {
			q.settle(o)
		}
	}
	for _, o := range reduced {
		if o.kind == KindNoOp {
			q.settle(o)
		}
	}
	took := time.Since(start)
	q.hooks.BatchCommitted(len(batch), len(reduced), took)
	q.log.Debug("batch committed", Fields{
		"ops": len(batch), "reduced": len(reduced), "took": took,
	})
	return true
}

// drain takes up to chunk descriptors off the intake queue, oldest first.
func (q *Queue) drain() []*op {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if n == 0 {
		return nil
	}
	if n <= q.chunk {
		batch := q.pending
		q.pending = nil
		return batch
	}
	batch := q.pending[:q.chunk:q.chunk]
	q.pending = append([]*op(nil), q.pending[q.chunk:]...)
	return batch
}

// requeue puts a failed batch back at the front of the intake queue in its
// original order. Descriptors out of retry budget are failed with
// RetryError instead.
func (q *Queue) requeue(batch []*op, cause error) {
	kept := batch[:0]
	attempt := 0
	for _, o := range batch {
		o.tries++
		if o.tries > q.retries {
			rerr := &RetryError{Attempts: o.tries, Err: cause}
			for _, c := range o.dones {
				c.fail(rerr)
			}
			q.hooks.OpDropped(o.kind, rerr)
			q.log.Error("operation dropped", Fields{"kind": o.kind.String(), "attempts": o.tries, "err": cause})
			continue
		}
		if o.tries > attempt {
			attempt = o.tries
		}
		kept = append(kept, o)
	}
	if len(kept) > 0 {
		q.mu.Lock()
		q.pending = append(kept, q.pending...)
		q.mu.Unlock()
		q.hooks.BatchRequeued(len(kept), attempt, cause)
		q.log.Warn("batch requeued", Fields{"ops": len(kept), "attempt": attempt, "err": cause})
	}
}

// executeOp runs one reduced descriptor inside the cycle's transaction and
// stages the outcome on the descriptor. An error here fails only this
// descriptor's callers; the rest of the batch proceeds.
func (q *Queue) executeOp(ctx context.Context, tx backend.Tx, o *op) {
	switch o.kind {
	case KindNoOp:
		// barrier, nothing to execute
	case KindInsert:
		o.execErr = tx.Insert(ctx, o.elems)
	case KindSelectKeys:
		rows, err := tx.SelectKeys(ctx, o.keys)
		o.execErr = err
		o.res = elemsByKey(rows)
	case KindSelectType:
		rows, err := tx.SelectTypes(ctx, o.types)
		o.execErr = err
		o.res = elemsByKey(rows)
	case KindAllKeys:
		o.resKeys, o.execErr = tx.AllKeys(ctx)
	case KindInvalidateKeys:
		o.execErr = tx.DeleteKeys(ctx, o.keys)
	case KindInvalidateType:
		o.execErr = tx.DeleteTypes(ctx, o.types)
	case KindInvalidateAll:
		o.execErr = tx.DeleteAll(ctx)
	case KindDeleteExpired:
		o.execErr = tx.DeleteExpired(ctx, q.now())
	case KindVacuum:
		o.execErr = ErrVacuumInTransaction
	default:
		o.execErr = fmt.Errorf("spoolcache: unknown operation kind %d", o.kind)
	}
}

// settle publishes a committed descriptor's outcome to every attached
// completion. Fused selects hand each caller exactly its requested subset.
func (q *Queue) settle(o *op) {
	if o.execErr != nil {
		oe := &OpError{Kind: o.kind, Err: o.execErr}
		for _, c := range o.dones {
			c.fail(oe)
		}
		q.hooks.OpFailed(o.kind, o.execErr)
		return
	}
	switch o.kind {
	case KindSelectKeys, KindSelectType:
		for _, c := range o.dones {
			if c.want == nil {
				c.resolve(o.res, nil)
				continue
			}
			sub := make(map[string]Element, len(c.want))
			for _, k := range c.want {
				if e, ok := o.res[k]; ok {
					sub[k] = e
				}
			}
			c.resolve(sub, nil)
		}
	case KindAllKeys:
		for _, c := range o.dones {
			c.resolve(nil, o.resKeys)
		}
	default:
		for _, c := range o.dones {
			c.resolve(nil, nil)
		}
	}
}

// drainRemaining empties the intake queue after the loop stopped, one
// gate-held cycle at a time. Descriptors still queued at ctx expiry (or
// enqueued concurrently with a closing queue) fail with ErrClosed.
func (q *Queue) drainRemaining(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			q.failPending(ErrClosed)
			return err
		}
		q.mu.Lock()
		n := len(q.pending)
		q.mu.Unlock()
		if n == 0 {
			return nil
		}
		if !q.cycle(ctx) {
			// failed batch went back with bumped tries; budget exhaustion
			// guarantees progress, pause keeps a dead backend from spinning
			select {
			case <-time.After(q.backoff):
			case <-ctx.Done():
			}
		}
	}
}

// failPending fails everything still queued. Called with the loop stopped.
func (q *Queue) failPending(err error) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, o := range pending {
		for _, c := range o.dones {
			c.fail(err)
		}
	}
}

func elemsByKey(rows []Element) map[string]Element {
	m := make(map[string]Element, len(rows))
	for _, e := range rows {
		m[e.Key] = e
	}
	return m
}
