package spoolcache

import (
	"context"
	"fmt"
)

// Vacuum compacts the backend. The protocol, in order:
//
//  1. an expired-row purge goes through the normal queue and is awaited, so
//     compaction never has to step around dead rows;
//  2. a flush barrier drains everything accepted before this call, so
//     results are durable before compaction touches the store;
//  3. the gate is acquired. Grants are FIFO, so the dispatcher's next cycle
//     cannot jump ahead of a vacuum that started waiting first;
//  4. the backend compacts with the gate held: exclusive access, and by the
//     backend contract never inside a transaction.
//
// Cancelling ctx while waiting on any step aborts with ctx.Err() and leaves
// dispatch untouched. Concurrent Vacuum calls serialize on the gate.
func (q *Queue) Vacuum(ctx context.Context) error {
	if _, err := q.DeleteExpired().Wait(ctx); err != nil {
		return err
	}
	if err := q.Flush(ctx); err != nil {
		return err
	}

	if err := q.gate.Lock(ctx); err != nil {
		return err
	}
	defer q.gate.Unlock()

	start := q.now()
	err := q.be.Vacuum(ctx)
	q.hooks.MaintenanceDone(q.now().Sub(start), err)
	if err != nil {
		q.log.Error("vacuum failed", Fields{"err": err})
		return fmt.Errorf("spoolcache: vacuum: %w", err)
	}
	q.log.Debug("vacuum done", Fields{"took": q.now().Sub(start)})
	return nil
}
