package spoolcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spoolcache/spoolcache/backend"
	"github.com/spoolcache/spoolcache/internal/fairlock"
)

// Options tune a Queue. Only Backend is required; others have sensible
// defaults.
type Options struct {
	// Required. The persisted tier every operation executes against. The
	// Queue does not close it; the owner does (or use Cache, which does).
	Backend backend.Backend

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	// BatchSize caps how many descriptors one dispatch cycle drains. 0 => 256.
	BatchSize int

	// MaxBatchRetries bounds how many failed transaction cycles one
	// descriptor survives before it fails with RetryError. 0 => 5.
	MaxBatchRetries int

	// RetryBackoff is the pause after a failed begin/commit before the next
	// cycle. 0 => 50ms.
	RetryBackoff time.Duration

	// SweepInterval runs a background DeleteExpired on this period when > 0.
	// Disabled by default.
	SweepInterval time.Duration

	// Clock overrides time.Now for expiry decisions. Tests use it.
	Clock func() time.Time
}

// Queue accepts cache operations without ever blocking the caller and
// executes them in coalesced transactional batches on a single dispatcher
// goroutine. Construct with New, then Start.
type Queue struct {
	be    backend.Backend
	log   Logger
	hooks Hooks

	chunk    int
	retries  int
	backoff  time.Duration
	sweepInt time.Duration
	now      func() time.Time

	// gate serializes the backend between dispatch cycles and maintenance.
	// FIFO fairness is load-bearing: a waiting Vacuum must win against the
	// dispatcher's next cycle.
	gate fairlock.Mutex

	mu      sync.Mutex
	pending []*op
	closed  bool
	started bool
	notify  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	runDone   chan struct{}
	sweepWG   sync.WaitGroup

	shutdownErr  error
	shutdownDone chan struct{}
}

func New(o Options) (*Queue, error) {
	if o.Backend == nil {
		return nil, fmt.Errorf("spoolcache: backend is required")
	}
	log := o.Logger
	if log == nil {
		log = NopLogger{}
	}
	hooks := o.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}
	now := o.Clock
	if now == nil {
		now = time.Now
	}
	return &Queue{
		be:           o.Backend,
		log:          log,
		hooks:        hooks,
		chunk:        orDefault(o.BatchSize, 256),
		retries:      orDefault(o.MaxBatchRetries, 5),
		backoff:      orDefault(o.RetryBackoff, 50*time.Millisecond),
		sweepInt:     o.SweepInterval,
		now:          now,
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
		runDone:      make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}, nil
}

// Start launches the dispatcher. Idempotent. Operations enqueued before
// Start sit in the intake queue and execute once it runs.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		q.mu.Lock()
		q.started = true
		q.mu.Unlock()
		go q.run()
		if q.sweepInt > 0 {
			q.sweepWG.Add(1)
			go q.sweep()
		}
	})
}

// enqueue hands one descriptor to the dispatcher. Never blocks.
func (q *Queue) enqueue(o *op) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		for _, c := range o.dones {
			c.fail(ErrClosed)
		}
		return
	}
	q.pending = append(q.pending, o)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Insert queues rows for upsert. When one call (or one batch) carries a key
// more than once, the last value wins. The future settles after the carrying
// batch commits. Inserting nothing settles immediately.
func (q *Queue) Insert(elems ...Element) *Future[struct{}] {
	c := newCompletion()
	if len(elems) == 0 {
		c.resolve(nil, nil)
		return unitFuture(c)
	}
	q.enqueue(&op{kind: KindInsert, elems: elems, dones: []*completion{c}})
	return unitFuture(c)
}

// Select queues a read of the given keys. The result map holds only live
// rows; missing and expired keys are simply absent, never an error.
func (q *Queue) Select(keys ...string) *Future[map[string]Element] {
	c := newCompletion()
	if len(keys) == 0 {
		c.resolve(map[string]Element{}, nil)
		return elemsFuture(c)
	}
	c.want = keys
	q.enqueue(&op{kind: KindSelectKeys, keys: keys, dones: []*completion{c}})
	return elemsFuture(c)
}

// SelectType queues a read of every live row tagged with one of the given
// type names, keyed by row key in the result.
func (q *Queue) SelectType(typeNames ...string) *Future[map[string]Element] {
	c := newCompletion()
	if len(typeNames) == 0 {
		c.resolve(map[string]Element{}, nil)
		return elemsFuture(c)
	}
	q.enqueue(&op{kind: KindSelectType, types: typeNames, dones: []*completion{c}})
	return elemsFuture(c)
}

// Invalidate queues removal of the given keys. Unknown keys are not an
// error.
func (q *Queue) Invalidate(keys ...string) *Future[struct{}] {
	c := newCompletion()
	if len(keys) == 0 {
		c.resolve(nil, nil)
		return unitFuture(c)
	}
	q.enqueue(&op{kind: KindInvalidateKeys, keys: keys, dones: []*completion{c}})
	return unitFuture(c)
}

// InvalidateType queues removal of every row tagged with one of the given
// type names.
func (q *Queue) InvalidateType(typeNames ...string) *Future[struct{}] {
	c := newCompletion()
	if len(typeNames) == 0 {
		c.resolve(nil, nil)
		return unitFuture(c)
	}
	q.enqueue(&op{kind: KindInvalidateType, types: typeNames, dones: []*completion{c}})
	return unitFuture(c)
}

// InvalidateAll queues removal of every row. A batch containing it is never
// coalesced.
func (q *Queue) InvalidateAll() *Future[struct{}] {
	c := newCompletion()
	q.enqueue(&op{kind: KindInvalidateAll, dones: []*completion{c}})
	return unitFuture(c)
}

// AllKeys queues an enumeration of all live keys, sorted. A batch containing
// it is never coalesced.
func (q *Queue) AllKeys() *Future[[]string] {
	c := newCompletion()
	q.enqueue(&op{kind: KindAllKeys, dones: []*completion{c}})
	return keysFuture(c)
}

// DeleteExpired queues a purge of rows whose expiry has passed.
func (q *Queue) DeleteExpired() *Future[struct{}] {
	c := newCompletion()
	q.enqueue(&op{kind: KindDeleteExpired, dones: []*completion{c}})
	return unitFuture(c)
}

// Flush enqueues a barrier and waits for it: when Flush returns nil, every
// operation enqueued before the call has reached a terminal state.
func (q *Queue) Flush(ctx context.Context) error {
	c := newCompletion()
	q.enqueue(&op{kind: KindNoOp, dones: []*completion{c}})
	_, err := unitFuture(c).Wait(ctx)
	return err
}

// Shutdown stops the dispatcher, then synchronously drains whatever is still
// queued so no accepted operation is silently dropped. Operations that
// cannot be drained before ctx expires fail with ErrClosed, as does any
// enqueue from now on. Idempotent; concurrent calls wait for the first.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		started := q.started
		q.mu.Unlock()

		close(q.stop)
		q.sweepWG.Wait()
		if started {
			<-q.runDone
		}
		q.shutdownErr = q.drainRemaining(ctx)
		close(q.shutdownDone)
	})
	<-q.shutdownDone
	return q.shutdownErr
}

// sweep periodically queues an expired-row purge.
func (q *Queue) sweep() {
	defer q.sweepWG.Done()
	t := time.NewTicker(q.sweepInt)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			q.DeleteExpired()
		case <-q.stop:
			return
		}
	}
}
