package spoolcache

import (
	"context"
	"sync"
)

// Kind enumerates the closed set of queue operations.
type Kind uint8

const (
	KindNoOp Kind = iota
	KindInsert
	KindSelectKeys
	KindSelectType
	KindAllKeys
	KindInvalidateKeys
	KindInvalidateType
	KindInvalidateAll
	KindDeleteExpired
	KindVacuum
)

func (k Kind) String() string {
	switch k {
	case KindNoOp:
		return "noop"
	case KindInsert:
		return "insert"
	case KindSelectKeys:
		return "select_keys"
	case KindSelectType:
		return "select_type"
	case KindAllKeys:
		return "all_keys"
	case KindInvalidateKeys:
		return "invalidate_keys"
	case KindInvalidateType:
		return "invalidate_type"
	case KindInvalidateAll:
		return "invalidate_all"
	case KindDeleteExpired:
		return "delete_expired"
	case KindVacuum:
		return "vacuum"
	default:
		return "unknown"
	}
}

// op is one queued descriptor. Only the payload field matching kind is set:
// elems for insert, keys for the by-key operations, types for the by-type
// operations, none for the keyless kinds. dones carries the completion of
// every caller folded into this descriptor by coalescing.
//
// res/resKeys/execErr stage the outcome while the batch transaction is still
// open; settle publishes them to the completions only after commit.
type op struct {
	kind  Kind
	elems []Element
	keys  []string
	types []string
	dones []*completion

	// failed transaction cycles survived while queued
	tries int

	res     map[string]Element
	resKeys []string
	execErr error
}

// completion is the single-assignment outcome shared between the dispatcher
// and a caller's Future. The first terminal state wins; later resolve/fail
// calls are ignored. Subscribers run once, after the terminal state is set,
// on the resolving goroutine.
type completion struct {
	done chan struct{}

	// for select operations: the keys this caller asked for, so a fused
	// bulk select can hand back exactly this caller's subset. nil means
	// take the whole result.
	want []string

	mu      sync.Mutex
	settled bool
	subs    []func(*completion)

	elems map[string]Element
	keys  []string
	err   error
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) resolve(elems map[string]Element, keys []string) {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return
	}
	c.settled = true
	c.elems = elems
	c.keys = keys
	subs := c.subs
	c.subs = nil
	close(c.done)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}

func (c *completion) fail(err error) {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return
	}
	c.settled = true
	c.err = err
	subs := c.subs
	c.subs = nil
	close(c.done)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}

// subscribe registers fn to run at settlement. If the completion already
// settled, fn runs immediately on the calling goroutine.
func (c *completion) subscribe(fn func(*completion)) {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		fn(c)
		return
	}
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// Future is the caller-facing handle of one enqueued operation. It settles
// exactly once, after the batch carrying the operation commits (or the
// operation fails terminally). Multiple goroutines may wait on one Future.
type Future[T any] struct {
	c       *completion
	extract func(*completion) T
}

// Done is closed when the operation reached a terminal state.
func (f *Future[T]) Done() <-chan struct{} { return f.c.done }

// Wait blocks for the terminal state. Cancelling ctx abandons the wait and
// returns ctx.Err(); the operation itself still executes.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.c.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	if f.c.err != nil {
		var zero T
		return zero, f.c.err
	}
	return f.extract(f.c), nil
}

func unitFuture(c *completion) *Future[struct{}] {
	return &Future[struct{}]{c: c, extract: func(*completion) struct{} { return struct{}{} }}
}

func elemsFuture(c *completion) *Future[map[string]Element] {
	return &Future[map[string]Element]{c: c, extract: func(c *completion) map[string]Element {
		if c.elems == nil {
			return map[string]Element{}
		}
		return c.elems
	}}
}

func keysFuture(c *completion) *Future[[]string] {
	return &Future[[]string]{c: c, extract: func(c *completion) []string { return c.keys }}
}
