package spoolcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spoolcache/spoolcache/backend"
	"github.com/spoolcache/spoolcache/codec"
	"github.com/spoolcache/spoolcache/front"
	"github.com/spoolcache/spoolcache/internal/wire"
)

const (
	bypassPending = "pending_write"
	bypassMiss    = "miss"
	bypassExpired = "expired"
	bypassDecode  = "decode"
)

type cache[V any] struct {
	q     *Queue
	be    backend.Backend
	codec codec.Codec[V]
	front front.Store
	log   Logger
	hooks Hooks

	typeName   string
	defaultTTL time.Duration
	now        func() time.Time

	// pmu guards the read-your-writes bookkeeping for the front tier.
	// pending counts in-flight queued writes per key and pendingGlobal
	// counts in-flight whole-scope invalidations; while either covers a
	// key, reads bypass the front. epoch advances on every write enqueue
	// so a read can tell whether warming its rows into the front would
	// race a newer write.
	pmu           sync.Mutex
	pending       map[string]int
	pendingGlobal int
	epoch         uint64
}

var _ Cache[int] = (*cache[int])(nil)

func newCache[V any](opts CacheOptions[V]) (*cache[V], error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("spoolcache: backend is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("spoolcache: codec is required")
	}

	q, err := New(Options{
		Backend:         opts.Backend,
		Logger:          opts.Logger,
		Hooks:           opts.Hooks,
		BatchSize:       opts.BatchSize,
		MaxBatchRetries: opts.MaxBatchRetries,
		RetryBackoff:    opts.RetryBackoff,
		SweepInterval:   opts.SweepInterval,
		Clock:           opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	c := &cache[V]{
		q:          q,
		be:         opts.Backend,
		codec:      opts.Codec,
		front:      opts.Front,
		typeName:   opts.TypeName,
		defaultTTL: opts.DefaultTTL,
		pending:    make(map[string]int),
	}
	c.log = orDefault[Logger](opts.Logger, NopLogger{})
	c.hooks = orDefault[Hooks](opts.Hooks, NopHooks{})
	c.now = opts.Clock
	if c.now == nil {
		c.now = time.Now
	}

	q.Start()
	return c, nil
}

func (c *cache[V]) Close(ctx context.Context) error {
	err := c.q.Shutdown(ctx)
	if c.front != nil {
		if ferr := c.front.Close(); err == nil {
			err = ferr
		}
	}
	if berr := c.be.Close(ctx); err == nil {
		err = berr
	}
	return err
}

func (c *cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if el, ok := c.frontGet(key); ok {
		v, err := c.codec.Decode(el.Value)
		if err == nil {
			c.hooks.FrontHit(1)
			return v, true, nil
		}
		c.front.Del(key)
		c.hooks.FrontBypass(bypassDecode)
	}

	snap := c.writeEpoch()
	rows, err := c.q.Select(key).Wait(ctx)
	if err != nil {
		return zero, false, err
	}
	el, ok := rows[key]
	if !ok {
		return zero, false, nil
	}
	v, err := c.codec.Decode(el.Value)
	if err != nil {
		c.purgeUndecodable(el.Key, err)
		return zero, false, nil
	}
	c.warm(snap, el)
	return v, true, nil
}

func (c *cache[V]) GetMulti(ctx context.Context, keys []string) (map[string]V, error) {
	out := make(map[string]V, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	missing := keys
	if c.front != nil {
		missing = make([]string, 0, len(keys))
		hits := 0
		for _, k := range keys {
			el, ok := c.frontGet(k)
			if !ok {
				missing = append(missing, k)
				continue
			}
			v, err := c.codec.Decode(el.Value)
			if err != nil {
				c.front.Del(k)
				c.hooks.FrontBypass(bypassDecode)
				missing = append(missing, k)
				continue
			}
			out[k] = v
			hits++
		}
		if hits > 0 {
			c.hooks.FrontHit(hits)
		}
		if len(missing) == 0 {
			return out, nil
		}
	}

	snap := c.writeEpoch()
	rows, err := c.q.Select(missing...).Wait(ctx)
	if err != nil {
		return nil, err
	}
	warmEls := make([]Element, 0, len(rows))
	for _, k := range missing {
		el, ok := rows[k]
		if !ok {
			continue
		}
		v, derr := c.codec.Decode(el.Value)
		if derr != nil {
			c.purgeUndecodable(k, derr)
			continue
		}
		out[k] = v
		warmEls = append(warmEls, el)
	}
	c.warm(snap, warmEls...)
	return out, nil
}

func (c *cache[V]) GetType(ctx context.Context, typeName string) (map[string]V, error) {
	snap := c.writeEpoch()
	rows, err := c.q.SelectType(typeName).Wait(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]V, len(rows))
	warmEls := make([]Element, 0, len(rows))
	for k, el := range rows {
		v, derr := c.codec.Decode(el.Value)
		if derr != nil {
			c.purgeUndecodable(k, derr)
			continue
		}
		out[k] = v
		warmEls = append(warmEls, el)
	}
	c.warm(snap, warmEls...)
	return out, nil
}

func (c *cache[V]) Keys(ctx context.Context) ([]string, error) {
	return c.q.AllKeys().Wait(ctx)
}

func (c *cache[V]) Put(ctx context.Context, entries ...Entry[V]) error {
	_, err := c.PutAsync(entries...).Wait(ctx)
	return err
}

// PutAsync encodes and queues the entries. Encoding is all-or-nothing: if
// any entry fails to encode (or has no key), nothing is queued and the
// returned future carries the error.
func (c *cache[V]) PutAsync(entries ...Entry[V]) *Future[struct{}] {
	els := make([]Element, 0, len(entries))
	now := c.now()
	for _, e := range entries {
		if e.Key == "" {
			return failedFuture(fmt.Errorf("spoolcache: entry key is required"))
		}
		b, err := c.codec.Encode(e.Value)
		if err != nil {
			return failedFuture(fmt.Errorf("spoolcache: encode %q: %w", e.Key, err))
		}
		var exp time.Time
		switch {
		case e.TTL > 0:
			exp = now.Add(e.TTL)
		case e.TTL == 0 && c.defaultTTL > 0:
			exp = now.Add(c.defaultTTL)
		}
		els = append(els, Element{
			Key:       e.Key,
			TypeName:  orDefault(e.TypeName, c.typeName),
			Value:     b,
			CreatedAt: now,
			ExpiresAt: exp,
		})
	}
	if len(els) == 0 || c.front == nil {
		return c.q.Insert(els...)
	}

	c.pmu.Lock()
	c.epoch++
	for _, el := range els {
		c.pending[el.Key]++
	}
	c.pmu.Unlock()

	fut := c.q.Insert(els...)
	fut.c.subscribe(func(cc *completion) {
		c.pmu.Lock()
		if cc.err == nil {
			for _, el := range els {
				c.frontStoreLocked(el)
			}
		}
		for _, el := range els {
			c.unmarkLocked(el.Key)
		}
		c.pmu.Unlock()
	})
	return fut
}

func (c *cache[V]) Invalidate(ctx context.Context, keys ...string) error {
	_, err := c.InvalidateAsync(keys...).Wait(ctx)
	return err
}

func (c *cache[V]) InvalidateAsync(keys ...string) *Future[struct{}] {
	if len(keys) == 0 || c.front == nil {
		return c.q.Invalidate(keys...)
	}

	c.pmu.Lock()
	c.epoch++
	for _, k := range keys {
		c.pending[k]++
	}
	c.pmu.Unlock()

	fut := c.q.Invalidate(keys...)
	fut.c.subscribe(func(cc *completion) {
		c.pmu.Lock()
		if cc.err == nil {
			for _, k := range keys {
				c.front.Del(k)
			}
		}
		for _, k := range keys {
			c.unmarkLocked(k)
		}
		c.pmu.Unlock()
	})
	return fut
}

func (c *cache[V]) InvalidateType(ctx context.Context, typeNames ...string) error {
	if len(typeNames) == 0 {
		return nil
	}
	fut := c.clearingScope(func() *Future[struct{}] { return c.q.InvalidateType(typeNames...) })
	_, err := fut.Wait(ctx)
	return err
}

func (c *cache[V]) InvalidateAll(ctx context.Context) error {
	fut := c.clearingScope(c.q.InvalidateAll)
	_, err := fut.Wait(ctx)
	return err
}

// DeleteExpired carries no front bookkeeping: expired rows are already
// invisible to frontGet, so purging them changes nothing a read can see.
func (c *cache[V]) DeleteExpired(ctx context.Context) error {
	_, err := c.q.DeleteExpired().Wait(ctx)
	return err
}

func (c *cache[V]) Flush(ctx context.Context) error { return c.q.Flush(ctx) }

func (c *cache[V]) Vacuum(ctx context.Context) error { return c.q.Vacuum(ctx) }

func (c *cache[V]) Queue() *Queue { return c.q }

// clearingScope queues a whole-scope invalidation. The front can't know
// which of its keys the scope covers, so commit drops the front wholesale.
func (c *cache[V]) clearingScope(enqueue func() *Future[struct{}]) *Future[struct{}] {
	if c.front == nil {
		return enqueue()
	}

	c.pmu.Lock()
	c.epoch++
	c.pendingGlobal++
	c.pmu.Unlock()

	fut := enqueue()
	fut.c.subscribe(func(cc *completion) {
		c.pmu.Lock()
		if cc.err == nil {
			c.front.Clear()
		}
		c.pendingGlobal--
		c.pmu.Unlock()
	})
	return fut
}

// frontGet returns the front's row for key iff the front is provably
// current for it: no queued write covers the key and the row is live and
// well-formed. Anything else bypasses to the queue.
func (c *cache[V]) frontGet(key string) (Element, bool) {
	if c.front == nil {
		return Element{}, false
	}
	c.pmu.Lock()
	covered := c.pendingGlobal > 0 || c.pending[key] > 0
	c.pmu.Unlock()
	if covered {
		c.hooks.FrontBypass(bypassPending)
		return Element{}, false
	}
	b, ok := c.front.Get(key)
	if !ok {
		c.hooks.FrontBypass(bypassMiss)
		return Element{}, false
	}
	el, err := wire.DecodeRow(b)
	if err != nil {
		c.front.Del(key)
		c.hooks.FrontBypass(bypassDecode)
		return Element{}, false
	}
	if el.Expired(c.now()) {
		c.front.Del(key)
		c.hooks.FrontBypass(bypassExpired)
		return Element{}, false
	}
	return el, true
}

// warm seeds freshly read rows into the front. snap is the write epoch
// observed before the read was queued: if any write was queued since, the
// rows may predate it and warming is skipped rather than risk masking the
// newer value.
func (c *cache[V]) warm(snap uint64, els ...Element) {
	if c.front == nil || len(els) == 0 {
		return
	}
	c.pmu.Lock()
	defer c.pmu.Unlock()
	if c.epoch != snap || c.pendingGlobal > 0 {
		return
	}
	for _, el := range els {
		if c.pending[el.Key] > 0 {
			continue
		}
		c.frontStoreLocked(el)
	}
}

// frontStoreLocked writes one row into the front. Caller holds pmu.
func (c *cache[V]) frontStoreLocked(el Element) {
	b, err := wire.EncodeRow(el)
	if err != nil {
		return
	}
	var ttl time.Duration
	if !el.ExpiresAt.IsZero() {
		ttl = el.ExpiresAt.Sub(c.now())
		if ttl <= 0 {
			c.front.Del(el.Key)
			return
		}
	}
	c.front.Set(el.Key, b, ttl)
}

// unmarkLocked drops one pending mark for key. Caller holds pmu.
func (c *cache[V]) unmarkLocked(key string) {
	if c.pending[key]--; c.pending[key] <= 0 {
		delete(c.pending, key)
	}
}

func (c *cache[V]) writeEpoch() uint64 {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return c.epoch
}

// purgeUndecodable queues removal of a row whose bytes no longer decode,
// so the next read repopulates instead of hitting the same corpse.
func (c *cache[V]) purgeUndecodable(key string, err error) {
	c.log.Warn("purging undecodable row", Fields{"key": key, "err": err})
	c.InvalidateAsync(key)
}

func failedFuture(err error) *Future[struct{}] {
	cmp := newCompletion()
	cmp.fail(err)
	return unitFuture(cmp)
}
