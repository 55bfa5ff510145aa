// Package asynchook decouples hook sinks from the dispatcher.
//
// The dispatcher calls Hooks between transactions and expects them not to
// block. Wrap a slow sink (remote metrics, sampled logging) in New and the
// dispatcher only ever pays for a buffered channel send; when the buffer is
// full the event is dropped rather than queued.
//
// usage:
//
//	raw := promhook.New(reg)
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := spoolcache.NewCache[User](spoolcache.CacheOptions[User]{
//	    Backend: be,
//	    Codec:   codec.JSON[User]{},
//	    Hooks:   hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"time"

	"github.com/spoolcache/spoolcache"
)

type Hooks struct {
	inner spoolcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ spoolcache.Hooks = (*Hooks)(nil)

func New(inner spoolcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Call it after the
// queue feeding these hooks has shut down.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) BatchCommitted(ops, reduced int, took time.Duration) {
	h.try(func() { h.inner.BatchCommitted(ops, reduced, took) })
}

func (h *Hooks) BatchRequeued(ops, attempt int, err error) {
	h.try(func() { h.inner.BatchRequeued(ops, attempt, err) })
}

func (h *Hooks) OpFailed(kind spoolcache.Kind, err error) {
	h.try(func() { h.inner.OpFailed(kind, err) })
}

func (h *Hooks) OpDropped(kind spoolcache.Kind, err error) {
	h.try(func() { h.inner.OpDropped(kind, err) })
}

func (h *Hooks) MaintenanceDone(took time.Duration, err error) {
	h.try(func() { h.inner.MaintenanceDone(took, err) })
}

func (h *Hooks) FrontHit(keys int) { h.try(func() { h.inner.FrontHit(keys) }) }

func (h *Hooks) FrontBypass(reason string) { h.try(func() { h.inner.FrontBypass(reason) }) }
