package sloghooks

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spoolcache/spoolcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	CommitEvery uint64 // batch_committed events
	FrontEvery  uint64 // front_hit and front_bypass events
}

// Hooks logs queue events through slog. The per-batch and per-read events
// sample; failures always log.
type Hooks struct {
	l    *slog.Logger
	opts Options

	commitCtr atomic.Uint64
	hitCtr    atomic.Uint64
	bypassCtr atomic.Uint64
}

var _ spoolcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) BatchCommitted(ops, reduced int, took time.Duration) {
	if h.l == nil || !sample(h.opts.CommitEvery, &h.commitCtr) {
		return
	}
	h.l.Debug("spoolcache.batch_committed",
		"ops", ops,
		"reduced", reduced,
		"took", took)
}

func (h *Hooks) BatchRequeued(ops, attempt int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("spoolcache.batch_requeued",
		"ops", ops,
		"attempt", attempt,
		"err", err)
}

func (h *Hooks) OpFailed(kind spoolcache.Kind, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("spoolcache.op_failed",
		"kind", kind.String(),
		"err", err)
}

func (h *Hooks) OpDropped(kind spoolcache.Kind, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("spoolcache.op_dropped",
		"kind", kind.String(),
		"err", err)
}

func (h *Hooks) MaintenanceDone(took time.Duration, err error) {
	if h.l == nil {
		return
	}
	if err != nil {
		h.l.Error("spoolcache.maintenance_failed", "took", took, "err", err)
		return
	}
	h.l.Info("spoolcache.maintenance_done", "took", took)
}

func (h *Hooks) FrontHit(keys int) {
	if h.l == nil || !sample(h.opts.FrontEvery, &h.hitCtr) {
		return
	}
	h.l.Debug("spoolcache.front_hit", "keys", keys)
}

func (h *Hooks) FrontBypass(reason string) {
	if h.l == nil || !sample(h.opts.FrontEvery, &h.bypassCtr) {
		return
	}
	h.l.Debug("spoolcache.front_bypass", "reason", reason)
}
