// Package promhook publishes queue events as Prometheus metrics.
package promhook

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spoolcache/spoolcache"
)

// Hooks is a Prometheus-backed spoolcache.Hooks. All observations are
// counter increments or histogram samples, cheap enough to run inline on
// the dispatcher.
type Hooks struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	batches    *prometheus.CounterVec
	batchOps   *prometheus.CounterVec
	commitTook prometheus.Histogram

	opsFailed  *prometheus.CounterVec
	opsDropped *prometheus.CounterVec

	maintRuns *prometheus.CounterVec
	maintTook prometheus.Histogram

	frontHits   prometheus.Counter
	frontBypass *prometheus.CounterVec
}

var _ spoolcache.Hooks = (*Hooks)(nil)

// New constructs the hooks. When reg is nil a dedicated registry is created
// so multiple instances can coexist without conflicting with the global
// default registerer.
func New(reg *prometheus.Registry) *Hooks {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spoolcache",
		Subsystem: "queue",
		Name:      "batches_total",
		Help:      "Batch transactions by outcome.",
	}, []string{"outcome"})

	batchOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spoolcache",
		Subsystem: "queue",
		Name:      "batch_operations_total",
		Help:      "Operations entering a batch (drained) and surviving coalescing (executed).",
	}, []string{"stage"})

	commitTook := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spoolcache",
		Subsystem: "queue",
		Name:      "commit_duration_seconds",
		Help:      "Latency distribution for committed batch transactions.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	opsFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spoolcache",
		Subsystem: "queue",
		Name:      "operations_failed_total",
		Help:      "Operations that failed inside a committed batch.",
	}, []string{"kind"})

	opsDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spoolcache",
		Subsystem: "queue",
		Name:      "operations_dropped_total",
		Help:      "Operations dropped after exhausting their requeue budget.",
	}, []string{"kind"})

	maintRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spoolcache",
		Subsystem: "maintenance",
		Name:      "runs_total",
		Help:      "Compaction windows by outcome.",
	}, []string{"outcome"})

	maintTook := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spoolcache",
		Subsystem: "maintenance",
		Name:      "duration_seconds",
		Help:      "Latency distribution for compaction windows.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	frontHits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spoolcache",
		Subsystem: "front",
		Name:      "hits_total",
		Help:      "Keys answered by the front tier without a queue round trip.",
	})

	frontBypass := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spoolcache",
		Subsystem: "front",
		Name:      "bypass_total",
		Help:      "Front-tier reads that fell through to the queue, by reason.",
	}, []string{"reason"})

	reg.MustRegister(batches, batchOps, commitTook, opsFailed, opsDropped,
		maintRuns, maintTook, frontHits, frontBypass)

	return &Hooks{
		gatherer:    reg,
		handler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		batches:     batches,
		batchOps:    batchOps,
		commitTook:  commitTook,
		opsFailed:   opsFailed,
		opsDropped:  opsDropped,
		maintRuns:   maintRuns,
		maintTook:   maintTook,
		frontHits:   frontHits,
		frontBypass: frontBypass,
	}
}

// Handler exposes the Prometheus HTTP handler for the hooks' registry.
func (h *Hooks) Handler() http.Handler {
	if h == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return h.handler
}

// Gatherer returns the underlying gatherer for tests and advanced
// integrations.
func (h *Hooks) Gatherer() prometheus.Gatherer {
	if h == nil {
		return prometheus.NewRegistry()
	}
	return h.gatherer
}

func (h *Hooks) BatchCommitted(ops, reduced int, took time.Duration) {
	if h == nil {
		return
	}
	h.batches.WithLabelValues("committed").Inc()
	h.batchOps.WithLabelValues("drained").Add(float64(ops))
	h.batchOps.WithLabelValues("executed").Add(float64(reduced))
	h.commitTook.Observe(took.Seconds())
}

func (h *Hooks) BatchRequeued(ops, attempt int, err error) {
	if h == nil {
		return
	}
	h.batches.WithLabelValues("requeued").Inc()
}

func (h *Hooks) OpFailed(kind spoolcache.Kind, err error) {
	if h == nil {
		return
	}
	h.opsFailed.WithLabelValues(kind.String()).Inc()
}

func (h *Hooks) OpDropped(kind spoolcache.Kind, err error) {
	if h == nil {
		return
	}
	h.opsDropped.WithLabelValues(kind.String()).Inc()
}

func (h *Hooks) MaintenanceDone(took time.Duration, err error) {
	if h == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	h.maintRuns.WithLabelValues(outcome).Inc()
	h.maintTook.Observe(took.Seconds())
}

func (h *Hooks) FrontHit(keys int) {
	if h == nil {
		return
	}
	h.frontHits.Add(float64(keys))
}

func (h *Hooks) FrontBypass(reason string) {
	if h == nil {
		return
	}
	h.frontBypass.WithLabelValues(reason).Inc()
}
