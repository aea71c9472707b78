package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records consumer activity. A nil *Collector discards everything.
type Collector struct {
	registry *prometheus.Registry

	acquired    *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	holds       *prometheus.CounterVec
	saturated   *prometheus.CounterVec
	heldCycles  *prometheus.CounterVec
	pollErrors  *prometheus.CounterVec
	lockLost    *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
	latency     *prometheus.HistogramVec
	cleaned     *prometheus.CounterVec
	reconnects  prometheus.CounterFunc
	queueStates *prometheus.GaugeVec
}

// New creates a collector on its own registry. reconnects, when non-nil,
// reports session reconnects.
func New(reconnects func() float64) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accession_items_acquired_total",
			Help: "Items claimed by a daemon.",
		}, []string{"daemon"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accession_items_processed_total",
			Help: "Processed items by outcome.",
		}, []string{"daemon", "outcome"}),
		holds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accession_items_held_total",
			Help: "Claimed items parked because their collection is held.",
		}, []string{"daemon"}),
		saturated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accession_poll_saturated_total",
			Help: "Poll cycles that deferred work because every worker was busy.",
		}, []string{"daemon"}),
		heldCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accession_poll_global_hold_total",
			Help: "Poll cycles skipped because the global hold was raised.",
		}, []string{"daemon"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accession_poll_errors_total",
			Help: "Poll cycles aborted by coordination store errors.",
		}, []string{"daemon"}),
		lockLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accession_locks_lost_total",
			Help: "Items abandoned because their lock was lost mid-processing.",
		}, []string{"daemon"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "accession_workers_in_flight",
			Help: "Workers currently processing an item.",
		}, []string{"daemon"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accession_stage_duration_seconds",
			Help:    "Time spent in a stage processor.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"daemon"}),
		cleaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accession_cleanup_removed_total",
			Help: "Entities removed by cleanup.",
		}, []string{"kind"}),
		queueStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "accession_queue_items",
			Help: "Entities by kind and state at the last status scrape.",
		}, []string{"kind", "state"}),
	}
	c.registry.MustRegister(
		c.acquired, c.outcomes, c.holds, c.saturated, c.heldCycles, c.pollErrors,
		c.lockLost, c.inFlight, c.latency, c.cleaned, c.queueStates,
	)
	if reconnects != nil {
		c.reconnects = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "accession_session_reconnects_total",
			Help: "Replacement coordination sessions opened.",
		}, reconnects)
		c.registry.MustRegister(c.reconnects)
	}
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Acquired counts a claimed item.
func (c *Collector) Acquired(daemon string) {
	if c == nil {
		return
	}
	c.acquired.WithLabelValues(daemon).Inc()
}

// Processed records a finished worker.
func (c *Collector) Processed(daemon, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(daemon, outcome).Inc()
	c.latency.WithLabelValues(daemon).Observe(elapsed.Seconds())
}

// Held counts an item parked by a collection hold.
func (c *Collector) Held(daemon string) {
	if c == nil {
		return
	}
	c.holds.WithLabelValues(daemon).Inc()
}

// Saturated counts a cycle cut short by a full worker pool.
func (c *Collector) Saturated(daemon string) {
	if c == nil {
		return
	}
	c.saturated.WithLabelValues(daemon).Inc()
}

// GlobalHold counts a cycle skipped by the global hold.
func (c *Collector) GlobalHold(daemon string) {
	if c == nil {
		return
	}
	c.heldCycles.WithLabelValues(daemon).Inc()
}

// PollError counts a cycle aborted by a store error.
func (c *Collector) PollError(daemon string) {
	if c == nil {
		return
	}
	c.pollErrors.WithLabelValues(daemon).Inc()
}

// LockLost counts an abandoned item.
func (c *Collector) LockLost(daemon string) {
	if c == nil {
		return
	}
	c.lockLost.WithLabelValues(daemon).Inc()
}

// WorkerStarted and WorkerDone track in-flight workers.
func (c *Collector) WorkerStarted(daemon string) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(daemon).Inc()
}

func (c *Collector) WorkerDone(daemon string) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(daemon).Dec()
}

// Cleaned counts entities removed by cleanup.
func (c *Collector) Cleaned(kind string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cleaned.WithLabelValues(kind).Add(float64(n))
}

// QueueSnapshot replaces the per-state gauges for kind.
func (c *Collector) QueueSnapshot(kind string, counts map[string]int) {
	if c == nil {
		return
	}
	c.queueStates.DeletePartialMatch(prometheus.Labels{"kind": kind})
	for state, n := range counts {
		c.queueStates.WithLabelValues(kind, state).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
