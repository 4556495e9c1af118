// Package observability wires the process's Prometheus metrics surface and
// a lightweight in-memory span tracer for poll, cadence, latency, and
// backend-selection signals.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"streamvis/internal/domain"
)

// Metrics bundles every Prometheus collector this process registers.
type Metrics struct {
	PollsTotal       *prometheus.CounterVec
	FetchFailures    prometheus.Counter
	CadenceFit       *prometheus.GaugeVec
	MeanIntervalSec  *prometheus.GaugeVec
	LatencyLocSec    *prometheus.GaugeVec
	LatencyScaleSec  *prometheus.GaugeVec
	BackendLatencyMs *prometheus.HistogramVec
	BackendSelected  *prometheus.CounterVec
}

// NewMetrics registers all collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamvis",
			Name:      "polls_total",
			Help:      "Count of completed poll cycles, labeled by outcome.",
		}, []string{"outcome"}),
		FetchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamvis",
			Name:      "fetch_failures_total",
			Help:      "Count of upstream fetch failures across all backends.",
		}),
		CadenceFit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "streamvis",
			Name:      "cadence_fit",
			Help:      "Current cadence_fit per gauge.",
		}, []string{"gauge_id"}),
		MeanIntervalSec: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "streamvis",
			Name:      "mean_interval_seconds",
			Help:      "Current mean_interval_sec per gauge.",
		}, []string{"gauge_id"}),
		LatencyLocSec: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "streamvis",
			Name:      "latency_loc_seconds",
			Help:      "Current robust latency location estimate per gauge.",
		}, []string{"gauge_id"}),
		LatencyScaleSec: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "streamvis",
			Name:      "latency_scale_seconds",
			Help:      "Current robust latency scale estimate per gauge.",
		}, []string{"gauge_id"}),
		BackendLatencyMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamvis",
			Name:      "backend_latency_ms",
			Help:      "Observed per-dispatch backend latency in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(20, 2, 10),
		}, []string{"backend"}),
		BackendSelected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamvis",
			Name:      "backend_selected_total",
			Help:      "Count of dispatches served by each backend.",
		}, []string{"backend"}),
	}
}

// ObserveState snapshots per-gauge gauges from the current state document.
// Call once per committed cycle.
func (m *Metrics) ObserveState(st *domain.State) {
	for id, gs := range st.Gauges {
		m.CadenceFit.WithLabelValues(id).Set(gs.CadenceFit)
		m.MeanIntervalSec.WithLabelValues(id).Set(gs.MeanIntervalSec)
		m.LatencyLocSec.WithLabelValues(id).Set(gs.LatencyLocSec)
		m.LatencyScaleSec.WithLabelValues(id).Set(gs.LatencyScaleSec)
	}
}

// RecordBackend records one dispatch's latency and selection for backend.
func (m *Metrics) RecordBackend(backend domain.Backend, latency time.Duration) {
	m.BackendLatencyMs.WithLabelValues(string(backend)).Observe(float64(latency.Milliseconds()))
	m.BackendSelected.WithLabelValues(string(backend)).Inc()
}

// ─── Span Tracer ─────────────────────────────────────────────────────────

// Span is one recorded unit of work.
type Span struct {
	Name     string
	Start    time.Time
	Duration time.Duration
}

// Tracer is a fixed-capacity ring buffer of recently completed spans, for
// lightweight in-process debugging without an external OTel collector.
type Tracer struct {
	mu   sync.Mutex
	buf  []Span
	next int
	full bool
}

func NewTracer(capacity int) *Tracer {
	if capacity <= 0 {
		capacity = 256
	}
	return &Tracer{buf: make([]Span, capacity)}
}

// Start begins a span and returns a function that ends it and appends it
// to the ring buffer.
func (t *Tracer) Start(name string) func() {
	start := time.Now()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.buf[t.next] = Span{Name: name, Start: start, Duration: time.Since(start)}
		t.next = (t.next + 1) % len(t.buf)
		if t.next == 0 {
			t.full = true
		}
	}
}

// Recent returns the spans currently held, oldest first.
func (t *Tracer) Recent() []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		out := make([]Span, t.next)
		copy(out, t.buf[:t.next])
		return out
	}
	out := make([]Span, len(t.buf))
	copy(out, t.buf[t.next:])
	copy(out[len(t.buf)-t.next:], t.buf[:t.next])
	return out
}
