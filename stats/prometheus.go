package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus surface. One instance per process,
// registered against the registry the serving binary owns.
type Metrics struct {
	CyclesTotal     *prometheus.CounterVec
	PauseSeconds    prometheus.Histogram
	ReclaimedBytes  prometheus.Counter
	MarkedObjects   prometheus.Counter
	RelocatedTotal  prometheus.Counter
	PromotedTotal   prometheus.Counter
	HeapUsedBytes   prometheus.Gauge
	HeapCommitted   prometheus.Gauge
	AllocationRate  prometheus.Gauge
	BarrierFastHits prometheus.Counter
	BarrierSlowOps  *prometheus.CounterVec
	TLABRefills     prometheus.Counter

	registry prometheus.Registerer
}

// Registry returns the registerer these metrics were installed on, so
// callers can hang additional collectors off the same surface.
func (m *Metrics) Registry() prometheus.Registerer { return m.registry }

// NewMetrics builds and registers the metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registry: reg,
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fenrir",
			Name:      "gc_cycles_total",
			Help:      "Completed GC cycles by kind and outcome.",
		}, []string{"kind", "outcome"}),
		PauseSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fenrir",
			Name:      "gc_pause_seconds",
			Help:      "Total stop-the-world time per cycle.",
			Buckets:   prometheus.ExponentialBuckets(10e-6, 4, 10),
		}),
		ReclaimedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fenrir",
			Name:      "gc_reclaimed_bytes_total",
			Help:      "Bytes reclaimed by collection.",
		}),
		MarkedObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fenrir",
			Name:      "gc_marked_objects_total",
			Help:      "Objects marked live.",
		}),
		RelocatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fenrir",
			Name:      "gc_relocated_objects_total",
			Help:      "Objects copied during relocation.",
		}),
		PromotedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fenrir",
			Name:      "gc_promoted_objects_total",
			Help:      "Objects promoted to the old generation.",
		}),
		HeapUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fenrir",
			Name:      "heap_used_bytes",
			Help:      "Live bytes in active regions.",
		}),
		HeapCommitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fenrir",
			Name:      "heap_committed_bytes",
			Help:      "Committed heap memory.",
		}),
		AllocationRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fenrir",
			Name:      "allocation_rate_bytes_per_second",
			Help:      "Smoothed mutator allocation rate.",
		}),
		BarrierFastHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fenrir",
			Name:      "barrier_fast_hits_total",
			Help:      "Load-barrier fast-path hits.",
		}),
		BarrierSlowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fenrir",
			Name:      "barrier_slow_operations_total",
			Help:      "Load-barrier slow-path operations by kind.",
		}, []string{"kind"}),
		TLABRefills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fenrir",
			Name:      "tlab_refills_total",
			Help:      "TLAB refill operations.",
		}),
	}
	reg.MustRegister(
		m.CyclesTotal, m.PauseSeconds, m.ReclaimedBytes, m.MarkedObjects,
		m.RelocatedTotal, m.PromotedTotal, m.HeapUsedBytes, m.HeapCommitted,
		m.AllocationRate, m.BarrierFastHits, m.BarrierSlowOps, m.TLABRefills,
	)
	return m
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(cs CycleStats) {
	kind := "full"
	if cs.Young {
		kind = "young"
	}
	outcome := "completed"
	if cs.Failed {
		outcome = "failed"
	}
	m.CyclesTotal.WithLabelValues(kind, outcome).Inc()
	m.PauseSeconds.Observe(cs.TotalPause().Seconds())
	m.ReclaimedBytes.Add(float64(cs.Reclaimed))
	m.MarkedObjects.Add(float64(cs.ObjectsMarked))
	m.RelocatedTotal.Add(float64(cs.ObjectsRelocated))
	m.PromotedTotal.Add(float64(cs.ObjectsPromoted))
	m.HeapUsedBytes.Set(float64(cs.HeapUsedAfter))
	m.HeapCommitted.Set(float64(cs.HeapCommitted))
}

// ObserveBarrier folds barrier counter deltas in.
func (m *Metrics) ObserveBarrier(fastHits, slowMarks, slowHeals uint64) {
	m.BarrierFastHits.Add(float64(fastHits))
	m.BarrierSlowOps.WithLabelValues("mark").Add(float64(slowMarks))
	m.BarrierSlowOps.WithLabelValues("heal").Add(float64(slowHeals))
}
