package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCycleMath(t *testing.T) {
	cs := CycleStats{
		PauseMarkStart:     100 * time.Microsecond,
		ConcurrentMark:     10 * time.Millisecond,
		PauseMarkEnd:       200 * time.Microsecond,
		PauseRelocateStart: 100 * time.Microsecond,
		ConcurrentRelocate: 5 * time.Millisecond,
	}
	if cs.TotalPause() != 400*time.Microsecond {
		t.Fatalf("pause = %v", cs.TotalPause())
	}
	if cs.TotalConcurrent() != 15*time.Millisecond {
		t.Fatalf("concurrent = %v", cs.TotalConcurrent())
	}
	if p := cs.PausePercent(); p <= 0 || p >= 5 {
		t.Fatalf("pause percent = %v", p)
	}
}

func TestCollectorLifecycle(t *testing.T) {
	c := NewCollector(4)

	if _, ok := c.EndCycle(); ok {
		t.Fatal("end without start must report false")
	}
	c.StartCycle(1, false)
	c.Update(func(cs *CycleStats) {
		cs.Reclaimed = 4096
		cs.ObjectsMarked = 10
		cs.PauseMarkStart = time.Millisecond
	})
	cur, ok := c.Current()
	if !ok || cur.CycleID != 1 {
		t.Fatal("current cycle missing")
	}
	done, ok := c.EndCycle()
	if !ok || !done.Completed || done.Failed {
		t.Fatalf("cycle = %+v", done)
	}

	agg := c.Aggregate()
	if agg.TotalCycles != 1 || agg.TotalReclaimed != 4096 || agg.TotalMarked != 10 {
		t.Fatalf("aggregate = %+v", agg)
	}
	if agg.PeakPause != time.Millisecond || agg.AvgPause != time.Millisecond {
		t.Fatalf("pause aggregate = %+v", agg)
	}
}

func TestHistoryBounded(t *testing.T) {
	c := NewCollector(3)
	for i := uint64(1); i <= 5; i++ {
		c.StartCycle(i, i%2 == 0)
		c.EndCycle()
	}
	h := c.History()
	if len(h) != 3 {
		t.Fatalf("history length = %d", len(h))
	}
	if h[0].CycleID != 3 || h[2].CycleID != 5 {
		t.Fatalf("history window wrong: %v %v", h[0].CycleID, h[2].CycleID)
	}
	if c.Aggregate().TotalCycles != 5 {
		t.Fatal("aggregates must outlive the history window")
	}
}

func TestFailedCycleCounted(t *testing.T) {
	c := NewCollector(0)
	c.StartCycle(1, false)
	c.Update(func(cs *CycleStats) {
		cs.Failed = true
		cs.Failure = "relocation failed"
	})
	done, _ := c.EndCycle()
	if done.Completed {
		t.Fatal("failed cycle must not complete")
	}
	if c.Aggregate().FailedCycles != 1 {
		t.Fatal("failure not aggregated")
	}
}

func TestMetricsObserveCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveCycle(CycleStats{
		Young:          true,
		Reclaimed:      2048,
		ObjectsMarked:  7,
		HeapUsedAfter:  1 << 20,
		HeapCommitted:  2 << 20,
		PauseMarkStart: time.Millisecond,
	})
	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("young", "completed")); got != 1 {
		t.Fatalf("cycles counter = %v", got)
	}
	if got := testutil.ToFloat64(m.ReclaimedBytes); got != 2048 {
		t.Fatalf("reclaimed counter = %v", got)
	}
	if got := testutil.ToFloat64(m.HeapUsedBytes); got != 1<<20 {
		t.Fatalf("heap used gauge = %v", got)
	}

	m.ObserveBarrier(100, 5, 3)
	if got := testutil.ToFloat64(m.BarrierSlowOps.WithLabelValues("heal")); got != 3 {
		t.Fatalf("heal counter = %v", got)
	}
}
