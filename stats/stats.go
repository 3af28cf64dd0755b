// Package stats aggregates collector telemetry: per-cycle statistics,
// a bounded history of recent cycles, and the Prometheus surface the
// process exports.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// defaultMaxHistory bounds the retained cycle history.
const defaultMaxHistory = 64

// CycleStats captures one collection cycle.
type CycleStats struct {
	CycleID uint64
	Young   bool

	// Stop-the-world and concurrent phase durations.
	PauseMarkStart     time.Duration
	ConcurrentMark     time.Duration
	PauseMarkEnd       time.Duration
	PauseRelocateStart time.Duration
	ConcurrentRelocate time.Duration

	HeapUsedBefore uint64
	HeapUsedAfter  uint64
	HeapCommitted  uint64
	Reclaimed      uint64

	ObjectsScanned   uint64
	ObjectsMarked    uint64
	ObjectsRelocated uint64
	ObjectsPromoted  uint64

	Workers   int
	Completed bool
	Failed    bool
	Failure   string
}

// TotalPause sums the stop-the-world phases.
func (c CycleStats) TotalPause() time.Duration {
	return c.PauseMarkStart + c.PauseMarkEnd + c.PauseRelocateStart
}

// TotalConcurrent sums the phases that ran alongside mutators.
func (c CycleStats) TotalConcurrent() time.Duration {
	return c.ConcurrentMark + c.ConcurrentRelocate
}

// Total returns the whole cycle duration.
func (c CycleStats) Total() time.Duration {
	return c.TotalPause() + c.TotalConcurrent()
}

// PausePercent returns the share of the cycle spent paused.
func (c CycleStats) PausePercent() float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	return float64(c.TotalPause()) / float64(total) * 100
}

// Aggregated summarizes all completed cycles.
type Aggregated struct {
	TotalCycles    uint64
	TotalPause     time.Duration
	PeakPause      time.Duration
	AvgPause       time.Duration
	TotalReclaimed uint64
	TotalMarked    uint64
	TotalRelocated uint64
	FailedCycles   uint64
}

// Collector tracks the in-flight cycle and a bounded ring of finished
// ones.
type Collector struct {
	mu         sync.RWMutex
	current    *CycleStats
	history    []CycleStats
	maxHistory int

	cycles    atomic.Uint64
	failed    atomic.Uint64
	pauseNS   atomic.Uint64
	peakNS    atomic.Uint64
	reclaimed atomic.Uint64
	marked    atomic.Uint64
	relocated atomic.Uint64
}

// NewCollector builds a collector keeping maxHistory finished cycles;
// zero means the default.
func NewCollector(maxHistory int) *Collector {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Collector{maxHistory: maxHistory}
}

// StartCycle opens a new cycle record, replacing any unfinished one.
func (c *Collector) StartCycle(id uint64, young bool) {
	c.mu.Lock()
	c.current = &CycleStats{CycleID: id, Young: young}
	c.mu.Unlock()
}

// Update mutates the in-flight record. No-op when no cycle is open.
func (c *Collector) Update(fn func(*CycleStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		fn(c.current)
	}
}

// Current returns a copy of the in-flight record.
func (c *Collector) Current() (CycleStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return CycleStats{}, false
	}
	return *c.current, true
}

// EndCycle finalizes the in-flight record, folds it into the aggregates
// and the history ring, and returns it.
func (c *Collector) EndCycle() (CycleStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return CycleStats{}, false
	}
	done := *c.current
	c.current = nil
	if !done.Failed {
		done.Completed = true
	}

	c.history = append(c.history, done)
	if len(c.history) > c.maxHistory {
		c.history = c.history[len(c.history)-c.maxHistory:]
	}

	c.cycles.Add(1)
	if done.Failed {
		c.failed.Add(1)
	}
	pause := uint64(done.TotalPause())
	c.pauseNS.Add(pause)
	for {
		peak := c.peakNS.Load()
		if pause <= peak || c.peakNS.CompareAndSwap(peak, pause) {
			break
		}
	}
	c.reclaimed.Add(done.Reclaimed)
	c.marked.Add(done.ObjectsMarked)
	c.relocated.Add(done.ObjectsRelocated)
	return done, true
}

// History returns the retained finished cycles, oldest first.
func (c *Collector) History() []CycleStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CycleStats, len(c.history))
	copy(out, c.history)
	return out
}

// Aggregate summarizes every finished cycle.
func (c *Collector) Aggregate() Aggregated {
	cycles := c.cycles.Load()
	agg := Aggregated{
		TotalCycles:    cycles,
		TotalPause:     time.Duration(c.pauseNS.Load()),
		PeakPause:      time.Duration(c.peakNS.Load()),
		TotalReclaimed: c.reclaimed.Load(),
		TotalMarked:    c.marked.Load(),
		TotalRelocated: c.relocated.Load(),
		FailedCycles:   c.failed.Load(),
	}
	if cycles > 0 {
		agg.AvgPause = agg.TotalPause / time.Duration(cycles)
	}
	return agg
}

// Reset drops all state, for tests and reinitialization.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.current = nil
	c.history = nil
	c.mu.Unlock()
	c.cycles.Store(0)
	c.failed.Store(0)
	c.pauseNS.Store(0)
	c.peakNS.Store(0)
	c.reclaimed.Store(0)
	c.marked.Store(0)
	c.relocated.Store(0)
}
