package gc

import (
	"sync/atomic"

	"fenrir/config"
	"fenrir/gcerr"
	"fenrir/heap"
	"fenrir/infra/gclog"
	"fenrir/marker"
	"fenrir/mem"
	"fenrir/object"
	"fenrir/stats"
	"fenrir/tlab"
)

// RuntimeOptions carries the optional wiring of a Runtime.
type RuntimeOptions struct {
	// Metrics, when set, receives GC and heap observations.
	Metrics *stats.Metrics
	// EventDir, when non-empty, enables the persistent GC event log.
	EventDir string
	// History bounds the retained cycle records; zero means the default.
	History int
}

// Runtime is the mutator-facing handle: allocation, roots, barriers,
// collection, teardown. Explicitly constructed and torn down; there
// are no process globals.
type Runtime struct {
	cfg       config.Config
	heap      *heap.Heap
	tlabs     *tlab.Manager
	collector *Collector
	adaptive  *heap.AdaptiveController
	events    *gclog.Log

	closed     atomic.Bool
	triggering atomic.Bool
}

// Init reserves the heap and wires the collector.
func Init(cfg config.Config, opts RuntimeOptions) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var events *gclog.Log
	if opts.EventDir != "" {
		ev, err := gclog.Open(gclog.Config{Dir: opts.EventDir})
		if err != nil {
			return nil, err
		}
		events = ev
	}
	h, err := heap.New(cfg)
	if err != nil {
		if events != nil {
			events.Close()
		}
		return nil, err
	}
	tl := tlab.NewManager(h, cfg)
	col := NewCollector(h, cfg, Options{
		History: opts.History,
		Metrics: opts.Metrics,
		Events:  events,
		TLABs:   tl,
	})
	return &Runtime{
		cfg:       cfg,
		heap:      h,
		tlabs:     tl,
		collector: col,
		adaptive:  heap.NewAdaptiveController(cfg.MinHeapSize, cfg.MaxHeapSize, cfg.MinHeapSize),
		events:    events,
	}, nil
}

// Allocate creates an object with a size-byte payload and returns its
// address. Small objects come from the thread's TLAB; larger ones go
// straight to the heap. A recoverable shortfall triggers one full
// collection before the allocation is retried.
func (r *Runtime) Allocate(threadID uint64, size uintptr) (uintptr, error) {
	if r.closed.Load() {
		return 0, gcerr.New(gcerr.KindInvalidState, "runtime is shut down")
	}
	if size == 0 {
		return 0, gcerr.New(gcerr.KindInvalidArgument, "zero-size allocation")
	}
	total := alignUp(object.HeaderSize+size, object.Alignment)

	addr, err := r.allocateRaw(threadID, total)
	if err != nil && (gcerr.Recoverable(err) || gcerr.KindOf(err) == gcerr.KindTLAB) {
		if cerr := r.Collect(Full); cerr == nil {
			addr, err = r.allocateRaw(threadID, total)
		}
	}
	if err != nil {
		return 0, err
	}
	if _, err := object.InitAt(addr, 0, uint64(total)); err != nil {
		return 0, err
	}
	r.collector.NoteAllocation(addr)
	r.adaptive.RecordAllocation(uint64(total))
	r.maybeTriggerGC()
	return addr, nil
}

// AllocateZeroed is Allocate with a zero-filled payload. Recycled
// regions hand out dirty memory, so callers that read before writing
// need this variant.
func (r *Runtime) AllocateZeroed(threadID uint64, size uintptr) (uintptr, error) {
	addr, err := r.Allocate(threadID, size)
	if err != nil {
		return 0, err
	}
	hdr := object.At(addr)
	if err := mem.Zero(r.heap.Span(), object.DataStart(addr), uintptr(hdr.DataSize())); err != nil {
		return 0, err
	}
	return addr, nil
}

func (r *Runtime) allocateRaw(threadID uint64, total uintptr) (uintptr, error) {
	if uint64(total) <= r.cfg.SmallThreshold {
		return r.tlabs.Allocate(threadID, total)
	}
	return r.heap.AllocateRaw(total, object.Alignment)
}

// RegisterRoot adds a root slot and returns its handle. The slot must
// hold the reference, live in heap-managed memory, and stay valid
// until unregistered.
func (r *Runtime) RegisterRoot(slot uintptr, rtype marker.RootType, name string) (uint64, error) {
	d, err := r.collector.Roots().Register(slot, rtype, name)
	if err != nil {
		return 0, err
	}
	return d.ID(), nil
}

// UnregisterRoot deactivates the root with the given handle.
func (r *Runtime) UnregisterRoot(id uint64) bool {
	return r.collector.Roots().Unregister(id)
}

// Heal runs the load barrier over slot and returns the current address
// of the referenced object.
func (r *Runtime) Heal(slot *atomic.Uint64) (uintptr, error) {
	p, err := r.collector.Barrier().Load(slot)
	if err != nil {
		return 0, err
	}
	return p.Address(), nil
}

// WriteBarrier records a reference store of value into a field of the
// object at holder, maintaining the remembered set.
func (r *Runtime) WriteBarrier(holder, value uintptr) {
	r.collector.Writer().OnStore(holder, value)
}

// SetStackWatermark snapshots a mutator thread's stack bounds for the
// next cycle's root scan.
func (r *Runtime) SetStackWatermark(threadID uint64, stackPointer, stackBase uintptr) error {
	return r.collector.Stacks().SetWatermark(threadID, stackPointer, stackBase)
}

// RegisterLayout memoizes the reference map for objects of the given
// total size, enabling precise scanning for that shape.
func (r *Runtime) RegisterLayout(size uint64, rm *object.ReferenceMap) {
	r.collector.Scanner().RegisterLayout(size, rm)
}

// Collect runs one blocking cycle of the given kind.
func (r *Runtime) Collect(kind Kind) error {
	if r.closed.Load() {
		return gcerr.New(gcerr.KindInvalidState, "runtime is shut down")
	}
	err := r.collector.Collect(kind)
	if last, ok := r.LastCycle(); ok {
		r.adaptive.RecordGC(last.Reclaimed)
	}
	return err
}

// maybeTriggerGC starts a young cycle in the background once heap
// occupancy crosses the configured trigger ratio.
func (r *Runtime) maybeTriggerGC() {
	committed := r.heap.CommittedSize()
	if committed == 0 || r.collector.IsCollecting() {
		return
	}
	if float64(r.heap.UsedBytes())/float64(committed) < r.cfg.GCTriggerRatio {
		return
	}
	if !r.triggering.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.triggering.Store(false)
		_ = r.Collect(Young)
	}()
}

// LastCycle returns the most recently finished cycle record.
func (r *Runtime) LastCycle() (stats.CycleStats, bool) {
	history := r.collector.CycleStats().History()
	if len(history) == 0 {
		return stats.CycleStats{}, false
	}
	return history[len(history)-1], true
}

// Diagnostics is a point-in-time health summary.
type Diagnostics struct {
	Heap            heap.Stats
	Cycles          stats.Aggregated
	AllocationRate  float64
	RecommendedHeap uint64
	ActiveTLABs     int
	ActiveRoots     int
	Collecting      bool
}

// Diagnostics snapshots runtime health for operators and tests.
func (r *Runtime) Diagnostics() Diagnostics {
	hs := r.heap.GetStats()
	return Diagnostics{
		Heap:            hs,
		Cycles:          r.collector.CycleStats().Aggregate(),
		AllocationRate:  r.tlabs.AllocationRate(),
		RecommendedHeap: r.adaptive.Recommend(hs.Used),
		ActiveTLABs:     r.tlabs.ActiveCount(),
		ActiveRoots:     r.collector.Roots().Stats().Active,
		Collecting:      r.collector.IsCollecting(),
	}
}

// Heap exposes the underlying heap.
func (r *Runtime) Heap() *heap.Heap { return r.heap }

// Collector exposes the cycle driver.
func (r *Runtime) Collector() *Collector { return r.collector }

// Shutdown waits out any in-flight cycle and releases the reservation.
// Idempotent; the runtime is unusable afterwards.
func (r *Runtime) Shutdown() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.collector.Stop()
	r.tlabs.RetireAll()

	var firstErr error
	if r.events != nil {
		firstErr = r.events.Close()
	}
	if err := r.heap.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
