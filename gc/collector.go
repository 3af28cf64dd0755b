package gc

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"fenrir/barrier"
	"fenrir/config"
	"fenrir/gcerr"
	"fenrir/heap"
	"fenrir/infra/gclog"
	"fenrir/marker"
	"fenrir/object"
	"fenrir/relocate"
	"fenrir/stats"
	"fenrir/tlab"
)

// Kind selects the cycle scope.
type Kind int

const (
	// Full collects both generations.
	Full Kind = iota
	// Young collects only young regions, seeded by roots, stacks, and
	// the remembered set.
	Young
)

func (k Kind) String() string {
	if k == Young {
		return "young"
	}
	return "full"
}

// Options carries the optional wiring of a Collector.
type Options struct {
	// History bounds the retained cycle records; zero means the default.
	History int
	// Metrics, when set, receives per-cycle observations.
	Metrics *stats.Metrics
	// Events, when set, receives cycle and phase log entries.
	Events *gclog.Log
	// TLABs, when set, is retired ahead of every relocation phase so no
	// bump frontier keeps moving inside condemned regions.
	TLABs *tlab.Manager
}

// Collector drives collection cycles. One cycle runs at a time; the
// mutator-facing barriers stay live between cycles.
type Collector struct {
	cfg  config.Config
	heap *heap.Heap

	queue     *marker.MarkQueue
	roots     *marker.RootRegistry
	stacks    *marker.StackScanner
	scanner   *marker.ObjectScanner
	validator *marker.ReferenceValidator

	loadBarrier  *barrier.LoadBarrier
	writeBarrier *barrier.WriteBarrier

	cycleStats *stats.Collector
	metrics    *stats.Metrics
	events     *gclog.Log
	tlabs      *tlab.Manager

	mu      sync.Mutex
	running atomic.Bool
	stopped atomic.Bool
	cycleID atomic.Uint64

	// last observed barrier counters, for metric deltas.
	lastFastHits  uint64
	lastSlowMarks uint64
	lastSlowHeals uint64
}

// NewCollector wires a collector over the heap. The collector itself
// resolves forwarding tables and generations for the barriers.
func NewCollector(h *heap.Heap, cfg config.Config, opts Options) *Collector {
	c := &Collector{
		cfg:        cfg,
		heap:       h,
		queue:      marker.NewMarkQueue(),
		roots:      marker.NewRootRegistry(h),
		stacks:     marker.NewStackScanner(h),
		scanner:    marker.NewObjectScanner(h),
		validator:  marker.NewReferenceValidator(h),
		cycleStats: stats.NewCollector(opts.History),
		metrics:    opts.Metrics,
		events:     opts.Events,
		tlabs:      opts.TLABs,
	}
	c.loadBarrier = barrier.NewLoadBarrier(c.queue, c, cfg.RetryCeiling)
	c.loadBarrier.SetColor(h.CurrentColor())
	c.writeBarrier = barrier.NewWriteBarrier(c, c.loadBarrier.StatsRef())
	return c
}

// ForwardingFor resolves the forwarding table covering addr for the
// load barrier's healing path.
func (c *Collector) ForwardingFor(addr uintptr) *relocate.ForwardingTable {
	if r := c.heap.RegionFor(addr); r != nil {
		return r.Forwarding()
	}
	return nil
}

// IsOldAddress reports whether addr lies in an old-generation region.
func (c *Collector) IsOldAddress(addr uintptr) bool {
	r := c.heap.RegionFor(addr)
	return r != nil && r.Generation() == heap.Old
}

// IsYoungAddress reports whether addr lies in a young-generation region.
func (c *Collector) IsYoungAddress(addr uintptr) bool {
	r := c.heap.RegionFor(addr)
	return r != nil && r.Generation() == heap.Young
}

// Barrier returns the load barrier mutator loads go through.
func (c *Collector) Barrier() *barrier.LoadBarrier { return c.loadBarrier }

// Writer returns the write barrier for reference stores.
func (c *Collector) Writer() *barrier.WriteBarrier { return c.writeBarrier }

// Roots returns the root registry.
func (c *Collector) Roots() *marker.RootRegistry { return c.roots }

// Stacks returns the stack scanner.
func (c *Collector) Stacks() *marker.StackScanner { return c.stacks }

// Scanner returns the object scanner, e.g. for layout registration.
func (c *Collector) Scanner() *marker.ObjectScanner { return c.scanner }

// CycleStats returns the per-cycle statistics collector.
func (c *Collector) CycleStats() *stats.Collector { return c.cycleStats }

// IsCollecting reports whether a cycle is in flight.
func (c *Collector) IsCollecting() bool { return c.running.Load() }

// Stop rejects further cycles and waits out the one in flight, so the
// heap can be torn down underneath the collector.
func (c *Collector) Stop() {
	c.stopped.Store(true)
	c.mu.Lock()
	//lint:ignore SA2001 the empty critical section is the wait
	c.mu.Unlock()
}

// NoteAllocation keeps objects born during marking alive for the
// cycle: they are marked on allocation instead of being traced.
func (c *Collector) NoteAllocation(addr uintptr) {
	if c.loadBarrier.Phase() != barrier.Marking {
		return
	}
	object.At(addr).SetMarked(c.heap.CurrentColor())
	if r := c.heap.RegionFor(addr); r != nil {
		r.MarkObject(addr)
	}
}

// Collect runs one cycle of the given kind. Cycles serialize; the
// caller blocks until the cycle finishes.
func (c *Collector) Collect(kind Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() {
		return gcerr.New(gcerr.KindInvalidState, "collector is stopped")
	}
	c.running.Store(true)
	defer c.running.Store(false)

	id := c.cycleID.Add(1)
	c.cycleStats.StartCycle(id, kind == Young)
	c.cycleStats.Update(func(cs *stats.CycleStats) {
		cs.Workers = c.cfg.Workers
		cs.HeapUsedBefore = c.heap.UsedBytes()
	})
	c.logEvent(gclog.EventCycleStart, id, kind.String())

	err := c.runCycle(id, kind)
	if err != nil {
		c.cycleStats.Update(func(cs *stats.CycleStats) {
			cs.Failed = true
			cs.Failure = err.Error()
		})
		c.logEvent(gclog.EventError, id, err.Error())
	}

	c.cycleStats.Update(func(cs *stats.CycleStats) {
		cs.HeapUsedAfter = c.heap.UsedBytes()
		cs.HeapCommitted = c.heap.CommittedSize()
	})
	done, _ := c.cycleStats.EndCycle()
	c.observeMetrics(done)
	c.logEvent(gclog.EventCycleEnd, id, done.Total().String())

	if err != nil {
		return gcerr.Wrap(gcerr.KindGCCycleFailed, err, "cycle %d (%s)", id, kind)
	}
	return nil
}

func (c *Collector) runCycle(id uint64, kind Kind) error {
	defer func() {
		c.loadBarrier.SetPhase(barrier.Idle)
		c.stacks.Clear()
	}()

	// Pause: mark start. Flip the color, clear last cycle's bitmaps,
	// and seed the wavefront from roots and stacks.
	t := time.Now()
	c.queue.Reopen()
	c.queue.Clear()
	c.scanner.ClearLayoutCache()
	for _, r := range c.heap.ActiveRegions() {
		r.ClearMarks()
	}
	c.heap.FlipMarkBits()
	c.loadBarrier.SetColor(c.heap.CurrentColor())
	c.loadBarrier.SetPhase(barrier.Marking)
	c.seedRoots(kind)
	c.cycleStats.Update(func(cs *stats.CycleStats) { cs.PauseMarkStart = time.Since(t) })
	c.logEvent(gclog.EventPhase, id, "marking")

	// Concurrent mark.
	t = time.Now()
	marked, scanned, err := c.trace(kind)
	if err != nil {
		return err
	}
	c.cycleStats.Update(func(cs *stats.CycleStats) { cs.ConcurrentMark = time.Since(t) })

	// Pause: mark end. Drain what the barrier discovered since the
	// workers went idle, then stop accepting mark work.
	t = time.Now()
	m2, s2, err := c.trace(kind)
	if err != nil {
		return err
	}
	c.queue.Close()
	c.cycleStats.Update(func(cs *stats.CycleStats) {
		cs.PauseMarkEnd = time.Since(t)
		cs.ObjectsMarked = marked + m2
		cs.ObjectsScanned = scanned + s2
	})

	if err := c.relocateCycle(id, kind); err != nil {
		return err
	}
	c.logEvent(gclog.EventPhase, id, "idle")
	return nil
}

// seedRoots pushes every reference reachable from registered roots and
// watermarked stacks; a young cycle additionally seeds from the
// remembered set.
func (c *Collector) seedRoots(kind Kind) int {
	n := 0
	c.roots.Scan(func(_ marker.RootType, ref uintptr) {
		if c.validator.IsValid(ref) && c.queue.Push(ref) {
			n++
		}
	})
	err := c.stacks.ScanAll(func(_ uint64, ref uintptr) {
		if c.validator.IsValid(ref) && c.queue.Push(ref) {
			n++
		}
	})
	if err != nil {
		log.Printf("gc: stack scan failed: %v", err)
	}
	if kind == Young {
		n += c.seedRemembered()
	}
	return n
}

// seedRemembered scans old objects carrying the remembered-set bit and
// pushes their young references, so a young cycle sees old-to-young
// edges without tracing the old space.
func (c *Collector) seedRemembered() int {
	n := 0
	for _, r := range c.heap.RegionsByGeneration(heap.Old) {
		c.walkRegion(r, func(addr uintptr, hdr *object.Header) {
			if !hdr.InRemSet() {
				return
			}
			refs, err := c.scanner.Scan(addr)
			if err != nil {
				return
			}
			for _, ref := range refs {
				if c.IsYoungAddress(ref) && c.validator.IsValid(ref) && c.queue.Push(ref) {
					n++
				}
			}
		})
	}
	return n
}

// walkRegion visits objects linearly from the region start to its
// cursor. The walk stops at the first word that cannot be a header,
// which in practice is the zero fill behind the last allocation.
func (c *Collector) walkRegion(r *heap.Region, fn func(addr uintptr, hdr *object.Header)) {
	end := r.Start() + r.Used()
	for addr := r.Start(); addr+object.HeaderSize <= end; {
		hdr := object.At(addr)
		size := uintptr(hdr.Size())
		if size < object.HeaderSize || addr+size > end {
			return
		}
		fn(addr, hdr)
		addr += alignUp(size, object.Alignment)
	}
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// localRingCapacity sizes each worker's private ring; overflow spills
// to the shared queue.
const localRingCapacity = 256

// trace drains the mark wavefront with the configured worker count.
// Each worker feeds from a private ring in front of the shared queue,
// pushing discovered references locally and spilling on overflow.
// Workers announce themselves in active before popping, so empty
// queues with a zero active count are a true termination condition: a
// non-empty private ring always belongs to a worker that will keep
// running until it drains.
func (c *Collector) trace(kind Kind) (marked, scanned uint64, err error) {
	var markedN, scannedN atomic.Uint64
	var active atomic.Int64
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var traceErr error

	workers := c.cfg.Workers
	for w := 0; w < workers; w++ {
		local, lerr := marker.NewLocalQueue(localRingCapacity, c.queue)
		if lerr != nil {
			return 0, 0, lerr
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				active.Add(1)
				addr, ok := local.Pop()
				if !ok {
					active.Add(-1)
					if local.IsEmpty() && active.Load() == 0 {
						return
					}
					errMu.Lock()
					failed := traceErr != nil
					errMu.Unlock()
					if failed {
						return
					}
					runtime.Gosched()
					continue
				}
				if err := c.traceObject(kind, addr, local, &markedN, &scannedN); err != nil {
					errMu.Lock()
					if traceErr == nil {
						traceErr = err
					}
					errMu.Unlock()
					active.Add(-1)
					return
				}
				active.Add(-1)
			}
		}()
	}
	wg.Wait()
	return markedN.Load(), scannedN.Load(), traceErr
}

// traceObject marks one object and pushes its outgoing references. The
// bitmap is the visited set; the check-then-mark race between workers
// is benign because a doubly-scanned object only re-pushes refs that
// the bitmap will then reject.
func (c *Collector) traceObject(kind Kind, addr uintptr, local *marker.LocalQueue, marked, scanned *atomic.Uint64) error {
	r := c.heap.RegionFor(addr)
	if r == nil {
		// Conservative candidate that missed every region.
		return nil
	}
	if kind == Young && r.Generation() == heap.Old {
		return nil
	}
	if r.IsObjectMarked(addr) {
		return nil
	}
	// A conservative candidate must look like an object before it may
	// enter the bitmap: a bogus header's size would otherwise send the
	// scanner far past the allocation.
	size := uintptr(object.At(addr).Size())
	if size < object.HeaderSize || addr+size > r.Start()+r.Used() {
		return nil
	}
	r.MarkObject(addr)
	object.At(addr).SetMarked(c.heap.CurrentColor())
	marked.Add(1)

	refs, err := c.scanner.Scan(addr)
	if err != nil {
		return gcerr.Wrap(gcerr.KindMarkingFailed, err, "trace %#x", addr)
	}
	scanned.Add(1)
	for _, ref := range refs {
		if c.validator.Validate(ref) != nil {
			continue
		}
		local.Push(ref)
	}
	return nil
}

func (c *Collector) observeMetrics(done stats.CycleStats) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveCycle(done)

	bs := c.loadBarrier.StatsRef()
	fast, marks, heals := bs.FastHits.Load(), bs.SlowMarks.Load(), bs.SlowHeals.Load()
	c.metrics.ObserveBarrier(fast-c.lastFastHits, marks-c.lastSlowMarks, heals-c.lastSlowHeals)
	c.lastFastHits, c.lastSlowMarks, c.lastSlowHeals = fast, marks, heals

	if c.tlabs != nil {
		c.metrics.AllocationRate.Set(c.tlabs.AllocationRate())
	}
}

func (c *Collector) logEvent(typ gclog.EventType, cycle uint64, detail string) {
	if c.events == nil {
		return
	}
	if err := c.events.Append(typ, cycle, detail); err != nil {
		log.Printf("gc: event log append failed: %v", err)
	}
}
