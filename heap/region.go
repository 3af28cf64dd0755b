// Package heap owns the region set and the allocation frontier: fixed
// size regions with bump-pointer cursors, a free list for recycling,
// and committed-size accounting against the configured maximum.
package heap

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"fenrir/config"
	"fenrir/gcerr"
	"fenrir/object"
	"fenrir/relocate"
)

// RegionType selects the backing region class by object size.
type RegionType int

const (
	// Small regions take objects up to the small threshold.
	Small RegionType = iota
	// Medium regions take objects up to the large threshold.
	Medium
	// Large regions hold exactly one object.
	Large
)

func (t RegionType) String() string {
	switch t {
	case Small:
		return "small"
	case Medium:
		return "medium"
	case Large:
		return "large"
	}
	return "unknown"
}

// RegionState is the lifecycle position of a region.
type RegionState int

const (
	// StateFree: empty, parked on the free list.
	StateFree RegionState = iota
	// StateAllocating: accepting new objects.
	StateAllocating
	// StateAllocated: sealed as an allocation target. In-flight
	// allocations racing the seal may still land; the region only stops
	// receiving objects once relocation condemns it.
	StateAllocated
	// StateRelocating: selected for evacuation, objects being copied out.
	StateRelocating
	// StateRelocated: fully evacuated, awaiting reset.
	StateRelocated
)

func (s RegionState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAllocating:
		return "allocating"
	case StateAllocated:
		return "allocated"
	case StateRelocating:
		return "relocating"
	case StateRelocated:
		return "relocated"
	}
	return "unknown"
}

var legalTransitions = map[RegionState][]RegionState{
	StateFree:       {StateAllocating},
	StateAllocating: {StateAllocated, StateRelocating},
	StateAllocated:  {StateRelocating, StateAllocating},
	StateRelocating: {StateRelocated},
	StateRelocated:  {StateFree},
}

// Generation places a region in the young or old space.
type Generation int

const (
	// Young holds freshly allocated objects.
	Young Generation = iota
	// Old holds objects promoted after surviving enough cycles.
	Old
)

func (g Generation) String() string {
	if g == Old {
		return "old"
	}
	return "young"
}

// Region is a fixed-size contiguous span with a bump-pointer cursor, a
// mark bitmap, and a lifecycle state. Allocation is lock-free; state
// changes take the state mutex.
type Region struct {
	start uintptr
	end   uintptr
	size  uintptr
	rtype RegionType
	gen   Generation

	top atomic.Uintptr

	stateMu sync.Mutex
	state   RegionState

	bitmap *MarkBitmap

	fwdMu sync.Mutex
	fwd   *relocate.ForwardingTable

	allocCount atomic.Uint64
	cycles     atomic.Uint64

	retryCeiling int
}

// NewRegion builds a region over [start, start+size). Size and start
// must be page aligned; a fresh region is Allocating with top == start.
func NewRegion(start uintptr, rtype RegionType, size uintptr, gen Generation, retryCeiling int) (*Region, error) {
	if size == 0 || size%config.PageSize != 0 {
		return nil, gcerr.New(gcerr.KindInvalidArgument,
			"region size %d is not a positive page multiple", size)
	}
	if start%config.PageSize != 0 {
		return nil, gcerr.New(gcerr.KindInvalidArgument,
			"region start %#x is not page aligned", start)
	}
	if retryCeiling < 1 {
		retryCeiling = 1
	}
	r := &Region{
		start:        start,
		end:          start + size,
		size:         size,
		rtype:        rtype,
		gen:          gen,
		state:        StateAllocating,
		bitmap:       NewMarkBitmap(start, size),
		retryCeiling: retryCeiling,
	}
	r.top.Store(start)
	return r, nil
}

// Allocate bumps the cursor by size rounded up to align and returns the
// aligned address. The CAS loop is bounded; losing the race retries
// with the observed top. Alignment must be a power of two. Sealed
// (Allocated) regions still serve allocations that raced the seal;
// only relocation states refuse.
func (r *Region) Allocate(size uintptr, align uintptr) (uintptr, error) {
	if size == 0 {
		return 0, gcerr.New(gcerr.KindInvalidArgument, "zero-size allocation")
	}
	if align == 0 || bits.OnesCount64(uint64(align)) != 1 {
		return 0, gcerr.New(gcerr.KindInvalidArgument,
			"alignment %d is not a power of two", align)
	}
	if st := r.State(); st != StateAllocating && st != StateAllocated {
		return 0, gcerr.New(gcerr.KindInvalidState,
			"allocate in %s region", st)
	}

	cur := r.top.Load()
	for i := 0; i < r.retryCeiling; i++ {
		addr := alignUp(cur, align)
		if addr < cur { // overflow
			return 0, gcerr.New(gcerr.KindInternal, "allocation cursor overflow")
		}
		rounded := alignUp(size, align)
		newTop := addr + rounded
		if newTop < addr { // overflow
			return 0, gcerr.New(gcerr.KindInternal, "allocation size overflow")
		}
		if newTop > r.end {
			avail := uint64(0)
			if addr < r.end {
				avail = uint64(r.end - addr)
			}
			return 0, gcerr.OutOfMemory(uint64(rounded), avail)
		}
		if r.top.CompareAndSwap(cur, newTop) {
			r.allocCount.Add(1)
			return addr, nil
		}
		cur = r.top.Load()
	}
	return 0, gcerr.New(gcerr.KindStarvation,
		"region allocate exceeded %d retries", r.retryCeiling)
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// Reset recycles the region: it refuses (invalid state, region
// untouched) while any mark bit is still set, because set bits mean
// live objects that were never relocated. On success top returns to
// start, the bitmap is zero, and the region is Free.
func (r *Region) Reset() error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.bitmap.AnySet() {
		return gcerr.New(gcerr.KindInvalidState,
			"reset of region %#x with %d live objects", r.start, r.bitmap.CountMarked())
	}
	r.top.Store(r.start)
	r.allocCount.Store(0)
	r.state = StateFree
	r.cycles.Add(1)
	return nil
}

// TransitionTo moves the region through its lifecycle, rejecting moves
// the lifecycle does not allow.
func (r *Region) TransitionTo(next RegionState) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	for _, allowed := range legalTransitions[r.state] {
		if allowed == next {
			r.state = next
			return nil
		}
	}
	return gcerr.New(gcerr.KindInvalidState,
		"region %#x: %s -> %s not allowed", r.start, r.state, next)
}

// State returns the current lifecycle state.
func (r *Region) State() RegionState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// MarkObject sets the live bit for the object at addr.
func (r *Region) MarkObject(addr uintptr) { r.bitmap.Mark(addr) }

// IsObjectMarked reports the live bit for addr.
func (r *Region) IsObjectMarked(addr uintptr) bool { return r.bitmap.IsMarked(addr) }

// ClearMarks zeroes the mark bitmap. Called after evacuation or at the
// end of a cycle for regions that were fully processed.
func (r *Region) ClearMarks() { r.bitmap.Clear() }

// Bitmap exposes the mark bitmap for the relocation walker.
func (r *Region) Bitmap() *MarkBitmap { return r.bitmap }

// SetupForwarding creates the forwarding table when the region enters
// relocation.
func (r *Region) SetupForwarding() *relocate.ForwardingTable {
	r.fwdMu.Lock()
	defer r.fwdMu.Unlock()
	if r.fwd == nil {
		r.fwd = relocate.NewForwardingTable(r.start, r.size)
	}
	return r.fwd
}

// Forwarding returns the active forwarding table, or nil outside a
// relocation.
func (r *Region) Forwarding() *relocate.ForwardingTable {
	r.fwdMu.Lock()
	defer r.fwdMu.Unlock()
	return r.fwd
}

// DropForwarding clears and detaches the table once relocation for the
// cycle completes.
func (r *Region) DropForwarding() {
	r.fwdMu.Lock()
	defer r.fwdMu.Unlock()
	if r.fwd != nil {
		r.fwd.Clear()
		r.fwd = nil
	}
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uintptr) bool { return addr >= r.start && addr < r.end }

// Start returns the first address.
func (r *Region) Start() uintptr { return r.start }

// End returns the exclusive end address.
func (r *Region) End() uintptr { return r.end }

// Size returns the region size in bytes.
func (r *Region) Size() uintptr { return r.size }

// Type returns the region class.
func (r *Region) Type() RegionType { return r.rtype }

// Generation returns young or old.
func (r *Region) Generation() Generation { return r.gen }

// Used returns bytes consumed by the cursor.
func (r *Region) Used() uintptr { return r.top.Load() - r.start }

// Remaining returns bytes left before the cursor hits the end.
func (r *Region) Remaining() uintptr { return r.end - r.top.Load() }

// IsFull reports a cursor at the end.
func (r *Region) IsFull() bool { return r.Remaining() == 0 }

// AllocCount returns the number of objects allocated since the last
// reset.
func (r *Region) AllocCount() uint64 { return r.allocCount.Load() }

// GarbageRatio reports the dead fraction of the used space. Live bytes
// come from the headers of bitmap-marked objects, so a region full of
// live objects reports zero regardless of object size.
func (r *Region) GarbageRatio() float64 {
	used := r.Used()
	if used == 0 {
		return 0
	}
	var live uintptr
	r.bitmap.ForEachMarked(func(addr uintptr) bool {
		live += alignUp(uintptr(object.At(addr).Size()), object.Alignment)
		return true
	})
	if live >= used {
		return 0
	}
	return float64(used-live) / float64(used)
}

// LiveObjects walks the mark bitmap and reports each live object start.
func (r *Region) LiveObjects(fn func(addr uintptr, h *object.Header) bool) {
	r.bitmap.ForEachMarked(func(addr uintptr) bool {
		return fn(addr, object.At(addr))
	})
}
