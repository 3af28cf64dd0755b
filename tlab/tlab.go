// Package tlab implements thread-local allocation buffers: private
// bump-pointer spans granted by the heap so the common allocation path
// never takes a lock, plus the manager that sizes and refills them.
package tlab

import (
	"sync/atomic"

	"fenrir/gcerr"
)

// allocRetryLimit bounds the bump CAS loop. The buffer has one owner,
// so in practice a single iteration wins; the bound guards against a
// retire racing an allocation.
const allocRetryLimit = 64

// TLAB is one thread's private allocation buffer. Allocate is called
// only by the owner; Retire and the statistics accessors may be called
// from the manager concurrently.
type TLAB struct {
	owner uint64
	start uintptr
	end   uintptr
	align uintptr

	top atomic.Uintptr

	allocated  atomic.Uint64
	allocCount atomic.Uint64
	retired    atomic.Bool

	created int64 // unix nanos, set once
}

// New builds a buffer over [start, start+size). align must be a power
// of two.
func New(owner uint64, start, size, align uintptr, createdUnixNano int64) (*TLAB, error) {
	if start == 0 || size == 0 {
		return nil, gcerr.New(gcerr.KindInvalidArgument,
			"tlab span %#x+%d is empty", start, size)
	}
	if align == 0 || align&(align-1) != 0 {
		return nil, gcerr.New(gcerr.KindTLAB,
			"tlab alignment %d is not a power of two", align)
	}
	t := &TLAB{owner: owner, start: start, end: start + size, align: align, created: createdUnixNano}
	t.top.Store(start)
	return t, nil
}

// Allocate bumps the top pointer by the alignment-rounded size.
// Exhaustion and retirement are TLAB errors; the caller refills through
// the manager rather than treating them as heap exhaustion.
func (t *TLAB) Allocate(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, gcerr.New(gcerr.KindInvalidArgument, "zero-size allocation")
	}
	rounded := (size + t.align - 1) &^ (t.align - 1)
	if rounded < size {
		return 0, gcerr.New(gcerr.KindInvalidArgument, "allocation size %d overflows", size)
	}
	for i := 0; i < allocRetryLimit; i++ {
		if t.retired.Load() {
			return 0, gcerr.New(gcerr.KindTLAB, "tlab for thread %d is retired", t.owner)
		}
		top := t.top.Load()
		if t.end-top < rounded {
			return 0, gcerr.New(gcerr.KindTLAB,
				"tlab exhausted: need %d bytes, %d remaining", rounded, t.end-top)
		}
		if t.top.CompareAndSwap(top, top+rounded) {
			t.allocated.Add(uint64(rounded))
			t.allocCount.Add(1)
			return top, nil
		}
	}
	return 0, gcerr.New(gcerr.KindStarvation,
		"tlab bump exceeded %d retries", allocRetryLimit)
}

// Fits reports whether a request of the given size would succeed now.
func (t *TLAB) Fits(size uintptr) bool {
	rounded := (size + t.align - 1) &^ (t.align - 1)
	return !t.retired.Load() && t.Remaining() >= rounded
}

// Owner returns the owning thread ID.
func (t *TLAB) Owner() uint64 { return t.owner }

// Size returns the buffer capacity.
func (t *TLAB) Size() uintptr { return t.end - t.start }

// Used returns the bytes bumped so far.
func (t *TLAB) Used() uintptr { return t.top.Load() - t.start }

// Remaining returns the bytes left.
func (t *TLAB) Remaining() uintptr { return t.end - t.top.Load() }

// Utilization returns used/capacity in [0, 1].
func (t *TLAB) Utilization() float64 {
	return float64(t.Used()) / float64(t.Size())
}

// AllocatedBytes returns the lifetime allocation volume.
func (t *TLAB) AllocatedBytes() uint64 { return t.allocated.Load() }

// AllocationCount returns the lifetime allocation count.
func (t *TLAB) AllocationCount() uint64 { return t.allocCount.Load() }

// Retire permanently stops allocation from this buffer.
func (t *TLAB) Retire() { t.retired.Store(true) }

// IsRetired reports whether the buffer was retired.
func (t *TLAB) IsRetired() bool { return t.retired.Load() }

// CreatedUnixNano returns the creation timestamp the manager recorded.
func (t *TLAB) CreatedUnixNano() int64 { return t.created }
