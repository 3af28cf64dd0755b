package vmem

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"fenrir/gcerr"
)

// PageSize is the commit granularity.
const PageSize = 4096

// reserveHintBase keeps reservations inside the low 44 bits of the
// address space, where colored pointers can encode them. Successive
// reservations walk upward from here.
const reserveHintBase uintptr = 0x0000_0400_0000_0000 // 1<<42

var nextHint atomic.Uintptr

// Range is a half-open committed byte range [Offset, Offset+Size).
type Range struct {
	Offset uint64
	Size   uint64
}

// End returns the exclusive end offset.
func (r Range) End() uint64 { return r.Offset + r.Size }

// VirtualMemory owns one reserved mapping. Reserve gives back an
// address range with no access rights; Commit flips pages readable and
// writable; Uncommit returns them to the OS.
type VirtualMemory struct {
	mapping []byte
	hinted  bool // mapped via MmapPtr; released via MunmapPtr

	mu        sync.Mutex
	committed []Range // sorted, non-overlapping
	bytes     uint64
	released  bool
}

// Reserve maps size bytes of inaccessible anonymous memory.
func Reserve(size uint64) (*VirtualMemory, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, gcerr.New(gcerr.KindInvalidArgument,
			"reservation size %d is not a positive page multiple", size)
	}
	if data, ok := reserveAtHint(size); ok {
		return &VirtualMemory{mapping: data, hinted: true}, nil
	}
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, gcerr.Wrap(gcerr.KindVirtualMemory, err, "reserve %d bytes", size)
	}
	return &VirtualMemory{mapping: data}, nil
}

// reserveHintAttempts bounds the walk over candidate hint addresses
// before Reserve falls back to a kernel-chosen mapping.
const reserveHintAttempts = 16

// reserveAtHint asks for a deterministic address below the
// colored-pointer limit, walking the hint upward past occupied ranges.
// Only after every attempt collides does Reserve fall back to a
// kernel-chosen address, which callers with address-range requirements
// must validate themselves.
func reserveAtHint(size uint64) ([]byte, bool) {
	span := uintptr(AlignToPage(size)) + PageSize
	for i := 0; i < reserveHintAttempts; i++ {
		addr := reserveHintBase + nextHint.Add(span) - span
		p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), uintptr(size),
			unix.PROT_NONE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED_NOREPLACE)
		if err != nil {
			continue
		}
		return unsafe.Slice((*byte)(p), size), true
	}
	return nil, false
}

// Base returns the start address of the reservation.
func (v *VirtualMemory) Base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(v.mapping)))
}

// ReservedSize returns the total reserved bytes.
func (v *VirtualMemory) ReservedSize() uint64 { return uint64(len(v.mapping)) }

// CommittedSize returns the bytes currently committed.
func (v *VirtualMemory) CommittedSize() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bytes
}

// AvailableSize returns reserved minus committed bytes.
func (v *VirtualMemory) AvailableSize() uint64 {
	return v.ReservedSize() - v.CommittedSize()
}

// Commit makes [offset, offset+size) readable and writable. Both bounds
// must be page aligned and inside the reservation. Committing an already
// committed page is harmless.
func (v *VirtualMemory) Commit(offset, size uint64) error {
	if err := v.checkRange(offset, size); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.released {
		return gcerr.New(gcerr.KindInvalidState, "commit after release")
	}
	if err := unix.Mprotect(v.mapping[offset:offset+size], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return gcerr.Wrap(gcerr.KindVirtualMemory, err, "commit [%d,%d)", offset, offset+size)
	}
	v.insert(Range{Offset: offset, Size: size})
	return nil
}

// Uncommit revokes access to [offset, offset+size) and tells the OS the
// pages are disposable. Uncommitting pages that were never committed is
// harmless.
func (v *VirtualMemory) Uncommit(offset, size uint64) error {
	if err := v.checkRange(offset, size); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.released {
		return gcerr.New(gcerr.KindInvalidState, "uncommit after release")
	}
	seg := v.mapping[offset : offset+size]
	if err := unix.Madvise(seg, unix.MADV_DONTNEED); err != nil {
		return gcerr.Wrap(gcerr.KindVirtualMemory, err, "madvise [%d,%d)", offset, offset+size)
	}
	if err := unix.Mprotect(seg, unix.PROT_NONE); err != nil {
		return gcerr.Wrap(gcerr.KindVirtualMemory, err, "uncommit [%d,%d)", offset, offset+size)
	}
	v.remove(Range{Offset: offset, Size: size})
	return nil
}

// IsCommitted reports whether the page containing offset is committed.
func (v *VirtualMemory) IsCommitted(offset uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.committed {
		if offset >= r.Offset && offset < r.End() {
			return true
		}
	}
	return false
}

// CommittedRanges returns a copy of the committed-range ledger.
func (v *VirtualMemory) CommittedRanges() []Range {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Range, len(v.committed))
	copy(out, v.committed)
	return out
}

// Release unmaps the whole reservation. The VirtualMemory is unusable
// afterwards.
func (v *VirtualMemory) Release() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.released {
		return nil
	}
	v.released = true
	v.committed = nil
	v.bytes = 0
	var err error
	if v.hinted {
		err = unix.MunmapPtr(unsafe.Pointer(unsafe.SliceData(v.mapping)), uintptr(len(v.mapping)))
	} else {
		err = unix.Munmap(v.mapping)
	}
	if err != nil {
		return gcerr.Wrap(gcerr.KindVirtualMemory, err, "release")
	}
	v.mapping = nil
	return nil
}

func (v *VirtualMemory) checkRange(offset, size uint64) error {
	if size == 0 || offset%PageSize != 0 || size%PageSize != 0 {
		return gcerr.New(gcerr.KindInvalidArgument,
			"range [%d,+%d) is not page aligned", offset, size)
	}
	end := offset + size
	if end < offset || end > uint64(len(v.mapping)) {
		return gcerr.OutOfBounds(end, uint64(len(v.mapping)))
	}
	return nil
}

// insert merges the range into the sorted ledger. Caller holds mu.
func (v *VirtualMemory) insert(nr Range) {
	merged := make([]Range, 0, len(v.committed)+1)
	for _, r := range v.committed {
		if r.End() < nr.Offset || nr.End() < r.Offset {
			merged = append(merged, r)
			continue
		}
		// Overlapping or adjacent: widen nr.
		if r.Offset < nr.Offset {
			nr.Size += nr.Offset - r.Offset
			nr.Offset = r.Offset
		}
		if r.End() > nr.End() {
			nr.Size = r.End() - nr.Offset
		}
	}
	merged = append(merged, nr)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Offset < merged[j].Offset })
	v.committed = merged
	v.bytes = 0
	for _, r := range merged {
		v.bytes += r.Size
	}
}

// remove cuts the range out of the ledger. Caller holds mu.
func (v *VirtualMemory) remove(dr Range) {
	out := make([]Range, 0, len(v.committed)+1)
	for _, r := range v.committed {
		if r.End() <= dr.Offset || dr.End() <= r.Offset {
			out = append(out, r)
			continue
		}
		if r.Offset < dr.Offset {
			out = append(out, Range{Offset: r.Offset, Size: dr.Offset - r.Offset})
		}
		if r.End() > dr.End() {
			out = append(out, Range{Offset: dr.End(), Size: r.End() - dr.End()})
		}
	}
	v.committed = out
	v.bytes = 0
	for _, r := range out {
		v.bytes += r.Size
	}
}

// AlignToPage rounds address up to the next page boundary.
func AlignToPage(address uint64) uint64 {
	return (address + PageSize - 1) &^ uint64(PageSize-1)
}

// BytesToPages converts a byte count to whole pages, rounding up.
func BytesToPages(bytes uint64) uint64 {
	return (bytes + PageSize - 1) / PageSize
}
