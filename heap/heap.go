package heap

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"fenrir/barrier"
	"fenrir/config"
	"fenrir/gcerr"
	"fenrir/infra/vmem"
	"fenrir/mem"
)

// Heap owns the reserved address range and the region set. Region
// acquisition recycles the free list before committing new memory, and
// the committed-size counter is advanced by CAS so concurrent
// allocators can never jointly exceed the configured maximum.
type Heap struct {
	cfg config.Config
	vm  *vmem.VirtualMemory

	// carve frontier into the reservation; only advances.
	nextOffset atomic.Uint64
	committed  atomic.Uint64

	mu     sync.RWMutex
	active []*Region
	free   []*Region

	// current allocation regions, refilled under allocMu.
	allocMu sync.Mutex
	small   *Region
	medium  *Region

	tlabMu     sync.Mutex
	tlabRegion *Region

	// color selects the cycle's live mark bit: false=marked0, true=marked1.
	color atomic.Bool

	closed atomic.Bool
}

// New reserves cfg.MaxHeapSize of address space and returns an empty
// heap. Nothing is committed until regions are acquired.
func New(cfg config.Config) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reserve := vmem.AlignToPage(cfg.MaxHeapSize)
	vm, err := vmem.Reserve(reserve)
	if err != nil {
		return nil, gcerr.Wrap(gcerr.KindVirtualMemory, err, "reserve heap")
	}
	if err := checkColoredRange(vm.Base(), vm.ReservedSize()); err != nil {
		_ = vm.Release()
		return nil, err
	}
	return &Heap{cfg: cfg, vm: vm}, nil
}

// checkColoredRange rejects reservations the colored pointer cannot
// encode. A kernel-chosen mapping can land above the 44-bit address
// field; encoding such an address would silently truncate it, so the
// heap refuses the reservation outright.
func checkColoredRange(base uintptr, size uint64) error {
	end := uint64(base) + size - 1
	if end < uint64(base) || end > barrier.AddressMask {
		return gcerr.New(gcerr.KindVirtualMemory,
			"reservation [%#x,%#x] exceeds the colored-pointer address range", base, end)
	}
	return nil
}

// Close releases the reservation. The heap is unusable afterwards.
func (h *Heap) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.vm.Release()
}

// Config returns the construction options.
func (h *Heap) Config() config.Config { return h.cfg }

// Base returns the reservation base address.
func (h *Heap) Base() uintptr { return h.vm.Base() }

// MaxSize returns the configured commit limit.
func (h *Heap) MaxSize() uint64 { return h.cfg.MaxHeapSize }

// CommittedSize returns bytes currently committed to regions.
func (h *Heap) CommittedSize() uint64 { return h.committed.Load() }

// Span returns the whole reserved range for pointer validation.
func (h *Heap) Span() mem.Span {
	return mem.Span{Base: h.vm.Base(), Size: uintptr(h.vm.ReservedSize())}
}

// Contains reports whether addr lies inside the reservation.
func (h *Heap) Contains(addr uintptr) bool {
	base := h.vm.Base()
	return addr >= base && addr < base+uintptr(h.vm.ReservedSize())
}

// regionSizeFor maps an object size to its region class and size.
func (h *Heap) regionSizeFor(size uintptr) (RegionType, uintptr) {
	switch {
	case uint64(size) <= h.cfg.SmallThreshold:
		return Small, uintptr(h.cfg.SmallRegionSize)
	case uint64(size) <= h.cfg.LargeThreshold:
		return Medium, uintptr(h.cfg.MediumRegionSize)
	default:
		return Large, uintptr(vmem.AlignToPage(uint64(size)))
	}
}

// AllocateRegion hands out a region of the given type and generation,
// recycling a free region of matching shape before committing new
// memory. sizeHint matters only for Large regions.
func (h *Heap) AllocateRegion(rtype RegionType, gen Generation, sizeHint uintptr) (*Region, error) {
	if r := h.takeFree(rtype, gen, sizeHint); r != nil {
		if err := r.TransitionTo(StateAllocating); err != nil {
			return nil, err
		}
		return r, nil
	}

	var size uintptr
	switch rtype {
	case Small:
		size = uintptr(h.cfg.SmallRegionSize)
	case Medium:
		size = uintptr(h.cfg.MediumRegionSize)
	default:
		size = uintptr(vmem.AlignToPage(uint64(sizeHint)))
		if size == 0 {
			return nil, gcerr.New(gcerr.KindInvalidArgument, "large region needs a size hint")
		}
	}

	if err := h.reserveCommitBudget(uint64(size)); err != nil {
		return nil, err
	}
	offset, err := h.carve(uint64(size))
	if err != nil {
		h.committed.Add(^uint64(size - 1)) // refund
		return nil, err
	}
	if err := h.vm.Commit(offset, uint64(size)); err != nil {
		h.committed.Add(^uint64(size - 1))
		return nil, err
	}
	r, err := NewRegion(h.vm.Base()+uintptr(offset), rtype, size, gen, h.cfg.RetryCeiling)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.active = append(h.active, r)
	h.mu.Unlock()
	return r, nil
}

// reserveCommitBudget advances the committed counter by size with a
// bounded, overflow-checked CAS loop against the configured maximum.
func (h *Heap) reserveCommitBudget(size uint64) error {
	for i := 0; i < h.cfg.RetryCeiling; i++ {
		cur := h.committed.Load()
		next := cur + size
		if next < cur {
			return gcerr.New(gcerr.KindInternal, "committed size overflow")
		}
		if next > h.cfg.MaxHeapSize {
			return gcerr.OutOfMemory(size, h.cfg.MaxHeapSize-cur)
		}
		if h.committed.CompareAndSwap(cur, next) {
			return nil
		}
	}
	return gcerr.New(gcerr.KindStarvation,
		"committed-size accounting exceeded %d retries", h.cfg.RetryCeiling)
}

// carve takes the next size bytes of the reservation. The frontier only
// advances.
func (h *Heap) carve(size uint64) (uint64, error) {
	for i := 0; i < h.cfg.RetryCeiling; i++ {
		cur := h.nextOffset.Load()
		next := cur + size
		if next < cur || next > h.vm.ReservedSize() {
			return 0, gcerr.New(gcerr.KindResourceExhausted,
				"address space: need %d bytes past offset %d of %d", size, cur, h.vm.ReservedSize())
		}
		if h.nextOffset.CompareAndSwap(cur, next) {
			return cur, nil
		}
	}
	return 0, gcerr.New(gcerr.KindStarvation,
		"reservation carve exceeded %d retries", h.cfg.RetryCeiling)
}

func (h *Heap) takeFree(rtype RegionType, gen Generation, sizeHint uintptr) *Region {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, r := range h.free {
		if r.Type() != rtype || r.Generation() != gen {
			continue
		}
		if rtype == Large && r.Size() < sizeHint {
			continue
		}
		h.free = append(h.free[:i], h.free[i+1:]...)
		h.active = append(h.active, r)
		return r
	}
	return nil
}

// ReturnRegion resets an evacuated region and parks it on the free
// list. Reset refuses while live bits remain; the error propagates.
func (h *Heap) ReturnRegion(r *Region) error {
	if err := r.Reset(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, a := range h.active {
		if a == r {
			h.active = append(h.active[:i], h.active[i+1:]...)
			break
		}
	}
	h.free = append(h.free, r)
	return nil
}

// AllocateRaw bump-allocates size bytes with the given alignment from a
// region of the matching class, acquiring a fresh region when the
// current one fills.
func (h *Heap) AllocateRaw(size uintptr, align uintptr) (uintptr, error) {
	rtype, _ := h.regionSizeFor(size)
	if rtype == Large {
		r, err := h.AllocateRegion(Large, Young, size)
		if err != nil {
			return 0, err
		}
		return r.Allocate(size, align)
	}

	cur := h.currentRegion(rtype)
	if cur != nil {
		if addr, err := cur.Allocate(size, align); err == nil {
			return addr, nil
		} else if !gcerr.Recoverable(err) {
			return 0, err
		}
	}

	h.allocMu.Lock()
	defer h.allocMu.Unlock()
	// Another thread may have refilled while we waited.
	cur = h.currentRegionLocked(rtype)
	if cur != nil {
		if addr, err := cur.Allocate(size, align); err == nil {
			return addr, nil
		}
	}
	if cur != nil {
		_ = cur.TransitionTo(StateAllocated)
	}
	fresh, err := h.AllocateRegion(rtype, Young, 0)
	if err != nil {
		return 0, err
	}
	h.setCurrentLocked(rtype, fresh)
	return fresh.Allocate(size, align)
}

func (h *Heap) currentRegion(rtype RegionType) *Region {
	h.allocMu.Lock()
	defer h.allocMu.Unlock()
	return h.currentRegionLocked(rtype)
}

func (h *Heap) currentRegionLocked(rtype RegionType) *Region {
	if rtype == Small {
		return h.small
	}
	return h.medium
}

func (h *Heap) setCurrentLocked(rtype RegionType, r *Region) {
	if rtype == Small {
		h.small = r
	} else {
		h.medium = r
	}
}

// AllocateTLABMemory grants word-aligned TLAB backing memory.
func (h *Heap) AllocateTLABMemory(size uintptr) (uintptr, error) {
	return h.AllocateTLABMemoryAligned(size, mem.WordSize)
}

// AllocateTLABMemoryAligned grants TLAB backing memory at the requested
// alignment. A non-power-of-two alignment is a TLAB error.
func (h *Heap) AllocateTLABMemoryAligned(size uintptr, align uintptr) (uintptr, error) {
	if align == 0 || bits.OnesCount64(uint64(align)) != 1 {
		return 0, gcerr.New(gcerr.KindTLAB, "alignment %d is not a power of two", align)
	}
	if size == 0 {
		return 0, gcerr.New(gcerr.KindTLAB, "zero-size tlab request")
	}

	h.tlabMu.Lock()
	defer h.tlabMu.Unlock()
	if h.tlabRegion != nil {
		if addr, err := h.tlabRegion.Allocate(size, align); err == nil {
			return addr, nil
		}
	}
	rtype := Small
	if uint64(size)+uint64(align) > h.cfg.SmallRegionSize {
		rtype = Medium
	}
	if h.tlabRegion != nil {
		_ = h.tlabRegion.TransitionTo(StateAllocated)
	}
	fresh, err := h.AllocateRegion(rtype, Young, 0)
	if err != nil {
		return 0, gcerr.Wrap(gcerr.KindTLAB, err, "acquire tlab backing region")
	}
	h.tlabRegion = fresh
	return fresh.Allocate(size, align)
}

// SealCurrentRegions closes the current allocation and TLAB backing
// regions so a relocation pass can consider them. The next allocation
// acquires fresh regions.
func (h *Heap) SealCurrentRegions() {
	h.allocMu.Lock()
	if h.small != nil {
		_ = h.small.TransitionTo(StateAllocated)
		h.small = nil
	}
	if h.medium != nil {
		_ = h.medium.TransitionTo(StateAllocated)
		h.medium = nil
	}
	h.allocMu.Unlock()

	h.tlabMu.Lock()
	if h.tlabRegion != nil {
		_ = h.tlabRegion.TransitionTo(StateAllocated)
		h.tlabRegion = nil
	}
	h.tlabMu.Unlock()
}

// RegionFor returns the region containing addr, if any.
func (h *Heap) RegionFor(addr uintptr) *Region {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.active {
		if r.Contains(addr) {
			return r
		}
	}
	return nil
}

// ActiveRegions snapshots the active set.
func (h *Heap) ActiveRegions() []*Region {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Region, len(h.active))
	copy(out, h.active)
	return out
}

// FreeRegionCount returns the free-list length.
func (h *Heap) FreeRegionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.free)
}

// RegionsByGeneration snapshots active regions of one generation.
func (h *Heap) RegionsByGeneration(gen Generation) []*Region {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Region
	for _, r := range h.active {
		if r.Generation() == gen {
			out = append(out, r)
		}
	}
	return out
}

// FlipMarkBits flips the cycle color at the start of a new GC cycle.
// Only the collector flips, inside its pause, so a plain toggle
// suffices.
func (h *Heap) FlipMarkBits() {
	h.color.Store(!h.color.Load())
}

// CurrentColor reports the cycle color: false selects marked0, true
// selects marked1.
func (h *Heap) CurrentColor() bool { return h.color.Load() }

// UsedBytes sums the cursor use of every active region.
func (h *Heap) UsedBytes() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var used uint64
	for _, r := range h.active {
		used += uint64(r.Used())
	}
	return used
}

// Stats is a point-in-time heap summary.
type Stats struct {
	Committed   uint64
	Max         uint64
	Used        uint64
	ActiveCount int
	FreeCount   int
}

// GetStats snapshots the heap counters.
func (h *Heap) GetStats() Stats {
	h.mu.RLock()
	active, free := len(h.active), len(h.free)
	h.mu.RUnlock()
	return Stats{
		Committed:   h.CommittedSize(),
		Max:         h.MaxSize(),
		Used:        h.UsedBytes(),
		ActiveCount: active,
		FreeCount:   free,
	}
}
