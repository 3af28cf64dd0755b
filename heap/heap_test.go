package heap

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"fenrir/barrier"
	"fenrir/config"
	"fenrir/gcerr"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MinHeapSize = 64 * 1024
	cfg.MaxHeapSize = 8 * config.MiB
	cfg.SmallRegionSize = 64 * 1024
	cfg.MediumRegionSize = 256 * 1024
	return cfg
}

func newTestHeap(t *testing.T, cfg config.Config) *Heap {
	t.Helper()
	h, err := New(cfg)
	if err != nil {
		if errors.Is(err, gcerr.ErrVirtualMemory) {
			t.Skipf("no reservation inside the colored-pointer range: %v", err)
		}
		t.Fatalf("new heap: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestReservationMustFitColoredRange(t *testing.T) {
	if err := checkColoredRange(0x10000, config.MiB); err != nil {
		t.Fatalf("low reservation rejected: %v", err)
	}
	high := uintptr(barrier.AddressMask) + 1
	if err := checkColoredRange(high, config.MiB); !errors.Is(err, gcerr.ErrVirtualMemory) {
		t.Fatalf("reservation above the address field: %v", err)
	}
	straddle := uintptr(barrier.AddressMask) - uintptr(config.MiB) + 2
	if err := checkColoredRange(straddle, config.MiB); !errors.Is(err, gcerr.ErrVirtualMemory) {
		t.Fatalf("reservation straddling the limit: %v", err)
	}
}

func TestHeapOneMiBEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHeapSize = 1 * config.MiB
	h := newTestHeap(t, cfg)

	addr, err := h.AllocateRaw(512, 8)
	if err != nil {
		t.Fatalf("allocate 512: %v", err)
	}
	if addr%8 != 0 {
		t.Fatalf("address %#x not 8-byte aligned", addr)
	}

	remaining := h.MaxSize() - h.CommittedSize()
	_, err = h.AllocateRaw(uintptr(remaining)+1024, 8)
	if !errors.Is(err, gcerr.ErrOutOfMemory) {
		t.Fatalf("expected out-of-memory, got %v", err)
	}
	var e *gcerr.Error
	if !errors.As(err, &e) {
		t.Fatalf("error carries no kind: %v", err)
	}
}

func TestRegionTypeSelection(t *testing.T) {
	h := newTestHeap(t, testConfig())

	small, _ := h.regionSizeFor(uintptr(h.cfg.SmallThreshold))
	if small != Small {
		t.Fatalf("at small threshold: %v", small)
	}
	medium, _ := h.regionSizeFor(uintptr(h.cfg.SmallThreshold) + 1)
	if medium != Medium {
		t.Fatalf("above small threshold: %v", medium)
	}
	large, size := h.regionSizeFor(uintptr(h.cfg.LargeThreshold) + 1)
	if large != Large {
		t.Fatalf("above large threshold: %v", large)
	}
	if size%config.PageSize != 0 {
		t.Fatalf("large region size %d not page aligned", size)
	}
}

func TestFreeListRecycling(t *testing.T) {
	h := newTestHeap(t, testConfig())

	r, err := h.AllocateRegion(Small, Young, 0)
	if err != nil {
		t.Fatalf("allocate region: %v", err)
	}
	committed := h.CommittedSize()

	if err := r.TransitionTo(StateAllocated); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := r.TransitionTo(StateRelocating); err != nil {
		t.Fatalf("relocating: %v", err)
	}
	if err := r.TransitionTo(StateRelocated); err != nil {
		t.Fatalf("relocated: %v", err)
	}
	if err := h.ReturnRegion(r); err != nil {
		t.Fatalf("return: %v", err)
	}
	if h.FreeRegionCount() != 1 {
		t.Fatalf("free count = %d", h.FreeRegionCount())
	}

	r2, err := h.AllocateRegion(Small, Young, 0)
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if r2 != r {
		t.Fatal("free region was not recycled")
	}
	if h.CommittedSize() != committed {
		t.Fatal("recycling must not commit new memory")
	}
}

func TestCommittedNeverExceedsMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHeapSize = 512 * 1024 // room for 8 small regions
	h := newTestHeap(t, cfg)

	var wg sync.WaitGroup
	var okCount, oomCount sync.Map
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.AllocateRegion(Small, Young, 0)
			switch {
			case err == nil:
				okCount.Store(i, true)
			case errors.Is(err, gcerr.ErrOutOfMemory):
				oomCount.Store(i, true)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if h.CommittedSize() > h.MaxSize() {
		t.Fatalf("committed %d exceeds max %d", h.CommittedSize(), h.MaxSize())
	}
	ok := 0
	okCount.Range(func(any, any) bool { ok++; return true })
	if ok != 8 {
		t.Fatalf("expected exactly 8 region grants, got %d", ok)
	}
}

func TestAllocateTLABMemoryAligned(t *testing.T) {
	h := newTestHeap(t, testConfig())

	if _, err := h.AllocateTLABMemoryAligned(4096, 24); !errors.Is(err, gcerr.ErrTLAB) {
		t.Fatalf("non-power-of-two alignment: %v", err)
	}

	a, err := h.AllocateTLABMemoryAligned(4096, 64)
	if err != nil {
		t.Fatalf("tlab alloc: %v", err)
	}
	if a%64 != 0 {
		t.Fatalf("%#x not 64-aligned", a)
	}
	b, err := h.AllocateTLABMemoryAligned(4096, 64)
	if err != nil {
		t.Fatalf("tlab alloc: %v", err)
	}
	if b >= a && b < a+4096 || a >= b && a < b+4096 {
		t.Fatalf("tlab ranges overlap: %#x %#x", a, b)
	}
}

func TestConcurrentTLABGrantsDisjoint(t *testing.T) {
	h := newTestHeap(t, testConfig())
	const workers = 8
	type grant struct{ addr, size uintptr }
	out := make(chan grant, workers*16)
	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 16; i++ {
				addr, err := h.AllocateTLABMemory(2048)
				if err != nil {
					t.Errorf("tlab: %v", err)
					return
				}
				out <- grant{addr, 2048}
			}
		}()
	}
	wg.Wait()
	close(out)

	var grants []grant
	for g := range out {
		grants = append(grants, g)
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].addr < grants[j].addr })
	for i := 1; i < len(grants); i++ {
		prev := grants[i-1]
		if grants[i].addr < prev.addr+prev.size {
			t.Fatalf("tlab grants overlap at %#x", grants[i].addr)
		}
	}
}

func TestFlipMarkBitsTogglesColor(t *testing.T) {
	h := newTestHeap(t, testConfig())
	c := h.CurrentColor()
	h.FlipMarkBits()
	if h.CurrentColor() == c {
		t.Fatal("flip did not toggle color")
	}
	h.FlipMarkBits()
	if h.CurrentColor() != c {
		t.Fatal("double flip must restore color")
	}
}

func TestRegionForAndContains(t *testing.T) {
	h := newTestHeap(t, testConfig())
	addr, err := h.AllocateRaw(128, 8)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !h.Contains(addr) {
		t.Fatal("heap must contain allocated address")
	}
	r := h.RegionFor(addr)
	if r == nil || !r.Contains(addr) {
		t.Fatal("RegionFor failed")
	}
	if h.RegionFor(h.Base()+uintptr(h.vm.ReservedSize())) != nil {
		t.Fatal("RegionFor outside heap must be nil")
	}
}
