package tlab

import (
	"errors"
	"sync/atomic"
	"testing"

	"fenrir/config"
	"fenrir/gcerr"
)

// fakeMemory hands out fake address ranges; TLAB bookkeeping is pure
// arithmetic, so no backing memory is needed.
type fakeMemory struct {
	next atomic.Uintptr
	used uint64
	max  uint64
}

func newFakeMemory() *fakeMemory {
	m := &fakeMemory{max: 1 << 30}
	m.next.Store(0x100000)
	return m
}

func (m *fakeMemory) AllocateTLABMemoryAligned(size, align uintptr) (uintptr, error) {
	for {
		cur := m.next.Load()
		start := (cur + align - 1) &^ (align - 1)
		if m.next.CompareAndSwap(cur, start+size) {
			return start, nil
		}
	}
}

func (m *fakeMemory) UsedBytes() uint64 { return m.used }
func (m *fakeMemory) MaxSize() uint64   { return m.max }

func testManagerConfig() config.Config {
	cfg := config.Default()
	cfg.TLABMinSize = 1024
	cfg.TLABMaxSize = 8192
	return cfg
}

func TestGetOrCreateReusesBuffer(t *testing.T) {
	m := NewManager(newFakeMemory(), testManagerConfig())

	a, err := m.GetOrCreate(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Size() != 4096 {
		t.Fatalf("default size = %d", a.Size())
	}
	b, err := m.GetOrCreate(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a != b {
		t.Fatal("same thread must keep its buffer")
	}
	c, err := m.GetOrCreate(2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c == a {
		t.Fatal("threads must not share a buffer")
	}
	if m.ActiveCount() != 2 || m.Creates() != 2 {
		t.Fatalf("active %d creates %d", m.ActiveCount(), m.Creates())
	}
}

func TestRefillRetiresOldBuffer(t *testing.T) {
	m := NewManager(newFakeMemory(), testManagerConfig())

	old, err := m.GetOrCreate(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	fresh, err := m.Refill(1)
	if err != nil {
		t.Fatalf("refill: %v", err)
	}
	if !old.IsRetired() {
		t.Fatal("refill must retire the old buffer")
	}
	if fresh == old {
		t.Fatal("refill must install a new buffer")
	}
	if m.Refills() != 1 {
		t.Fatalf("refills = %d", m.Refills())
	}
}

func TestAllocateRefillsOnExhaustion(t *testing.T) {
	m := NewManager(newFakeMemory(), testManagerConfig())

	first, err := m.Allocate(1, 4000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	// Does not fit the 4096-byte buffer's remainder; a refill must
	// transparently serve it.
	second, err := m.Allocate(1, 2048)
	if err != nil {
		t.Fatalf("allocate after exhaustion: %v", err)
	}
	if second == first {
		t.Fatal("distinct allocations at one address")
	}
	if m.Refills() != 1 {
		t.Fatalf("refills = %d", m.Refills())
	}
}

func TestBufferLimit(t *testing.T) {
	m := NewManager(newFakeMemory(), testManagerConfig())
	m.maxTLABs = 2

	if _, err := m.GetOrCreate(1); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := m.GetOrCreate(2); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := m.GetOrCreate(3); !errors.Is(err, gcerr.ErrTLAB) {
		t.Fatalf("over limit: %v", err)
	}
	m.Remove(1)
	if _, err := m.GetOrCreate(3); err != nil {
		t.Fatalf("get after remove: %v", err)
	}
}

// Sizing decisions are exercised directly so wall-clock rate noise does
// not leak into assertions.
func TestNextSizeBurst(t *testing.T) {
	m := NewManager(newFakeMemory(), testManagerConfig())
	old := newTestTLAB(t, 4096)
	if _, err := old.Allocate(1024); err != nil { // 25% utilization
		t.Fatalf("allocate: %v", err)
	}
	m.rate = float64(m.defaultSize) * 10 // fast allocator

	if got := m.nextSizeLocked(old); got != 8192 {
		t.Fatalf("burst size = %d, want 4x clamped to max", got)
	}
}

func TestNextSizeGrowAndShrink(t *testing.T) {
	m := NewManager(newFakeMemory(), testManagerConfig())

	full := newTestTLAB(t, 4096)
	if _, err := full.Allocate(4000); err != nil { // ~98% utilization
		t.Fatalf("allocate: %v", err)
	}
	if got := m.nextSizeLocked(full); got != 8192 {
		t.Fatalf("grow size = %d, want doubled", got)
	}

	idle := newTestTLAB(t, 4096) // 0% utilization, no rate
	if got := m.nextSizeLocked(idle); got != 2048 {
		t.Fatalf("shrink size = %d, want halved", got)
	}
}

func TestNextSizeHeapPressure(t *testing.T) {
	heap := newFakeMemory()
	heap.used = uint64(float64(heap.max) * 0.9)
	m := NewManager(heap, testManagerConfig())

	steady := newTestTLAB(t, 4096)
	if _, err := steady.Allocate(2048); err != nil { // mid utilization
		t.Fatalf("allocate: %v", err)
	}
	if got := m.nextSizeLocked(steady); got != 2048 {
		t.Fatalf("pressured size = %d, want halved", got)
	}
}

func TestRetireAll(t *testing.T) {
	m := NewManager(newFakeMemory(), testManagerConfig())
	a, _ := m.GetOrCreate(1)
	b, _ := m.GetOrCreate(2)
	m.RetireAll()
	if !a.IsRetired() || !b.IsRetired() {
		t.Fatal("retire all must retire every buffer")
	}
}
