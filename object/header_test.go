package object

import (
	"runtime"
	"sync"
	"testing"
	"unsafe"
)

func newTestHeader(t *testing.T) *Header {
	t.Helper()
	buf := make([]uint64, HeaderSize/8)
	t.Cleanup(func() { runtime.KeepAlive(buf) })
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	h, err := InitAt(addr, 0x1000, 64)
	if err != nil {
		t.Fatalf("init header: %v", err)
	}
	return h
}

func TestInitRejectsTinySize(t *testing.T) {
	buf := make([]uint64, HeaderSize/8)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if _, err := InitAt(addr, 0, HeaderSize-1); err == nil {
		t.Fatal("size below header size must be rejected")
	}
}

func TestMarkBits(t *testing.T) {
	h := newTestHeader(t)
	if h.IsMarked() {
		t.Fatal("fresh header must be unmarked")
	}
	if was := h.SetMarked0(); was {
		t.Fatal("first set must report previously clear")
	}
	if was := h.SetMarked0(); !was {
		t.Fatal("second set must report previously set")
	}
	if !h.IsMarked0() || h.IsMarked1() || !h.IsMarked() {
		t.Fatal("mark state wrong after SetMarked0")
	}
	h.ClearMarkBits()
	if h.IsMarked() {
		t.Fatal("clear must drop both bits")
	}
}

// Flipping twice must return to the original state for all four prior
// states.
func TestFlipMarkBitsRoundTrip(t *testing.T) {
	for state := 0; state < 4; state++ {
		h := newTestHeader(t)
		if state&1 != 0 {
			h.SetMarked0()
		}
		if state&2 != 0 {
			h.SetMarked1()
		}
		m0, m1 := h.IsMarked0(), h.IsMarked1()
		if err := h.FlipMarkBits(); err != nil {
			t.Fatalf("flip: %v", err)
		}
		if h.IsMarked0() != m1 || h.IsMarked1() != m0 {
			t.Fatalf("state %d: single flip did not swap", state)
		}
		if err := h.FlipMarkBits(); err != nil {
			t.Fatalf("flip: %v", err)
		}
		if h.IsMarked0() != m0 || h.IsMarked1() != m1 {
			t.Fatalf("state %d: double flip not identity", state)
		}
	}
}

func TestForwarding(t *testing.T) {
	h := newTestHeader(t)
	if h.IsForwarded() || h.ForwardingPtr() != 0 {
		t.Fatal("fresh header must not be forwarded")
	}
	if !h.TrySetForwardingPtr(0x5000) {
		t.Fatal("first claim must win")
	}
	if !h.IsForwarded() {
		t.Fatal("forwarded bit missing")
	}
	if got := h.ForwardingPtr(); got != 0x5000 {
		t.Fatalf("forwarding ptr = %#x, want 0x5000", got)
	}
	if h.TrySetForwardingPtr(0x6000) {
		t.Fatal("second claim must lose")
	}
	if got := h.ForwardingPtr(); got != 0x5000 {
		t.Fatalf("losing claim overwrote pointer: %#x", got)
	}
}

func TestAgeSaturates(t *testing.T) {
	h := newTestHeader(t)
	for want := uint8(1); want <= MaxAge; want++ {
		if got := h.IncrementAge(); got != want {
			t.Fatalf("age = %d, want %d", got, want)
		}
	}
	for i := 0; i < 5; i++ {
		if got := h.IncrementAge(); got != MaxAge {
			t.Fatalf("age must saturate at %d, got %d", MaxAge, got)
		}
	}
}

func TestConcurrentAgeIncrements(t *testing.T) {
	h := newTestHeader(t)
	const workers = 8

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.IncrementAge()
		}()
	}
	wg.Wait()

	if age := h.Age(); age < 1 || age > workers {
		t.Fatalf("age = %d after %d contended increments", age, workers)
	}
}

func TestAgeIndependentOfMarks(t *testing.T) {
	h := newTestHeader(t)
	h.SetMarked0()
	h.SetMarked1()
	h.IncrementAge()
	h.IncrementAge()
	if h.Age() != 2 {
		t.Fatalf("age = %d", h.Age())
	}
	if !h.IsMarked0() || !h.IsMarked1() {
		t.Fatal("age increments clobbered mark bits")
	}
}

func TestRemSet(t *testing.T) {
	h := newTestHeader(t)
	if h.InRemSet() {
		t.Fatal("fresh header in remset")
	}
	if was := h.SetRemSet(); was {
		t.Fatal("first set must report clear")
	}
	if was := h.SetRemSet(); !was {
		t.Fatal("second set must report set")
	}
	h.ClearRemSet()
	if h.InRemSet() {
		t.Fatal("clear failed")
	}
}

func TestConcurrentMarking(t *testing.T) {
	h := newTestHeader(t)
	var wg sync.WaitGroup
	winners := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !h.SetMarked0() {
				winners <- 1
			}
		}()
	}
	wg.Wait()
	close(winners)
	n := 0
	for range winners {
		n++
	}
	if n != 1 {
		t.Fatalf("exactly one thread must win the mark, got %d", n)
	}
}

func TestReferenceMapValidation(t *testing.T) {
	if _, err := NewReferenceMap(64, []uintptr{0, 8, 56}); err != nil {
		t.Fatalf("valid map rejected: %v", err)
	}
	if _, err := NewReferenceMap(64, []uintptr{4}); err == nil {
		t.Fatal("misaligned offset accepted")
	}
	if _, err := NewReferenceMap(64, []uintptr{64}); err == nil {
		t.Fatal("offset past payload accepted")
	}
}
