package barrier

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"fenrir/object"
)

type discardMarker struct{}

func (discardMarker) EnqueueMark(uintptr) {}

func benchObject(b *testing.B) uintptr {
	b.Helper()
	buf := make([]uint64, 8)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if uint64(addr)&^AddressMask != 0 {
		b.Skipf("buffer at %#x outside colored address space", addr)
	}
	if _, err := object.InitAt(addr, 0x1000, 64); err != nil {
		b.Fatalf("init object: %v", err)
	}
	return addr
}

func BenchmarkLoadFastPathIdle(b *testing.B) {
	lb := NewLoadBarrier(discardMarker{}, &tableForwarder{}, 16)
	addr := benchObject(b)
	var slot atomic.Uint64
	slot.Store(NewPointer(addr).Raw())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := lb.Load(&slot); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLoadMarkedParallel(b *testing.B) {
	lb := NewLoadBarrier(discardMarker{}, &tableForwarder{}, 16)
	lb.SetPhase(Marking)
	addr := benchObject(b)
	var slot atomic.Uint64
	slot.Store(NewPointer(addr).Raw())

	// First load takes the slow path and heals the slot to the good
	// color; the measured loads all hit the fast path.
	if _, err := lb.Load(&slot); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := lb.Load(&slot); err != nil {
				b.Fatal(err)
			}
		}
	})
}
