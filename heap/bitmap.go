package heap

import (
	"math/bits"
	"sync/atomic"
)

// markGranularity is bytes of region space per bitmap bit. Objects are
// at least 8-byte aligned, so one bit per 8 bytes is exact.
const markGranularity = 8

// MarkBitmap tracks live objects inside one region, one bit per
// granule. All operations are atomic; marking runs concurrently with
// mutators.
type MarkBitmap struct {
	base  uintptr
	size  uintptr
	words []atomic.Uint64
}

// NewMarkBitmap covers [base, base+size).
func NewMarkBitmap(base, size uintptr) *MarkBitmap {
	granules := (size + markGranularity - 1) / markGranularity
	return &MarkBitmap{
		base:  base,
		size:  size,
		words: make([]atomic.Uint64, (granules+63)/64),
	}
}

func (b *MarkBitmap) index(addr uintptr) (word int, bit uint, ok bool) {
	if addr < b.base || addr >= b.base+b.size {
		return 0, 0, false
	}
	granule := (addr - b.base) / markGranularity
	return int(granule / 64), uint(granule % 64), true
}

// Mark sets the bit for addr. Out-of-range addresses are ignored.
func (b *MarkBitmap) Mark(addr uintptr) {
	if w, bit, ok := b.index(addr); ok {
		b.words[w].Or(1 << bit)
	}
}

// IsMarked reports the bit for addr.
func (b *MarkBitmap) IsMarked(addr uintptr) bool {
	w, bit, ok := b.index(addr)
	return ok && b.words[w].Load()&(1<<bit) != 0
}

// Clear zeroes the whole bitmap.
func (b *MarkBitmap) Clear() {
	for i := range b.words {
		b.words[i].Store(0)
	}
}

// AnySet reports whether any bit is set.
func (b *MarkBitmap) AnySet() bool {
	for i := range b.words {
		if b.words[i].Load() != 0 {
			return true
		}
	}
	return false
}

// CountMarked returns the number of set bits.
func (b *MarkBitmap) CountMarked() int {
	n := 0
	for i := range b.words {
		n += bits.OnesCount64(b.words[i].Load())
	}
	return n
}

// ForEachMarked calls fn with the address of every set bit, in
// ascending order, stopping early if fn returns false.
func (b *MarkBitmap) ForEachMarked(fn func(addr uintptr) bool) {
	for w := range b.words {
		v := b.words[w].Load()
		for v != 0 {
			bit := uint(bits.TrailingZeros64(v))
			addr := b.base + uintptr(w*64+int(bit))*markGranularity
			if !fn(addr) {
				return
			}
			v &^= 1 << bit
		}
	}
}
