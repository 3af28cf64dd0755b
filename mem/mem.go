// Package mem is the one place the collector dereferences raw heap
// addresses. Every other package goes through the Span-validated
// accessors here instead of scattering unsafe casts, so the audited
// surface stays small.
package mem

import (
	"sync/atomic"
	"unsafe"

	"fenrir/gcerr"
)

// WordSize is the machine word size the heap traffics in.
const WordSize = 8

// Span describes a readable/writable address range the caller has
// already committed. All checked accessors validate against one.
type Span struct {
	Base uintptr
	Size uintptr
}

// Contains reports whether [addr, addr+n) lies inside the span.
func (s Span) Contains(addr, n uintptr) bool {
	end := addr + n
	return addr >= s.Base && end >= addr && end <= s.Base+s.Size
}

// End returns the exclusive end address.
func (s Span) End() uintptr { return s.Base + s.Size }

// Pointer converts a raw address to an unsafe.Pointer. The caller owns
// the proof that addr is committed heap memory; prefer the checked
// accessors below.
func Pointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet // audited boundary
}

// WordAt returns the atomic word at addr. addr must be word aligned and
// inside committed heap memory.
func WordAt(addr uintptr) *atomic.Uint64 {
	return (*atomic.Uint64)(Pointer(addr))
}

func check(s Span, addr uintptr, n uintptr) error {
	if addr%WordSize != 0 {
		return gcerr.Misaligned(addr, WordSize)
	}
	if !s.Contains(addr, n) {
		return gcerr.New(gcerr.KindInvalidPointer,
			"address %#x+%d outside span [%#x,%#x)", addr, n, s.Base, s.End())
	}
	return nil
}

// LoadWord atomically reads the word at addr after validating it
// against the span.
func LoadWord(s Span, addr uintptr) (uint64, error) {
	if err := check(s, addr, WordSize); err != nil {
		return 0, err
	}
	return WordAt(addr).Load(), nil
}

// StoreWord atomically writes the word at addr after validation.
func StoreWord(s Span, addr uintptr, v uint64) error {
	if err := check(s, addr, WordSize); err != nil {
		return err
	}
	WordAt(addr).Store(v)
	return nil
}

// CASWord compare-and-swaps the word at addr after validation.
func CASWord(s Span, addr uintptr, old, new uint64) (bool, error) {
	if err := check(s, addr, WordSize); err != nil {
		return false, err
	}
	return WordAt(addr).CompareAndSwap(old, new), nil
}

// Copy moves n bytes from src to dst. Both ranges must sit inside the
// span; overlap is allowed.
func Copy(s Span, dst, src uintptr, n uintptr) error {
	if n == 0 {
		return nil
	}
	if !s.Contains(dst, n) || !s.Contains(src, n) {
		return gcerr.New(gcerr.KindInvalidPointer,
			"copy %#x->%#x (%d bytes) escapes span [%#x,%#x)", src, dst, n, s.Base, s.End())
	}
	copy(unsafe.Slice((*byte)(Pointer(dst)), n), unsafe.Slice((*byte)(Pointer(src)), n))
	return nil
}

// Zero clears n bytes starting at addr.
func Zero(s Span, addr uintptr, n uintptr) error {
	if n == 0 {
		return nil
	}
	if !s.Contains(addr, n) {
		return gcerr.New(gcerr.KindInvalidPointer,
			"zero %#x (%d bytes) escapes span [%#x,%#x)", addr, n, s.Base, s.End())
	}
	b := unsafe.Slice((*byte)(Pointer(addr)), n)
	clear(b)
	return nil
}
