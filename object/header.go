// Package object defines the per-object metadata every managed object
// carries: a 24-byte header (atomic mark word, class pointer, size) and
// the reference maps used for precise scanning.
//
// Mark word layout:
//
//	bit 0      marked0
//	bit 1      marked1
//	bit 2      remembered set
//	bit 3      forwarded
//	bits 4-7   age (saturates at 15)
//	bits 8-63  forwarding address / identity hash
package object

import (
	"sync/atomic"

	"fenrir/gcerr"
	"fenrir/mem"
)

const (
	// HeaderSize is the byte size of the header at the start of every
	// managed object.
	HeaderSize = 24

	// Alignment is the minimum object alignment.
	Alignment = 8
)

// Mark word bit assignments.
const (
	marked0Mask   uint64 = 1 << 0
	marked1Mask   uint64 = 1 << 1
	remsetMask    uint64 = 1 << 2
	forwardedMask uint64 = 1 << 3
	ageShift             = 4
	ageMask       uint64 = 0xF << ageShift
	fwdShift             = 8
	fwdMask       uint64 = ^uint64(1<<fwdShift - 1)
)

// MaxAge is the saturation point of the age counter.
const MaxAge = 15

// flipRetryLimit bounds the mark-bit flip CAS loop.
const flipRetryLimit = 1 << 14

// Header sits at the start of every managed object. The GC mutates it
// only through atomic operations; mutator code never touches the mark
// word directly.
type Header struct {
	mark  atomic.Uint64
	class uint64
	size  uint64
}

// At interprets addr as a header. addr must point at the start of a
// managed object inside committed heap memory.
func At(addr uintptr) *Header {
	return (*Header)(mem.Pointer(addr))
}

// InitAt writes a fresh header at addr. size includes the header.
func InitAt(addr uintptr, class uintptr, size uint64) (*Header, error) {
	if addr%Alignment != 0 {
		return nil, gcerr.Misaligned(addr, Alignment)
	}
	if size < HeaderSize {
		return nil, gcerr.New(gcerr.KindInvalidArgument,
			"object size %d smaller than header size %d", size, HeaderSize)
	}
	h := At(addr)
	h.mark.Store(0)
	h.class = uint64(class)
	h.size = size
	return h, nil
}

// DataStart returns the first byte after the header of the object at addr.
func DataStart(addr uintptr) uintptr { return addr + HeaderSize }

// Size returns the total object size including the header.
func (h *Header) Size() uint64 { return h.size }

// DataSize returns the payload size excluding the header.
func (h *Header) DataSize() uint64 { return h.size - HeaderSize }

// Class returns the class pointer.
func (h *Header) Class() uintptr { return uintptr(h.class) }

// IsMarked0 reports the marked0 bit with acquire semantics.
func (h *Header) IsMarked0() bool { return h.mark.Load()&marked0Mask != 0 }

// IsMarked1 reports the marked1 bit with acquire semantics.
func (h *Header) IsMarked1() bool { return h.mark.Load()&marked1Mask != 0 }

// IsMarked reports whether either mark bit is set.
func (h *Header) IsMarked() bool { return h.mark.Load()&(marked0Mask|marked1Mask) != 0 }

// SetMarked0 sets marked0 and reports whether it was already set. The
// read-modify-write publishes every store that preceded the marking.
func (h *Header) SetMarked0() bool { return h.mark.Or(marked0Mask)&marked0Mask != 0 }

// SetMarked1 sets marked1 and reports whether it was already set.
func (h *Header) SetMarked1() bool { return h.mark.Or(marked1Mask)&marked1Mask != 0 }

// SetMarked sets the given cycle color and reports whether it was
// already set.
func (h *Header) SetMarked(color1 bool) bool {
	if color1 {
		return h.SetMarked1()
	}
	return h.SetMarked0()
}

// IsMarkedColor reports the mark bit for the given cycle color.
func (h *Header) IsMarkedColor(color1 bool) bool {
	if color1 {
		return h.IsMarked1()
	}
	return h.IsMarked0()
}

// ClearMarkBits clears both mark bits.
func (h *Header) ClearMarkBits() { h.mark.And(^(marked0Mask | marked1Mask)) }

// FlipMarkBits swaps marked0 and marked1 so "currently marked" always
// means "marked with this cycle's color". The CAS loop is bounded; a
// pathologically contended header reports starvation instead of
// spinning forever.
func (h *Header) FlipMarkBits() error {
	for i := 0; i < flipRetryLimit; i++ {
		cur := h.mark.Load()
		next := cur &^ (marked0Mask | marked1Mask)
		if cur&marked0Mask != 0 {
			next |= marked1Mask
		}
		if cur&marked1Mask != 0 {
			next |= marked0Mask
		}
		if h.mark.CompareAndSwap(cur, next) {
			return nil
		}
	}
	return gcerr.New(gcerr.KindStarvation, "flip mark bits exceeded %d retries", flipRetryLimit)
}

// InRemSet reports the remembered-set bit.
func (h *Header) InRemSet() bool { return h.mark.Load()&remsetMask != 0 }

// SetRemSet sets the remembered-set bit and reports whether it was
// already set.
func (h *Header) SetRemSet() bool { return h.mark.Or(remsetMask)&remsetMask != 0 }

// ClearRemSet clears the remembered-set bit.
func (h *Header) ClearRemSet() { h.mark.And(^remsetMask) }

// IsForwarded reports whether the object has been relocated.
func (h *Header) IsForwarded() bool { return h.mark.Load()&forwardedMask != 0 }

// ForwardingPtr returns the recorded forwarding address, zero if none.
// The address is stored right-shifted by the alignment, so all 44
// significant address bits fit above the flag and age fields.
func (h *Header) ForwardingPtr() uintptr {
	return uintptr((h.mark.Load()&fwdMask)>>fwdShift) * Alignment
}

// TrySetForwardingPtr claims the object for relocation by installing
// newAddr and the forwarded bit in one transition. Exactly one caller
// wins; the rest observe false. newAddr must be object aligned.
func (h *Header) TrySetForwardingPtr(newAddr uintptr) bool {
	encoded := (uint64(newAddr) / Alignment) << fwdShift
	for i := 0; i < flipRetryLimit; i++ {
		cur := h.mark.Load()
		if cur&forwardedMask != 0 {
			return false
		}
		next := (cur &^ fwdMask) | encoded | forwardedMask
		if h.mark.CompareAndSwap(cur, next) {
			return true
		}
	}
	return false
}

// ClearForwarding drops the forwarded bit and stored address. Used on
// the relocated copy, whose mark word was cloned from the original.
func (h *Header) ClearForwarding() {
	h.mark.And(^(forwardedMask | fwdMask))
}

// Age returns the survival count, relaxed: statistics only.
func (h *Header) Age() uint8 {
	return uint8((h.mark.Load() & ageMask) >> ageShift)
}

// IncrementAge bumps the age, saturating at MaxAge, and returns the new
// value. The CAS loop is bounded; a loop that never wins returns the
// observed age unbumped, deferring the promotion one cycle.
func (h *Header) IncrementAge() uint8 {
	for i := 0; i < flipRetryLimit; i++ {
		cur := h.mark.Load()
		age := uint8((cur & ageMask) >> ageShift)
		if age >= MaxAge {
			return MaxAge
		}
		next := (cur &^ ageMask) | (uint64(age+1) << ageShift)
		if h.mark.CompareAndSwap(cur, next) {
			return age + 1
		}
	}
	return h.Age()
}

// MarkWord exposes the raw word for diagnostics.
func (h *Header) MarkWord() uint64 { return h.mark.Load() }
