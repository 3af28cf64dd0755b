// Package barrier implements the colored-pointer encoding and the load
// barrier every heap-pointer read goes through. Color lives in the high
// bits so liveness and relocation state are checked without touching
// the object.
package barrier

import "sync/atomic"

// Colored-pointer bit layout: the low 44 bits are the address, the next
// four encode GC state.
const (
	// AddressMask extracts the usable address bits.
	AddressMask uint64 = (1 << 44) - 1

	// Marked0Mask and Marked1Mask are the cycle liveness colors.
	Marked0Mask uint64 = 1 << 44
	Marked1Mask uint64 = 1 << 45

	// RemappedMask says the pointer survived relocation healing.
	RemappedMask uint64 = 1 << 46

	// FinalizableMask flags objects reachable only through finalizers.
	FinalizableMask uint64 = 1 << 47

	// ColorMask covers all state bits.
	ColorMask = Marked0Mask | Marked1Mask | RemappedMask | FinalizableMask

	markMask = Marked0Mask | Marked1Mask
)

// Pointer is a colored pointer value. Address zero is never valid.
type Pointer uint64

// NewPointer encodes addr with all color bits clear, as a fresh
// allocation requires.
func NewPointer(addr uintptr) Pointer {
	return Pointer(uint64(addr) & AddressMask)
}

// FromRaw reinterprets a raw slot value.
func FromRaw(raw uint64) Pointer { return Pointer(raw) }

// Raw returns the full encoded word.
func (p Pointer) Raw() uint64 { return uint64(p) }

// Address strips the color bits.
func (p Pointer) Address() uintptr { return uintptr(uint64(p) & AddressMask) }

// IsNull reports a zero address.
func (p Pointer) IsNull() bool { return p.Address() == 0 }

// IsMarked0 reports the marked0 color.
func (p Pointer) IsMarked0() bool { return uint64(p)&Marked0Mask != 0 }

// IsMarked1 reports the marked1 color.
func (p Pointer) IsMarked1() bool { return uint64(p)&Marked1Mask != 0 }

// IsMarked reports either liveness color.
func (p Pointer) IsMarked() bool { return uint64(p)&markMask != 0 }

// IsRemapped reports the remapped color.
func (p Pointer) IsRemapped() bool { return uint64(p)&RemappedMask != 0 }

// IsFinalizable reports the finalizable color.
func (p Pointer) IsFinalizable() bool { return uint64(p)&FinalizableMask != 0 }

// WithMarked returns p with the given cycle color set.
func (p Pointer) WithMarked(color1 bool) Pointer {
	if color1 {
		return p | Pointer(Marked1Mask)
	}
	return p | Pointer(Marked0Mask)
}

// WithRemapped returns p with the remapped color set.
func (p Pointer) WithRemapped() Pointer { return p | Pointer(RemappedMask) }

// WithFinalizable returns p with the finalizable color set.
func (p Pointer) WithFinalizable() Pointer { return p | Pointer(FinalizableMask) }

// ClearColor returns p with only the address bits.
func (p Pointer) ClearColor() Pointer { return p & Pointer(AddressMask) }

// WithAddress keeps p's color bits but swaps the address, as pointer
// healing requires.
func (p Pointer) WithAddress(addr uintptr) Pointer {
	return Pointer(uint64(p)&ColorMask | uint64(addr)&AddressMask)
}

// FlipMark swaps marked0 and marked1; a pointer with neither color
// comes back marked0.
func (p Pointer) FlipMark() Pointer {
	m0, m1 := p.IsMarked0(), p.IsMarked1()
	out := p &^ Pointer(markMask)
	switch {
	case m0:
		out |= Pointer(Marked1Mask)
	case m1:
		out |= Pointer(Marked0Mask)
	default:
		out |= Pointer(Marked0Mask)
	}
	return out
}

// MarkMaskFor returns the mask of the given cycle color.
func MarkMaskFor(color1 bool) uint64 {
	if color1 {
		return Marked1Mask
	}
	return Marked0Mask
}

// Phase is the collector's global phase; it selects the barrier's good
// color mask.
type Phase int32

const (
	// Idle: no collection in progress, every non-null pointer is good.
	Idle Phase = iota
	// Marking: pointers carrying the cycle color are good.
	Marking
	// Relocating: remapped pointers are good.
	Relocating
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Marking:
		return "marking"
	case Relocating:
		return "relocating"
	}
	return "unknown"
}

// GoodMask returns the color bits that make a pointer require no
// barrier work in the given phase. A zero mask means everything is
// good.
func GoodMask(phase Phase, color1 bool) uint64 {
	switch phase {
	case Marking:
		return MarkMaskFor(color1)
	case Relocating:
		return RemappedMask
	default:
		return 0
	}
}

// NeedsProcessing reports whether the pointer would take the slow path
// in the given phase.
func (p Pointer) NeedsProcessing(phase Phase, color1 bool) bool {
	if p.IsNull() {
		return false
	}
	mask := GoodMask(phase, color1)
	if mask == 0 {
		return false
	}
	return uint64(p)&mask == 0
}

// SetMarkedAtomic sets the cycle color on the slot in place.
func SetMarkedAtomic(slot *atomic.Uint64, color1 bool) {
	slot.Or(MarkMaskFor(color1))
}

// ClearColorAtomic strips all color bits from the slot in place.
func ClearColorAtomic(slot *atomic.Uint64) {
	slot.And(AddressMask)
}
