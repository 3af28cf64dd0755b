package object

import "fenrir/gcerr"

// ReferenceMap lists the payload offsets (relative to the data start)
// known to hold heap references. Objects without one are scanned
// conservatively.
type ReferenceMap struct {
	offsets []uintptr
}

// NewReferenceMap validates and stores the given offsets. Offsets must
// be word aligned and strictly inside the payload.
func NewReferenceMap(dataSize uint64, offsets []uintptr) (*ReferenceMap, error) {
	out := make([]uintptr, 0, len(offsets))
	for _, off := range offsets {
		if off%Alignment != 0 {
			return nil, gcerr.Misaligned(off, Alignment)
		}
		if uint64(off)+Alignment > dataSize {
			return nil, gcerr.OutOfBounds(uint64(off), dataSize)
		}
		out = append(out, off)
	}
	return &ReferenceMap{offsets: out}, nil
}

// Offsets returns the reference field offsets.
func (m *ReferenceMap) Offsets() []uintptr { return m.offsets }

// Len returns the number of reference fields.
func (m *ReferenceMap) Len() int { return len(m.offsets) }
