// Package relocate holds the forwarding state used while objects move:
// one table per region mapping old offsets to new addresses, with a
// generation counter that lets readers detect concurrent mutation.
package relocate

import (
	"sync"
	"sync/atomic"

	"fenrir/gcerr"
	"fenrir/mem"
)

// userSpaceTop is the first address above the canonical user address
// space on x86-64/arm64. New addresses at or above it are rejected.
const userSpaceTop = uintptr(1) << 47

// ForwardingTable maps old addresses inside one region to the new
// addresses their objects were copied to. Entries exist only while a
// relocation is active; Clear drops them when the cycle completes.
type ForwardingTable struct {
	regionStart uintptr
	regionSize  uintptr

	mu      sync.RWMutex
	entries map[uintptr]uintptr

	generation atomic.Uint64
	complete   atomic.Bool
}

// NewForwardingTable creates the table for the region at start.
func NewForwardingTable(start, size uintptr) *ForwardingTable {
	return &ForwardingTable{
		regionStart: start,
		regionSize:  size,
		entries:     make(map[uintptr]uintptr),
	}
}

// AddEntry records old -> new. It rejects a nil, misaligned, or
// non-user-space new address, an old address outside the region, and a
// duplicate old address (each object is claimed by exactly one copier,
// so a duplicate is always a race). Every successful insert increments
// the generation by exactly one.
func (t *ForwardingTable) AddEntry(oldAddr, newAddr uintptr) error {
	if newAddr == 0 {
		return gcerr.New(gcerr.KindInvalidArgument, "forwarding target is nil")
	}
	if newAddr%mem.WordSize != 0 {
		return gcerr.Misaligned(newAddr, mem.WordSize)
	}
	if newAddr >= userSpaceTop {
		return gcerr.New(gcerr.KindInvalidPointer,
			"forwarding target %#x above user address space", newAddr)
	}
	if oldAddr < t.regionStart || oldAddr >= t.regionStart+t.regionSize {
		return gcerr.OutOfBounds(uint64(oldAddr), uint64(t.regionStart+t.regionSize))
	}
	offset := oldAddr - t.regionStart

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.entries[offset]; dup {
		return gcerr.New(gcerr.KindConcurrentModification,
			"forwarding entry for offset %#x already present", offset)
	}
	t.entries[offset] = newAddr
	t.generation.Add(1)
	return nil
}

// Lookup returns the new address recorded for oldAddr, if any.
func (t *ForwardingTable) Lookup(oldAddr uintptr) (uintptr, bool) {
	if oldAddr < t.regionStart || oldAddr >= t.regionStart+t.regionSize {
		return 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	newAddr, ok := t.entries[oldAddr-t.regionStart]
	return newAddr, ok
}

// LookupWithGeneration additionally returns the generation observed
// under the same lock, so a caller can detect that the table changed
// between lookup and use and retry instead of acting on a stale result.
func (t *ForwardingTable) LookupWithGeneration(oldAddr uintptr) (uintptr, uint64, bool) {
	if oldAddr < t.regionStart || oldAddr >= t.regionStart+t.regionSize {
		return 0, t.generation.Load(), false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	newAddr, ok := t.entries[oldAddr-t.regionStart]
	return newAddr, t.generation.Load(), ok
}

// Generation returns the mutation counter. It strictly increases with
// every successful AddEntry.
func (t *ForwardingTable) Generation() uint64 { return t.generation.Load() }

// EntryCount returns the number of recorded forwardings.
func (t *ForwardingTable) EntryCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// SetComplete marks the table as final: every live object was copied.
func (t *ForwardingTable) SetComplete() { t.complete.Store(true) }

// IsComplete reports whether the table is final.
func (t *ForwardingTable) IsComplete() bool { return t.complete.Load() }

// Clear drops all entries once relocation for the cycle completed.
func (t *ForwardingTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
	t.complete.Store(false)
	t.generation.Add(1)
}

// RegionStart returns the covered region's start address.
func (t *ForwardingTable) RegionStart() uintptr { return t.regionStart }

// RegionSize returns the covered region's size.
func (t *ForwardingTable) RegionSize() uintptr { return t.regionSize }

// Entries copies out all offset -> new-address pairs for diagnostics.
func (t *ForwardingTable) Entries() map[uintptr]uintptr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uintptr]uintptr, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}
