package barrier

import (
	"sync/atomic"

	"fenrir/gcerr"
	"fenrir/object"
	"fenrir/relocate"
)

// Marker receives the addresses of unmarked objects the barrier
// discovers; the first thread to win the mark bit enqueues.
type Marker interface {
	EnqueueMark(addr uintptr)
}

// Forwarder resolves the forwarding table covering an address, nil if
// its region is not being relocated.
type Forwarder interface {
	ForwardingFor(addr uintptr) *relocate.ForwardingTable
}

// Generations answers which generation an address belongs to, for the
// write barrier's remembered-set decision.
type Generations interface {
	IsOldAddress(addr uintptr) bool
	IsYoungAddress(addr uintptr) bool
}

// Stats counts barrier traffic. Relaxed counters, statistics only.
type Stats struct {
	FastHits    atomic.Uint64
	SlowMarks   atomic.Uint64
	SlowHeals   atomic.Uint64
	HealRetries atomic.Uint64
	RemSetHits  atomic.Uint64
}

// LoadBarrier is the state machine behind every heap-pointer read.
// Fast path: null or good-colored pointers pass untouched. Slow path:
// marking enqueues and colors, relocating heals through the forwarding
// table.
type LoadBarrier struct {
	phase  atomic.Int32
	color  atomic.Bool
	marker Marker
	fwd    Forwarder

	retryCeiling int
	stats        Stats
}

// NewLoadBarrier wires the barrier to the marker and forwarding
// resolver. retryCeiling bounds every healing CAS loop.
func NewLoadBarrier(marker Marker, fwd Forwarder, retryCeiling int) *LoadBarrier {
	if retryCeiling < 1 {
		retryCeiling = 1
	}
	return &LoadBarrier{marker: marker, fwd: fwd, retryCeiling: retryCeiling}
}

// SetPhase publishes a phase transition.
func (b *LoadBarrier) SetPhase(p Phase) { b.phase.Store(int32(p)) }

// Phase returns the current phase.
func (b *LoadBarrier) Phase() Phase { return Phase(b.phase.Load()) }

// FlipMarkBit toggles the cycle color at the start of a cycle. Only
// the collector flips, inside its pause, so a plain toggle suffices.
func (b *LoadBarrier) FlipMarkBit() {
	b.color.Store(!b.color.Load())
}

// SetColor forces the cycle color, used when attaching to a heap whose
// color already advanced.
func (b *LoadBarrier) SetColor(color1 bool) { b.color.Store(color1) }

// CurrentColor reports the cycle color.
func (b *LoadBarrier) CurrentColor() bool { return b.color.Load() }

// StatsRef exposes the counters.
func (b *LoadBarrier) StatsRef() *Stats { return &b.stats }

// Load intercepts a heap-pointer read from slot, running the
// phase-appropriate slow path and self-healing the slot when possible.
// The returned pointer is always safe to dereference in the current
// phase.
func (b *LoadBarrier) Load(slot *atomic.Uint64) (Pointer, error) {
	raw := slot.Load()
	p := FromRaw(raw)
	if p.IsNull() {
		return p, nil
	}
	phase := b.Phase()
	mask := GoodMask(phase, b.color.Load())
	if mask == 0 || raw&mask != 0 {
		b.stats.FastHits.Add(1)
		return p, nil
	}
	switch phase {
	case Marking:
		return b.markSlowPath(slot, p)
	case Relocating:
		return b.healSlowPath(slot, p)
	}
	return p, nil
}

// markSlowPath marks the object and colors the slot. Only the thread
// that flips the mark bit first enqueues for tracing.
func (b *LoadBarrier) markSlowPath(slot *atomic.Uint64, p Pointer) (Pointer, error) {
	color := b.color.Load()
	addr := p.Address()
	hdr := object.At(addr)
	if !hdr.SetMarked(color) && b.marker != nil {
		b.marker.EnqueueMark(addr)
		b.stats.SlowMarks.Add(1)
	}
	// Self-heal: color the slot so later loads take the fast path.
	SetMarkedAtomic(slot, color)
	return FromRaw(slot.Load()), nil
}

// healSlowPath rewrites a stale pointer through the region's forwarding
// table, preserving color bits. The generation counter guards against a
// table mutation between lookup and use; the CAS loser accepts a rival
// heal to the same address.
func (b *LoadBarrier) healSlowPath(slot *atomic.Uint64, p Pointer) (Pointer, error) {
	addr := p.Address()
	ft := b.fwd.ForwardingFor(addr)
	if ft == nil {
		// Region not being relocated: the address is already current.
		slot.Or(RemappedMask)
		return FromRaw(slot.Load()), nil
	}

	for i := 0; i < b.retryCeiling; i++ {
		newAddr, gen, ok := ft.LookupWithGeneration(addr)
		if !ok {
			// Not copied yet; leave the slot for a later load.
			return p, nil
		}
		if ft.Generation() != gen {
			b.stats.HealRetries.Add(1)
			continue
		}
		oldRaw := slot.Load()
		op := FromRaw(oldRaw)
		if op.Address() != addr {
			// Someone replaced the slot entirely; their value wins.
			return op, nil
		}
		healed := op.WithAddress(newAddr).WithRemapped()
		if slot.CompareAndSwap(oldRaw, healed.Raw()) {
			b.stats.SlowHeals.Add(1)
			return healed, nil
		}
		// Losing CAS: accept a rival that healed to the same address.
		cur := FromRaw(slot.Load())
		if cur.Address() == newAddr {
			return cur, nil
		}
		b.stats.HealRetries.Add(1)
	}
	return p, gcerr.New(gcerr.KindStarvation,
		"pointer heal of %#x exceeded %d retries", addr, b.retryCeiling)
}

// WriteBarrier records a cross-generation store: an old holder gaining
// a reference to a young object joins the remembered set.
type WriteBarrier struct {
	gens  Generations
	stats *Stats
}

// NewWriteBarrier builds the write barrier over the generation
// resolver.
func NewWriteBarrier(gens Generations, stats *Stats) *WriteBarrier {
	return &WriteBarrier{gens: gens, stats: stats}
}

// OnStore runs after a reference store of value into a field of the
// object at holder.
func (w *WriteBarrier) OnStore(holder, value uintptr) {
	if holder == 0 || value == 0 {
		return
	}
	if w.gens.IsOldAddress(holder) && w.gens.IsYoungAddress(value) {
		if !object.At(holder).SetRemSet() && w.stats != nil {
			w.stats.RemSetHits.Add(1)
		}
	}
}
