package gc

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"fenrir/barrier"
	"fenrir/gcerr"
	"fenrir/heap"
	"fenrir/infra/gclog"
	"fenrir/marker"
	"fenrir/mem"
	"fenrir/object"
	"fenrir/relocate"
	"fenrir/stats"
)

// garbageThreshold is the dead fraction above which a region is worth
// evacuating.
const garbageThreshold = 0.3

// destKey separates evacuation targets by generation and region class.
type destKey struct {
	gen   heap.Generation
	rtype heap.RegionType
}

// evacResult summarizes one region's evacuation.
type evacResult struct {
	objects  uint64
	promoted uint64
	copied   uint64
}

// relocateCycle runs the relocation phase: select regions by garbage
// ratio, copy their live objects out, heal every surviving reference,
// and recycle the emptied regions.
func (c *Collector) relocateCycle(id uint64, kind Kind) error {
	// Pause: relocate start. Stop bump frontiers, condemn regions,
	// publish the phase.
	t := time.Now()
	if c.tlabs != nil {
		c.tlabs.RetireAll()
	}
	c.heap.SealCurrentRegions()
	candidates := c.selectRegions(kind)
	c.loadBarrier.SetPhase(barrier.Relocating)
	c.cycleStats.Update(func(cs *stats.CycleStats) { cs.PauseRelocateStart = time.Since(t) })
	c.logEvent(gclog.EventPhase, id, "relocating")

	if len(candidates) == 0 {
		return nil
	}

	t = time.Now()
	condemned := make(map[*heap.Region]bool, len(candidates))
	tables := make([]*relocate.ForwardingTable, 0, len(candidates))
	for _, r := range candidates {
		condemned[r] = true
		tables = append(tables, r.Forwarding())
	}

	var total evacResult
	dests := make(map[destKey]*heap.Region)
	for _, r := range candidates {
		res, err := c.evacuate(r, dests)
		if err != nil {
			return gcerr.Wrap(gcerr.KindRelocationFailed, err, "evacuate region %#x", r.Start())
		}
		total.objects += res.objects
		total.promoted += res.promoted
		total.copied += res.copied
	}

	// No stale reference may survive the cycle: rewrite every live slot
	// and every root slot through the forwarding tables before the
	// tables go away.
	c.remap(kind, condemned, tables)
	c.healRoots(tables)

	for _, d := range dests {
		_ = d.TransitionTo(heap.StateAllocated)
	}

	var reclaimed uint64
	for _, r := range candidates {
		reclaimed += uint64(r.Used())
		r.ClearMarks()
		r.DropForwarding()
		if err := r.TransitionTo(heap.StateRelocated); err != nil {
			return err
		}
		if err := c.heap.ReturnRegion(r); err != nil {
			return err
		}
		c.logEvent(gclog.EventRegion, id, fmt.Sprintf("recycled %#x", r.Start()))
	}
	if reclaimed > total.copied {
		reclaimed -= total.copied
	} else {
		reclaimed = 0
	}

	c.cycleStats.Update(func(cs *stats.CycleStats) {
		cs.ConcurrentRelocate = time.Since(t)
		cs.ObjectsRelocated = total.objects
		cs.ObjectsPromoted = total.promoted
		cs.Reclaimed = reclaimed
	})
	return nil
}

// selectRegions condemns sealed regions whose garbage ratio clears the
// threshold, worst first. Regions holding active root slots are pinned
// for the cycle, and a young cycle never touches the old space.
func (c *Collector) selectRegions(kind Kind) []*heap.Region {
	pinned := c.roots.ActiveSlots()
	type candidate struct {
		r     *heap.Region
		ratio float64
	}
	var cands []candidate
	for _, r := range c.heap.ActiveRegions() {
		if kind == Young && r.Generation() == heap.Old {
			continue
		}
		if r.State() != heap.StateAllocated || r.Used() == 0 {
			continue
		}
		ratio := r.GarbageRatio()
		if r.Type() == heap.Large {
			// One object per region: either it survives and the region
			// stays, or it is dead and the region is reclaimed whole.
			if r.Bitmap().AnySet() {
				continue
			}
		} else if ratio <= garbageThreshold {
			continue
		}
		if regionHoldsSlot(r, pinned) {
			continue
		}
		if err := r.TransitionTo(heap.StateRelocating); err != nil {
			continue
		}
		r.SetupForwarding()
		cands = append(cands, candidate{r: r, ratio: ratio})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].ratio > cands[j].ratio })
	out := make([]*heap.Region, len(cands))
	for i, cd := range cands {
		out[i] = cd.r
	}
	return out
}

func regionHoldsSlot(r *heap.Region, slots []uintptr) bool {
	for _, s := range slots {
		if r.Contains(s) {
			return true
		}
	}
	return false
}

// evacuate copies every live object out of r into destination regions,
// promoting survivors whose age reached the tenure threshold, and
// records each move in the region's forwarding table.
func (c *Collector) evacuate(r *heap.Region, dests map[destKey]*heap.Region) (evacResult, error) {
	span := c.heap.Span()
	ft := r.Forwarding()
	var res evacResult
	var failure error

	r.LiveObjects(func(addr uintptr, hdr *object.Header) bool {
		size := uintptr(hdr.Size())
		gen := r.Generation()
		age := hdr.IncrementAge()
		promote := gen == heap.Young && age >= c.cfg.TenureThreshold
		if promote {
			gen = heap.Old
		}

		dstRegion, dst, err := c.destAllocate(dests, gen, r.Type(), size)
		if err != nil {
			failure = err
			return false
		}
		if err := mem.Copy(span, dst, addr, size); err != nil {
			failure = err
			return false
		}
		if !hdr.TrySetForwardingPtr(dst) {
			// A rival claimed it first; only one relocator runs, so
			// this is a defect, not a race to tolerate.
			failure = gcerr.New(gcerr.KindConcurrentModification,
				"object %#x already forwarded to %#x", addr, hdr.ForwardingPtr())
			return false
		}
		newHdr := object.At(dst)
		newHdr.ClearForwarding()
		dstRegion.MarkObject(dst)
		if err := ft.AddEntry(addr, dst); err != nil {
			failure = err
			return false
		}

		res.objects++
		res.copied += uint64(size)
		if promote {
			res.promoted++
		}
		return true
	})
	if failure != nil {
		return res, failure
	}
	ft.SetComplete()
	return res, nil
}

// destAllocate bump-allocates evacuation space, keeping one open
// destination region per generation and class.
func (c *Collector) destAllocate(dests map[destKey]*heap.Region, gen heap.Generation, rtype heap.RegionType, size uintptr) (*heap.Region, uintptr, error) {
	if rtype == heap.Large {
		r, err := c.heap.AllocateRegion(heap.Large, gen, size)
		if err != nil {
			return nil, 0, err
		}
		addr, err := r.Allocate(size, object.Alignment)
		return r, addr, err
	}

	k := destKey{gen: gen, rtype: rtype}
	if r := dests[k]; r != nil {
		if addr, err := r.Allocate(size, object.Alignment); err == nil {
			return r, addr, nil
		}
		_ = r.TransitionTo(heap.StateAllocated)
	}
	fresh, err := c.heap.AllocateRegion(rtype, gen, 0)
	if err != nil {
		return nil, 0, err
	}
	dests[k] = fresh
	addr, err := fresh.Allocate(size, object.Alignment)
	return fresh, addr, err
}

// remap rewrites the payload slots of every surviving object that
// still point into condemned regions. Full cycles cover the whole live
// set through the bitmaps; young cycles additionally walk old objects
// carrying the remembered-set bit, since the old space was not traced.
func (c *Collector) remap(kind Kind, condemned map[*heap.Region]bool, tables []*relocate.ForwardingTable) {
	for _, r := range c.heap.ActiveRegions() {
		if condemned[r] {
			continue
		}
		r.LiveObjects(func(addr uintptr, hdr *object.Header) bool {
			c.healObjectSlots(addr, hdr, tables)
			return true
		})
		if kind == Young && r.Generation() == heap.Old {
			c.walkRegion(r, func(addr uintptr, hdr *object.Header) {
				if hdr.InRemSet() {
					c.healObjectSlots(addr, hdr, tables)
				}
			})
		}
	}
}

func (c *Collector) healObjectSlots(addr uintptr, hdr *object.Header, tables []*relocate.ForwardingTable) {
	data := object.DataStart(addr)
	for off := uintptr(0); off+mem.WordSize <= uintptr(hdr.DataSize()); off += mem.WordSize {
		c.healSlot(mem.WordAt(data+off), tables)
	}
}

// healRoots rewrites registered root slots directly; roots may live in
// unmarked memory the bitmap walk never visits.
func (c *Collector) healRoots(tables []*relocate.ForwardingTable) {
	c.roots.Active(func(d *marker.RootDescriptor) {
		if !c.heap.Contains(d.Address()) {
			return
		}
		c.healSlot(mem.WordAt(d.Address()), tables)
	})
}

// healSlot rewrites one slot if its target was relocated, preserving
// the color bits and adding remapped. A slot that no longer holds the
// old address was replaced by the mutator and is left alone.
func (c *Collector) healSlot(slot *atomic.Uint64, tables []*relocate.ForwardingTable) {
	raw := slot.Load()
	ref := barrier.FromRaw(raw).Address()
	if ref == 0 {
		return
	}
	var newAddr uintptr
	var found bool
	for _, t := range tables {
		if ref >= t.RegionStart() && ref < t.RegionStart()+t.RegionSize() {
			newAddr, found = t.Lookup(ref)
			break
		}
	}
	if !found {
		return
	}
	for i := 0; i < c.cfg.RetryCeiling; i++ {
		p := barrier.FromRaw(raw)
		if p.Address() != ref {
			return
		}
		healed := p.WithAddress(newAddr).WithRemapped()
		if slot.CompareAndSwap(raw, healed.Raw()) {
			return
		}
		raw = slot.Load()
	}
}
