package marker

import (
	"sync"
	"sync/atomic"

	"fenrir/gcerr"
	"fenrir/mem"
)

// Memory is the heap view the marker needs: membership and the span
// that authorizes checked word access.
type Memory interface {
	Contains(addr uintptr) bool
	Span() mem.Span
}

// RootType categorizes where a root slot lives.
type RootType int

const (
	// RootStack is a slot in a mutator stack frame.
	RootStack RootType = iota
	// RootGlobal is a static or global slot.
	RootGlobal
	// RootClass is a class-metadata slot.
	RootClass
	// RootInternal is a runtime-internal slot.
	RootInternal
)

func (t RootType) String() string {
	switch t {
	case RootStack:
		return "stack"
	case RootGlobal:
		return "global"
	case RootClass:
		return "class"
	case RootInternal:
		return "internal"
	}
	return "unknown"
}

// RootDescriptor records one registered root slot: the address holding
// the reference, not the reference itself. Unregistering deactivates
// the descriptor instead of deleting it so handle identity survives.
type RootDescriptor struct {
	addr   uintptr
	rtype  RootType
	name   string
	id     uint64
	active atomic.Bool
}

// Address returns the slot address.
func (d *RootDescriptor) Address() uintptr { return d.addr }

// Type returns the root category.
func (d *RootDescriptor) Type() RootType { return d.rtype }

// Name returns the optional debug name.
func (d *RootDescriptor) Name() string { return d.name }

// ID returns the registry handle.
func (d *RootDescriptor) ID() uint64 { return d.id }

// IsActive reports whether the root participates in scanning.
func (d *RootDescriptor) IsActive() bool { return d.active.Load() }

// Deactivate removes the root from scanning without deleting it.
func (d *RootDescriptor) Deactivate() { d.active.Store(false) }

// Activate re-enables a deactivated root.
func (d *RootDescriptor) Activate() { d.active.Store(true) }

// RootRegistry tracks every registered root slot. Reads and writes of a
// root's referenced value only succeed for slots inside heap-managed
// memory; anything else is rejected so a root handle cannot be turned
// into an arbitrary-memory peek or poke.
type RootRegistry struct {
	heap Memory

	mu     sync.RWMutex
	roots  map[uint64]*RootDescriptor
	nextID atomic.Uint64
}

// NewRootRegistry builds the registry over the heap view.
func NewRootRegistry(heap Memory) *RootRegistry {
	return &RootRegistry{heap: heap, roots: make(map[uint64]*RootDescriptor)}
}

// Register adds a root slot and returns its descriptor.
func (r *RootRegistry) Register(addr uintptr, rtype RootType, name string) (*RootDescriptor, error) {
	if addr == 0 {
		return nil, gcerr.New(gcerr.KindInvalidArgument, "root address is nil")
	}
	if addr%mem.WordSize != 0 {
		return nil, gcerr.Misaligned(addr, mem.WordSize)
	}
	d := &RootDescriptor{addr: addr, rtype: rtype, name: name, id: r.nextID.Add(1)}
	d.active.Store(true)

	r.mu.Lock()
	r.roots[d.id] = d
	r.mu.Unlock()
	return d, nil
}

// Unregister deactivates the root with the given handle. The descriptor
// stays in the registry.
func (r *RootRegistry) Unregister(id uint64) bool {
	r.mu.RLock()
	d, ok := r.roots[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	d.Deactivate()
	return true
}

// Lookup returns the descriptor for a handle.
func (r *RootRegistry) Lookup(id uint64) (*RootDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.roots[id]
	return d, ok
}

// Read returns the reference currently stored in the root slot. Slots
// outside heap-managed memory are rejected.
func (r *RootRegistry) Read(d *RootDescriptor) (uintptr, error) {
	if !r.heap.Contains(d.addr) {
		return 0, gcerr.New(gcerr.KindInvalidArgument,
			"root slot %#x outside heap-managed memory", d.addr)
	}
	v, err := mem.LoadWord(r.heap.Span(), d.addr)
	if err != nil {
		return 0, err
	}
	return uintptr(v), nil
}

// Update stores a new reference into the root slot, with the same
// heap-residency requirement as Read.
func (r *RootRegistry) Update(d *RootDescriptor, value uintptr) error {
	if !r.heap.Contains(d.addr) {
		return gcerr.New(gcerr.KindInvalidArgument,
			"root slot %#x outside heap-managed memory", d.addr)
	}
	return mem.StoreWord(r.heap.Span(), d.addr, uint64(value))
}

// Scan calls fn for every non-null reference held by an active,
// heap-resident root. Unreadable slots are skipped.
func (r *RootRegistry) Scan(fn func(rtype RootType, ref uintptr)) {
	r.mu.RLock()
	descs := make([]*RootDescriptor, 0, len(r.roots))
	for _, d := range r.roots {
		descs = append(descs, d)
	}
	r.mu.RUnlock()

	for _, d := range descs {
		if !d.IsActive() {
			continue
		}
		ref, err := r.Read(d)
		if err != nil || ref == 0 {
			continue
		}
		fn(d.rtype, ref)
	}
}

// ActiveSlots returns the slot addresses of every active root. The
// relocation planner pins the regions these slots live in.
func (r *RootRegistry) ActiveSlots() []uintptr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uintptr
	for _, d := range r.roots {
		if d.IsActive() {
			out = append(out, d.addr)
		}
	}
	return out
}

// Active calls fn for every active descriptor.
func (r *RootRegistry) Active(fn func(d *RootDescriptor)) {
	r.mu.RLock()
	descs := make([]*RootDescriptor, 0, len(r.roots))
	for _, d := range r.roots {
		descs = append(descs, d)
	}
	r.mu.RUnlock()

	for _, d := range descs {
		if d.IsActive() {
			fn(d)
		}
	}
}

// RootStats summarizes the registry.
type RootStats struct {
	Total    int
	Active   int
	PerType  map[RootType]int
	NullRefs int
}

// Stats counts the registered roots by state and type.
func (r *RootRegistry) Stats() RootStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := RootStats{PerType: make(map[RootType]int)}
	for _, d := range r.roots {
		st.Total++
		if !d.IsActive() {
			continue
		}
		st.Active++
		st.PerType[d.rtype]++
		if ref, err := r.Read(d); err == nil && ref == 0 {
			st.NullRefs++
		}
	}
	return st
}
