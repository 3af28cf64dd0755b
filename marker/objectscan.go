package marker

import (
	"container/list"
	"sync"

	"fenrir/barrier"
	"fenrir/gcerr"
	"fenrir/mem"
	"fenrir/object"
)

// defaultLayoutCacheSize bounds the layout cache; eviction is
// least-recently-used.
const defaultLayoutCacheSize = 256

// layoutCache memoizes reference maps keyed by object size so
// repeatedly-scanned shapes skip layout recomputation. It must be
// cleared between cycles because class loading can change a size's
// layout.
type layoutCache struct {
	mu      sync.Mutex
	cap     int
	order   *list.List // front = most recent
	entries map[uint64]*list.Element
}

type layoutEntry struct {
	size uint64
	rm   *object.ReferenceMap
}

func newLayoutCache(capacity int) *layoutCache {
	if capacity < 1 {
		capacity = 1
	}
	return &layoutCache{
		cap:     capacity,
		order:   list.New(),
		entries: make(map[uint64]*list.Element),
	}
}

func (c *layoutCache) get(size uint64) (*object.ReferenceMap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[size]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(layoutEntry).rm, true
}

func (c *layoutCache) put(size uint64, rm *object.ReferenceMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[size]; ok {
		el.Value = layoutEntry{size: size, rm: rm}
		c.order.MoveToFront(el)
		return
	}
	c.entries[size] = c.order.PushFront(layoutEntry{size: size, rm: rm})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(layoutEntry).size)
	}
}

func (c *layoutCache) clear() {
	c.mu.Lock()
	c.order.Init()
	c.entries = make(map[uint64]*list.Element)
	c.mu.Unlock()
}

func (c *layoutCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// ObjectScanner extracts outgoing references from a marked object so
// the wavefront can advance to them.
type ObjectScanner struct {
	heap    Memory
	layouts *layoutCache
}

// NewObjectScanner builds a scanner over the heap view.
func NewObjectScanner(heap Memory) *ObjectScanner {
	return &ObjectScanner{heap: heap, layouts: newLayoutCache(defaultLayoutCacheSize)}
}

// RegisterLayout memoizes the reference map for objects of the given
// total size.
func (s *ObjectScanner) RegisterLayout(size uint64, rm *object.ReferenceMap) {
	s.layouts.put(size, rm)
}

// ClearLayoutCache empties the cache; call it between cycles.
func (s *ObjectScanner) ClearLayoutCache() { s.layouts.clear() }

// CachedLayouts returns the number of memoized layouts.
func (s *ObjectScanner) CachedLayouts() int { return s.layouts.len() }

// Scan extracts the object's outgoing references. Precise scanning is
// used when a layout is cached for the object's size; otherwise every
// payload word is treated conservatively.
func (s *ObjectScanner) Scan(addr uintptr) ([]uintptr, error) {
	if !s.heap.Contains(addr) {
		return nil, gcerr.New(gcerr.KindInvalidPointer,
			"scan target %#x outside heap", addr)
	}
	hdr := object.At(addr)
	if rm, ok := s.layouts.get(hdr.Size()); ok {
		return s.ScanPrecise(addr, rm)
	}
	return s.ScanConservative(addr)
}

// ScanPrecise reads only the payload offsets the reference map names,
// yielding the non-null decoded addresses.
func (s *ObjectScanner) ScanPrecise(addr uintptr, rm *object.ReferenceMap) ([]uintptr, error) {
	if rm == nil {
		return nil, gcerr.New(gcerr.KindInvalidArgument, "nil reference map")
	}
	span := s.heap.Span()
	data := object.DataStart(addr)
	var refs []uintptr
	for _, off := range rm.Offsets() {
		raw, err := mem.LoadWord(span, data+off)
		if err != nil {
			return nil, err
		}
		if ref := barrier.FromRaw(raw).Address(); ref != 0 {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// ScanConservative walks every payload word, yielding any non-null
// decoded address that lands in the heap. False positives are
// acceptable here; false negatives are not.
func (s *ObjectScanner) ScanConservative(addr uintptr) ([]uintptr, error) {
	span := s.heap.Span()
	hdr := object.At(addr)
	data := object.DataStart(addr)
	var refs []uintptr
	for off := uintptr(0); off+mem.WordSize <= uintptr(hdr.DataSize()); off += mem.WordSize {
		raw, err := mem.LoadWord(span, data+off)
		if err != nil {
			return nil, err
		}
		if ref := barrier.FromRaw(raw).Address(); ref != 0 && s.heap.Contains(ref) {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// ReferenceValidator rejects candidate references that cannot be object
// addresses before they reach the mark queue.
type ReferenceValidator struct {
	heap Memory
}

// NewReferenceValidator builds a validator over the heap view.
func NewReferenceValidator(heap Memory) *ReferenceValidator {
	return &ReferenceValidator{heap: heap}
}

// Validate reports why a candidate is unusable, nil when it is fine.
func (v *ReferenceValidator) Validate(ref uintptr) error {
	if ref == 0 {
		return gcerr.New(gcerr.KindInvalidArgument, "null reference")
	}
	if ref%object.Alignment != 0 {
		return gcerr.Misaligned(ref, object.Alignment)
	}
	if !v.heap.Contains(ref) {
		return gcerr.New(gcerr.KindInvalidPointer,
			"reference %#x outside heap", ref)
	}
	return nil
}

// IsValid is the boolean form of Validate.
func (v *ReferenceValidator) IsValid(ref uintptr) bool { return v.Validate(ref) == nil }

// BatchScanner drains scan work in batches, validating and forwarding
// discovered references to the mark queue.
type BatchScanner struct {
	scanner   *ObjectScanner
	validator *ReferenceValidator
	queue     *MarkQueue
}

// NewBatchScanner wires a scanner and validator to the mark queue.
func NewBatchScanner(scanner *ObjectScanner, validator *ReferenceValidator, queue *MarkQueue) *BatchScanner {
	return &BatchScanner{scanner: scanner, validator: validator, queue: queue}
}

// ScanBatch scans each object and pushes its valid outgoing references.
// It returns how many references were enqueued.
func (b *BatchScanner) ScanBatch(addrs []uintptr) (int, error) {
	pushed := 0
	for _, addr := range addrs {
		refs, err := b.scanner.Scan(addr)
		if err != nil {
			return pushed, gcerr.Wrap(gcerr.KindMarkingFailed, err, "scan %#x", addr)
		}
		for _, ref := range refs {
			if b.validator.Validate(ref) != nil {
				continue
			}
			if b.queue.Push(ref) {
				pushed++
			}
		}
	}
	return pushed, nil
}
