package marker

import (
	"sync"
	"time"

	"fenrir/gcerr"
	"fenrir/mem"
)

const (
	// frameAlign is the frame-pointer alignment the standard calling
	// convention guarantees.
	frameAlign = 16

	// defaultMaxFrames caps a frame-pointer walk so a corrupted chain
	// cannot send the scanner on an unbounded tour.
	defaultMaxFrames = 1024
)

// Watermark snapshots one thread's stack bounds during the brief
// stop-the-world pause. Everything in [StackPointer, StackBase) is
// frozen from the collector's point of view and safe to scan while the
// thread keeps running above the watermark.
type Watermark struct {
	ThreadID     uint64
	StackPointer uintptr
	StackBase    uintptr
	Taken        time.Time
}

// span covers the frozen stack slice.
func (w Watermark) span() mem.Span {
	return mem.Span{Base: w.StackPointer, Size: w.StackBase - w.StackPointer}
}

// StackScanner walks mutator stacks for heap references. Watermarks are
// established under a global pause; the scans themselves run
// concurrently with the mutators.
type StackScanner struct {
	heap Memory

	mu         sync.Mutex
	watermarks map[uint64]Watermark

	maxFrames int
}

// NewStackScanner builds a scanner over the heap view.
func NewStackScanner(heap Memory) *StackScanner {
	return &StackScanner{
		heap:       heap,
		watermarks: make(map[uint64]Watermark),
		maxFrames:  defaultMaxFrames,
	}
}

// SetWatermark records the stack snapshot for a thread. Stacks grow
// down, so the pointer must sit below the base.
func (s *StackScanner) SetWatermark(threadID uint64, stackPointer, stackBase uintptr) error {
	if stackPointer == 0 || stackBase == 0 || stackPointer >= stackBase {
		return gcerr.New(gcerr.KindInvalidArgument,
			"watermark sp %#x base %#x is not a descending stack", stackPointer, stackBase)
	}
	if stackPointer%mem.WordSize != 0 {
		return gcerr.Misaligned(stackPointer, mem.WordSize)
	}
	s.mu.Lock()
	s.watermarks[threadID] = Watermark{
		ThreadID:     threadID,
		StackPointer: stackPointer,
		StackBase:    stackBase,
		Taken:        time.Now(),
	}
	s.mu.Unlock()
	return nil
}

// Watermark returns the snapshot for a thread.
func (s *StackScanner) Watermark(threadID uint64) (Watermark, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watermarks[threadID]
	return w, ok
}

// Clear drops all watermarks at the end of a cycle.
func (s *StackScanner) Clear() {
	s.mu.Lock()
	s.watermarks = make(map[uint64]Watermark)
	s.mu.Unlock()
}

// ScanBelowWatermark scans the frozen slice of one thread's stack and
// returns the candidate heap references it found. Frame-pointer walking
// is tried first; an unwalkable chain degrades to conservative word
// scanning, which may yield false positives but never false negatives.
func (s *StackScanner) ScanBelowWatermark(threadID uint64) ([]uintptr, error) {
	w, ok := s.Watermark(threadID)
	if !ok {
		return nil, gcerr.New(gcerr.KindInvalidArgument,
			"no watermark for thread %d", threadID)
	}
	if refs, ok := s.walkFrames(w); ok {
		return refs, nil
	}
	return s.scanConservative(w.StackPointer, w.StackBase), nil
}

// walkFrames follows the saved-frame-pointer chain from the watermark
// toward the stack base. Each frame contributes its return address and
// in-frame words, filtered to heap residents. It reports false when the
// chain is unusable from the first frame so the caller can fall back.
func (s *StackScanner) walkFrames(w Watermark) ([]uintptr, bool) {
	span := w.span()
	var refs []uintptr

	fp := w.StackPointer
	walked := 0
	for i := 0; i < s.maxFrames; i++ {
		if fp%frameAlign != 0 || !span.Contains(fp, 2*mem.WordSize) {
			break
		}
		savedFP, err := mem.LoadWord(span, fp)
		if err != nil {
			break
		}
		retAddr, err := mem.LoadWord(span, fp+mem.WordSize)
		if err != nil {
			break
		}
		if s.heap.Contains(uintptr(retAddr)) {
			refs = append(refs, uintptr(retAddr))
		}

		// The caller's frame sits at a strictly higher address; a chain
		// that goes sideways or down is corrupt.
		next := uintptr(savedFP)
		if next <= fp || next > w.StackBase {
			walked++
			break
		}
		// In-frame words between the two frame records.
		for addr := fp + 2*mem.WordSize; addr+mem.WordSize <= next; addr += mem.WordSize {
			v, err := mem.LoadWord(span, addr)
			if err != nil {
				break
			}
			if s.heap.Contains(uintptr(v)) {
				refs = append(refs, uintptr(v))
			}
		}
		fp = next
		walked++
	}
	return refs, walked > 0
}

// scanConservative treats every aligned word in [lo, hi) whose value
// lands in the heap as a potential root.
func (s *StackScanner) scanConservative(lo, hi uintptr) []uintptr {
	span := mem.Span{Base: lo, Size: hi - lo}
	var refs []uintptr
	start := (lo + mem.WordSize - 1) &^ uintptr(mem.WordSize-1)
	for addr := start; addr+mem.WordSize <= hi; addr += mem.WordSize {
		v, err := mem.LoadWord(span, addr)
		if err != nil {
			continue
		}
		if s.heap.Contains(uintptr(v)) {
			refs = append(refs, uintptr(v))
		}
	}
	return refs
}

// ScanAll scans every watermarked thread, feeding references to fn.
func (s *StackScanner) ScanAll(fn func(threadID uint64, ref uintptr)) error {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.watermarks))
	for id := range s.watermarks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		refs, err := s.ScanBelowWatermark(id)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			fn(id, ref)
		}
	}
	return nil
}
