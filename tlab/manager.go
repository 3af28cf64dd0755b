package tlab

import (
	"sync"
	"sync/atomic"
	"time"

	"fenrir/config"
	"fenrir/gcerr"
)

// Memory is the heap surface the manager needs: aligned buffer grants
// and the occupancy numbers that drive pressure scaling.
type Memory interface {
	AllocateTLABMemoryAligned(size, align uintptr) (uintptr, error)
	UsedBytes() uint64
	MaxSize() uint64
}

// Adaptive sizing knobs.
const (
	// emaAlpha is the smoothing factor for the allocation-rate EMA.
	emaAlpha = 0.3

	// burstMultiplier temporarily inflates the buffer when a thread
	// shows a burst pattern: high rate, low utilization.
	burstMultiplier = 4.0

	// burstUtilization is the utilization below which a fast allocator
	// counts as bursting.
	burstUtilization = 0.5

	// growUtilization and shrinkUtilization drive the steady-state
	// multiplier.
	growUtilization   = 0.9
	shrinkUtilization = 0.3

	// pressureThreshold is the heap occupancy above which every new
	// buffer is halved.
	pressureThreshold = 0.8

	// defaultMaxTLABs caps concurrent buffers.
	defaultMaxTLABs = 4096

	// defaultAlign is the object alignment buffers hand out.
	defaultAlign = 8
)

// Manager hands out and refills TLABs. All mutation of the thread map
// and the rate EMA happens under one lock, held for the whole refill so
// concurrent refills cannot lose each other's updates.
type Manager struct {
	heap Memory

	minSize     uintptr
	maxSize     uintptr
	defaultSize uintptr
	align       uintptr
	maxTLABs    int

	mu    sync.Mutex
	tlabs map[uint64]*TLAB
	rate  float64 // bytes/sec, EMA across refills

	creates atomic.Uint64
	refills atomic.Uint64
}

// NewManager sizes the manager from the heap configuration.
func NewManager(heap Memory, cfg config.Config) *Manager {
	min := uintptr(cfg.TLABMinSize)
	max := uintptr(cfg.TLABMaxSize)
	def := min * 4
	if def > max {
		def = max
	}
	return &Manager{
		heap:        heap,
		minSize:     min,
		maxSize:     max,
		defaultSize: def,
		align:       defaultAlign,
		maxTLABs:    defaultMaxTLABs,
		tlabs:       make(map[uint64]*TLAB),
	}
}

// GetOrCreate returns the thread's buffer, creating one at the default
// size on first contact or after retirement.
func (m *Manager) GetOrCreate(threadID uint64) (*TLAB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tlabs[threadID]; ok && !t.IsRetired() {
		return t, nil
	}
	return m.installLocked(threadID, m.defaultSize)
}

// Refill retires the thread's buffer and installs a freshly sized one.
// The whole operation runs under the manager lock.
func (m *Manager) Refill(threadID uint64) (*TLAB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := m.defaultSize
	if old, ok := m.tlabs[threadID]; ok {
		old.Retire()
		m.observeRateLocked(old)
		size = m.nextSizeLocked(old)
	}
	m.refills.Add(1)
	return m.installLocked(threadID, size)
}

// Remove retires and forgets the buffer of an exited thread.
func (m *Manager) Remove(threadID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tlabs[threadID]; ok {
		t.Retire()
		delete(m.tlabs, threadID)
	}
}

// Allocate serves one allocation for the thread, refilling once when
// the buffer cannot satisfy it.
func (m *Manager) Allocate(threadID uint64, size uintptr) (uintptr, error) {
	t, err := m.GetOrCreate(threadID)
	if err != nil {
		return 0, err
	}
	addr, err := t.Allocate(size)
	if err == nil {
		return addr, nil
	}
	if gcerr.KindOf(err) != gcerr.KindTLAB {
		return 0, err
	}
	t, err = m.Refill(threadID)
	if err != nil {
		return 0, err
	}
	return t.Allocate(size)
}

// installLocked grants heap memory and installs the buffer. Caller
// holds mu.
func (m *Manager) installLocked(threadID uint64, size uintptr) (*TLAB, error) {
	if len(m.tlabs) >= m.maxTLABs {
		if _, replacing := m.tlabs[threadID]; !replacing {
			return nil, gcerr.New(gcerr.KindTLAB,
				"tlab limit %d reached", m.maxTLABs)
		}
	}
	size = m.clamp(size)
	start, err := m.heap.AllocateTLABMemoryAligned(size, m.align)
	if err != nil {
		return nil, gcerr.Wrap(gcerr.KindTLAB, err, "grant %d-byte tlab", size)
	}
	t, err := New(threadID, start, size, m.align, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	m.tlabs[threadID] = t
	m.creates.Add(1)
	return t, nil
}

// observeRateLocked folds the retired buffer's allocation rate into the
// EMA. Caller holds mu.
func (m *Manager) observeRateLocked(old *TLAB) {
	elapsed := time.Since(time.Unix(0, old.CreatedUnixNano())).Seconds()
	if elapsed <= 0 {
		return
	}
	instant := float64(old.AllocatedBytes()) / elapsed
	if m.rate == 0 {
		m.rate = instant
		return
	}
	m.rate = emaAlpha*instant + (1-emaAlpha)*m.rate
}

// nextSizeLocked derives the replacement size from utilization, the
// rate EMA, and heap pressure. Caller holds mu.
func (m *Manager) nextSizeLocked(old *TLAB) uintptr {
	util := old.Utilization()
	highRate := m.rate > float64(m.defaultSize)

	mult := 1.0
	switch {
	case highRate && util < burstUtilization:
		mult = burstMultiplier
	case util > growUtilization:
		mult = 2.0
	case util < shrinkUtilization:
		mult = 0.5
	}

	if max := m.heap.MaxSize(); max > 0 {
		if float64(m.heap.UsedBytes())/float64(max) > pressureThreshold {
			mult *= 0.5
		}
	}
	return m.clamp(uintptr(float64(old.Size()) * mult))
}

func (m *Manager) clamp(size uintptr) uintptr {
	if size < m.minSize {
		size = m.minSize
	}
	if size > m.maxSize {
		size = m.maxSize
	}
	return (size + m.align - 1) &^ (m.align - 1)
}

// ActiveCount returns the number of installed buffers.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tlabs)
}

// AllocationRate returns the current bytes/sec EMA.
func (m *Manager) AllocationRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// Creates returns the lifetime buffer-creation count.
func (m *Manager) Creates() uint64 { return m.creates.Load() }

// Refills returns the lifetime refill count.
func (m *Manager) Refills() uint64 { return m.refills.Load() }

// RetireAll retires every buffer, e.g. ahead of a relocation phase that
// wants no bump frontier moving inside condemned regions.
func (m *Manager) RetireAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tlabs {
		t.Retire()
	}
}
