package heap

import (
	"sync"
	"time"
)

// AdaptiveController watches allocation and reclamation rates and
// recommends a heap size between the configured bounds. Purely
// advisory: callers decide whether to act on the recommendation.
type AdaptiveController struct {
	mu sync.Mutex

	minSize uint64
	maxSize uint64
	current uint64

	allocBytes   uint64
	allocSince   time.Time
	lastReclaim  uint64
	growthFactor float64
	shrinkFactor float64
	highWater    float64
	lowWater     float64
}

// NewAdaptiveController starts at initial within [min, max].
func NewAdaptiveController(min, max, initial uint64) *AdaptiveController {
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	return &AdaptiveController{
		minSize:      min,
		maxSize:      max,
		current:      initial,
		allocSince:   time.Now(),
		growthFactor: 1.5,
		shrinkFactor: 0.75,
		highWater:    0.8,
		lowWater:     0.3,
	}
}

// RecordAllocation accumulates mutator allocation volume.
func (a *AdaptiveController) RecordAllocation(bytes uint64) {
	a.mu.Lock()
	a.allocBytes += bytes
	a.mu.Unlock()
}

// RecordGC notes how much a collection reclaimed.
func (a *AdaptiveController) RecordGC(reclaimed uint64) {
	a.mu.Lock()
	a.lastReclaim = reclaimed
	a.mu.Unlock()
}

// Recommend returns the suggested heap size for the observed usage.
func (a *AdaptiveController) Recommend(used uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	usage := float64(used) / float64(a.current)
	switch {
	case usage > a.highWater:
		next := uint64(float64(a.current) * a.growthFactor)
		if next > a.maxSize {
			next = a.maxSize
		}
		a.current = next
	case usage < a.lowWater && a.lastReclaim > 0:
		next := uint64(float64(a.current) * a.shrinkFactor)
		if next < a.minSize {
			next = a.minSize
		}
		a.current = next
	}
	return a.current
}

// Current returns the standing recommendation.
func (a *AdaptiveController) Current() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// AllocationRate returns bytes/sec since the last call and resets the
// window.
func (a *AdaptiveController) AllocationRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	elapsed := time.Since(a.allocSince).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(a.allocBytes) / elapsed
	a.allocBytes = 0
	a.allocSince = time.Now()
	return rate
}
