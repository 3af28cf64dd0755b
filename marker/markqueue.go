package marker

import (
	"sync"
	"sync/atomic"

	"fenrir/gcerr"
)

// MarkQueue is the global marking work queue: multiple producers (the
// load barrier, root scanning), multiple consumers (tracing workers).
// Workers pop from the front; idle workers steal from the back so the
// owner and thieves collide as little as possible.
type MarkQueue struct {
	mu    sync.Mutex
	items []uintptr

	enqueued  atomic.Uint64
	processed atomic.Uint64
	closed    atomic.Bool
}

// NewMarkQueue creates an empty open queue.
func NewMarkQueue() *MarkQueue {
	return &MarkQueue{}
}

// Push appends an object address. Pushes after Close are dropped and
// reported false.
func (q *MarkQueue) Push(addr uintptr) bool {
	if q.closed.Load() {
		return false
	}
	q.mu.Lock()
	q.items = append(q.items, addr)
	q.mu.Unlock()
	q.enqueued.Add(1)
	return true
}

// Pop removes from the front of the queue.
func (q *MarkQueue) Pop() (uintptr, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	addr := q.items[0]
	q.items = q.items[1:]
	q.processed.Add(1)
	return addr, true
}

// Steal removes from the back of the queue.
func (q *MarkQueue) Steal() (uintptr, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n == 0 {
		return 0, false
	}
	addr := q.items[n-1]
	q.items = q.items[:n-1]
	q.processed.Add(1)
	return addr, true
}

// Len returns the current queue depth.
func (q *MarkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports an empty queue.
func (q *MarkQueue) IsEmpty() bool { return q.Len() == 0 }

// Clear drops all pending work.
func (q *MarkQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Close rejects further pushes. Pending work stays poppable so workers
// can drain the queue.
func (q *MarkQueue) Close() { q.closed.Store(true) }

// Reopen clears the closed flag for the next cycle.
func (q *MarkQueue) Reopen() { q.closed.Store(false) }

// IsClosed reports whether the queue stopped accepting work.
func (q *MarkQueue) IsClosed() bool { return q.closed.Load() }

// Enqueued returns the lifetime push count.
func (q *MarkQueue) Enqueued() uint64 { return q.enqueued.Load() }

// Processed returns the lifetime pop/steal count.
func (q *MarkQueue) Processed() uint64 { return q.processed.Load() }

// EnqueueMark lets the queue stand directly behind the load barrier.
func (q *MarkQueue) EnqueueMark(addr uintptr) { q.Push(addr) }

// LocalQueue is a single-worker ring in front of the global queue. The
// owning worker pushes and pops without locking; overflow and underflow
// spill to the shared MarkQueue. head and tail sit on separate cache
// lines.
type LocalQueue struct {
	head uint64
	_    [56]byte
	tail uint64
	_    [56]byte

	buf      []uintptr
	mask     uint64
	overflow *MarkQueue
}

// NewLocalQueue sizes the ring to capacity, which must be a power of
// two, and attaches the shared overflow queue.
func NewLocalQueue(capacity uint64, overflow *MarkQueue) (*LocalQueue, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, gcerr.New(gcerr.KindInvalidArgument,
			"local queue capacity %d is not a power of two", capacity)
	}
	if overflow == nil {
		return nil, gcerr.New(gcerr.KindInvalidArgument, "local queue needs an overflow queue")
	}
	return &LocalQueue{buf: make([]uintptr, capacity), mask: capacity - 1, overflow: overflow}, nil
}

// Push enqueues locally, spilling to the global queue when the ring is
// full. Owner only.
func (q *LocalQueue) Push(addr uintptr) bool {
	h := q.head
	t := atomic.LoadUint64(&q.tail)
	if h-t == uint64(len(q.buf)) {
		return q.overflow.Push(addr)
	}
	q.buf[h&q.mask] = addr
	atomic.StoreUint64(&q.head, h+1)
	return true
}

// Pop dequeues locally, falling back to the global queue, then to
// stealing from its back. Owner only.
func (q *LocalQueue) Pop() (uintptr, bool) {
	t := q.tail
	h := atomic.LoadUint64(&q.head)
	if t != h {
		addr := q.buf[t&q.mask]
		q.buf[t&q.mask] = 0
		atomic.StoreUint64(&q.tail, t+1)
		return addr, true
	}
	if addr, ok := q.overflow.Pop(); ok {
		return addr, true
	}
	return q.overflow.Steal()
}

// Len returns the local depth, excluding spilled work.
func (q *LocalQueue) Len() int {
	h := atomic.LoadUint64(&q.head)
	t := atomic.LoadUint64(&q.tail)
	return int(h - t)
}

// IsEmpty reports whether both the ring and the shared queue are drained.
func (q *LocalQueue) IsEmpty() bool {
	return q.Len() == 0 && q.overflow.IsEmpty()
}
