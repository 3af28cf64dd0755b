package marker

import (
	"sync"
	"testing"
)

func TestMarkQueueFIFOAndSteal(t *testing.T) {
	q := NewMarkQueue()
	for _, a := range []uintptr{1, 2, 3, 4} {
		if !q.Push(a) {
			t.Fatal("push on open queue failed")
		}
	}
	if got, _ := q.Pop(); got != 1 {
		t.Fatalf("pop = %d, want front", got)
	}
	if got, _ := q.Steal(); got != 4 {
		t.Fatalf("steal = %d, want back", got)
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d", q.Len())
	}
}

func TestMarkQueueCloseDropsPushesKeepsDrain(t *testing.T) {
	q := NewMarkQueue()
	q.Push(7)
	q.Close()
	if q.Push(8) {
		t.Fatal("push after close must be rejected")
	}
	if got, ok := q.Pop(); !ok || got != 7 {
		t.Fatal("pending work must stay drainable after close")
	}
	q.Reopen()
	if !q.Push(9) {
		t.Fatal("reopened queue must accept pushes")
	}
}

func TestMarkQueueCounters(t *testing.T) {
	q := NewMarkQueue()
	const n = 100
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				q.Push(uintptr(w*n + i + 1))
			}
		}(w)
	}
	wg.Wait()
	if q.Enqueued() != 4*n || q.Len() != 4*n {
		t.Fatalf("enqueued %d len %d", q.Enqueued(), q.Len())
	}
	for !q.IsEmpty() {
		q.Pop()
	}
	if q.Processed() != 4*n {
		t.Fatalf("processed = %d", q.Processed())
	}
}

func TestLocalQueueValidation(t *testing.T) {
	if _, err := NewLocalQueue(24, NewMarkQueue()); err == nil {
		t.Fatal("non-power-of-two capacity accepted")
	}
	if _, err := NewLocalQueue(16, nil); err == nil {
		t.Fatal("nil overflow queue accepted")
	}
}

func TestLocalQueueSpillsToGlobal(t *testing.T) {
	global := NewMarkQueue()
	lq, err := NewLocalQueue(4, global)
	if err != nil {
		t.Fatalf("new local queue: %v", err)
	}
	for i := uintptr(1); i <= 6; i++ {
		if !lq.Push(i) {
			t.Fatalf("push %d failed", i)
		}
	}
	if lq.Len() != 4 {
		t.Fatalf("local len = %d", lq.Len())
	}
	if global.Len() != 2 {
		t.Fatalf("spilled = %d, want 2", global.Len())
	}

	var got []uintptr
	for {
		a, ok := lq.Pop()
		if !ok {
			break
		}
		got = append(got, a)
	}
	if len(got) != 6 {
		t.Fatalf("drained %d items, want 6", len(got))
	}
	if !lq.IsEmpty() {
		t.Fatal("queue not empty after drain")
	}
}
