package gc

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"fenrir/barrier"
	"fenrir/config"
	"fenrir/gcerr"
	"fenrir/heap"
	"fenrir/infra/gclog"
	"fenrir/marker"
	"fenrir/mem"
	"fenrir/object"
	"fenrir/stats"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MinHeapSize = config.MiB
	cfg.MaxHeapSize = 16 * config.MiB
	cfg.SmallRegionSize = 64 * 1024
	cfg.MediumRegionSize = 128 * 1024
	cfg.SmallThreshold = 256
	cfg.LargeThreshold = 4096
	cfg.TLABMinSize = 4 * 1024
	cfg.TLABMaxSize = 32 * 1024
	cfg.TenureThreshold = 1
	cfg.Workers = 2
	return cfg
}

func newTestRuntime(t *testing.T, opts RuntimeOptions) *Runtime {
	t.Helper()
	rt, err := Init(testConfig(), opts)
	if err != nil {
		if errors.Is(err, gcerr.ErrVirtualMemory) {
			t.Skipf("no reservation inside the colored-pointer range: %v", err)
		}
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { rt.Shutdown() })
	return rt
}

// mustAlloc zero-fills so recycled-region residue cannot masquerade as
// references under conservative scanning.
func mustAlloc(t *testing.T, rt *Runtime, tid uint64, size uintptr) uintptr {
	t.Helper()
	addr, err := rt.AllocateZeroed(tid, size)
	if err != nil {
		t.Fatalf("allocate %d bytes: %v", size, err)
	}
	return addr
}

func storeWord(addr, v uintptr) { mem.WordAt(addr).Store(uint64(v)) }

// loadRef decodes the colored pointer held in the slot at addr.
func loadRef(addr uintptr) uintptr {
	return barrier.FromRaw(mem.WordAt(addr).Load()).Address()
}

// rootCell allocates a medium object whose first payload word serves as
// a registered root slot holding target. Medium regions keep the cell
// out of the garbage-heavy small regions the cycle condemns.
func rootCell(t *testing.T, rt *Runtime, tid uint64, target uintptr) uintptr {
	t.Helper()
	cell := mustAlloc(t, rt, tid, 512)
	slot := object.DataStart(cell)
	storeWord(slot, target)
	if _, err := rt.RegisterRoot(slot, marker.RootGlobal, "test-root"); err != nil {
		t.Fatalf("register root: %v", err)
	}
	return slot
}

func TestAllocateInitializesHeader(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{})

	addr := mustAlloc(t, rt, 1, 40)
	if addr%object.Alignment != 0 {
		t.Fatalf("address %#x misaligned", addr)
	}
	hdr := object.At(addr)
	if hdr.Size() != 64 {
		t.Fatalf("total size = %d, want 64", hdr.Size())
	}
	if hdr.DataSize() != 40 {
		t.Fatalf("payload size = %d, want 40", hdr.DataSize())
	}

	if _, err := rt.Allocate(1, 0); !errors.Is(err, gcerr.ErrInvalidArgument) {
		t.Fatalf("zero-size allocation: %v", err)
	}
}

func TestAllocateZeroedClearsPayload(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{})

	addr, err := rt.AllocateZeroed(1, 64)
	if err != nil {
		t.Fatalf("allocate zeroed: %v", err)
	}
	data := object.DataStart(addr)
	for off := uintptr(0); off < 64; off += mem.WordSize {
		if v := mem.WordAt(data + off).Load(); v != 0 {
			t.Fatalf("payload word at +%d = %#x, want 0", off, v)
		}
	}
}

func TestFullCycleRelocatesAndHealsRoots(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{})
	const tid = 1
	const magic = 0xdeadbeef

	a := mustAlloc(t, rt, tid, 64)
	b := mustAlloc(t, rt, tid, 64)
	storeWord(object.DataStart(a), b)
	storeWord(object.DataStart(b)+8, magic)
	slot := rootCell(t, rt, tid, a)

	for i := 0; i < 300; i++ {
		mustAlloc(t, rt, tid, 64)
	}

	if err := rt.Collect(Full); err != nil {
		t.Fatalf("collect: %v", err)
	}

	a2 := loadRef(slot)
	if a2 == 0 {
		t.Fatal("root reference lost")
	}
	if a2 == a {
		t.Fatal("rooted object was not relocated")
	}
	if got := object.At(a2).Size(); got != 88 {
		t.Fatalf("relocated object size = %d, want 88", got)
	}
	b2 := loadRef(object.DataStart(a2))
	if b2 == 0 || b2 == b {
		t.Fatalf("child reference not healed: %#x", b2)
	}
	if got := mem.WordAt(object.DataStart(b2) + 8).Load(); got != magic {
		t.Fatalf("payload after relocation = %#x, want %#x", got, uint64(magic))
	}

	last, ok := rt.LastCycle()
	if !ok || !last.Completed {
		t.Fatalf("cycle record = %+v", last)
	}
	if last.ObjectsMarked < 2 {
		t.Fatalf("marked %d objects, want >= 2", last.ObjectsMarked)
	}
	if last.ObjectsRelocated < 2 {
		t.Fatalf("relocated %d objects, want >= 2", last.ObjectsRelocated)
	}
	if last.Reclaimed == 0 {
		t.Fatal("nothing reclaimed despite 300 dead objects")
	}
	if rt.Heap().FreeRegionCount() == 0 {
		t.Fatal("no region returned to the free list")
	}
}

func TestWideFanoutSurvivesCollection(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{})
	const tid = 1
	const fanout = 500
	const magic = 0xabad1dea

	// One hub object holding more references than a worker's private
	// ring, so discovery spills into the shared queue mid-trace.
	hub := mustAlloc(t, rt, tid, fanout*8)
	slot := rootCell(t, rt, tid, hub)
	for i := uintptr(0); i < fanout; i++ {
		child := mustAlloc(t, rt, tid, 16)
		storeWord(object.DataStart(child), magic+i)
		storeWord(object.DataStart(hub)+i*8, child)
	}
	for i := 0; i < 200; i++ {
		mustAlloc(t, rt, tid, 64)
	}

	if err := rt.Collect(Full); err != nil {
		t.Fatalf("collect: %v", err)
	}

	hub2 := loadRef(slot)
	if hub2 == 0 {
		t.Fatal("hub reference lost")
	}
	for i := uintptr(0); i < fanout; i++ {
		child := loadRef(object.DataStart(hub2) + i*8)
		if child == 0 {
			t.Fatalf("child %d lost", i)
		}
		if got := mem.WordAt(object.DataStart(child)).Load(); got != uint64(magic+i) {
			t.Fatalf("child %d payload = %#x, want %#x", i, got, uint64(magic+i))
		}
	}
	last, _ := rt.LastCycle()
	if last.ObjectsMarked < fanout {
		t.Fatalf("marked %d objects, want >= %d", last.ObjectsMarked, fanout)
	}
}

func TestSurvivorsPromoteAtTenureThreshold(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{})
	const tid = 1

	a := mustAlloc(t, rt, tid, 64)
	slot := rootCell(t, rt, tid, a)
	for i := 0; i < 100; i++ {
		mustAlloc(t, rt, tid, 64)
	}

	if err := rt.Collect(Full); err != nil {
		t.Fatalf("collect: %v", err)
	}

	a1 := loadRef(slot)
	r := rt.Heap().RegionFor(a1)
	if r == nil || r.Generation() != heap.Old {
		t.Fatalf("survivor at %#x not promoted to the old generation", a1)
	}
	if age := object.At(a1).Age(); age < 1 {
		t.Fatalf("survivor age = %d, want >= 1", age)
	}
	last, _ := rt.LastCycle()
	if last.ObjectsPromoted == 0 {
		t.Fatal("cycle recorded no promotions")
	}
}

func TestYoungCycleLeavesOldSpaceAlone(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{})
	const tid = 1

	a := mustAlloc(t, rt, tid, 64)
	slot := rootCell(t, rt, tid, a)
	for i := 0; i < 100; i++ {
		mustAlloc(t, rt, tid, 64)
	}
	if err := rt.Collect(Full); err != nil {
		t.Fatalf("full collect: %v", err)
	}
	a1 := loadRef(slot)
	if r := rt.Heap().RegionFor(a1); r == nil || r.Generation() != heap.Old {
		t.Fatalf("survivor at %#x not in old space", a1)
	}

	for i := 0; i < 300; i++ {
		mustAlloc(t, rt, tid, 64)
	}
	if err := rt.Collect(Young); err != nil {
		t.Fatalf("young collect: %v", err)
	}

	if got := loadRef(slot); got != a1 {
		t.Fatalf("old object moved in a young cycle: %#x -> %#x", a1, got)
	}
	last, _ := rt.LastCycle()
	if !last.Young || !last.Completed {
		t.Fatalf("cycle record = %+v", last)
	}
	if last.Reclaimed == 0 {
		t.Fatal("young cycle reclaimed nothing")
	}
}

func TestRememberedSetKeepsOldToYoungEdgeAlive(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{})
	const tid = 1
	const magic = 0xfeedface

	a := mustAlloc(t, rt, tid, 64)
	slot := rootCell(t, rt, tid, a)
	for i := 0; i < 100; i++ {
		mustAlloc(t, rt, tid, 64)
	}
	if err := rt.Collect(Full); err != nil {
		t.Fatalf("full collect: %v", err)
	}
	oldA := loadRef(slot)

	// An old object picks up a reference to a young one.
	y := mustAlloc(t, rt, tid, 64)
	storeWord(object.DataStart(y)+8, magic)
	storeWord(object.DataStart(oldA), y)
	rt.WriteBarrier(oldA, y)
	if !object.At(oldA).InRemSet() {
		t.Fatal("old holder missing from the remembered set")
	}

	// A young holder must not join.
	y2 := mustAlloc(t, rt, tid, 64)
	rt.WriteBarrier(y2, y)
	if object.At(y2).InRemSet() {
		t.Fatal("young holder joined the remembered set")
	}

	if err := rt.Collect(Young); err != nil {
		t.Fatalf("young collect: %v", err)
	}

	// y was reachable only through the remembered set; it must have
	// survived, and the old holder's slot must be healed.
	yNow := loadRef(object.DataStart(oldA))
	if yNow == 0 {
		t.Fatal("remembered-set edge lost")
	}
	if got := mem.WordAt(object.DataStart(yNow) + 8).Load(); got != magic {
		t.Fatalf("remembered survivor payload = %#x, want %#x", got, uint64(magic))
	}
}

func TestCycleEventsLogged(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, RuntimeOptions{EventDir: dir})

	mustAlloc(t, rt, 1, 64)
	if err := rt.Collect(Full); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := rt.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	var starts, ends int
	err := gclog.Replay(dir, 0, func(ev *gclog.Event) {
		switch ev.Type {
		case gclog.EventCycleStart:
			starts++
		case gclog.EventCycleEnd:
			ends++
		}
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if starts != 1 || ends != 1 {
		t.Fatalf("starts=%d ends=%d, want 1/1", starts, ends)
	}
}

func TestMetricsObserveCycles(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := stats.NewMetrics(reg)
	rt := newTestRuntime(t, RuntimeOptions{Metrics: m})

	a := mustAlloc(t, rt, 1, 64)
	rootCell(t, rt, 1, a)
	for i := 0; i < 100; i++ {
		mustAlloc(t, rt, 1, 64)
	}
	if err := rt.Collect(Full); err != nil {
		t.Fatalf("collect: %v", err)
	}

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("full", "completed")); got != 1 {
		t.Fatalf("completed full cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReclaimedBytes); got == 0 {
		t.Fatal("reclaimed bytes metric not observed")
	}
}

func TestDiagnosticsSnapshot(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{})

	a := mustAlloc(t, rt, 1, 64)
	rootCell(t, rt, 1, a)

	d := rt.Diagnostics()
	if d.Heap.Committed == 0 {
		t.Fatal("no committed memory reported")
	}
	if d.ActiveRoots != 1 {
		t.Fatalf("active roots = %d, want 1", d.ActiveRoots)
	}
	if d.ActiveTLABs == 0 {
		t.Fatal("no active TLAB reported")
	}
	if d.RecommendedHeap < testConfig().MinHeapSize {
		t.Fatalf("recommended heap %d below minimum", d.RecommendedHeap)
	}
}

func TestShutdownStopsOperations(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{})

	mustAlloc(t, rt, 1, 64)
	if err := rt.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := rt.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if _, err := rt.Allocate(1, 64); !errors.Is(err, gcerr.ErrInvalidState) {
		t.Fatalf("allocate after shutdown: %v", err)
	}
	if err := rt.Collect(Full); !errors.Is(err, gcerr.ErrInvalidState) {
		t.Fatalf("collect after shutdown: %v", err)
	}
}

func TestHealFastPathWhenIdle(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{})

	a := mustAlloc(t, rt, 1, 64)
	b := mustAlloc(t, rt, 1, 64)
	storeWord(object.DataStart(a), b)

	got, err := rt.Heal(mem.WordAt(object.DataStart(a)))
	if err != nil {
		t.Fatalf("heal: %v", err)
	}
	if got != b {
		t.Fatalf("healed address = %#x, want %#x", got, b)
	}
}
