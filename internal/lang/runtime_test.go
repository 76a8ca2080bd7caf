package lang

import (
	"sync"
	"testing"

	"github.com/tangzhangming/novagc/internal/gc"
	"github.com/tangzhangming/novagc/internal/heap"
)

func testConfig() gc.Config {
	cfg := gc.DefaultConfig()
	cfg.Heap.InitialSize = 512 << 10
	cfg.Heap.MaxSize = 8 << 20
	cfg.Heap.RegionSize = 256 << 10
	cfg.Heap.TLHSize = 4 << 10
	cfg.Marking.GCThreads = 2
	cfg.Marking.PacketCapacity = 64
	cfg.Concurrent.HelperThreads = 1
	cfg.Concurrent.InitChunkSize = 16 << 10
	cfg.Concurrent.HelperSliceSize = 16 << 10
	cfg.Debug.Assertions = true
	return cfg
}

func newTestRuntime(t *testing.T, cfg gc.Config) *Runtime {
	t.Helper()
	rt, err := NewRuntime(cfg, nil)
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	t.Cleanup(func() {
		if err := rt.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return rt
}

// buildList 分配 n 个节点的单链表，返回头节点
func buildList(t *testing.T, m *Mutator, n int) *heap.Object {
	t.Helper()
	head, err := m.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	root := m.PushRoot(head)
	for i := 1; i < n; i++ {
		node, err := m.Alloc(2)
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		m.Store(node, 0, m.Root(root))
		m.SetRoot(root, node)
	}
	return m.PopRoot()
}

func listLength(m *Mutator, head *heap.Object) int {
	n := 0
	for node := head; node != nil; node = m.Load(node, 0) {
		n++
	}
	return n
}

func TestAllocStoreLoad(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	m := rt.NewMutator()
	defer m.Detach()

	parent, err := m.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	child, err := m.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	m.Store(parent, 1, child)
	if got := m.Load(parent, 1); got != child {
		t.Errorf("Expected child %#x, got %v", child.Addr, got)
	}
	if got := m.Load(parent, 0); got != nil {
		t.Errorf("Expected nil slot, got %#x", got.Addr)
	}
	if parent.Size != heap.SizeForRefs(3) {
		t.Errorf("Expected size %d, got %d", heap.SizeForRefs(3), parent.Size)
	}
}

func TestExplicitCollectFreesGarbage(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	m := rt.NewMutator()
	defer m.Detach()

	m.PushRoot(buildList(t, m, 10))
	for i := 0; i < 100; i++ {
		if _, err := m.Alloc(1); err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
	}

	cs, err := m.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if cs.Kind != "global" {
		t.Errorf("Expected global collection, got %s", cs.Kind)
	}
	if cs.Sweep.LiveObjects != 10 {
		t.Errorf("Expected 10 live objects, got %d", cs.Sweep.LiveObjects)
	}
	if cs.Sweep.FreedObjects != 100 {
		t.Errorf("Expected 100 freed objects, got %d", cs.Sweep.FreedObjects)
	}
	if n := listLength(m, m.Root(0)); n != 10 {
		t.Errorf("Expected list of 10, got %d", n)
	}
	if rt.Collector().ExecutionMode() != gc.ModeOff {
		t.Errorf("Expected mode off, got %s", rt.Collector().ExecutionMode())
	}
}

func TestConcurrentCycleCompletes(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	m := rt.NewMutator()
	defer m.Detach()

	const keep = 200
	m.PushRoot(buildList(t, m, keep))
	rt.Collector().ForceKickoff()

	for i := 0; i < 1_000_000; i++ {
		// 每隔一段在活链表中插入新节点，制造并发期间的引用写入
		obj, err := m.Alloc(2)
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		if i%1000 == 0 {
			head := m.Root(0)
			m.Store(obj, 0, head)
			m.SetRoot(0, obj)
		}
		if i%512 == 0 && rt.Stats().ConcurrentCycles > 0 {
			break
		}
	}

	stats := rt.Stats()
	if stats.ConcurrentCycles == 0 {
		t.Fatalf("Expected a concurrent cycle to complete, stats: mode=%s cycles=%d", stats.Mode, stats.Cycles)
	}
	if stats.LastCycle == nil {
		t.Fatal("Expected last cycle stats")
	}

	if n := listLength(m, m.Root(0)); n < keep {
		t.Errorf("Expected at least %d list nodes, got %d", keep, n)
	}
	if _, err := rt.VerifyHeap(m.Env()); err != nil {
		t.Errorf("VerifyHeap failed: %v", err)
	}
}

func TestCollectDuringConcurrentCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrent.HelperThreads = 0
	rt := newTestRuntime(t, cfg)
	m := rt.NewMutator()
	defer m.Detach()

	m.PushRoot(buildList(t, m, 50))
	rt.Collector().ForceKickoff()

	// 直到并发追踪开始
	for i := 0; i < 100_000 && !rt.Collector().ExecutionMode().IsTracing(); i++ {
		if _, err := m.Alloc(1); err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
	}
	if !rt.Collector().ExecutionMode().IsTracing() {
		t.Fatalf("Expected concurrent tracing, got %s", rt.Collector().ExecutionMode())
	}

	cs, err := m.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if cs.Kind != "concurrent" {
		t.Errorf("Expected concurrent final collection, got %s", cs.Kind)
	}
	if n := listLength(m, m.Root(0)); n != 50 {
		t.Errorf("Expected list of 50, got %d", n)
	}
	if _, err := rt.VerifyHeap(m.Env()); err != nil {
		t.Errorf("VerifyHeap failed: %v", err)
	}
}

func TestAbortCollection(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrent.HelperThreads = 0
	rt := newTestRuntime(t, cfg)
	m := rt.NewMutator()
	defer m.Detach()

	rt.Collector().ForceKickoff()
	for i := 0; i < 10_000 && rt.Collector().ExecutionMode() == gc.ModeOff; i++ {
		if _, err := m.Alloc(1); err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
	}
	if rt.Collector().ExecutionMode() == gc.ModeOff {
		t.Fatal("Expected concurrent cycle to start")
	}

	rt.Collector().AbortCollection(m.Env(), "test")
	if mode := rt.Collector().ExecutionMode(); mode != gc.ModeOff {
		t.Errorf("Expected mode off after abort, got %s", mode)
	}
	if stats := rt.Stats(); stats.Aborts != 1 {
		t.Errorf("Expected 1 abort, got %d", stats.Aborts)
	}
	acc := rt.Collector().WorkPackets().Accounting()
	if acc.Empty != int64(acc.Total) {
		t.Errorf("Expected all %d packets empty after abort, got %+v", acc.Total, acc)
	}
}

func TestRelocateUpdatesRootsAndHeapSlots(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	m := rt.NewMutator()
	defer m.Detach()

	parent, _ := m.Alloc(1)
	child, _ := m.Alloc(1)
	grandchild, _ := m.Alloc(0)
	m.Store(child, 0, grandchild)
	m.Store(parent, 0, child)
	m.PushRoot(parent)
	g := rt.AddGlobal(child)
	weak := rt.NewWeakRef(child)

	moved, err := m.Relocate(child)
	if err != nil {
		t.Fatalf("Relocate failed: %v", err)
	}
	if moved.Addr == child.Addr {
		t.Fatal("Relocated object should have a new address")
	}
	if rt.Global(g) != moved {
		t.Error("Global root should point to the copy")
	}
	if rt.Get(weak) != moved {
		t.Error("Weak reference should point to the copy")
	}
	// 堆中的引用槽等到标记时修正
	if parent.Ref(0) != child.Addr {
		t.Errorf("Heap slot should still hold %#x before marking, got %#x", child.Addr, parent.Ref(0))
	}
	if m.Load(parent, 0) != moved {
		t.Error("Load should follow the forwarding address")
	}
	if m.Load(child, 0) != grandchild {
		t.Error("Load through the old handle should reach the copy's slots")
	}
	if !rt.Stats().ScavengerBackOut {
		t.Error("Expected back out to be active after relocation")
	}

	if _, err := m.Collect(); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if parent.Ref(0) != moved.Addr {
		t.Errorf("Expected the heap slot fixed to %#x, got %#x", moved.Addr, parent.Ref(0))
	}
	if rt.Heap().ObjectAt(child.Addr) != nil {
		t.Error("Old copy should be swept")
	}
	if rt.Heap().ObjectAt(grandchild.Addr) == nil {
		t.Error("Object referenced by the copy should survive")
	}
	if rt.Stats().ScavengerBackOut {
		t.Error("Back out should end after the collection")
	}
	if _, err := rt.VerifyHeap(m.Env()); err != nil {
		t.Errorf("VerifyHeap failed: %v", err)
	}
}

func TestRelocateDuringConcurrentCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrent.HelperThreads = 0
	rt := newTestRuntime(t, cfg)
	m := rt.NewMutator()
	defer m.Detach()

	head := buildList(t, m, 50)
	m.PushRoot(head)
	middle := head
	for i := 0; i < 25; i++ {
		middle = m.Load(middle, 0)
	}

	rt.Collector().ForceKickoff()
	for i := 0; i < 10_000 && rt.Collector().ExecutionMode() == gc.ModeOff; i++ {
		if _, err := m.Alloc(1); err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
	}
	if rt.Collector().ExecutionMode() == gc.ModeOff {
		t.Fatal("Expected concurrent cycle to start")
	}

	if _, err := m.Relocate(middle); err != nil {
		t.Fatalf("Relocate failed: %v", err)
	}
	if mode := rt.Collector().ExecutionMode(); mode != gc.ModeOff {
		t.Errorf("Relocation should abandon the concurrent cycle, got %s", mode)
	}
	if stats := rt.Stats(); stats.Aborts != 1 {
		t.Errorf("Expected 1 abort, got %d", stats.Aborts)
	}
	if n := listLength(m, m.Root(0)); n != 50 {
		t.Errorf("Expected 50 nodes before collection, got %d", n)
	}

	if _, err := m.Collect(); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if n := listLength(m, m.Root(0)); n != 50 {
		t.Errorf("Expected 50 nodes after collection, got %d", n)
	}
	if live, err := rt.VerifyHeap(m.Env()); err != nil || live != 50 {
		t.Errorf("Expected 50 reachable objects, got %d (%v)", live, err)
	}
}

func TestWeakRefCleared(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	m := rt.NewMutator()
	defer m.Detach()

	live, _ := m.Alloc(0)
	dead, _ := m.Alloc(0)
	m.PushRoot(live)
	wLive := rt.NewWeakRef(live)
	wDead := rt.NewWeakRef(dead)

	if _, err := m.Collect(); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if rt.Get(wLive) != live {
		t.Error("Expected weak ref to live object to survive")
	}
	if rt.Get(wDead) != nil {
		t.Error("Expected weak ref to dead object to be cleared")
	}
}

func TestNurseryObjectsAreRoots(t *testing.T) {
	cfg := testConfig()
	cfg.Heap.NurserySize = 256 << 10
	rt := newTestRuntime(t, cfg)
	m := rt.NewMutator()
	defer m.Detach()

	holder, err := rt.AllocateNursery(1)
	if err != nil {
		t.Fatalf("AllocateNursery failed: %v", err)
	}
	if r := rt.Heap().RegionFor(holder.Addr); r == nil || r.ConcurrentlyCollectable {
		t.Fatalf("Expected holder in nursery region, got %v", r)
	}
	target, _ := m.Alloc(0)
	m.Store(holder, 0, target)

	cs, err := m.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if cs.Sweep.LiveObjects != 1 {
		t.Errorf("Expected 1 live collectable object, got %d", cs.Sweep.LiveObjects)
	}
	if rt.Heap().ObjectAt(target.Addr) != target {
		t.Error("Expected object referenced from nursery to survive")
	}
}

func TestLargeObjectSplitScan(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	m := rt.NewMutator()
	defer m.Detach()

	const refs = 1000
	big, err := m.Alloc(refs)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	m.PushRoot(big)
	for i := 0; i < refs; i++ {
		child, err := m.Alloc(0)
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		m.Store(m.Root(0), i, child)
	}

	cs, err := m.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if cs.Sweep.LiveObjects != refs+1 {
		t.Errorf("Expected %d live objects, got %d", refs+1, cs.Sweep.LiveObjects)
	}
	for i := 0; i < refs; i++ {
		if m.Load(big, i) == nil {
			t.Fatalf("Expected child %d to survive", i)
		}
	}
}

func TestGlobalsAreRoots(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	m := rt.NewMutator()
	defer m.Detach()

	obj, _ := m.Alloc(0)
	g := rt.AddGlobal(obj)
	if _, err := m.Collect(); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if rt.Global(g) != obj {
		t.Error("Expected global to survive collection")
	}

	rt.SetGlobal(g, nil)
	cs, err := m.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if cs.Sweep.LiveObjects != 0 {
		t.Errorf("Expected 0 live objects, got %d", cs.Sweep.LiveObjects)
	}
}

func TestHeapExpandAndContract(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	m := rt.NewMutator()
	defer m.Detach()

	before := rt.Heap().CollectableBytes()
	if err := rt.expandHeap(rt.Heap().RegionSize()); err != nil {
		t.Fatalf("expandHeap failed: %v", err)
	}
	if got := rt.Heap().CollectableBytes(); got != before+rt.Heap().RegionSize() {
		t.Errorf("Expected %d collectable bytes, got %d", before+rt.Heap().RegionSize(), got)
	}

	if _, err := m.Collect(); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	removed, err := rt.ContractEmptyRegions(m.Env())
	if err != nil {
		t.Fatalf("ContractEmptyRegions failed: %v", err)
	}
	if removed == 0 {
		t.Error("Expected at least one region to be removed")
	}
	if rt.Heap().CollectableBytes() >= before+rt.Heap().RegionSize() {
		t.Errorf("Expected heap to shrink, got %d collectable bytes", rt.Heap().CollectableBytes())
	}

	// 收缩后仍可分配
	if _, err := m.Alloc(4); err != nil {
		t.Errorf("Alloc after contract failed: %v", err)
	}
}

func TestManyMutatorsConcurrent(t *testing.T) {
	cfg := testConfig()
	cfg.Heap.MaxSize = 16 << 20
	rt := newTestRuntime(t, cfg)
	rt.Collector().ForceKickoff()

	const workers = 4
	const keep = 100
	var wg sync.WaitGroup
	errs := make(chan string, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			m := rt.NewMutator()
			defer m.Detach()

			head, err := m.Alloc(2)
			if err != nil {
				errs <- err.Error()
				return
			}
			root := m.PushRoot(head)
			for i := 1; i < 20_000; i++ {
				obj, err := m.Alloc(2)
				if err != nil {
					errs <- err.Error()
					return
				}
				if i%(200+seed) == 0 && listLength(m, m.Root(root)) < keep {
					m.Store(obj, 0, m.Root(root))
					m.SetRoot(root, obj)
				}
			}
			if n := listLength(m, m.Root(root)); n < 2 {
				errs <- "list lost nodes"
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}

	m := rt.NewMutator()
	defer m.Detach()
	if _, err := m.Collect(); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if _, err := rt.VerifyHeap(m.Env()); err != nil {
		t.Errorf("VerifyHeap failed: %v", err)
	}
	if stats := rt.Stats(); stats.Cycles == 0 {
		t.Error("Expected at least one collection")
	}
}
