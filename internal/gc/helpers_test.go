package gc

import (
	"sync"
	"testing"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/novagc/internal/heap"
)

// ============================================================================
// 测试用的堆、委托和语言接口
// ============================================================================

const (
	testRegionSize = 256 << 10
	testMaxHeap    = 4 << 20
)

func newTestHeap(t *testing.T) *heap.Heap {
	t.Helper()
	h, err := heap.New(heap.DefaultBase, testMaxHeap, testRegionSize)
	if err != nil {
		t.Fatalf("heap.New failed: %v", err)
	}
	return h
}

func expandCollectable(t *testing.T, h *heap.Heap, regions int) *heap.Region {
	t.Helper()
	r, err := h.Expand(uintptr(regions)*testRegionSize, true)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	return r
}

func allocObject(t *testing.T, h *heap.Heap, refs int) *heap.Object {
	t.Helper()
	obj, err := h.AllocateObject(refs, true)
	if err != nil {
		t.Fatalf("AllocateObject failed: %v", err)
	}
	return obj
}

// testDelegate 根是一组对象地址，对象按引用槽扫描
type testDelegate struct {
	heap  *heap.Heap
	ms    *MarkingScheme
	split int

	mu    sync.Mutex
	roots []uintptr

	completed atomic.Int64
}

func newTestDelegate(h *heap.Heap) *testDelegate {
	return &testDelegate{heap: h, split: 1 << 30}
}

func (d *testDelegate) addRoot(obj *heap.Object) {
	d.mu.Lock()
	d.roots = append(d.roots, obj.Addr)
	d.mu.Unlock()
}

func (d *testDelegate) rootSnapshot() []uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uintptr(nil), d.roots...)
}

func (d *testDelegate) ScanRoots(env *Env) {
	if !env.HandleNextWorkUnit() {
		return
	}
	for _, r := range d.rootSnapshot() {
		d.ms.MarkObject(env, r, false)
	}
}

type testScanner struct {
	obj   *heap.Object
	index int
	end   int
	bytes uintptr
}

func (s *testScanner) NextSlot() Slot {
	if s.index >= s.end {
		return nil
	}
	slot := &s.obj.Refs[s.index]
	s.index++
	return slot
}

func (s *testScanner) BytesScanned() uintptr {
	return s.bytes
}

func (d *testDelegate) GetObjectScanner(env *Env, addr uintptr, state *ScanState, reason ScanReason, sizeToDo *uintptr) ObjectScanner {
	obj := d.heap.ObjectAt(addr)
	if obj == nil {
		return nil
	}
	start, end := state.StartIndex, obj.NumRefs()
	if end-start > d.split {
		env.WorkStack.Push2(env, SplitTag(start+d.split), addr)
		end = start + d.split
	}
	bytes := uintptr(end-start) * heap.ReferenceSize
	if start == 0 {
		bytes += heap.HeaderSize
	}
	return &testScanner{obj: obj, index: start, end: end, bytes: bytes}
}

func (d *testDelegate) CompleteMarking(env *Env) {
	d.completed.Inc()
}

func (d *testDelegate) ForwardedAddress(addr uintptr) uintptr {
	if obj := d.heap.ObjectAt(addr); obj != nil {
		return obj.ForwardedAddress()
	}
	return 0
}

// testCLI 记录收集器对语言层的调用
type testCLI struct {
	flushed     atomic.Int64
	signalled   atomic.Int64
	threadScans atomic.Int64
	rootScans   atomic.Int64
	delegate    *testDelegate
}

func (c *testCLI) FlushThreadLocalHeaps(env *Env) {
	c.flushed.Inc()
}

func (c *testCLI) SignalThreadsToTraceStacks(env *Env) {
	c.signalled.Inc()
}

func (c *testCLI) ConcurrentScanThreadRoots(env *Env) bool {
	c.threadScans.Inc()
	return true
}

func (c *testCLI) ConcurrentCollectRoots(env *Env) bool {
	c.rootScans.Inc()
	for _, r := range c.delegate.rootSnapshot() {
		c.delegate.ms.MarkObject(env, r, false)
	}
	return true
}

// markHarness 不带并发收集器的标记环境
type markHarness struct {
	heap      *heap.Heap
	markMap   *MarkMap
	packets   *WorkPackets
	scheme    *MarkingScheme
	cardTable *CardTable
	overflow  *ConcurrentOverflow
	delegate  *testDelegate
	sticky    atomic.Bool
}

func newMarkHarness(t *testing.T, packetCount, packetCapacity int) *markHarness {
	t.Helper()
	SetAssertions(true)
	h := newTestHeap(t)
	ct, err := NewCardTable(h, DebugConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCardTable failed: %v", err)
	}
	t.Cleanup(func() { ct.Release() })
	h.AddListener(ct)
	expandCollectable(t, h, 1)

	mh := &markHarness{
		heap:      h,
		markMap:   NewMarkMap(h.Base(), h.MaxSize()),
		packets:   NewWorkPackets(packetCount, packetCapacity, 2, zap.NewNop()),
		cardTable: ct,
		delegate:  newTestDelegate(h),
	}
	mh.scheme = NewMarkingScheme(h, mh.markMap, mh.packets, mh.delegate, zap.NewNop())
	mh.delegate.ms = mh.scheme
	mh.overflow = NewConcurrentOverflow(ct, mh.scheme, &mh.sticky, zap.NewNop())
	mh.packets.SetOverflowHandler(mh.overflow)
	return mh
}

func (mh *markHarness) newEnv(id int) *Env {
	env := &Env{ID: id, Type: ThreadGCWorker}
	env.WorkStack.Reset(env, mh.packets)
	return env
}

// chain 分配 n 个对象组成的单链表，返回头
func (mh *markHarness) chain(t *testing.T, n int) []*heap.Object {
	t.Helper()
	objs := make([]*heap.Object, n)
	for i := range objs {
		objs[i] = allocObject(t, mh.heap, 1)
		if i > 0 {
			objs[i-1].Refs[0].Store(objs[i].Addr)
		}
	}
	return objs
}

// testConfig 小堆、确定线程数的配置
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Heap.InitialSize = testRegionSize
	cfg.Heap.MaxSize = testMaxHeap
	cfg.Heap.RegionSize = testRegionSize
	cfg.Heap.TLHSize = 4 << 10
	cfg.Marking.GCThreads = 2
	cfg.Marking.PacketCapacity = 32
	cfg.Concurrent.HelperThreads = 0
	cfg.Concurrent.InitChunkSize = 32 << 10
	cfg.Debug.Assertions = true
	return cfg
}
