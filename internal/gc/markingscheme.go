package gc

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/novagc/internal/heap"
)

// MaxScanSize 不限制扫描量
const MaxScanSize = ^uintptr(0)

// markMapClearChunk 并行清除标记位图时每个工作单元覆盖的堆字节数
const markMapClearChunk = 256 << 10

// MarkStats 标记统计
type MarkStats struct {
	ObjectsMarked  int64   `json:"objects_marked"`
	ObjectsScanned int64   `json:"objects_scanned"`
	BytesScanned   uintptr `json:"bytes_scanned"`
	SplitScans     int64   `json:"split_scans"`
}

func (s *MarkStats) merge(o MarkStats) {
	s.ObjectsMarked += o.ObjectsMarked
	s.ObjectsScanned += o.ObjectsScanned
	s.BytesScanned += o.BytesScanned
	s.SplitScans += o.SplitScans
}

// MarkingScheme 标记流程
//
// 根扫描、追踪循环（弹出、扫描引用槽、标记并压入子对象）和收尾；
// 语言相关的策略交给 MarkingDelegate。
type MarkingScheme struct {
	heap        *heap.Heap
	markMap     *MarkMap
	workPackets *WorkPackets
	delegate    MarkingDelegate

	// scavengerBackOut 并发 scavenger 中止期间引用槽可能指向被转发的对象
	scavengerBackOut atomic.Bool

	objectsMarked atomic.Int64
	bytesScanned  atomic.Uint64

	logger *zap.Logger
}

// NewMarkingScheme 创建标记流程
func NewMarkingScheme(h *heap.Heap, markMap *MarkMap, wp *WorkPackets, delegate MarkingDelegate, logger *zap.Logger) *MarkingScheme {
	return &MarkingScheme{
		heap:        h,
		markMap:     markMap,
		workPackets: wp,
		delegate:    delegate,
		logger:      logger,
	}
}

// MarkMap 标记位图
func (ms *MarkingScheme) MarkMap() *MarkMap {
	return ms.markMap
}

// WorkPackets 工作包池
func (ms *MarkingScheme) WorkPackets() *WorkPackets {
	return ms.workPackets
}

// SetScavengerBackOut 设置 scavenger 中止状态
func (ms *MarkingScheme) SetScavengerBackOut(active bool) {
	ms.scavengerBackOut.Store(active)
}

// ScavengerBackOutActive 标记时是否需要修正指向转发对象的引用槽
func (ms *MarkingScheme) ScavengerBackOutActive() bool {
	return ms.scavengerBackOut.Load()
}

// ============================================================================
// 标记阶段
// ============================================================================

// MarkLiveObjectsInit 准备工作栈，可选地并行清除标记位图
func (ms *MarkingScheme) MarkLiveObjectsInit(env *Env, initMarkMap bool) {
	env.WorkStack.Reset(env, ms.workPackets)
	env.WorkStack.PrepareForWork(env, ms.workPackets)
	if initMarkMap {
		for _, r := range ms.heap.Regions() {
			for low := r.Low; low < r.High; low += markMapClearChunk {
				if env.HandleNextWorkUnit() {
					ms.markMap.ClearBitsInRange(low, min(low+markMapClearChunk, r.High))
				}
			}
		}
	}
	if task := env.Task(); task != nil {
		task.SynchronizeGCThreads(env, "markLiveObjectsInit")
	}
}

// MarkLiveObjectsRoots 标记根
func (ms *MarkingScheme) MarkLiveObjectsRoots(env *Env) {
	ms.delegate.ScanRoots(env)
}

// MarkLiveObjectsScan 追踪到没有剩余工作
func (ms *MarkingScheme) MarkLiveObjectsScan(env *Env) {
	ms.CompleteScan(env)
}

// MarkLiveObjectsComplete 所有线程追踪完成后由主线程收尾
func (ms *MarkingScheme) MarkLiveObjectsComplete(env *Env) {
	task := env.Task()
	if task == nil {
		ms.delegate.CompleteMarking(env)
		ms.flushStats(env)
		return
	}
	ms.flushStats(env)
	if task.SynchronizeGCThreadsAndReleaseMaster(env, "markLiveObjectsComplete") {
		ms.delegate.CompleteMarking(env)
		task.ReleaseSynchronizedGCThreads(env)
	}
}

// CompleteScan 弹出并扫描直到全局工作完成，期间处理溢出
func (ms *MarkingScheme) CompleteScan(env *Env) {
	for {
		for item := env.WorkStack.Pop(env); item != 0; item = env.WorkStack.Pop(env) {
			ms.scanItem(env, item, MaxScanSize)
		}
		if !ms.workPackets.HandleWorkPacketOverflow(env) {
			return
		}
	}
}

// scanItem 扫描一个工作栈条目，分段标记后紧跟对象本身
func (ms *MarkingScheme) scanItem(env *Env, item uintptr, sizeToDo uintptr) uintptr {
	if !IsSplitTag(item) {
		return ms.ScanObject(env, item, ScanReasonPacket, sizeToDo)
	}
	obj := env.WorkStack.PopNoWait(env)
	assertf(obj != 0 && !IsSplitTag(obj), "split tag %#x not followed by an object", item)
	if obj == 0 {
		return 0
	}
	env.markStats.SplitScans++
	state := ScanState{StartIndex: SplitTagIndex(item)}
	return ms.scanObjectWithState(env, obj, &state, ScanReasonPacket, sizeToDo)
}

// ============================================================================
// 标记与扫描
// ============================================================================

// MarkObject 标记对象，首次标记时压入工作栈（leaf 为 true 时不压入）
//
// 空引用和堆外地址视为已标记。返回本次调用是否完成了标记。
func (ms *MarkingScheme) MarkObject(env *Env, addr uintptr, leaf bool) bool {
	if addr == 0 || !ms.heap.Contains(addr) {
		return false
	}
	return ms.InlineMarkObjectNoCheck(env, addr, leaf)
}

// MarkSlot 标记引用槽指向的对象；scavenger 中止期间先修正转发地址
//
// 语言层直接遍历的引用槽（nursery 对象等）经由这里标记。
func (ms *MarkingScheme) MarkSlot(env *Env, slot Slot) bool {
	return ms.MarkObject(env, ms.fixupForwardedSlot(slot), false)
}

// InlineMarkObjectNoCheck 标记对象，调用者保证 addr 非空且在堆内
func (ms *MarkingScheme) InlineMarkObjectNoCheck(env *Env, addr uintptr, leaf bool) bool {
	ms.assertSaneObjectPtr(env, addr)
	if !ms.markMap.AtomicSetBit(addr) {
		return false
	}
	if !leaf {
		env.WorkStack.Push(env, addr)
	}
	env.markStats.ObjectsMarked++
	return true
}

// IsMarked 对象是否已标记，堆外地址视为已标记
func (ms *MarkingScheme) IsMarked(addr uintptr) bool {
	if !ms.heap.Contains(addr) {
		return true
	}
	return ms.markMap.IsBitSet(addr)
}

// ScanObject 扫描对象的引用槽，标记并压入子对象，返回扫描的字节数
func (ms *MarkingScheme) ScanObject(env *Env, addr uintptr, reason ScanReason, sizeToDo uintptr) uintptr {
	var state ScanState
	return ms.scanObjectWithState(env, addr, &state, reason, sizeToDo)
}

func (ms *MarkingScheme) scanObjectWithState(env *Env, addr uintptr, state *ScanState, reason ScanReason, sizeToDo uintptr) uintptr {
	scanner := ms.delegate.GetObjectScanner(env, addr, state, reason, &sizeToDo)
	if scanner == nil {
		return 0
	}
	for slot := scanner.NextSlot(); slot != nil; slot = scanner.NextSlot() {
		if ref := ms.fixupForwardedSlot(slot); ref != 0 {
			ms.MarkObject(env, ref, false)
		}
	}
	bytes := scanner.BytesScanned()
	env.markStats.ObjectsScanned++
	env.markStats.BytesScanned += bytes
	return bytes
}

// fixupForwardedSlot 读取引用槽；scavenger 中止期间把指向转发对象的槽修正为转发地址
func (ms *MarkingScheme) fixupForwardedSlot(slot Slot) uintptr {
	ref := slot.Load()
	if ref == 0 || !ms.scavengerBackOut.Load() {
		return ref
	}
	if fwd := ms.delegate.ForwardedAddress(ref); fwd != 0 && fwd != ref {
		slot.CompareAndSwap(ref, fwd)
		return fwd
	}
	return ref
}

// assertSaneObjectPtr 对象指针必须非空、对齐、在堆内，且不是转发记录
func (ms *MarkingScheme) assertSaneObjectPtr(env *Env, addr uintptr) {
	if !assertionsEnabled.Load() {
		return
	}
	assertf(addr != 0, "null object pointer")
	assertf(addr%heap.ObjectAlignment == 0, "unaligned object pointer %#x", addr)
	assertf(ms.heap.Contains(addr), "object pointer %#x outside heap", addr)
	if !ms.scavengerBackOut.Load() {
		assertf(ms.delegate.ForwardedAddress(addr) == 0, "object %#x is forwarded", addr)
	}
}

// flushStats 把线程本地统计并入全局计数
func (ms *MarkingScheme) flushStats(env *Env) {
	ms.objectsMarked.Add(env.markStats.ObjectsMarked)
	ms.bytesScanned.Add(uint64(env.markStats.BytesScanned))
	env.markStats = MarkStats{}
}

// MarkedObjects 累计标记的对象数
func (ms *MarkingScheme) MarkedObjects() int64 {
	return ms.objectsMarked.Load()
}

// MarkedBytes 累计扫描的字节数
func (ms *MarkingScheme) MarkedBytes() uint64 {
	return ms.bytesScanned.Load()
}

// ResetStats 清零累计统计
func (ms *MarkingScheme) ResetStats() {
	ms.objectsMarked.Store(0)
	ms.bytesScanned.Store(0)
}

// ============================================================================
// 清卡
// ============================================================================

// CardCleanerForMarking 重新扫描脏卡中已标记的对象
type CardCleanerForMarking struct {
	markingScheme *MarkingScheme
	reason        ScanReason
}

// NewCardCleanerForMarking 创建标记用的清卡器
func NewCardCleanerForMarking(ms *MarkingScheme, reason ScanReason) *CardCleanerForMarking {
	return &CardCleanerForMarking{markingScheme: ms, reason: reason}
}

// Clean 扫描起始地址位于 [low, high) 的所有已标记对象
func (c *CardCleanerForMarking) Clean(env *Env, low, high uintptr, card Card) uintptr {
	var bytes uintptr
	ms := c.markingScheme
	ms.markMap.MarkedObjects(low, high, func(addr uintptr) {
		bytes += ms.ScanObject(env, addr, c.reason, MaxScanSize)
	})
	return bytes
}
