package lang

import (
	"github.com/tangzhangming/novagc/internal/gc"
	"github.com/tangzhangming/novagc/internal/heap"
)

// delegate 同时实现 gc.MarkingDelegate 和 gc.CollectorLanguageInterface
type delegate struct {
	rt *Runtime
}

// ============================================================================
// 根
// ============================================================================

// ScanRoots 标记全局根、所有 mutator 的栈和 nursery 对象的引用
//
// 每一组是一个工作单元；并行任务中所有线程以相同顺序遍历。
func (d *delegate) ScanRoots(env *gc.Env) {
	ms := d.rt.collector.MarkingScheme()

	if env.HandleNextWorkUnit() {
		d.scanGlobals(env, ms)
	}
	for _, m := range d.rt.mutatorSnapshot() {
		if env.HandleNextWorkUnit() {
			d.scanStack(env, ms, m)
		}
	}
	for _, r := range d.rt.heap.Regions() {
		if r.ConcurrentlyCollectable {
			continue
		}
		if env.HandleNextWorkUnit() {
			d.scanNursery(env, ms, r)
		}
	}
}

func (d *delegate) scanGlobals(env *gc.Env, ms *gc.MarkingScheme) {
	for _, slot := range d.rt.globalSlots() {
		ms.MarkObject(env, slot.Load(), false)
	}
}

func (d *delegate) scanStack(env *gc.Env, ms *gc.MarkingScheme, m *Mutator) {
	for _, addr := range m.stack {
		ms.MarkObject(env, addr, false)
	}
}

// scanNursery nursery 对象本身不标记，只标记它们引用的对象
func (d *delegate) scanNursery(env *gc.Env, ms *gc.MarkingScheme, r *heap.Region) {
	d.rt.heap.ObjectsInRange(r.Low, r.High, func(obj *heap.Object) bool {
		for i := range obj.Refs {
			ms.MarkSlot(env, &obj.Refs[i])
		}
		return true
	})
}

// ============================================================================
// 对象扫描
// ============================================================================

// objectScanner 按下标遍历 [index, end) 的引用槽
type objectScanner struct {
	obj   *heap.Object
	index int
	end   int
	bytes uintptr
}

func (s *objectScanner) NextSlot() gc.Slot {
	if s.index >= s.end {
		return nil
	}
	slot := &s.obj.Refs[s.index]
	s.index++
	return slot
}

func (s *objectScanner) BytesScanned() uintptr {
	return s.bytes
}

// GetObjectScanner 引用槽超过分段大小的对象只扫描一段，剩余部分以分段标记压回
func (d *delegate) GetObjectScanner(env *gc.Env, addr uintptr, state *gc.ScanState, reason gc.ScanReason, sizeToDo *uintptr) gc.ObjectScanner {
	obj := d.rt.heap.ObjectAt(addr)
	if obj == nil {
		return nil
	}

	start := state.StartIndex
	end := obj.NumRefs()
	split := d.rt.config.Marking.ArraySplitSize
	if end-start > split {
		next := start + split
		env.WorkStack.Push2(env, gc.SplitTag(next), addr)
		end = next
	}

	bytes := uintptr(end-start) * heap.ReferenceSize
	if start == 0 {
		bytes += heap.HeaderSize
	}
	if *sizeToDo > bytes {
		*sizeToDo -= bytes
	} else {
		*sizeToDo = 0
	}
	return &objectScanner{obj: obj, index: start, end: end, bytes: bytes}
}

// CompleteMarking 清除指向未标记可收集对象的弱引用
func (d *delegate) CompleteMarking(env *gc.Env) {
	d.rt.clearDeadWeakRefs()
}

// ForwardedAddress 对象最终副本的地址，多次迁移时沿转发链查找
func (d *delegate) ForwardedAddress(addr uintptr) uintptr {
	obj := d.rt.heap.ObjectAt(addr)
	if obj == nil || obj.ForwardedAddress() == 0 {
		return 0
	}
	return addrOf(d.rt.resolve(obj))
}

// ============================================================================
// 并发收集需要的语言层操作
// ============================================================================

// FlushThreadLocalHeaps 退役所有 mutator 的 TLH（独占访问下）
func (d *delegate) FlushThreadLocalHeaps(env *gc.Env) {
	for _, m := range d.rt.mutatorSnapshot() {
		m.retireTLH()
	}
}

// SignalThreadsToTraceStacks 要求每个 mutator 扫描自己的栈
func (d *delegate) SignalThreadsToTraceStacks(env *gc.Env) {
	for _, m := range d.rt.mutatorSnapshot() {
		m.traceStackRequested.Store(true)
	}
}

// ConcurrentScanThreadRoots mutator 在自己的线程上扫描栈
func (d *delegate) ConcurrentScanThreadRoots(env *gc.Env) bool {
	m, ok := env.Owner.(*Mutator)
	if !ok || !m.traceStackRequested.Swap(false) {
		return false
	}
	d.scanStack(env, d.rt.collector.MarkingScheme(), m)
	return true
}

// ConcurrentCollectRoots 并发扫描全局根和 nursery
func (d *delegate) ConcurrentCollectRoots(env *gc.Env) bool {
	ms := d.rt.collector.MarkingScheme()
	d.scanGlobals(env, ms)
	for _, r := range d.rt.heap.Regions() {
		if !r.ConcurrentlyCollectable {
			d.scanNursery(env, ms, r)
		}
	}
	return true
}
