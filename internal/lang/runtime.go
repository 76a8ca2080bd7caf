// Package lang 把并发收集器接到一个简单的对象模型上。
//
// Runtime 拥有堆和收集器，Mutator 是一个应用线程：它从自己的 TLH 分配对象，
// 通过写屏障存储引用，在栈上保存根。全局根、nursery 区域和弱引用由 Runtime 管理。
package lang

import (
	"errors"
	"fmt"
	"sync"

	uatomic "go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/novagc/internal/gc"
	"github.com/tangzhangming/novagc/internal/heap"
)

// Runtime 托管运行时
type Runtime struct {
	config gc.Config
	logger *zap.Logger

	heap      *heap.Heap
	collector *gc.ConcurrentGC
	delegate  *delegate

	mu       sync.Mutex
	mutators []*Mutator // 按注册顺序
	globals  []*uatomic.Uintptr
	weakRefs []*WeakRef

	// systemEnv 没有 mutator 时由运行时自身发起收集
	systemEnv *gc.Env
}

// NewRuntime 创建堆和收集器，按配置建立初始区域并启动收集器
func NewRuntime(cfg gc.Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	regionSize := uintptr(cfg.Heap.RegionSize)
	maxSize := uintptr(cfg.Heap.MaxSize) / regionSize * regionSize
	h, err := heap.New(heap.DefaultBase, maxSize, regionSize)
	if err != nil {
		return nil, fmt.Errorf("lang: create heap: %w", err)
	}

	rt := &Runtime{
		config: cfg,
		logger: logger,
		heap:   h,
	}
	rt.delegate = &delegate{rt: rt}

	c, err := gc.NewConcurrentGC(cfg, h, rt.delegate, rt.delegate, logger)
	if err != nil {
		return nil, err
	}
	rt.collector = c

	if cfg.Heap.NurserySize > 0 {
		if _, err := h.Expand(alignUp(uintptr(cfg.Heap.NurserySize), regionSize), false); err != nil {
			return nil, multierr.Append(fmt.Errorf("lang: create nursery: %w", err), c.Shutdown())
		}
	}
	initial := alignUp(max(uintptr(cfg.Heap.InitialSize), regionSize), regionSize)
	if _, err := h.Expand(initial, true); err != nil {
		return nil, multierr.Append(fmt.Errorf("lang: create initial heap: %w", err), c.Shutdown())
	}

	rt.systemEnv = c.NewEnv(gc.ThreadGCWorker)
	c.Start()

	logger.Info("runtime started",
		zap.Uintptr("committed", h.CommittedBytes()),
		zap.Uintptr("collectable", h.CollectableBytes()))
	return rt, nil
}

// Close 停止收集器
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	live := len(rt.mutators)
	rt.mu.Unlock()
	if live > 0 {
		rt.logger.Warn("runtime closed with attached mutators", zap.Int("mutators", live))
	}
	return rt.collector.Shutdown()
}

// Heap 被管理的堆
func (rt *Runtime) Heap() *heap.Heap {
	return rt.heap
}

// Collector 并发收集器
func (rt *Runtime) Collector() *gc.ConcurrentGC {
	return rt.collector
}

// Stats 收集器统计
func (rt *Runtime) Stats() gc.Stats {
	return rt.collector.Stats()
}

// Collect 在没有 mutator 上下文时发起一次收集
func (rt *Runtime) Collect(reason string) (gc.CycleStats, error) {
	return rt.collector.Collect(rt.systemEnv, reason)
}

// ============================================================================
// 全局根
// ============================================================================

// AddGlobal 增加一个全局根，返回其下标
func (rt *Runtime) AddGlobal(obj *heap.Object) int {
	slot := uatomic.NewUintptr(addrOf(rt.resolve(obj)))
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.globals = append(rt.globals, slot)
	return len(rt.globals) - 1
}

// SetGlobal 修改全局根
//
// 全局根在最终标记时重新扫描，不需要写屏障。
func (rt *Runtime) SetGlobal(i int, obj *heap.Object) {
	rt.mu.Lock()
	slot := rt.globals[i]
	rt.mu.Unlock()
	slot.Store(addrOf(rt.resolve(obj)))
}

// Global 读取全局根
func (rt *Runtime) Global(i int) *heap.Object {
	rt.mu.Lock()
	slot := rt.globals[i]
	rt.mu.Unlock()
	return rt.heap.ObjectAt(slot.Load())
}

func (rt *Runtime) globalSlots() []*uatomic.Uintptr {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*uatomic.Uintptr, len(rt.globals))
	copy(out, rt.globals)
	return out
}

func (rt *Runtime) mutatorSnapshot() []*Mutator {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*Mutator, len(rt.mutators))
	copy(out, rt.mutators)
	return out
}

// ============================================================================
// nursery 与区域收缩
// ============================================================================

// AllocateNursery 在 nursery 区域分配对象
//
// nursery 对象不被清除回收，它们的引用槽在每次最终标记时作为根扫描。
func (rt *Runtime) AllocateNursery(refs int) (*heap.Object, error) {
	return rt.heap.AllocateObject(refs, false)
}

// ContractEmptyRegions 移除没有对象的可收集区域（至少保留一个）
func (rt *Runtime) ContractEmptyRegions(env *gc.Env) (int, error) {
	access := rt.collector.Access()
	access.RequestExclusive(env)
	defer access.ReleaseExclusive(env)

	var collectable []*heap.Region
	for _, r := range rt.heap.Regions() {
		if r.ConcurrentlyCollectable {
			collectable = append(collectable, r)
		}
	}

	var removed int
	var errs error
	for i := len(collectable) - 1; i > 0; i-- {
		r := collectable[i]
		if r.FreeBytes() != r.Size() {
			continue
		}
		if err := rt.heap.Contract(r); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		rt.logger.Debug("heap contracted", zap.Int("regions", removed),
			zap.Uintptr("committed", rt.heap.CommittedBytes()))
	}
	return removed, errs
}

// ============================================================================
// 对象迁移
// ============================================================================

// Relocate 把对象复制到可收集区域并转发原对象，返回副本
//
// 全局根、mutator 栈和弱引用立即改为副本地址；堆中其他对象的引用槽由之后的
// 标记修正，在此之前 Load 和 Store 沿转发地址访问。进行中的并发周期被放弃。
func (rt *Runtime) Relocate(env *gc.Env, obj *heap.Object) (*heap.Object, error) {
	if obj == nil {
		return nil, fmt.Errorf("lang: relocate nil object")
	}

	access := rt.collector.Access()
	access.RequestExclusive(env)
	defer access.ReleaseExclusive(env)

	obj = rt.resolve(obj)
	if obj == nil {
		return nil, fmt.Errorf("lang: relocate: forwarding chain broken")
	}
	moved, err := rt.heap.AllocateObject(obj.NumRefs(), true)
	if errors.Is(err, heap.ErrOutOfMemory) && rt.expandHeap(obj.Size) == nil {
		moved, err = rt.heap.AllocateObject(obj.NumRefs(), true)
	}
	if err != nil {
		return nil, fmt.Errorf("lang: relocate %#x: %w", obj.Addr, err)
	}

	rt.collector.ScavengerBackOut(env, "relocate")
	for i := range obj.Refs {
		moved.Refs[i].Store(obj.Refs[i].Swap(0))
	}
	obj.Forward(moved.Addr)

	from, to := obj.Addr, moved.Addr
	for _, slot := range rt.globalSlots() {
		slot.CompareAndSwap(from, to)
	}
	for _, m := range rt.mutatorSnapshot() {
		for i, addr := range m.stack {
			if addr == from {
				m.stack[i] = to
			}
		}
	}
	rt.mu.Lock()
	for _, w := range rt.weakRefs {
		w.target.CompareAndSwap(from, to)
	}
	rt.mu.Unlock()

	rt.logger.Debug("object relocated", zap.Uintptr("from", from), zap.Uintptr("to", to))
	return moved, nil
}

// resolve 沿转发地址找到对象的当前副本
func (rt *Runtime) resolve(obj *heap.Object) *heap.Object {
	for obj != nil {
		fwd := obj.ForwardedAddress()
		if fwd == 0 {
			return obj
		}
		obj = rt.heap.ObjectAt(fwd)
	}
	return nil
}

// expandHeap 为 size 字节的分配增加一个可收集区域
func (rt *Runtime) expandHeap(size uintptr) error {
	regionSize := rt.heap.RegionSize()
	_, err := rt.heap.Expand(alignUp(max(size, regionSize), regionSize), true)
	if err != nil {
		return err
	}
	rt.logger.Debug("heap expanded", zap.Uintptr("committed", rt.heap.CommittedBytes()))
	return nil
}

func addrOf(obj *heap.Object) uintptr {
	if obj == nil {
		return 0
	}
	return obj.Addr
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) / align * align
}
