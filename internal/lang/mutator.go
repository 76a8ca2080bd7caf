package lang

import (
	"errors"
	"fmt"

	uatomic "go.uber.org/atomic"

	"github.com/tangzhangming/novagc/internal/gc"
	"github.com/tangzhangming/novagc/internal/heap"
)

// ErrDetached mutator 已经脱离运行时
var ErrDetached = errors.New("lang: mutator detached")

// Mutator 应用线程
//
// Mutator 只能被创建它的 goroutine 使用。它持有 VM 访问权直到 Detach，
// 调用者需要定期经过 SafePoint（Alloc 会自动经过）。
type Mutator struct {
	rt  *Runtime
	env *gc.Env

	tlh   *heap.TLH
	stack []uintptr

	traceStackRequested uatomic.Bool
	detached            bool
}

// NewMutator 注册一个 mutator 并获取 VM 访问权
func (rt *Runtime) NewMutator() *Mutator {
	m := &Mutator{rt: rt}
	m.env = rt.collector.NewEnv(gc.ThreadMutator)
	m.env.Owner = m
	rt.collector.Access().AcquireAccess(m.env)

	rt.mu.Lock()
	rt.mutators = append(rt.mutators, m)
	rt.mu.Unlock()
	return m
}

// Env 收集器线程环境
func (m *Mutator) Env() *gc.Env {
	return m.env
}

// Detach 退役 TLH、交还工作包并释放访问权
func (m *Mutator) Detach() {
	if m.detached {
		return
	}
	m.retireTLH()

	rt := m.rt
	rt.mu.Lock()
	for i, other := range rt.mutators {
		if other == m {
			rt.mutators = append(rt.mutators[:i], rt.mutators[i+1:]...)
			break
		}
	}
	rt.mu.Unlock()

	rt.collector.ReleaseEnv(m.env)
	rt.collector.Access().ReleaseAccess(m.env)
	m.stack = nil
	m.detached = true
}

// SafePoint 有独占请求时在此让出
func (m *Mutator) SafePoint() {
	m.rt.collector.Access().CheckSafePoint(m.env)
}

// Relocate 迁移对象，见 Runtime.Relocate
func (m *Mutator) Relocate(obj *heap.Object) (*heap.Object, error) {
	if m.detached {
		return nil, ErrDetached
	}
	return m.rt.Relocate(m.env, obj)
}

// Collect 显式收集
func (m *Mutator) Collect() (gc.CycleStats, error) {
	if m.detached {
		return gc.CycleStats{}, ErrDetached
	}
	return m.rt.collector.Collect(m.env, "explicit")
}

// ============================================================================
// 分配
// ============================================================================

// Alloc 分配包含 refs 个引用槽的对象
func (m *Mutator) Alloc(refs int) (*heap.Object, error) {
	if m.detached {
		return nil, ErrDetached
	}
	if refs < 0 {
		return nil, fmt.Errorf("lang: negative reference count %d", refs)
	}
	m.SafePoint()

	size := heap.SizeForRefs(refs)
	if size >= uintptr(m.rt.config.Heap.LargeObjectSize) {
		return m.allocLarge(refs, size)
	}

	if m.tlh != nil {
		if obj := m.tlh.Allocate(refs); obj != nil {
			return obj, nil
		}
	}
	if err := m.refreshTLH(size); err != nil {
		return nil, err
	}
	return m.tlh.Allocate(refs), nil
}

// allocLarge 大对象直接从区域分配
func (m *Mutator) allocLarge(refs int, size uintptr) (*heap.Object, error) {
	c := m.rt.collector
	var obj *heap.Object
	err := m.withRecovery(size, func() error {
		var err error
		obj, err = m.rt.heap.AllocateObject(refs, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.ObjectAllocated(m.env, obj.Addr)
	c.PayAllocationTax(m.env, obj.Size)
	return obj, nil
}

// refreshTLH 退役当前 TLH、缴税，然后获取至少 minSize 字节的新 TLH
func (m *Mutator) refreshTLH(minSize uintptr) error {
	c := m.rt.collector
	if m.tlh != nil {
		used := m.tlh.Alloc() - m.tlh.Base
		m.retireTLH()
		c.PayAllocationTax(m.env, used)
	}

	preferred := max(uintptr(m.rt.config.Heap.TLHSize), minSize)
	var tlh *heap.TLH
	err := m.withRecovery(minSize, func() error {
		var err error
		tlh, err = m.rt.heap.AllocateTLH(minSize, preferred)
		return err
	})
	if err != nil {
		return err
	}
	c.TLHRefreshed(m.env, tlh)
	m.tlh = tlh
	return nil
}

// retireTLH 通知收集器后归还 TLH 的剩余空间
func (m *Mutator) retireTLH() {
	if m.tlh == nil {
		return
	}
	m.rt.collector.TLHCleared(m.env, m.tlh)
	m.tlh.Retire()
	m.tlh = nil
}

// withRecovery 分配失败时先扩展堆，仍失败则收集后重试
func (m *Mutator) withRecovery(size uintptr, alloc func() error) error {
	err := alloc()
	if !errors.Is(err, heap.ErrOutOfMemory) {
		return err
	}
	if m.rt.expandHeap(size) == nil {
		if err = alloc(); err == nil {
			return nil
		}
	}
	if _, cerr := m.rt.collector.Collect(m.env, "allocation-failure"); cerr != nil {
		return cerr
	}
	return alloc()
}

// ============================================================================
// 引用读写
// ============================================================================

// Store 写引用槽（带写屏障），parent 和 value 被迁移过时使用副本
func (m *Mutator) Store(parent *heap.Object, slot int, value *heap.Object) {
	rt := m.rt
	rt.collector.WriteBarrierStore(m.env, rt.resolve(parent), slot, addrOf(rt.resolve(value)))
}

// Load 读引用槽
func (m *Mutator) Load(parent *heap.Object, slot int) *heap.Object {
	rt := m.rt
	return rt.resolve(rt.heap.ObjectAt(rt.resolve(parent).Ref(slot)))
}

// ============================================================================
// 栈根
// ============================================================================

// PushRoot 压入一个栈根，返回其下标
func (m *Mutator) PushRoot(obj *heap.Object) int {
	m.stack = append(m.stack, addrOf(m.rt.resolve(obj)))
	return len(m.stack) - 1
}

// PopRoot 弹出栈顶的根
func (m *Mutator) PopRoot() *heap.Object {
	if len(m.stack) == 0 {
		return nil
	}
	addr := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return m.rt.heap.ObjectAt(addr)
}

// SetRoot 修改栈根
func (m *Mutator) SetRoot(i int, obj *heap.Object) {
	m.stack[i] = addrOf(m.rt.resolve(obj))
}

// Root 读取栈根
func (m *Mutator) Root(i int) *heap.Object {
	return m.rt.heap.ObjectAt(m.stack[i])
}

// RootCount 栈根数量
func (m *Mutator) RootCount() int {
	return len(m.stack)
}
