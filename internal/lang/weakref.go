package lang

import (
	uatomic "go.uber.org/atomic"

	"github.com/tangzhangming/novagc/internal/heap"
)

// WeakRef 不阻止目标被回收的引用
type WeakRef struct {
	target uatomic.Uintptr
}

// NewWeakRef 创建指向 obj 的弱引用
func (rt *Runtime) NewWeakRef(obj *heap.Object) *WeakRef {
	w := &WeakRef{}
	w.target.Store(addrOf(rt.resolve(obj)))
	rt.mu.Lock()
	rt.weakRefs = append(rt.weakRefs, w)
	rt.mu.Unlock()
	return w
}

// Get 读取目标，已被回收时返回 nil
func (rt *Runtime) Get(w *WeakRef) *heap.Object {
	return rt.heap.ObjectAt(w.target.Load())
}

// clearDeadWeakRefs 标记完成后清除目标未标记的弱引用，并丢弃已清除的弱引用
func (rt *Runtime) clearDeadWeakRefs() {
	ms := rt.collector.MarkingScheme()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	live := rt.weakRefs[:0]
	for _, w := range rt.weakRefs {
		addr := w.target.Load()
		if addr == 0 {
			continue
		}
		r := rt.heap.RegionFor(addr)
		if r != nil && r.ConcurrentlyCollectable && !ms.IsMarked(addr) {
			w.target.Store(0)
			continue
		}
		live = append(live, w)
	}
	clear(rt.weakRefs[len(live):])
	rt.weakRefs = live
}
