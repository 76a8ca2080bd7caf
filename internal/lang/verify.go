package lang

import (
	"fmt"

	"github.com/tangzhangming/novagc/internal/gc"
	"github.com/tangzhangming/novagc/internal/heap"
)

// VerifyHeap 独占访问下从所有根遍历对象图，检查每个引用都指向存在的对象
//
// 返回可达的对象数。
func (rt *Runtime) VerifyHeap(env *gc.Env) (int, error) {
	access := rt.collector.Access()
	access.RequestExclusive(env)
	defer access.ReleaseExclusive(env)

	seen := make(map[uintptr]bool)
	var queue []uintptr
	visit := func(addr uintptr, from string) error {
		if addr == 0 {
			return nil
		}
		obj := rt.resolve(rt.heap.ObjectAt(addr))
		if obj == nil {
			return fmt.Errorf("lang: dangling reference %#x from %s", addr, from)
		}
		// 还没被标记修正的引用槽指向转发对象，按副本计
		addr = obj.Addr
		if seen[addr] {
			return nil
		}
		seen[addr] = true
		queue = append(queue, addr)
		return nil
	}

	for i, slot := range rt.globalSlots() {
		if err := visit(slot.Load(), fmt.Sprintf("global %d", i)); err != nil {
			return 0, err
		}
	}
	for _, m := range rt.mutatorSnapshot() {
		for i, addr := range m.stack {
			if err := visit(addr, fmt.Sprintf("mutator %d root %d", m.env.ID, i)); err != nil {
				return 0, err
			}
		}
	}
	for _, r := range rt.heap.Regions() {
		if r.ConcurrentlyCollectable {
			continue
		}
		var err error
		rt.heap.ObjectsInRange(r.Low, r.High, func(obj *heap.Object) bool {
			for i := range obj.Refs {
				if err = visit(obj.Refs[i].Load(), fmt.Sprintf("nursery object %#x", obj.Addr)); err != nil {
					return false
				}
			}
			return true
		})
		if err != nil {
			return 0, err
		}
	}

	for len(queue) > 0 {
		addr := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		obj := rt.heap.ObjectAt(addr)
		for i := range obj.Refs {
			if err := visit(obj.Refs[i].Load(), fmt.Sprintf("object %#x slot %d", addr, i)); err != nil {
				return 0, err
			}
		}
	}
	return len(seen), nil
}
