package heap

import (
	"fmt"
)

// TLH 线程本地堆：为单个 mutator 预留的一段连续内存
//
// 只有所属线程调用 Allocate；对象在 [Base, Alloc) 内按地址递增排列。
type TLH struct {
	Base uintptr
	Top  uintptr

	alloc  uintptr
	region *Region
	heap   *Heap
}

// AllocateTLH 从可并发收集区域中分配一个 TLH，大小介于 minSize 与 preferred 之间
func (h *Heap) AllocateTLH(minSize, preferred uintptr) (*TLH, error) {
	minSize = AlignObjectSize(minSize)
	preferred = AlignObjectSize(preferred)
	if preferred < minSize {
		preferred = minSize
	}
	for _, r := range h.Regions() {
		if !r.ConcurrentlyCollectable {
			continue
		}
		base, top := r.pool.allocateRange(minSize, preferred)
		if base != 0 {
			return &TLH{Base: base, Top: top, alloc: base, region: r, heap: h}, nil
		}
	}
	return nil, fmt.Errorf("%w: tlh of %d bytes", ErrOutOfMemory, minSize)
}

// Alloc 当前分配指针
func (t *TLH) Alloc() uintptr {
	return t.alloc
}

// Remaining 剩余可分配字节数
func (t *TLH) Remaining() uintptr {
	return t.Top - t.alloc
}

// Region 所属区域
func (t *TLH) Region() *Region {
	return t.region
}

// Allocate 在 TLH 中分配包含 refs 个引用槽的对象，空间不足时返回 nil
func (t *TLH) Allocate(refs int) *Object {
	size := SizeForRefs(refs)
	if t.Top-t.alloc < size {
		return nil
	}
	addr := t.alloc
	t.alloc += size
	return t.heap.register(addr, size, refs)
}

// Objects 遍历 TLH 中已分配的对象
func (t *TLH) Objects(fn func(*Object) bool) {
	t.heap.ObjectsInRange(t.Base, t.alloc, fn)
}

// Retire 归还未使用的尾部空间
func (t *TLH) Retire() {
	if t.alloc < t.Top {
		t.region.pool.release(t.alloc, t.Top)
	}
	t.Top = t.alloc
}
