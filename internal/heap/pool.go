package heap

import (
	"sort"
	"sync"
)

// freeChunk 空闲块 [base, top)
type freeChunk struct {
	base, top uintptr
}

func (c freeChunk) size() uintptr {
	return c.top - c.base
}

// memoryPool 区域内按地址排序的空闲链表（首次适配）
type memoryPool struct {
	mu        sync.Mutex
	free      []freeChunk
	freeBytes uintptr
}

func newMemoryPool(low, high uintptr) *memoryPool {
	return &memoryPool{
		free:      []freeChunk{{low, high}},
		freeBytes: high - low,
	}
}

// allocate 分配 size 字节，失败返回 0
func (p *memoryPool) allocate(size uintptr) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.free {
		c := &p.free[i]
		if c.size() < size {
			continue
		}
		addr := c.base
		c.base += size
		if c.size() < MinObjectSize {
			// 剩余碎片不足一个对象，一并交出
			size += c.size()
			p.free = append(p.free[:i], p.free[i+1:]...)
		}
		p.freeBytes -= size
		return addr
	}
	return 0
}

// allocateRange 分配至少 minSize、至多 preferred 字节的连续块
func (p *memoryPool) allocateRange(minSize, preferred uintptr) (uintptr, uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.free {
		c := &p.free[i]
		if c.size() < minSize {
			continue
		}
		take := preferred
		if c.size() < take || c.size()-take < MinObjectSize {
			take = c.size()
		}
		base := c.base
		c.base += take
		if c.size() == 0 {
			p.free = append(p.free[:i], p.free[i+1:]...)
		}
		p.freeBytes -= take
		return base, base + take
	}
	return 0, 0
}

// release 归还 [base, top)，与相邻空闲块合并
func (p *memoryPool) release(base, top uintptr) {
	if top-base < MinObjectSize {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	i := sort.Search(len(p.free), func(i int) bool { return p.free[i].base >= top })
	p.free = append(p.free, freeChunk{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = freeChunk{base, top}
	p.freeBytes += top - base

	// 合并
	if i+1 < len(p.free) && p.free[i].top == p.free[i+1].base {
		p.free[i].top = p.free[i+1].top
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}
	if i > 0 && p.free[i-1].top == p.free[i].base {
		p.free[i-1].top = p.free[i].top
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
}

// reset 用新的空闲块集合替换空闲链表（清除阶段调用）
func (p *memoryPool) reset(chunks []freeChunk) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = chunks
	p.freeBytes = 0
	for _, c := range chunks {
		p.freeBytes += c.size()
	}
}

func (p *memoryPool) available() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeBytes
}

func (p *memoryPool) largestChunk() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()

	var largest uintptr
	for _, c := range p.free {
		if c.size() > largest {
			largest = c.size()
		}
	}
	return largest
}
