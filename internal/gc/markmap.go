package gc

import (
	"math/bits"
	"sync/atomic"

	"github.com/tangzhangming/novagc/internal/heap"
)

// MarkMap 标记位图
//
// 每个对象对齐槽位一位，覆盖 [base, base+size)。
// 位在每个标记周期内由原子置位恰好设置一次，是"对象可达"的唯一依据。
type MarkMap struct {
	base uintptr
	size uintptr
	bits []uint64
}

const slotShift = 4 // log2(heap.ObjectAlignment)

// NewMarkMap 创建覆盖 [base, base+size) 的标记位图
func NewMarkMap(base, size uintptr) *MarkMap {
	slots := size >> slotShift
	return &MarkMap{
		base: base,
		size: size,
		bits: make([]uint64, (slots+63)/64),
	}
}

func (m *MarkMap) index(addr uintptr) (uintptr, uint64) {
	assertf(addr >= m.base && addr < m.base+m.size, "address %#x outside mark map", addr)
	assertf(addr%heap.ObjectAlignment == 0, "unaligned address %#x", addr)
	slot := (addr - m.base) >> slotShift
	return slot / 64, uint64(1) << (slot % 64)
}

// AtomicSetBit 原子置位，返回本次调用是否把位从 0 变为 1
func (m *MarkMap) AtomicSetBit(addr uintptr) bool {
	w, mask := m.index(addr)
	return atomic.OrUint64(&m.bits[w], mask)&mask == 0
}

// IsBitSet 位是否已置
func (m *MarkMap) IsBitSet(addr uintptr) bool {
	w, mask := m.index(addr)
	return atomic.LoadUint64(&m.bits[w])&mask != 0
}

// ClearBit 清除一位
func (m *MarkMap) ClearBit(addr uintptr) {
	w, mask := m.index(addr)
	atomic.AndUint64(&m.bits[w], ^mask)
}

// ClearBitsInRange 清除 [low, high) 内的所有位
func (m *MarkMap) ClearBitsInRange(low, high uintptr) {
	m.applyRange(low, high, false)
}

// SetBitsInRange 设置 [low, high) 内的所有位
func (m *MarkMap) SetBitsInRange(low, high uintptr) {
	m.applyRange(low, high, true)
}

// applyRange 首尾两个字用原子与/或，中间的整字直接存储
func (m *MarkMap) applyRange(low, high uintptr, set bool) {
	if high <= low {
		return
	}
	first := (low - m.base) >> slotShift
	last := (high - m.base + heap.ObjectAlignment - 1) >> slotShift // 不含
	firstWord, lastWord := first/64, (last-1)/64
	head := ^uint64(0) << (first % 64)
	tail := ^uint64(0) >> (63 - (last-1)%64)

	apply := func(w uintptr, mask uint64) {
		if set {
			atomic.OrUint64(&m.bits[w], mask)
		} else {
			atomic.AndUint64(&m.bits[w], ^mask)
		}
	}
	if firstWord == lastWord {
		apply(firstWord, head&tail)
		return
	}
	apply(firstWord, head)
	fill := uint64(0)
	if set {
		fill = ^uint64(0)
	}
	for w := firstWord + 1; w < lastWord; w++ {
		atomic.StoreUint64(&m.bits[w], fill)
	}
	apply(lastWord, tail)
}

// NextMarked 返回 [from, to) 中第一个已标记的地址
func (m *MarkMap) NextMarked(from, to uintptr) (uintptr, bool) {
	if from >= to {
		return 0, false
	}
	slot := (from - m.base + heap.ObjectAlignment - 1) >> slotShift
	end := (to - m.base + heap.ObjectAlignment - 1) >> slotShift
	for slot < end {
		w := slot / 64
		word := atomic.LoadUint64(&m.bits[w]) >> (slot % 64)
		if word == 0 {
			slot = (w + 1) * 64
			continue
		}
		slot += uintptr(bits.TrailingZeros64(word))
		if slot >= end {
			break
		}
		return m.base + slot<<slotShift, true
	}
	return 0, false
}

// MarkedObjects 按地址顺序对 [low, high) 中每个已标记地址调用 fn
func (m *MarkMap) MarkedObjects(low, high uintptr, fn func(addr uintptr)) {
	for addr, ok := m.NextMarked(low, high); ok; addr, ok = m.NextMarked(addr+heap.ObjectAlignment, high) {
		fn(addr)
	}
}

// CountMarked 统计 [low, high) 中已标记的位数
func (m *MarkMap) CountMarked(low, high uintptr) int {
	n := 0
	m.MarkedObjects(low, high, func(uintptr) { n++ })
	return n
}
