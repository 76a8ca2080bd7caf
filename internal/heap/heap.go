// Package heap 实现收集器使用的模拟堆。
//
// 堆是一段抽象地址空间 [Base, MaxTop)，由若干区域组成。区域可以在运行期间
// 增加或移除；每次变化都会通知注册的 RangeListener（卡表、标记位图等），
// 监听者失败时变化被回滚。对象以 ObjectAlignment 对齐，通过起始地址表查找。
package heap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// 错误定义
var (
	ErrOutOfMemory   = errors.New("heap: out of memory")
	ErrNoSpace       = errors.New("heap: no address space for region")
	ErrUnknownRegion = errors.New("heap: region not part of heap")
)

// RangeListener 堆区域变化监听者
type RangeListener interface {
	// HeapAddRange 新区域 [r.Low, r.High) 即将生效
	HeapAddRange(r *Region) error

	// HeapRemoveRange 区域即将移除。lowValid 是下方仍有效区域的末尾（没有时为堆基址），
	// highValid 是上方仍有效区域的起始（没有时为 MaxTop）。
	HeapRemoveRange(r *Region, lowValid, highValid uintptr) error
}

// Region 堆区域
type Region struct {
	Low  uintptr
	High uintptr

	// ConcurrentlyCollectable 区域中的对象由并发标记处理；
	// 否则（nursery）整个区域在最终 STW 阶段作为根扫描，也不被全局清除回收
	ConcurrentlyCollectable bool

	pool *memoryPool
}

// Size 区域大小
func (r *Region) Size() uintptr {
	return r.High - r.Low
}

// Contains 地址是否在区域内
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.Low && addr < r.High
}

// FreeBytes 区域空闲字节数
func (r *Region) FreeBytes() uintptr {
	return r.pool.available()
}

func (r *Region) String() string {
	kind := "tenure"
	if !r.ConcurrentlyCollectable {
		kind = "nursery"
	}
	return fmt.Sprintf("%s[%#x, %#x)", kind, r.Low, r.High)
}

// Heap 模拟堆
type Heap struct {
	mu sync.RWMutex

	base       uintptr
	maxSize    uintptr
	regionSize uintptr

	regions   []*Region // 按地址排序
	listeners []RangeListener

	// regionTable 以 regionSize 为粒度索引区域，无锁查找
	regionTable []atomic.Pointer[Region]

	// objects 对象起始地址表，以 ObjectAlignment 为粒度索引
	objects []atomic.Pointer[Object]

	allocatedObjects atomic.Int64
}

// DefaultBase 默认堆基址
const DefaultBase uintptr = 0x1000000

// New 创建堆。maxSize 和 regionSize 必须是 ObjectAlignment 的倍数，
// maxSize 必须是 regionSize 的倍数。创建后堆中没有区域。
func New(base, maxSize, regionSize uintptr) (*Heap, error) {
	if regionSize == 0 || maxSize == 0 {
		return nil, fmt.Errorf("heap: invalid geometry max=%d region=%d", maxSize, regionSize)
	}
	if regionSize%ObjectAlignment != 0 || maxSize%regionSize != 0 {
		return nil, fmt.Errorf("heap: max size %#x must be a multiple of region size %#x", maxSize, regionSize)
	}
	if base == 0 || base%ObjectAlignment != 0 {
		return nil, fmt.Errorf("heap: bad base address %#x", base)
	}

	return &Heap{
		base:        base,
		maxSize:     maxSize,
		regionSize:  regionSize,
		regionTable: make([]atomic.Pointer[Region], maxSize/regionSize),
		objects:     make([]atomic.Pointer[Object], maxSize/ObjectAlignment),
	}, nil
}

// AddListener 注册区域变化监听者
func (h *Heap) AddListener(l RangeListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// Base 堆基址
func (h *Heap) Base() uintptr {
	return h.base
}

// MaxTop 堆能达到的最高地址（不含）
func (h *Heap) MaxTop() uintptr {
	return h.base + h.maxSize
}

// MaxSize 最大堆大小
func (h *Heap) MaxSize() uintptr {
	return h.maxSize
}

// RegionSize 区域粒度
func (h *Heap) RegionSize() uintptr {
	return h.regionSize
}

// Top 最高区域的末尾；堆为空时等于基址
func (h *Heap) Top() uintptr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.regions) == 0 {
		return h.base
	}
	return h.regions[len(h.regions)-1].High
}

// Regions 返回当前区域的快照
func (h *Heap) Regions() []*Region {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Region, len(h.regions))
	copy(out, h.regions)
	return out
}

// Contains 地址是否位于某个活动区域
func (h *Heap) Contains(addr uintptr) bool {
	return h.RegionFor(addr) != nil
}

// RegionFor 返回包含 addr 的区域
func (h *Heap) RegionFor(addr uintptr) *Region {
	if addr < h.base || addr >= h.base+h.maxSize {
		return nil
	}
	return h.regionTable[(addr-h.base)/h.regionSize].Load()
}

// ObjectAt 返回起始于 addr 的对象
func (h *Heap) ObjectAt(addr uintptr) *Object {
	if addr < h.base || addr >= h.base+h.maxSize || addr%ObjectAlignment != 0 {
		return nil
	}
	return h.objects[(addr-h.base)/ObjectAlignment].Load()
}

// ObjectCount 已注册的对象数量
func (h *Heap) ObjectCount() int64 {
	return h.allocatedObjects.Load()
}

// Expand 在最低的空闲地址处增加一个 size 字节的区域
func (h *Heap) Expand(size uintptr, concurrentlyCollectable bool) (*Region, error) {
	if size == 0 || size%h.regionSize != 0 {
		return nil, fmt.Errorf("heap: expand size %#x must be a positive multiple of %#x", size, h.regionSize)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	low, ok := h.findGap(size)
	if !ok {
		return nil, fmt.Errorf("%w: need %#x bytes", ErrNoSpace, size)
	}

	r := &Region{
		Low:                     low,
		High:                    low + size,
		ConcurrentlyCollectable: concurrentlyCollectable,
		pool:                    newMemoryPool(low, low+size),
	}

	for i, l := range h.listeners {
		if err := l.HeapAddRange(r); err != nil {
			// 回滚已经成功的监听者
			err = fmt.Errorf("heap: add range %s: %w", r, err)
			lowValid, highValid := h.validBounds(r)
			for j := i - 1; j >= 0; j-- {
				if rerr := h.listeners[j].HeapRemoveRange(r, lowValid, highValid); rerr != nil {
					err = multierr.Append(err, fmt.Errorf("heap: roll back range %s: %w", r, rerr))
				}
			}
			return nil, err
		}
	}

	idx := sort.Search(len(h.regions), func(i int) bool { return h.regions[i].Low > low })
	h.regions = append(h.regions, nil)
	copy(h.regions[idx+1:], h.regions[idx:])
	h.regions[idx] = r
	h.publishRegion(r, r)

	return r, nil
}

// Contract 移除区域。区域中的对象一并丢弃。
func (h *Heap) Contract(r *Region) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := -1
	for i, existing := range h.regions {
		if existing == r {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, r)
	}

	lowValid, highValid := h.validBounds(r)
	for _, l := range h.listeners {
		if err := l.HeapRemoveRange(r, lowValid, highValid); err != nil {
			return fmt.Errorf("heap: remove range %s: %w", r, err)
		}
	}

	h.regions = append(h.regions[:idx], h.regions[idx+1:]...)
	h.publishRegion(r, nil)
	for addr := r.Low; addr < r.High; addr += ObjectAlignment {
		if h.objects[(addr-h.base)/ObjectAlignment].Swap(nil) != nil {
			h.allocatedObjects.Dec()
		}
	}
	return nil
}

// validBounds 计算 r 两侧仍然有效的地址边界（调用者持有锁）
func (h *Heap) validBounds(r *Region) (uintptr, uintptr) {
	lowValid, highValid := h.base, h.base+h.maxSize
	for _, other := range h.regions {
		if other == r {
			continue
		}
		if other.High <= r.Low && other.High > lowValid {
			lowValid = other.High
		}
		if other.Low >= r.High && other.Low < highValid {
			highValid = other.Low
		}
	}
	return lowValid, highValid
}

// findGap 查找能容纳 size 字节的最低空闲地址（调用者持有锁）
func (h *Heap) findGap(size uintptr) (uintptr, bool) {
	cursor := h.base
	for _, r := range h.regions {
		if r.Low-cursor >= size {
			return cursor, true
		}
		cursor = r.High
	}
	if h.base+h.maxSize-cursor >= size {
		return cursor, true
	}
	return 0, false
}

func (h *Heap) publishRegion(r, value *Region) {
	for addr := r.Low; addr < r.High; addr += h.regionSize {
		h.regionTable[(addr-h.base)/h.regionSize].Store(value)
	}
}

// register 登记新对象
func (h *Heap) register(addr, size uintptr, refs int) *Object {
	obj := &Object{
		Addr: addr,
		Size: size,
		Refs: make([]atomic.Uintptr, refs),
	}
	h.objects[(addr-h.base)/ObjectAlignment].Store(obj)
	h.allocatedObjects.Inc()
	return obj
}

// AllocateObject 直接从区域空闲链表分配对象（大对象路径）
func (h *Heap) AllocateObject(refs int, concurrentlyCollectable bool) (*Object, error) {
	size := SizeForRefs(refs)
	for _, r := range h.Regions() {
		if r.ConcurrentlyCollectable != concurrentlyCollectable {
			continue
		}
		if addr := r.pool.allocate(size); addr != 0 {
			return h.register(addr, size, refs), nil
		}
	}
	return nil, fmt.Errorf("%w: object of %d bytes", ErrOutOfMemory, size)
}

// FreeBytes 所有可并发收集区域的空闲字节数
func (h *Heap) FreeBytes() uintptr {
	var free uintptr
	for _, r := range h.Regions() {
		if r.ConcurrentlyCollectable {
			free += r.pool.available()
		}
	}
	return free
}

// CommittedBytes 所有区域的总大小
func (h *Heap) CommittedBytes() uintptr {
	var total uintptr
	for _, r := range h.Regions() {
		total += r.Size()
	}
	return total
}

// CollectableBytes 可并发收集区域的总大小
func (h *Heap) CollectableBytes() uintptr {
	var total uintptr
	for _, r := range h.Regions() {
		if r.ConcurrentlyCollectable {
			total += r.Size()
		}
	}
	return total
}

// ObjectsInRange 遍历起始地址位于 [low, high) 的对象，fn 返回 false 时停止
func (h *Heap) ObjectsInRange(low, high uintptr, fn func(*Object) bool) {
	if low < h.base {
		low = h.base
	}
	if high > h.base+h.maxSize {
		high = h.base + h.maxSize
	}
	low = (low + ObjectAlignment - 1) &^ (ObjectAlignment - 1)
	for addr := low; addr < high; {
		obj := h.objects[(addr-h.base)/ObjectAlignment].Load()
		if obj == nil {
			addr += ObjectAlignment
			continue
		}
		if !fn(obj) {
			return
		}
		addr = obj.End()
	}
}

// ============================================================================
// 区域迭代器
// ============================================================================

// RegionIterator 按地址顺序遍历区域快照
type RegionIterator struct {
	regions []*Region
	next    int
}

// NewRegionIterator 创建区域迭代器
func NewRegionIterator(h *Heap) *RegionIterator {
	return &RegionIterator{regions: h.Regions()}
}

// Next 返回下一个区域，结束时返回 nil
func (it *RegionIterator) Next() *Region {
	if it.next >= len(it.regions) {
		return nil
	}
	r := it.regions[it.next]
	it.next++
	return r
}
