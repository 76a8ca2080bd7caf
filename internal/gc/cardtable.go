package gc

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/tangzhangming/novagc/internal/heap"
	"github.com/tangzhangming/novagc/internal/memory"
)

// ============================================================================
// 卡表
// ============================================================================
//
// 每 CardSize 字节的堆地址对应一个字节的卡，下标为 (addr - heapBase) >> CardSizeShift。
// 卡表内存随堆区域的扩展/收缩按页提交/回收。
// 单个卡通过包含它的对齐 32 位字原子访问，连续 8 个卡可以一次读取。

const (
	CardSizeShift = 9
	CardSize      = 1 << CardSizeShift
)

// 卡状态
const (
	CardClean byte = 0x00
	CardDirty byte = 0x01
)

// cleanChunkCards 并行清卡时每个工作单元的卡数
const cleanChunkCards = 256

// Card 卡下标
type Card uintptr

// CardCleaner 清卡回调
//
// 卡在调用 Clean 之前已经被置为干净，Clean 返回扫描的字节数。
type CardCleaner interface {
	Clean(env *Env, low, high uintptr, card Card) uintptr
}

var bigEndian = func() bool {
	x := uint32(1)
	return *(*byte)(unsafe.Pointer(&x)) == 0
}()

// CardTable 卡表
type CardTable struct {
	heap     *heap.Heap
	heapBase uintptr
	numCards uintptr
	mem      *memory.Reservation

	forceCommitFailure bool

	logger *zap.Logger
}

// NewCardTable 为堆的整个地址空间预留卡表
func NewCardTable(h *heap.Heap, debug DebugConfig, logger *zap.Logger) (*CardTable, error) {
	numCards := (h.MaxTop() - h.Base() + CardSize - 1) >> CardSizeShift
	mem, err := memory.Reserve((numCards + 7) &^ 7)
	if err != nil {
		return nil, fmt.Errorf("card table: %w", err)
	}
	return &CardTable{
		heap:               h,
		heapBase:           h.Base(),
		numCards:           numCards,
		mem:                mem,
		forceCommitFailure: debug.ForceCardTableCommitFailure,
		logger:             logger,
	}, nil
}

// NumCards 卡的总数
func (ct *CardTable) NumCards() uintptr {
	return ct.numCards
}

// CommittedBytes 已提交的卡表字节数
func (ct *CardTable) CommittedBytes() int64 {
	return ct.mem.CommittedBytes()
}

// HeapAddrToCard 堆地址所在的卡
func (ct *CardTable) HeapAddrToCard(addr uintptr) Card {
	assertf(addr >= ct.heapBase && addr < ct.heapBase+ct.numCards*CardSize, "address %#x outside card table", addr)
	return Card((addr - ct.heapBase) >> CardSizeShift)
}

// CardToHeapAddr 卡覆盖的最低堆地址
func (ct *CardTable) CardToHeapAddr(c Card) uintptr {
	return ct.heapBase + uintptr(c)<<CardSizeShift
}

// cardCeil 不低于 addr 的第一个卡边界对应的卡
func (ct *CardTable) cardCeil(addr uintptr) Card {
	return Card((addr - ct.heapBase + CardSize - 1) >> CardSizeShift)
}

func (ct *CardTable) cardWord(c Card) (*uint32, uint) {
	shift := uint(c&3) * 8
	if bigEndian {
		shift = 24 - shift
	}
	return ct.mem.Uint32At(uintptr(c) &^ 3), shift
}

// Card 读取卡状态
func (ct *CardTable) Card(c Card) byte {
	w, shift := ct.cardWord(c)
	return byte(atomic.LoadUint32(w) >> shift)
}

// SetCard 设置卡状态
func (ct *CardTable) SetCard(c Card, v byte) {
	w, shift := ct.cardWord(c)
	for {
		old := atomic.LoadUint32(w)
		nw := old&^(0xff<<shift) | uint32(v)<<shift
		if old == nw || atomic.CompareAndSwapUint32(w, old, nw) {
			return
		}
	}
}

// CompareAndSwapCard 卡状态为 old 时原子地设为 new
func (ct *CardTable) CompareAndSwapCard(c Card, old, new byte) bool {
	w, shift := ct.cardWord(c)
	for {
		cur := atomic.LoadUint32(w)
		if byte(cur>>shift) != old {
			return false
		}
		nw := cur&^(0xff<<shift) | uint32(new)<<shift
		if atomic.CompareAndSwapUint32(w, cur, nw) {
			return true
		}
	}
}

// cardsCleanAt 从 c 开始的 8 个卡是否都干净（c 必须 8 对齐）
func (ct *CardTable) cardsCleanAt(c Card) bool {
	return atomic.LoadUint64(ct.mem.Uint64At(uintptr(c))) == 0
}

// DirtyCard 把对象所在的卡置脏
func (ct *CardTable) DirtyCard(env *Env, addr uintptr) {
	ct.DirtyCardWithValue(env, addr, CardDirty)
}

// DirtyCardWithValue 把对象所在的卡设为 v
func (ct *CardTable) DirtyCardWithValue(env *Env, addr uintptr, v byte) {
	c := ct.HeapAddrToCard(addr)
	if ct.Card(c) != v {
		ct.SetCard(c, v)
	}
}

// DirtyCardRange 把 [low, high) 覆盖的所有卡置脏
func (ct *CardTable) DirtyCardRange(env *Env, low, high uintptr) {
	if high <= low {
		return
	}
	last := ct.HeapAddrToCard(high - 1)
	for c := ct.HeapAddrToCard(low); c <= last; c++ {
		ct.SetCard(c, CardDirty)
	}
}

// ClearCardsInRange 把 [low, high) 覆盖的卡置为干净
func (ct *CardTable) ClearCardsInRange(low, high uintptr) {
	if high <= low {
		return
	}
	first := ct.HeapAddrToCard(low)
	end := ct.HeapAddrToCard(high-1) + 1
	for c := first; c < end; {
		if c&7 == 0 && c+8 <= end {
			atomic.StoreUint64(ct.mem.Uint64At(uintptr(c)), 0)
			c += 8
			continue
		}
		ct.SetCard(c, CardClean)
		c++
	}
}

// CleanCardTable 清理所有区域的脏卡
func (ct *CardTable) CleanCardTable(env *Env, cleaner CardCleaner) uintptr {
	var bytes uintptr
	for _, r := range ct.heap.Regions() {
		bytes += ct.CleanCardTableForRange(env, cleaner, r.Low, r.High)
	}
	return bytes
}

// CleanCardTableForRange 清理 [low, high) 内的脏卡
//
// 在并行任务中按工作单元划分，每个卡只被一个线程清理。
func (ct *CardTable) CleanCardTableForRange(env *Env, cleaner CardCleaner, low, high uintptr) uintptr {
	if high <= low {
		return 0
	}
	var bytes uintptr
	first := ct.HeapAddrToCard(low)
	end := ct.HeapAddrToCard(high-1) + 1
	for chunk := first; chunk < end; chunk += cleanChunkCards {
		if !env.HandleNextWorkUnit() {
			continue
		}
		chunkEnd := min(chunk+cleanChunkCards, end)
		for c := chunk; c < chunkEnd; {
			if c&7 == 0 && c+8 <= chunkEnd && ct.cardsCleanAt(c) {
				c += 8
				continue
			}
			if ct.CompareAndSwapCard(c, CardDirty, CardClean) {
				lowAddr := ct.CardToHeapAddr(c)
				bytes += cleaner.Clean(env, lowAddr, lowAddr+CardSize, c)
			}
			c++
		}
	}
	return bytes
}

// HeapAddRange 为新区域提交并清空卡
func (ct *CardTable) HeapAddRange(r *heap.Region) error {
	if ct.forceCommitFailure {
		return fmt.Errorf("%w: card table for %s (forced)", memory.ErrCommitFailed, r)
	}
	first := ct.HeapAddrToCard(r.Low)
	end := ct.cardCeil(r.High)
	if err := ct.mem.Commit(uintptr(first), uintptr(end-first)); err != nil {
		return fmt.Errorf("card table: commit cards for %s: %w", r, err)
	}
	ct.ClearCardsInRange(r.Low, r.High)
	ct.logger.Debug("card table range committed", zap.Stringer("region", r),
		zap.Uintptr("firstCard", uintptr(first)), zap.Uintptr("endCard", uintptr(end)))
	return nil
}

// HeapRemoveRange 清空区域的卡，并回收只属于 [lowValid, highValid) 的页
func (ct *CardTable) HeapRemoveRange(r *heap.Region, lowValid, highValid uintptr) error {
	if ct.mem.IsCommitted(uintptr(ct.HeapAddrToCard(r.Low))) {
		ct.ClearCardsInRange(r.Low, r.High)
	}
	first := ct.cardCeil(lowValid)
	end := Card((highValid - ct.heapBase) >> CardSizeShift)
	if end <= first {
		return nil
	}
	if err := ct.mem.Decommit(uintptr(first), uintptr(end-first)); err != nil {
		return fmt.Errorf("card table: decommit cards for %s: %w", r, err)
	}
	return nil
}

// Release 释放卡表内存
func (ct *CardTable) Release() error {
	return ct.mem.Release()
}
