package gc

import (
	"fmt"
	"runtime"
	"sync/atomic"

	uatomic "go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/novagc/internal/heap"
	"github.com/tangzhangming/novagc/internal/memory"
)

// ============================================================================
// 清卡阶段
// ============================================================================
//
// 每一遍清卡经过 PREPARING → CLEANING → COMPLETE 三个状态。
// 第一个看到 UNINITIALIZED 或上一遍 COMPLETE 的线程通过 CAS 进入 PREPARING，
// 独占地准备清理区间，然后发布 CLEANING；其他线程等待准备结束后一起清理。

// CardCleanPhase 清卡阶段
type CardCleanPhase int32

const (
	CardCleanPhaseUninitialized CardCleanPhase = iota
	CardCleanPhase1Preparing
	CardCleanPhase1Cleaning
	CardCleanPhase1Complete
	CardCleanPhase2Preparing
	CardCleanPhase2Cleaning
	CardCleanPhase2Complete
	CardCleanPhase3Preparing
	CardCleanPhase3Cleaning
	CardCleanPhase3Complete
)

const maxCardCleaningPasses = 3

var cardCleanPhaseNames = [...]string{
	"uninitialized",
	"pass1-preparing", "pass1-cleaning", "pass1-complete",
	"pass2-preparing", "pass2-cleaning", "pass2-complete",
	"pass3-preparing", "pass3-cleaning", "pass3-complete",
}

func (p CardCleanPhase) String() string {
	if p >= 0 && int(p) < len(cardCleanPhaseNames) {
		return cardCleanPhaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Pass 阶段所属的遍数，未初始化为 0
func (p CardCleanPhase) Pass() int {
	if p == CardCleanPhaseUninitialized {
		return 0
	}
	return (int(p)-1)/3 + 1
}

func (p CardCleanPhase) isPreparing() bool {
	return p != CardCleanPhaseUninitialized && (p-CardCleanPhase1Preparing)%3 == 0
}

func (p CardCleanPhase) isCleaning() bool {
	return p != CardCleanPhaseUninitialized && (p-CardCleanPhase1Cleaning)%3 == 0
}

func (p CardCleanPhase) isComplete() bool {
	return p != CardCleanPhaseUninitialized && (p-CardCleanPhase1Complete)%3 == 0
}

// nextCardCleanPhase 清卡阶段的转换函数，非法转换返回 false
func nextCardCleanPhase(from CardCleanPhase, passes int) (CardCleanPhase, bool) {
	if from >= CardCleanPhaseUninitialized+CardCleanPhase(3*passes) {
		return from, false
	}
	return from + 1, true
}

// CleanResult CleanCards 的结果
type CleanResult int

const (
	CleanResultQuotaMet          CleanResult = iota // 完成了要求的工作量
	CleanResultComplete                             // 所有清卡遍数都已完成
	CleanResultExclusiveRequested                   // 有独占请求，调用者应立即返回
)

func (r CleanResult) String() string {
	switch r {
	case CleanResultQuotaMet:
		return "quota-met"
	case CleanResultComplete:
		return "complete"
	case CleanResultExclusiveRequested:
		return "exclusive-requested"
	default:
		return "unknown"
	}
}

// NextCardResult GetNextDirtyCard 的结果
type NextCardResult int

const (
	CardFound                  NextCardResult = iota // 返回了一个脏卡
	CardsExhausted                                   // 本遍的卡已全部认领
	ExclusiveVMAccessRequested                       // 有独占请求，调用者应立即返回
)

// ProcessTLHAction TLH 标记位操作
type ProcessTLHAction int

const (
	TLHMarkBitsSet ProcessTLHAction = iota
	TLHMarkBitsClear
)

// CleaningRange 一段需要并发清理的卡
type CleaningRange struct {
	BaseCard    Card
	TopCard     Card
	NumCards    uintptr
	Collectable bool // 区域可并发收集，清理时需要检查 TLH 标记位

	nextCard uatomic.Uintptr
}

// NextCard 下一个待检查的卡
func (r *CleaningRange) NextCard() Card {
	return Card(r.nextCard.Load())
}

// cleaningPhaseAny 不绑定清卡阶段的区间集合（最终清卡）
const cleaningPhaseAny CardCleanPhase = -1

// cleaningRangeSet 一次准备得到的清理区间和游标
//
// 集合发布后区间边界不再改变。重新准备或裁剪时发布新集合，
// 仍持有旧集合的线程只推进旧集合自己的游标。
type cleaningRangeSet struct {
	ranges  []CleaningRange
	total   uintptr
	current uatomic.Int64

	// phase 集合服务的清理阶段，阶段改变后并发认领停止
	phase CardCleanPhase
}

// newCleaningRangeSet 游标位于每个区间的起点
func newCleaningRangeSet(ranges []CleaningRange, phase CardCleanPhase) *cleaningRangeSet {
	set := &cleaningRangeSet{ranges: ranges, phase: phase}
	for i := range ranges {
		ranges[i].nextCard.Store(uintptr(ranges[i].BaseCard))
		set.total += ranges[i].NumCards
	}
	return set
}

// ============================================================================
// 并发卡表
// ============================================================================

// ConcurrentCardTable 支持并发清理的卡表
type ConcurrentCardTable struct {
	*CardTable

	tlhMarkBits        *memory.Reservation
	forceTLHMapFailure bool

	cleaner          CardCleaner
	overflowOccurred func() bool

	passes        int
	cleanAllCards bool

	cardCleanPhase        uatomic.Int32
	lastCardCleanPhase    CardCleanPhase
	cardTableReconfigured uatomic.Bool

	// cleaningRanges 准备者在发布清理阶段之前替换
	cleaningRanges uatomic.Pointer[cleaningRangeSet]

	// 统计
	concurrentCardsCleaned uatomic.Int64
	finalCardsCleaned      uatomic.Int64
	bytesTracedByCleaning  uatomic.Uint64
	tlhCardsSkipped        uatomic.Int64
}

// NewConcurrentCardTable 创建并发卡表
func NewConcurrentCardTable(h *heap.Heap, cfg Config, logger *zap.Logger) (*ConcurrentCardTable, error) {
	base, err := NewCardTable(h, cfg.Debug, logger)
	if err != nil {
		return nil, err
	}
	words := (base.numCards + 31) / 32
	tlhBits, err := memory.Reserve(words * 4)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("tlh mark bits: %w", err), base.Release())
	}

	ct := &ConcurrentCardTable{
		CardTable:          base,
		tlhMarkBits:        tlhBits,
		forceTLHMapFailure: cfg.Debug.ForceTLHMapCommitFailure,
		passes:             cfg.Concurrent.CardCleaningPasses,
		cleanAllCards:      cfg.Concurrent.CleanAllCards,
		lastCardCleanPhase: CardCleanPhaseUninitialized + CardCleanPhase(3*cfg.Concurrent.CardCleaningPasses),
	}
	ct.cardTableReconfigured.Store(true)
	return ct, nil
}

// SetCardCleaner 设置清卡回调
func (ct *ConcurrentCardTable) SetCardCleaner(c CardCleaner) {
	ct.cleaner = c
}

// SetOverflowObserver 设置查询本周期是否溢出的回调
func (ct *ConcurrentCardTable) SetOverflowObserver(fn func() bool) {
	ct.overflowOccurred = fn
}

// Release 释放卡表和 TLH 标记位
func (ct *ConcurrentCardTable) Release() error {
	return multierr.Combine(ct.CardTable.Release(), ct.tlhMarkBits.Release())
}

// ============================================================================
// 堆重配置
// ============================================================================

func (ct *ConcurrentCardTable) tlhWordRange(low, high uintptr) (uintptr, uintptr) {
	first := ct.HeapAddrToCard(low)
	end := ct.cardCeil(high)
	return uintptr(first/32) * 4, uintptr((end+31)/32) * 4
}

// HeapAddRange 提交卡；可并发收集的区域同时提交 TLH 标记位，失败时回滚
func (ct *ConcurrentCardTable) HeapAddRange(r *heap.Region) error {
	if err := ct.CardTable.HeapAddRange(r); err != nil {
		return err
	}
	if r.ConcurrentlyCollectable {
		if err := ct.commitTLHMarkBits(r); err != nil {
			lowValid, highValid := r.Low, r.High
			return multierr.Append(err, ct.CardTable.HeapRemoveRange(r, lowValid, highValid))
		}
	}
	ct.cardTableReconfigured.Store(true)
	ct.logger.Debug("card table reconfigured", zap.String("op", "add"), zap.Stringer("region", r))
	return nil
}

func (ct *ConcurrentCardTable) commitTLHMarkBits(r *heap.Region) error {
	if ct.forceTLHMapFailure {
		return fmt.Errorf("%w: tlh mark bits for %s (forced)", memory.ErrCommitFailed, r)
	}
	low, high := ct.tlhWordRange(r.Low, r.High)
	if err := ct.tlhMarkBits.Commit(low, high-low); err != nil {
		return fmt.Errorf("tlh mark bits: commit for %s: %w", r, err)
	}
	ct.processTLHMarkBitsRange(r.Low, r.High, TLHMarkBitsClear)
	return nil
}

// HeapRemoveRange 回收卡和 TLH 标记位，只回收 [lowValid, highValid) 独占的页
func (ct *ConcurrentCardTable) HeapRemoveRange(r *heap.Region, lowValid, highValid uintptr) error {
	var err error
	if r.ConcurrentlyCollectable {
		if low, _ := ct.tlhWordRange(r.Low, r.High); ct.tlhMarkBits.IsCommitted(low) {
			ct.processTLHMarkBitsRange(r.Low, r.High, TLHMarkBitsClear)
		}
		// 相邻区域可能共享边界上的位图字，只回收完全位于有效范围内的字
		first := (uintptr(ct.cardCeil(lowValid)) + 31) / 32 * 4
		end := uintptr((highValid-ct.heapBase)>>CardSizeShift) / 32 * 4
		if end > first {
			if derr := ct.tlhMarkBits.Decommit(first, end-first); derr != nil {
				err = multierr.Append(err, fmt.Errorf("tlh mark bits: decommit for %s: %w", r, derr))
			}
		}
	}
	ct.clipCleaningRanges(r)
	err = multierr.Append(err, ct.CardTable.HeapRemoveRange(r, lowValid, highValid))
	ct.cardTableReconfigured.Store(true)
	ct.logger.Debug("card table reconfigured", zap.String("op", "remove"), zap.Stringer("region", r))
	return err
}

// clipCleaningRanges 发布去掉被移除区域之后的清理区间，保留其余区间的进度
//
// 区域只在独占访问下移除：被回收的卡页上不会有并发清卡线程。
func (ct *ConcurrentCardTable) clipCleaningRanges(r *heap.Region) {
	set := ct.cleaningRanges.Load()
	if set == nil {
		return
	}
	low := ct.HeapAddrToCard(r.Low)
	high := ct.cardCeil(r.High)
	var clipped []CleaningRange
	var progress []Card
	keep := func(old *CleaningRange, base, top Card) {
		if top <= base {
			return
		}
		clipped = append(clipped, CleaningRange{
			BaseCard:    base,
			TopCard:     top,
			NumCards:    uintptr(top - base),
			Collectable: old.Collectable,
		})
		progress = append(progress, min(max(old.NextCard(), base), top))
	}
	for i := range set.ranges {
		old := &set.ranges[i]
		if old.TopCard <= low || old.BaseCard >= high {
			keep(old, old.BaseCard, old.TopCard)
			continue
		}
		keep(old, old.BaseCard, low)
		keep(old, high, old.TopCard)
	}
	next := newCleaningRangeSet(clipped, set.phase)
	for i, c := range progress {
		next.ranges[i].nextCard.Store(uintptr(c))
	}
	ct.cleaningRanges.Store(next)
}

// CardTableReconfigured 堆区域自上次确定清理区间后是否变化过
func (ct *ConcurrentCardTable) CardTableReconfigured() bool {
	return ct.cardTableReconfigured.Load()
}

// ============================================================================
// TLH 标记位
// ============================================================================

func (ct *ConcurrentCardTable) tlhWord(c Card) *uint32 {
	return ct.tlhMarkBits.Uint32At(uintptr(c/32) * 4)
}

// ProcessTLHMarkBits 设置或清除完全位于 TLH [base, top) 内的卡的标记位
//
// 只部分落在 TLH 内的卡不受影响：它们可能与其他 TLH 或旧对象共享。
func (ct *ConcurrentCardTable) ProcessTLHMarkBits(env *Env, base, top uintptr, action ProcessTLHAction) {
	ct.processTLHMarkBitsRange(base, top, action)
}

func (ct *ConcurrentCardTable) processTLHMarkBitsRange(base, top uintptr, action ProcessTLHAction) {
	first := ct.cardCeil(base)
	end := Card((top - ct.heapBase) >> CardSizeShift)
	if end <= first {
		return
	}
	firstWord, lastWord := first/32, (end-1)/32
	head := ^uint32(0) << (first % 32)
	tail := ^uint32(0) >> (31 - (end-1)%32)

	apply := func(w *uint32, mask uint32) {
		if action == TLHMarkBitsSet {
			atomic.OrUint32(w, mask)
		} else {
			atomic.AndUint32(w, ^mask)
		}
	}
	if firstWord == lastWord {
		apply(ct.tlhWord(first), head&tail)
		return
	}
	apply(ct.tlhWord(first), head)
	fill := uint32(0)
	if action == TLHMarkBitsSet {
		fill = ^uint32(0)
	}
	// 中间的字覆盖的卡全部属于这个 TLH
	for w := firstWord + 1; w < lastWord; w++ {
		atomic.StoreUint32(ct.tlhWord(w*32), fill)
	}
	apply(ct.tlhWord(end-1), tail)
}

// IsCardInActiveTLH 卡是否完全位于某个活动 TLH 内
func (ct *ConcurrentCardTable) IsCardInActiveTLH(env *Env, c Card) bool {
	return atomic.LoadUint32(ct.tlhWord(c))&(1<<(c%32)) != 0
}

// IsObjectInActiveTLH 对象所在的卡是否位于活动 TLH 内
func (ct *ConcurrentCardTable) IsObjectInActiveTLH(env *Env, addr uintptr) bool {
	r := ct.heap.RegionFor(addr)
	if r == nil || !r.ConcurrentlyCollectable {
		return false
	}
	return ct.IsCardInActiveTLH(env, ct.HeapAddrToCard(addr))
}

// ============================================================================
// 清理区间
// ============================================================================

// DetermineCleaningRanges 按当前堆区域重建清理区间
//
// all 为 true 时包含不可并发收集的区域。
func (ct *ConcurrentCardTable) DetermineCleaningRanges(env *Env, all bool) {
	ct.determineCleaningRanges(all, cleaningPhaseAny)
}

func (ct *ConcurrentCardTable) determineCleaningRanges(all bool, phase CardCleanPhase) {
	// 先清除标志再读取区域：之后的重配置会再次置位
	ct.cardTableReconfigured.Store(false)

	var ranges []CleaningRange
	for it := heap.NewRegionIterator(ct.heap); ; {
		r := it.Next()
		if r == nil {
			break
		}
		if !r.ConcurrentlyCollectable && !all {
			continue
		}
		base := ct.HeapAddrToCard(r.Low)
		top := ct.cardCeil(r.High)
		// 相邻区域合并成一个区间
		if n := len(ranges); n > 0 && ranges[n-1].TopCard == base && ranges[n-1].Collectable == r.ConcurrentlyCollectable {
			ranges[n-1].TopCard = top
			ranges[n-1].NumCards = uintptr(top - ranges[n-1].BaseCard)
		} else {
			ranges = append(ranges, CleaningRange{
				BaseCard:    base,
				TopCard:     top,
				NumCards:    uintptr(top - base),
				Collectable: r.ConcurrentlyCollectable,
			})
		}
	}
	ct.cleaningRanges.Store(newCleaningRangeSet(ranges, phase))
}

// CleaningRanges 当前清理区间（只读）
func (ct *ConcurrentCardTable) CleaningRanges() []CleaningRange {
	if set := ct.cleaningRanges.Load(); set != nil {
		return set.ranges
	}
	return nil
}

// TotalCardsToClean 当前清理区间覆盖的卡数
func (ct *ConcurrentCardTable) TotalCardsToClean() uintptr {
	if set := ct.cleaningRanges.Load(); set != nil {
		return set.total
	}
	return 0
}

// resetCleaningRanges 以相同的区间发布新集合，游标回到区间起点
//
// 上一遍遗留的线程仍在旧集合上推进，不会影响新一遍的游标。
func (ct *ConcurrentCardTable) resetCleaningRanges(old *cleaningRangeSet, phase CardCleanPhase) {
	ranges := make([]CleaningRange, len(old.ranges))
	for i := range old.ranges {
		ranges[i] = CleaningRange{
			BaseCard:    old.ranges[i].BaseCard,
			TopCard:     old.ranges[i].TopCard,
			NumCards:    old.ranges[i].NumCards,
			Collectable: old.ranges[i].Collectable,
		}
	}
	ct.cleaningRanges.Store(newCleaningRangeSet(ranges, phase))
}

// ============================================================================
// 并发清卡
// ============================================================================

// CardCleanPhase 当前清卡阶段
func (ct *ConcurrentCardTable) CardCleanPhase() CardCleanPhase {
	return CardCleanPhase(ct.cardCleanPhase.Load())
}

// IsCardCleaningComplete 所有清卡遍数是否都已完成
func (ct *ConcurrentCardTable) IsCardCleaningComplete() bool {
	return ct.CardCleanPhase() == ct.lastCardCleanPhase
}

// InitializeCardCleaning 并发追踪开始时调用
func (ct *ConcurrentCardTable) InitializeCardCleaning(env *Env) {
	ct.cardCleanPhase.Store(int32(CardCleanPhaseUninitialized))
}

// ResetCleaningPhase 周期中止或结束时回到初始状态
func (ct *ConcurrentCardTable) ResetCleaningPhase(env *Env) {
	ct.cardCleanPhase.Store(int32(CardCleanPhaseUninitialized))
	ct.cardTableReconfigured.Store(true)
}

// transition 清卡阶段的 CAS 转换，返回是否由本线程完成
func (ct *ConcurrentCardTable) transition(from CardCleanPhase) (CardCleanPhase, bool) {
	to, ok := nextCardCleanPhase(from, ct.passes)
	assertf(ok, "illegal card clean phase transition from %s", from)
	if !ok {
		return from, false
	}
	if !ct.cardCleanPhase.CompareAndSwap(int32(from), int32(to)) {
		return ct.CardCleanPhase(), false
	}
	ct.logger.Debug("card clean phase", zap.Stringer("from", from), zap.Stringer("to", to))
	return to, true
}

// GetExclusiveCardTableAccess 尝试成为本遍的准备者
//
// 返回 true 时调用者负责准备并调用 ReleaseExclusiveCardTableAccess；
// 返回 false 时另一个线程已经（或正在）准备，本方法等待准备结束。
func (ct *ConcurrentCardTable) GetExclusiveCardTableAccess(env *Env, current CardCleanPhase, threadAtSafePoint bool) bool {
	assertf(current == CardCleanPhaseUninitialized || current.isComplete(), "cannot prepare from %s", current)
	if _, won := ct.transition(current); won {
		return true
	}
	for ct.CardCleanPhase().isPreparing() {
		runtime.Gosched()
	}
	return false
}

// ReleaseExclusiveCardTableAccess 准备完成，发布清理阶段
func (ct *ConcurrentCardTable) ReleaseExclusiveCardTableAccess(env *Env, preparing CardCleanPhase) {
	assertf(preparing.isPreparing(), "release from %s", preparing)
	ct.transition(preparing)
}

// prepareCardsForCleaning 准备者为清理阶段 cleaning 发布清理区间
func (ct *ConcurrentCardTable) prepareCardsForCleaning(env *Env, cleaning CardCleanPhase) {
	old := ct.cleaningRanges.Load()
	if ct.cardTableReconfigured.Load() || old == nil {
		ct.determineCleaningRanges(ct.cleanAllCards, cleaning)
	} else {
		ct.resetCleaningRanges(old, cleaning)
	}
}

// minCardCleanCost 每处理一个卡至少计入的工作量，没有标记对象的卡也要计数
const minCardCleanCost uintptr = 64

// CleanCards 并发清理脏卡，直到完成 sizeToDo 字节的追踪或所有遍数结束
func (ct *ConcurrentCardTable) CleanCards(env *Env, isMutator bool, sizeToDo uintptr, threadAtSafePoint bool) (uintptr, CleanResult) {
	var sizeDone uintptr
	for sizeDone < sizeToDo {
		phase := ct.CardCleanPhase()
		switch {
		case phase == ct.lastCardCleanPhase:
			return sizeDone, CleanResultComplete

		case phase == CardCleanPhaseUninitialized || phase.isComplete():
			if ct.GetExclusiveCardTableAccess(env, phase, threadAtSafePoint) {
				ct.prepareCardsForCleaning(env, phase+2)
				ct.ReleaseExclusiveCardTableAccess(env, phase+1)
			}
			continue

		case phase.isPreparing():
			runtime.Gosched()
			continue
		}

		card, res := ct.GetNextDirtyCard(env, true)
		switch res {
		case ExclusiveVMAccessRequested:
			return sizeDone, CleanResultExclusiveRequested
		case CardsExhausted:
			// 本遍的所有卡都已被认领；阶段已经前进时 CAS 失败
			ct.transition(phase)
			continue
		}
		sizeDone += max(ct.concurrentCleanCard(env, card, threadAtSafePoint), minCardCleanCost)
	}
	return sizeDone, CleanResultQuotaMet
}

// concurrentCleanCard 清理一个卡：先置干净，再重新扫描其中已标记的对象
//
// 卡位于活动 TLH 内时保持脏状态，留给之后的遍数或最终清卡。
func (ct *ConcurrentCardTable) concurrentCleanCard(env *Env, c Card, threadAtSafePoint bool) uintptr {
	if !threadAtSafePoint && ct.cardInCollectableRange(c) && ct.IsCardInActiveTLH(env, c) {
		ct.tlhCardsSkipped.Inc()
		return 0
	}
	if !ct.CompareAndSwapCard(c, CardDirty, CardClean) {
		return 0
	}
	low := ct.CardToHeapAddr(c)
	bytes := ct.cleaner.Clean(env, low, low+CardSize, c)
	ct.concurrentCardsCleaned.Inc()
	ct.bytesTracedByCleaning.Add(uint64(bytes))
	return bytes
}

func (ct *ConcurrentCardTable) cardInCollectableRange(c Card) bool {
	r := ct.heap.RegionFor(ct.CardToHeapAddr(c))
	return r != nil && r.ConcurrentlyCollectable
}

// GetNextDirtyCard 认领当前清理区间中的下一个脏卡
//
// 整字干净的 8 个卡一次跳过。concurrent 为 true 时每次推进前检查独占请求，
// 并在区间集合所属的清理阶段结束后停止认领。
func (ct *ConcurrentCardTable) GetNextDirtyCard(env *Env, concurrent bool) (Card, NextCardResult) {
	set := ct.cleaningRanges.Load()
	if set == nil {
		return 0, CardsExhausted
	}
	for {
		ri := set.current.Load()
		if ri >= int64(len(set.ranges)) {
			return 0, CardsExhausted
		}
		r := &set.ranges[ri]
		for {
			if concurrent {
				if env.ExclusiveAccessRequestWaiting() {
					return 0, ExclusiveVMAccessRequested
				}
				if set.phase != cleaningPhaseAny && ct.CardCleanPhase() != set.phase {
					return 0, CardsExhausted
				}
			}
			next := Card(r.nextCard.Load())
			if next >= r.TopCard {
				break
			}
			if next&7 == 0 && next+8 <= r.TopCard && ct.cardsCleanAt(next) {
				r.nextCard.CompareAndSwap(uintptr(next), uintptr(next+8))
				continue
			}
			if r.nextCard.CompareAndSwap(uintptr(next), uintptr(next+1)) && ct.Card(next) == CardDirty {
				return next, CardFound
			}
		}
		set.current.CompareAndSwap(ri, ri+1)
	}
}

// FinalCleanCards 独占访问下清理剩余的脏卡，不跳过 TLH
//
// 在并行任务中由所有线程调用。本周期发生过溢出时覆盖所有区域：
// 溢出可能把不在清理区间内的卡置脏。
func (ct *ConcurrentCardTable) FinalCleanCards(env *Env) uintptr {
	task := env.Task()
	master := task == nil || task.SynchronizeGCThreadsAndReleaseMaster(env, "finalCleanCardsPrepare")
	if master {
		all := ct.cleanAllCards || (ct.overflowOccurred != nil && ct.overflowOccurred())
		ct.DetermineCleaningRanges(env, all)
		if task != nil {
			task.ReleaseSynchronizedGCThreads(env)
		}
	}

	var bytes uintptr
	for {
		c, res := ct.GetNextDirtyCard(env, false)
		if res != CardFound {
			break
		}
		if !ct.CompareAndSwapCard(c, CardDirty, CardClean) {
			continue
		}
		low := ct.CardToHeapAddr(c)
		bytes += ct.cleaner.Clean(env, low, low+CardSize, c)
		ct.finalCardsCleaned.Inc()
	}
	ct.bytesTracedByCleaning.Add(uint64(bytes))
	return bytes
}

// ============================================================================
// 统计
// ============================================================================

// CardCleaningStats 清卡统计
type CardCleaningStats struct {
	Phase                  string `json:"phase"`
	ConcurrentCardsCleaned int64  `json:"concurrent_cards_cleaned"`
	FinalCardsCleaned      int64  `json:"final_cards_cleaned"`
	BytesTracedByCleaning  uint64 `json:"bytes_traced_by_cleaning"`
	TLHCardsSkipped        int64  `json:"tlh_cards_skipped"`
	CommittedBytes         int64  `json:"committed_bytes"`
}

// Stats 返回清卡统计
func (ct *ConcurrentCardTable) Stats() CardCleaningStats {
	return CardCleaningStats{
		Phase:                  ct.CardCleanPhase().String(),
		ConcurrentCardsCleaned: ct.concurrentCardsCleaned.Load(),
		FinalCardsCleaned:      ct.finalCardsCleaned.Load(),
		BytesTracedByCleaning:  ct.bytesTracedByCleaning.Load(),
		TLHCardsSkipped:        ct.tlhCardsSkipped.Load(),
		CommittedBytes:         ct.CommittedBytes() + ct.tlhMarkBits.CommittedBytes(),
	}
}

// ResetStats 清零统计（每个周期开始时）
func (ct *ConcurrentCardTable) ResetStats() {
	ct.concurrentCardsCleaned.Store(0)
	ct.finalCardsCleaned.Store(0)
	ct.bytesTracedByCleaning.Store(0)
	ct.tlhCardsSkipped.Store(0)
}
