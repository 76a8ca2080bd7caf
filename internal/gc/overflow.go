package gc

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ConcurrentOverflow 并发标记的工作包溢出策略
//
// 溢出的对象不进入额外的内存结构，而是把它所在的卡置脏。
// 溢出对象已经被标记，之后的清卡（或 HandleOverflow）会重新扫描它们。
type ConcurrentOverflow struct {
	cardTable     *CardTable
	markingScheme *MarkingScheme
	cleaner       *CardCleanerForMarking

	overflowOccurred atomic.Bool
	overflowedItems  atomic.Int64

	// sticky 本周期内发生过溢出，由收集器在周期开始时清除
	sticky *atomic.Bool

	logger *zap.Logger
}

// NewConcurrentOverflow 创建并发溢出策略
func NewConcurrentOverflow(ct *CardTable, ms *MarkingScheme, sticky *atomic.Bool, logger *zap.Logger) *ConcurrentOverflow {
	return &ConcurrentOverflow{
		cardTable:     ct,
		markingScheme: ms,
		cleaner:       NewCardCleanerForMarking(ms, ScanReasonOverflow),
		sticky:        sticky,
		logger:        logger,
	}
}

// OverflowItem 把对象所在的卡置脏
//
// 分段标记本身不是对象，直接丢弃：与它配对的对象会被整体重新扫描。
func (o *ConcurrentOverflow) OverflowItem(env *Env, item uintptr, t OverflowType) {
	if IsSplitTag(item) {
		return
	}
	o.cardTable.DirtyCard(env, item)
	o.overflowedItems.Inc()
	if !o.overflowOccurred.Swap(true) {
		o.logger.Debug("work stack overflow", zap.Int("type", int(t)), zap.Uintptr("object", item))
	}
	if o.sticky != nil {
		o.sticky.Store(true)
	}
}

// EmptyToOverflow 把包内所有条目转为脏卡
func (o *ConcurrentOverflow) EmptyToOverflow(env *Env, p *Packet, t OverflowType) {
	for item, ok := p.Pop(); ok; item, ok = p.Pop() {
		o.OverflowItem(env, item, t)
	}
}

// HandleOverflow 清理所有区域的脏卡，重新扫描其中已标记的对象
//
// 只在独占访问下的并行任务中调用，所有线程一起参与。
func (o *ConcurrentOverflow) HandleOverflow(env *Env) {
	task := env.Task()
	if task != nil {
		task.SynchronizeGCThreads(env, "handleOverflowStart")
	}
	o.overflowOccurred.Store(false)
	o.cardTable.CleanCardTable(env, o.cleaner)
	if task != nil {
		task.SynchronizeGCThreads(env, "handleOverflowEnd")
	}
}

// Reset 丢弃本轮溢出状态
func (o *ConcurrentOverflow) Reset(env *Env) {
	o.overflowOccurred.Store(false)
}

// OverflowOccurred 最近一次处理之后是否发生过溢出
func (o *ConcurrentOverflow) OverflowOccurred() bool {
	return o.overflowOccurred.Load()
}

// OverflowedItems 累计溢出的对象数
func (o *ConcurrentOverflow) OverflowedItems() int64 {
	return o.overflowedItems.Load()
}
