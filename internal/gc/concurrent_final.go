package gc

import (
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/novagc/internal/heap"
)

// ============================================================================
// 最终收集、全局收集与中止
// ============================================================================

// cycleKind 收集的种类
const (
	cycleKindConcurrent = "concurrent"
	cycleKindGlobal     = "global"
)

// Collect 显式收集
//
// 并发周期正在进行时完成它；否则执行一次完整的 STW 收集。
func (c *ConcurrentGC) Collect(env *Env, reason string) (CycleStats, error) {
	if c.shutdown.Load() {
		return CycleStats{}, ErrNotInitialized
	}
	c.access.RequestExclusive(env)
	defer c.access.ReleaseExclusive(env)
	return c.collectLocked(env, reason), nil
}

// GlobalCollect 放弃正在进行的并发周期并执行完整的 STW 收集
func (c *ConcurrentGC) GlobalCollect(env *Env, reason string) (CycleStats, error) {
	if c.shutdown.Load() {
		return CycleStats{}, ErrNotInitialized
	}
	c.access.RequestExclusive(env)
	defer c.access.ReleaseExclusive(env)

	c.abortLocked(env, reason)
	return c.collectLocked(env, reason), nil
}

// FinalCollection 完成当前并发周期；没有进行中的周期时什么也不做
func (c *ConcurrentGC) FinalCollection(env *Env, reason string) (CycleStats, bool) {
	c.access.RequestExclusive(env)
	defer c.access.ReleaseExclusive(env)
	if c.ExecutionMode() == ModeOff {
		return CycleStats{}, false
	}
	return c.collectLocked(env, reason), true
}

// finalCollectionFromTax 缴税时发现追踪已耗尽
//
// 多个 mutator 可能同时发现；拿到独占后模式已经回到 Off 的线程直接返回。
func (c *ConcurrentGC) finalCollectionFromTax(env *Env) {
	c.FinalCollection(env, "concurrent-exhausted")
}

// AbortCollection 放弃正在进行的并发周期，丢弃所有标记工作
func (c *ConcurrentGC) AbortCollection(env *Env, reason string) {
	c.access.RequestExclusive(env)
	defer c.access.ReleaseExclusive(env)
	c.abortLocked(env, reason)
}

// collectLocked 独占访问下完成一次收集并清扫
func (c *ConcurrentGC) collectLocked(env *Env, reason string) CycleStats {
	start := time.Now()
	mode := c.ExecutionMode()
	c.pauseConHelpers()

	kind := cycleKindConcurrent
	switch mode {
	case ModeOff:
		kind = cycleKindGlobal
		c.globalCollectLocked(env)
	case ModeInitRunning, ModeInitComplete:
		// 标记位图还没有初始化完成，无法在其上继续
		c.abortLocked(env, "initialization incomplete")
		kind = cycleKindGlobal
		c.globalCollectLocked(env)
	default:
		c.finalCollectLocked(env)
	}

	sweep := c.heap.Sweep(c.markMap.IsBitSet)
	return c.completeCycleLocked(env, kind, reason, mode, start, sweep)
}

// finalCollectLocked 在并发标记的基础上完成标记
func (c *ConcurrentGC) finalCollectLocked(env *Env) {
	c.mode.Store(int32(ModeFinalCollection))

	// 退役所有 TLH：其中的对象被标记并压入所属线程的工作栈
	c.cli.FlushThreadLocalHeaps(env)
	c.flushAllWorkStacks()
	moved := c.workPackets.MoveDeferredPacketsToFull(env)

	c.logger.Debug("final collection",
		zap.Uint64("cycle", c.cycleID.Load()),
		zap.Int("deferredPackets", moved),
		zap.Bool("overflow", c.concurrentWorkStackOverflowOccurred.Load()))

	c.dispatcher.Run(NewConcurrentFinalMarkTask(c.markingScheme, c.cardTable))
}

// globalCollectLocked 完整的 STW 标记
func (c *ConcurrentGC) globalCollectLocked(env *Env) {
	c.markEpoch.Store(c.backOutEpoch.Load())
	c.cli.FlushThreadLocalHeaps(env)
	c.flushAllWorkStacks()
	c.workPackets.ResetAllPackets(env)
	c.overflow.Reset(env)
	c.markingScheme.ResetStats()
	c.dispatcher.Run(NewParallelMarkTask(c.markingScheme, true))
}

// abortLocked 丢弃并发周期的所有状态（独占访问下）
func (c *ConcurrentGC) abortLocked(env *Env, reason string) {
	mode := c.ExecutionMode()
	if mode == ModeOff {
		return
	}
	c.pauseConHelpers()

	c.flushAllWorkStacks()
	c.workPackets.ResetAllPackets(env)
	c.overflow.Reset(env)
	c.concurrentWorkStackOverflowOccurred.Store(false)
	c.cardTable.ResetCleaningPhase(env)
	c.mode.Store(int32(ModeOff))

	c.statsMu.Lock()
	c.stats.aborts++
	c.statsMu.Unlock()

	c.logger.Info("concurrent cycle aborted",
		zap.Uint64("cycle", c.cycleID.Load()),
		zap.Stringer("mode", mode),
		zap.String("reason", reason))
}

// ScavengerBackOut scavenger 中止后堆中留下了转发对象（调用者持有独占访问）
//
// 进行中的并发周期建立在转发之前的对象图上，直接放弃。之后的标记修正指向转发对象的
// 引用槽，直到一次标记完整结束且期间没有新的转发。
func (c *ConcurrentGC) ScavengerBackOut(env *Env, reason string) {
	c.abortLocked(env, reason)
	epoch := c.backOutEpoch.Inc()
	c.markingScheme.SetScavengerBackOut(true)
	c.logger.Debug("scavenger back out", zap.Uint64("epoch", epoch), zap.String("reason", reason))
}

// endScavengerBackOut 标记完成后所有可达的引用槽都已修正
func (c *ConcurrentGC) endScavengerBackOut() {
	if !c.markingScheme.ScavengerBackOutActive() || c.markEpoch.Load() != c.backOutEpoch.Load() {
		return
	}
	c.markingScheme.SetScavengerBackOut(false)
	c.logger.Debug("scavenger back out complete", zap.Uint64("epoch", c.markEpoch.Load()))
}

// completeCycleLocked 清扫之后重置周期状态并记录统计
func (c *ConcurrentGC) completeCycleLocked(env *Env, kind, reason string, startMode ExecutionMode, start time.Time, sweep heap.SweepResult) CycleStats {
	c.forEachEnv(func(e *Env) {
		c.markingScheme.flushStats(e)
	})
	overflowed := c.concurrentWorkStackOverflowOccurred.Load()
	cards := c.cardTable.Stats()

	c.flushAllWorkStacks()
	c.workPackets.ResetAllPackets(env)
	c.overflow.Reset(env)
	c.concurrentWorkStackOverflowOccurred.Store(false)
	c.cardTable.ResetCleaningPhase(env)
	c.mode.Store(int32(ModeOff))
	c.endScavengerBackOut()

	traced := c.tracedByMutators.Load() + c.tracedByHelpers.Load()
	if kind == cycleKindConcurrent {
		c.kickoff.update(sweep.LiveBytes, c.heap.CollectableBytes(), traced,
			cards.BytesTracedByCleaning, c.allocatedSinceKickoff.Load())
	} else {
		c.kickoff.update(sweep.LiveBytes, c.heap.CollectableBytes(), 0, 0, 0)
	}

	stw := time.Since(start)
	cs := CycleStats{
		Cycle:             c.cycleID.Load(),
		Kind:              kind,
		Reason:            reason,
		StartMode:         startMode.String(),
		STWNs:             stw.Nanoseconds(),
		MarkedObjects:     c.markingScheme.MarkedObjects(),
		WorkStackOverflow: overflowed,
		CardCleaning:      cards,
		Sweep:             sweep,
	}
	if kind == cycleKindConcurrent {
		cs.TracedByMutators = c.tracedByMutators.Load()
		cs.TracedByHelpers = c.tracedByHelpers.Load()
		cs.AllocatedDuringCycle = c.allocatedSinceKickoff.Load()
		cs.DeferredObjects = c.deferredObjects.Load()
		cs.ConcurrentNs = start.Sub(c.kickoffTime).Nanoseconds()
	}
	c.recordCycle(cs)

	c.logger.Info("collection complete",
		zap.String("kind", kind),
		zap.String("reason", reason),
		zap.Uint64("cycle", cs.Cycle),
		zap.Stringer("startMode", startMode),
		zap.Duration("stw", stw),
		zap.Int64("marked", cs.MarkedObjects),
		zap.Int64("liveObjects", sweep.LiveObjects),
		zap.Uintptr("liveBytes", sweep.LiveBytes),
		zap.Uintptr("freedBytes", sweep.FreedBytes),
		zap.Bool("overflow", overflowed))
	return cs
}
