package gc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/novagc/internal/heap"
)

// ============================================================================
// 并发收集器（增量更新）
// ============================================================================
//
// 周期的状态机：
//
//	Off → InitRunning → InitComplete → RootTracing → TraceOnly → CleanTrace → Exhausted → FinalCollection → Off
//
// 启动后写屏障开始置脏卡。mutator 每次刷新 TLH 时按分配量缴纳追踪税，
// 后台辅助线程按时间片做同样的工作。所有工作做完后由下一个缴税的 mutator
// 请求独占访问，完成最终的 STW 标记并清扫。
// 模式字只通过 CAS 转换。

// ExecutionMode 并发周期的执行模式
type ExecutionMode int32

const (
	ModeOff ExecutionMode = iota
	ModeInitRunning
	ModeInitComplete
	ModeRootTracing
	ModeTraceOnly
	ModeCleanTrace
	ModeExhausted
	ModeFinalCollection
)

var executionModeNames = [...]string{
	"off", "init-running", "init-complete", "root-tracing",
	"trace-only", "clean-trace", "exhausted", "final-collection",
}

func (m ExecutionMode) String() string {
	if m >= 0 && int(m) < len(executionModeNames) {
		return executionModeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int32(m))
}

// IsTracing 该模式下新对象需要被视为已标记
func (m ExecutionMode) IsTracing() bool {
	return m >= ModeRootTracing && m <= ModeFinalCollection
}

var (
	// ErrNotInitialized 收集器未启动或已关闭
	ErrNotInitialized = errors.New("gc: collector not running")

	// ErrHeapReconfigure 堆区域变化时收集器元数据无法跟随
	ErrHeapReconfigure = errors.New("gc: heap reconfiguration failed")
)

// initKind 并发初始化工作的类型
type initKind int

const (
	initMarkBits initKind = iota
	initCards
)

// initRange 一段待初始化的堆地址
type initRange struct {
	kind   initKind
	low    uintptr
	high   uintptr
	cursor atomic.Uintptr
}

// ConcurrentGC 并发标记收集器
type ConcurrentGC struct {
	config Config
	logger *zap.Logger

	heap          *heap.Heap
	access        *VMAccess
	dispatcher    *Dispatcher
	markMap       *MarkMap
	workPackets   *WorkPackets
	markingScheme *MarkingScheme
	cardTable     *ConcurrentCardTable
	overflow      *ConcurrentOverflow
	delegate      MarkingDelegate
	cli           CollectorLanguageInterface
	kickoff       *kickoffController

	// =========================================================================
	// 周期状态
	// =========================================================================

	mode    atomic.Int32
	cycleID atomic.Uint64

	// concurrentWorkStackOverflowOccurred 本周期发生过工作栈溢出
	concurrentWorkStackOverflowOccurred atomic.Bool

	forcedKickoff atomic.Bool
	rootsClaimed  atomic.Bool

	// backOutEpoch 每次 scavenger 中止留下转发对象时递增；
	// markEpoch 是当前标记开始时的值，相等说明标记期间没有新的转发
	backOutEpoch atomic.Uint64
	markEpoch    atomic.Uint64

	// =========================================================================
	// 并发初始化
	// =========================================================================

	initMu          sync.RWMutex
	initRanges      []initRange
	nextInitRange   atomic.Int64
	initBytesTotal  uint64
	initBytesDone   atomic.Uint64
	rebuildInitWork atomic.Bool

	// =========================================================================
	// 追踪记账
	// =========================================================================

	traceTarget           atomic.Uint64
	allocToTraceRate      atomic.Float64
	cardCleaningThreshold atomic.Uint64
	tracedByMutators      atomic.Uint64
	tracedByHelpers       atomic.Uint64
	allocatedSinceKickoff atomic.Uint64
	deferredObjects       atomic.Int64
	kickoffTime           time.Time
	kickoffReason         string

	// =========================================================================
	// 辅助线程
	// =========================================================================

	conHelperRequest atomic.Int32
	conHelperMu      sync.Mutex
	conHelperCond    *sync.Cond
	helperWG         sync.WaitGroup

	// =========================================================================
	// 线程环境
	// =========================================================================

	envMu     sync.Mutex
	envs      map[int]*Env
	nextEnvID atomic.Int64

	running  atomic.Bool
	shutdown atomic.Bool

	statsMu sync.Mutex
	stats   collectorStats
}

// NewConcurrentGC 创建收集器并注册为堆的区域监听者
//
// 堆中已有的区域立即建立卡表。收集器在 Start 之前不会启动并发周期。
func NewConcurrentGC(cfg Config, h *heap.Heap, delegate MarkingDelegate, cli CollectorLanguageInterface, logger *zap.Logger) (*ConcurrentGC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	SetAssertions(cfg.Debug.Assertions)

	c := &ConcurrentGC{
		config:   cfg,
		logger:   logger.Named("concurrent"),
		heap:     h,
		access:   NewVMAccess(),
		delegate: delegate,
		cli:      cli,
		kickoff:  newKickoffController(cfg.Concurrent),
		envs:     make(map[int]*Env),
	}
	c.conHelperCond = sync.NewCond(&c.conHelperMu)
	c.conHelperRequest.Store(int32(ConHelperRequestWait))

	c.markMap = NewMarkMap(h.Base(), h.MaxSize())
	c.workPackets = NewWorkPackets(cfg.packetCount(), cfg.Marking.PacketCapacity, cfg.Marking.Sublists, logger.Named("packets"))
	c.markingScheme = NewMarkingScheme(h, c.markMap, c.workPackets, delegate, logger.Named("marking"))

	ct, err := NewConcurrentCardTable(h, cfg, logger.Named("cardtable"))
	if err != nil {
		return nil, fmt.Errorf("gc: create card table: %w", err)
	}
	ct.SetCardCleaner(NewCardCleanerForMarking(c.markingScheme, ScanReasonDirtyCard))
	ct.SetOverflowObserver(c.concurrentWorkStackOverflowOccurred.Load)
	c.cardTable = ct

	c.overflow = NewConcurrentOverflow(ct.CardTable, c.markingScheme, &c.concurrentWorkStackOverflowOccurred, logger.Named("overflow"))
	c.workPackets.SetOverflowHandler(c.overflow)

	c.dispatcher = NewDispatcher(cfg.gcThreads(), func(int) *Env {
		return c.NewEnv(ThreadGCWorker)
	}, logger.Named("dispatcher"))

	for _, r := range h.Regions() {
		if err := c.HeapAddRange(r); err != nil {
			return nil, multierr.Append(err, ct.Release())
		}
	}
	h.AddListener(c)

	c.logger.Info("collector created",
		zap.Uintptr("heapBase", h.Base()),
		zap.Uintptr("maxHeap", h.MaxSize()),
		zap.Int("gcThreads", c.dispatcher.NumThreads()),
		zap.Int("helperThreads", cfg.Concurrent.HelperThreads),
		zap.Int("packets", cfg.packetCount()),
		zap.Bool("concurrent", cfg.Concurrent.Enabled))
	return c, nil
}

// Start 启动 GC 工作线程和并发辅助线程
func (c *ConcurrentGC) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.dispatcher.Start()
	if c.config.Concurrent.Enabled {
		for i := 0; i < c.config.Concurrent.HelperThreads; i++ {
			env := c.NewEnv(ThreadConcurrentHelper)
			c.helperWG.Add(1)
			go c.conHelperEntryPoint(env)
		}
	}
}

// Shutdown 停止所有线程并释放卡表内存
func (c *ConcurrentGC) Shutdown() error {
	if !c.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if c.running.Load() {
		c.shutdownConHelpers()
		c.dispatcher.Stop()
	}
	c.logger.Info("collector shut down")
	return c.cardTable.Release()
}

// ============================================================================
// 访问器
// ============================================================================

// Config 收集器配置
func (c *ConcurrentGC) Config() Config { return c.config }

// Heap 被管理的堆
func (c *ConcurrentGC) Heap() *heap.Heap { return c.heap }

// Access VM 访问管理器
func (c *ConcurrentGC) Access() *VMAccess { return c.access }

// CardTable 并发卡表
func (c *ConcurrentGC) CardTable() *ConcurrentCardTable { return c.cardTable }

// MarkingScheme 标记流程
func (c *ConcurrentGC) MarkingScheme() *MarkingScheme { return c.markingScheme }

// WorkPackets 工作包池
func (c *ConcurrentGC) WorkPackets() *WorkPackets { return c.workPackets }

// Dispatcher GC 线程调度器
func (c *ConcurrentGC) Dispatcher() *Dispatcher { return c.dispatcher }

// ExecutionMode 当前执行模式
func (c *ConcurrentGC) ExecutionMode() ExecutionMode {
	return ExecutionMode(c.mode.Load())
}

// CycleID 当前（或最近一次）并发周期的编号
func (c *ConcurrentGC) CycleID() uint64 {
	return c.cycleID.Load()
}

// ConcurrentWorkStackOverflowOccurred 本周期是否发生过工作栈溢出
func (c *ConcurrentGC) ConcurrentWorkStackOverflowOccurred() bool {
	return c.concurrentWorkStackOverflowOccurred.Load()
}

// ConcurrentMarkActive 写屏障是否需要置脏卡
func (c *ConcurrentGC) ConcurrentMarkActive() bool {
	return c.ExecutionMode() != ModeOff
}

// ForceKickoff 下一次缴税时无条件启动并发周期
func (c *ConcurrentGC) ForceKickoff() {
	c.forcedKickoff.Store(true)
}

// switchExecutionMode CAS 转换执行模式
func (c *ConcurrentGC) switchExecutionMode(from, to ExecutionMode) bool {
	if !c.mode.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.logger.Debug("execution mode", zap.Stringer("from", from), zap.Stringer("to", to),
		zap.Uint64("cycle", c.cycleID.Load()))
	return true
}

// ============================================================================
// 线程环境
// ============================================================================

// NewEnv 为一个线程创建环境并登记
func (c *ConcurrentGC) NewEnv(t ThreadType) *Env {
	env := &Env{
		ID:     int(c.nextEnvID.Inc()),
		Type:   t,
		access: c.access,
	}
	env.WorkStack.Reset(env, c.workPackets)

	c.envMu.Lock()
	c.envs[env.ID] = env
	c.envMu.Unlock()
	return env
}

// ReleaseEnv 线程退出：交还工作包并注销
func (c *ConcurrentGC) ReleaseEnv(env *Env) {
	env.WorkStack.Flush(env)
	c.markingScheme.flushStats(env)

	c.envMu.Lock()
	delete(c.envs, env.ID)
	c.envMu.Unlock()
}

// forEachEnv 遍历所有登记的环境（独占访问下调用）
func (c *ConcurrentGC) forEachEnv(fn func(env *Env)) {
	c.envMu.Lock()
	envs := make([]*Env, 0, len(c.envs))
	for _, env := range c.envs {
		envs = append(envs, env)
	}
	c.envMu.Unlock()
	for _, env := range envs {
		fn(env)
	}
}

// flushAllWorkStacks 交还所有线程持有的包
func (c *ConcurrentGC) flushAllWorkStacks() {
	c.forEachEnv(func(env *Env) {
		env.WorkStack.Flush(env)
	})
}

// ============================================================================
// 堆重配置
// ============================================================================

// HeapAddRange 新区域：提交卡表
func (c *ConcurrentGC) HeapAddRange(r *heap.Region) error {
	if err := c.cardTable.HeapAddRange(r); err != nil {
		c.logger.Warn("heap add range failed", zap.Stringer("region", r), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrHeapReconfigure, err)
	}
	c.rebuildInitWork.Store(true)
	return nil
}

// HeapRemoveRange 区域被移除：清除标记位，回收卡表
func (c *ConcurrentGC) HeapRemoveRange(r *heap.Region, lowValid, highValid uintptr) error {
	c.markMap.ClearBitsInRange(r.Low, r.High)
	c.rebuildInitWork.Store(true)
	if err := c.cardTable.HeapRemoveRange(r, lowValid, highValid); err != nil {
		return fmt.Errorf("%w: %w", ErrHeapReconfigure, err)
	}
	return nil
}

// ============================================================================
// mutator 接口
// ============================================================================

// WriteBarrierStore 写引用并在并发标记期间置脏父对象所在的卡
//
// 先写后置脏：清卡线程先置干净再扫描，两种交错都不会漏掉新引用。
func (c *ConcurrentGC) WriteBarrierStore(env *Env, parent *heap.Object, slot int, value uintptr) {
	parent.Refs[slot].Store(value)
	if !c.ConcurrentMarkActive() {
		return
	}
	if c.config.Concurrent.CleanAllCards {
		c.cardTable.DirtyCard(env, parent.Addr)
		return
	}
	if r := c.heap.RegionFor(parent.Addr); r != nil && r.ConcurrentlyCollectable {
		c.cardTable.DirtyCard(env, parent.Addr)
	}
}

// TLHRefreshed mutator 获得新的 TLH
func (c *ConcurrentGC) TLHRefreshed(env *Env, tlh *heap.TLH) {
	c.cardTable.ProcessTLHMarkBits(env, tlh.Base, tlh.Top, TLHMarkBitsSet)
}

// TLHCleared mutator 即将退役 TLH（必须在 Retire 之前调用）
//
// 追踪期间 TLH 中的对象全部标记并压入所属线程的工作栈，之后才清除标记位。
func (c *ConcurrentGC) TLHCleared(env *Env, tlh *heap.TLH) {
	if c.ExecutionMode().IsTracing() {
		ms := c.markingScheme
		tlh.Objects(func(o *heap.Object) bool {
			ms.InlineMarkObjectNoCheck(env, o.Addr, o.NumRefs() == 0)
			return true
		})
	}
	c.cardTable.ProcessTLHMarkBits(env, tlh.Base, tlh.Top, TLHMarkBitsClear)
}

// ObjectAllocated TLH 之外分配的对象，追踪期间直接视为已标记
func (c *ConcurrentGC) ObjectAllocated(env *Env, addr uintptr) {
	if c.ExecutionMode().IsTracing() {
		c.markingScheme.MarkObject(env, addr, true)
	}
}

// PayAllocationTax mutator 分配 allocBytes 字节后缴纳追踪税
//
// 调用者持有 VM 访问权。
func (c *ConcurrentGC) PayAllocationTax(env *Env, allocBytes uintptr) {
	if !c.config.Concurrent.Enabled || !c.running.Load() || c.shutdown.Load() {
		return
	}

	mode := c.ExecutionMode()
	if mode == ModeOff {
		if !c.timeToKickoffConcurrent(env) {
			return
		}
		mode = c.ExecutionMode()
	}
	if mode == ModeExhausted {
		c.finalCollectionFromTax(env)
		return
	}

	c.allocatedSinceKickoff.Add(uint64(allocBytes))
	sizeToDo := uintptr(float64(allocBytes) * c.allocToTraceRate.Load())
	done := c.concurrentWork(env, sizeToDo)
	c.tracedByMutators.Add(uint64(done))
	env.WorkStack.Flush(env)
	if c.workPackets.InputPacketAvailable() {
		c.resumeConHelpers()
	}
}

// ============================================================================
// 启动
// ============================================================================

// timeToKickoffConcurrent 空闲内存低于阈值时启动并发周期，返回周期是否已在进行
func (c *ConcurrentGC) timeToKickoffConcurrent(env *Env) bool {
	reason := "forced"
	if !c.forcedKickoff.Load() {
		collectable := c.heap.CollectableBytes()
		free := c.heap.FreeBytes()
		if free > c.kickoff.kickoffThreshold(collectable) {
			return false
		}
		reason = "free-space"
	}

	c.initMu.Lock()
	if c.ExecutionMode() != ModeOff {
		c.initMu.Unlock()
		return true
	}
	c.kickoffCycle(env, reason)
	c.initMu.Unlock()

	c.resumeConHelpers()
	return true
}

// kickoffCycle 准备新周期并发布 InitRunning（调用者持有 initMu）
func (c *ConcurrentGC) kickoffCycle(env *Env, reason string) {
	cycle := c.cycleID.Inc()
	c.forcedKickoff.Store(false)

	collectable := c.heap.CollectableBytes()
	free := c.heap.FreeBytes()
	trace := c.kickoff.estimatedTraceBytes(collectable)
	rate := c.kickoff.allocToTraceRate(free, trace)

	c.traceTarget.Store(trace)
	c.allocToTraceRate.Store(rate)
	c.cardCleaningThreshold.Store(c.kickoff.cardCleaningThreshold(trace))
	c.tracedByMutators.Store(0)
	c.tracedByHelpers.Store(0)
	c.allocatedSinceKickoff.Store(0)
	c.deferredObjects.Store(0)
	c.concurrentWorkStackOverflowOccurred.Store(false)
	c.rootsClaimed.Store(false)
	c.cardTable.ResetStats()
	c.markingScheme.ResetStats()
	c.kickoffTime = time.Now()
	c.kickoffReason = reason
	c.markEpoch.Store(c.backOutEpoch.Load())

	c.buildInitRanges()
	c.rebuildInitWork.Store(false)

	next := ModeInitRunning
	if c.initBytesTotal == 0 {
		next = ModeInitComplete
	}
	c.mode.Store(int32(next))

	c.logger.Info("concurrent kickoff",
		zap.Uint64("cycle", cycle),
		zap.String("reason", reason),
		zap.Uintptr("free", free),
		zap.Uintptr("collectable", collectable),
		zap.Uint64("traceTarget", trace),
		zap.Float64("allocToTraceRate", rate))
}

// ============================================================================
// 并发工作
// ============================================================================

// concurrentWork mutator 和辅助线程共用的工作入口，返回完成的工作量
func (c *ConcurrentGC) concurrentWork(env *Env, sizeToDo uintptr) uintptr {
	var done uintptr
	for done < sizeToDo {
		if env.ExclusiveAccessRequestWaiting() {
			break
		}

		mode := c.ExecutionMode()
		switch mode {
		case ModeInitRunning:
			n := c.doConcurrentInitialization(env, sizeToDo-done)
			done += n
			if n == 0 && c.ExecutionMode() == ModeInitRunning {
				// 剩余的块已被其他线程认领
				return done
			}

		case ModeInitComplete:
			c.switchToRootTracing(env)

		case ModeRootTracing, ModeTraceOnly, ModeCleanTrace:
			if mode == ModeRootTracing {
				c.doConcurrentRootTracing(env)
			}
			c.scanOwnThreadRoots(env)
			n := c.doConcurrentTrace(env, sizeToDo-done)
			done += n
			if n == 0 {
				return done
			}

		default:
			return done
		}
	}
	return done
}

// doConcurrentInitialization 认领并完成初始化块：清除标记位和卡
func (c *ConcurrentGC) doConcurrentInitialization(env *Env, sizeToDo uintptr) uintptr {
	if c.rebuildInitWork.Load() {
		c.initMu.Lock()
		if c.rebuildInitWork.Swap(false) && c.ExecutionMode() == ModeInitRunning {
			c.buildInitRanges()
			c.logger.Debug("concurrent init work rebuilt after heap reconfiguration")
		}
		c.initMu.Unlock()
	}

	c.initMu.RLock()
	defer c.initMu.RUnlock()

	var done uintptr
	for done < sizeToDo {
		if env.ExclusiveAccessRequestWaiting() {
			break
		}
		r, low, high, ok := c.claimInitChunk()
		if !ok {
			break
		}
		switch r.kind {
		case initMarkBits:
			c.markMap.ClearBitsInRange(low, high)
		case initCards:
			c.cardTable.ClearCardsInRange(low, high)
		}
		n := high - low
		done += n
		if c.initBytesDone.Add(uint64(n)) == c.initBytesTotal {
			c.switchExecutionMode(ModeInitRunning, ModeInitComplete)
		}
	}
	return done
}

// buildInitRanges 按当前区域生成初始化工作（调用者持有 initMu 写锁）
func (c *ConcurrentGC) buildInitRanges() {
	regions := c.heap.Regions()
	ranges := make([]initRange, 0, 2*len(regions))
	var total uint64
	for _, r := range regions {
		for _, kind := range []initKind{initMarkBits, initCards} {
			ranges = append(ranges, initRange{kind: kind, low: r.Low, high: r.High})
			total += uint64(r.Size())
		}
	}
	for i := range ranges {
		ranges[i].cursor.Store(ranges[i].low)
	}
	c.initRanges = ranges
	c.initBytesTotal = total
	c.initBytesDone.Store(0)
	c.nextInitRange.Store(0)
}

func (c *ConcurrentGC) claimInitChunk() (*initRange, uintptr, uintptr, bool) {
	chunk := uintptr(c.config.Concurrent.InitChunkSize)
	for {
		i := c.nextInitRange.Load()
		if i >= int64(len(c.initRanges)) {
			return nil, 0, 0, false
		}
		r := &c.initRanges[i]
		cur := r.cursor.Load()
		if cur >= r.high {
			c.nextInitRange.CompareAndSwap(i, i+1)
			continue
		}
		end := min(cur+chunk, r.high)
		if r.cursor.CompareAndSwap(cur, end) {
			return r, cur, end, true
		}
	}
}

// switchToRootTracing 初始化完成后开始根追踪
func (c *ConcurrentGC) switchToRootTracing(env *Env) {
	if !c.switchExecutionMode(ModeInitComplete, ModeRootTracing) {
		return
	}
	c.cardTable.InitializeCardCleaning(env)
	c.cli.SignalThreadsToTraceStacks(env)
	c.resumeConHelpers()
}

// doConcurrentRootTracing 一个线程认领全局根的并发扫描
func (c *ConcurrentGC) doConcurrentRootTracing(env *Env) {
	if !c.rootsClaimed.CompareAndSwap(false, true) {
		return
	}
	c.cli.ConcurrentCollectRoots(env)
	if c.switchExecutionMode(ModeRootTracing, ModeTraceOnly) {
		env.WorkStack.Flush(env)
		c.resumeConHelpers()
	}
}

// scanOwnThreadRoots mutator 每个周期扫描一次自己的栈
func (c *ConcurrentGC) scanOwnThreadRoots(env *Env) {
	if env.Type != ThreadMutator {
		return
	}
	cycle := c.cycleID.Load()
	if env.rootsScannedCycle == cycle {
		return
	}
	if c.cli.ConcurrentScanThreadRoots(env) {
		env.rootsScannedCycle = cycle
	}
}

// doConcurrentTrace 追踪；达到阈值或没有追踪工作后转入清卡
func (c *ConcurrentGC) doConcurrentTrace(env *Env, sizeToDo uintptr) uintptr {
	done := c.localMark(env, sizeToDo)
	if done >= sizeToDo {
		return done
	}

	mode := c.ExecutionMode()
	if mode == ModeTraceOnly {
		traced := c.tracedByMutators.Load() + c.tracedByHelpers.Load() + uint64(done)
		if traced >= c.cardCleaningThreshold.Load() || !c.workPackets.InputPacketAvailable() {
			if c.switchExecutionMode(ModeTraceOnly, ModeCleanTrace) {
				c.logger.Debug("concurrent card cleaning started", zap.Uint64("traced", traced))
			}
		}
		mode = c.ExecutionMode()
	}
	if mode != ModeCleanTrace {
		return done
	}

	cleaned, res := c.cardTable.CleanCards(env, env.Type == ThreadMutator, sizeToDo-done, false)
	done += cleaned
	if res == CleanResultExclusiveRequested {
		return done
	}
	if done < sizeToDo {
		done += c.localMark(env, sizeToDo-done)
	}
	if res == CleanResultComplete {
		c.checkTracingExhausted(env)
	}
	return done
}

// localMark 从工作栈弹出并扫描，不等待；活动 TLH 中的对象推迟处理
func (c *ConcurrentGC) localMark(env *Env, sizeToDo uintptr) uintptr {
	ms := c.markingScheme
	var done uintptr
	for done < sizeToDo {
		if env.ExclusiveAccessRequestWaiting() {
			break
		}
		item := env.WorkStack.PopNoWait(env)
		if item == 0 {
			break
		}
		if IsSplitTag(item) {
			done += ms.scanItem(env, item, sizeToDo-done)
			continue
		}
		if c.cardTable.IsObjectInActiveTLH(env, item) {
			env.WorkStack.PushDefer(env, item)
			c.deferredObjects.Inc()
			continue
		}
		done += ms.ScanObject(env, item, ScanReasonPacket, sizeToDo-done)
	}
	return done
}

// checkTracingExhausted 清卡全部完成且没有剩余追踪工作时进入 Exhausted
func (c *ConcurrentGC) checkTracingExhausted(env *Env) {
	if !c.cardTable.IsCardCleaningComplete() || c.workPackets.InputPacketAvailable() || !env.WorkStack.IsEmpty() {
		return
	}
	if c.switchExecutionMode(ModeCleanTrace, ModeExhausted) {
		c.logger.Debug("concurrent tracing exhausted",
			zap.Uint64("cycle", c.cycleID.Load()),
			zap.Uint64("tracedByMutators", c.tracedByMutators.Load()),
			zap.Uint64("tracedByHelpers", c.tracedByHelpers.Load()))
	}
}
