package gc

// ParallelMarkTask 全 STW 标记：初始化、根、追踪、收尾
type ParallelMarkTask struct {
	ParallelTask

	markingScheme *MarkingScheme
	initMarkMap   bool
}

// NewParallelMarkTask 创建并行标记任务
func NewParallelMarkTask(ms *MarkingScheme, initMarkMap bool) *ParallelMarkTask {
	return &ParallelMarkTask{markingScheme: ms, initMarkMap: initMarkMap}
}

// Name 任务名
func (t *ParallelMarkTask) Name() string {
	return "parallel-mark"
}

// Run 执行本线程的标记工作
func (t *ParallelMarkTask) Run(env *Env) {
	ms := t.markingScheme
	ms.MarkLiveObjectsInit(env, t.initMarkMap)
	ms.MarkLiveObjectsRoots(env)
	ms.MarkLiveObjectsScan(env)
	ms.MarkLiveObjectsComplete(env)
}

// Cleanup 交还剩余的包
func (t *ParallelMarkTask) Cleanup(env *Env) {
	env.WorkStack.Flush(env)
}

// ConcurrentFinalMarkTask 并发周期的最终 STW 标记
//
// 清理剩余脏卡、重新扫描根、追踪到完成。标记位图在并发阶段已经建立，不清除。
type ConcurrentFinalMarkTask struct {
	ParallelTask

	markingScheme *MarkingScheme
	cardTable     *ConcurrentCardTable
}

// NewConcurrentFinalMarkTask 创建最终标记任务
func NewConcurrentFinalMarkTask(ms *MarkingScheme, ct *ConcurrentCardTable) *ConcurrentFinalMarkTask {
	return &ConcurrentFinalMarkTask{markingScheme: ms, cardTable: ct}
}

// Name 任务名
func (t *ConcurrentFinalMarkTask) Name() string {
	return "concurrent-final-mark"
}

// Run 执行本线程的最终标记工作
func (t *ConcurrentFinalMarkTask) Run(env *Env) {
	ms := t.markingScheme
	ms.MarkLiveObjectsInit(env, false)
	t.cardTable.FinalCleanCards(env)
	ms.MarkLiveObjectsRoots(env)
	ms.MarkLiveObjectsScan(env)
	ms.MarkLiveObjectsComplete(env)
}

// Cleanup 交还剩余的包
func (t *ConcurrentFinalMarkTask) Cleanup(env *Env) {
	env.WorkStack.Flush(env)
}
