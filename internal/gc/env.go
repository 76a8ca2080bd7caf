package gc

// ThreadType 线程在收集器中的角色
type ThreadType int

const (
	ThreadMutator          ThreadType = iota // 应用线程，通过分配税参与并发标记
	ThreadConcurrentHelper                   // 后台并发辅助线程
	ThreadGCWorker                           // STW 阶段的并行 GC 线程
)

func (t ThreadType) String() string {
	switch t {
	case ThreadMutator:
		return "mutator"
	case ThreadConcurrentHelper:
		return "helper"
	case ThreadGCWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// Env 线程环境
//
// 每个参与收集的线程持有一个 Env：自己的工作栈、所处的并行任务、
// VM 访问状态和本地统计。Env 只能被它的所属线程使用，
// 唯一的例外是该线程停在安全点时，由持有独占访问的线程整理它的工作栈。
type Env struct {
	ID   int
	Type ThreadType

	// Owner 供语言集成层挂接自己的线程对象
	Owner any

	WorkStack WorkStack

	access      *VMAccess
	hasAccess   bool
	heldAccess  bool // 请求独占前是否持有访问权
	task        *ParallelTask
	workerID    int
	unitIndex   int64 // 本线程遍历到的工作单元序号
	unitToClaim int64 // 本线程已认领的工作单元序号

	rootsScannedCycle uint64 // 最近一次并发扫描自身根的周期

	markStats MarkStats
}

// Task 当前所在的并行任务，不在任务中时为 nil
func (env *Env) Task() *ParallelTask {
	return env.task
}

// WorkerID 在当前任务中的线程序号，0 为主线程
func (env *Env) WorkerID() int {
	return env.workerID
}

// IsMasterThread 是否为当前任务的主线程
func (env *Env) IsMasterThread() bool {
	return env.workerID == 0
}

// HasVMAccess 是否持有 VM 访问权
func (env *Env) HasVMAccess() bool {
	return env.hasAccess
}

// ExclusiveAccessRequestWaiting 是否有线程在等待独占访问
func (env *Env) ExclusiveAccessRequestWaiting() bool {
	return env.access != nil && env.access.IsExclusiveAccessRequestWaiting()
}

// HandleNextWorkUnit 认领下一个工作单元，返回本线程是否负责它
//
// 任务中的所有线程必须以相同的顺序遍历工作单元。
// 不在并行任务中时总是返回 true。
func (env *Env) HandleNextWorkUnit() bool {
	if env.task == nil {
		return true
	}
	return env.task.HandleNextWorkUnit(env)
}

// MarkStats 本线程的标记统计
func (env *Env) MarkStats() MarkStats {
	return env.markStats
}

func (env *Env) enterTask(task *ParallelTask, workerID int) {
	env.task = task
	env.workerID = workerID
	env.unitIndex = 0
	env.unitToClaim = 0
}

func (env *Env) leaveTask() {
	env.task = nil
	env.workerID = 0
}
