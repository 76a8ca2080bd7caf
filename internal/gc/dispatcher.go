package gc

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ============================================================================
// 任务调度器
// ============================================================================
//
// Dispatcher 持有固定数量的 GC 工作线程。Run 把一个并行任务分发给所有线程，
// 调用者所在的 goroutine 作为 0 号（主）线程参与执行，全部线程完成后返回。

// Task 并行任务
type Task interface {
	// Name 任务名，用于日志
	Name() string

	// Setup 每个线程开始执行前调用
	Setup(env *Env)

	// Run 每个线程的任务主体
	Run(env *Env)

	// Cleanup 每个线程执行结束后调用
	Cleanup(env *Env)

	parallel() *ParallelTask
}

// Dispatcher GC 工作线程调度器
type Dispatcher struct {
	// =========================================================================
	// 工作线程管理
	// =========================================================================

	// envs 每个工作线程的环境，envs[0] 属于调用 Run 的线程
	envs []*Env

	// numThreads 工作线程数量
	numThreads int

	// =========================================================================
	// 任务分发
	// =========================================================================

	runMu   sync.Mutex // 同一时刻只运行一个任务
	mu      sync.Mutex
	cond    *sync.Cond
	task    Task
	taskGen uint64
	taskWG  sync.WaitGroup

	// =========================================================================
	// 生命周期控制
	// =========================================================================

	running  atomic.Bool
	stopping bool
	wg       sync.WaitGroup

	logger *zap.Logger

	tasksRun atomic.Int64
}

// NewDispatcher 创建调度器
//
// newEnv 为每个工作线程创建环境。
func NewDispatcher(numThreads int, newEnv func(workerID int) *Env, logger *zap.Logger) *Dispatcher {
	if numThreads <= 0 {
		numThreads = 1
	}
	d := &Dispatcher{
		numThreads: numThreads,
		envs:       make([]*Env, numThreads),
		logger:     logger,
	}
	d.cond = sync.NewCond(&d.mu)
	for i := range d.envs {
		d.envs[i] = newEnv(i)
	}
	return d
}

// NumThreads 工作线程数量
func (d *Dispatcher) NumThreads() int {
	return d.numThreads
}

// Start 启动工作线程
func (d *Dispatcher) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	for i := 1; i < d.numThreads; i++ {
		d.wg.Add(1)
		go d.workerLoop(d.envs[i])
	}
	d.logger.Debug("dispatcher started", zap.Int("threads", d.numThreads))
}

// Stop 停止工作线程并等待它们退出
func (d *Dispatcher) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	d.mu.Lock()
	d.stopping = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

// Run 在所有工作线程上运行任务
//
// 未启动时任务只在调用者线程上执行。
func (d *Dispatcher) Run(task Task) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	threads := 1
	if d.running.Load() {
		threads = d.numThreads
	}
	pt := task.parallel()
	pt.prepare(task.Name(), threads)
	for i := 0; i < threads; i++ {
		d.envs[i].enterTask(pt, i)
	}

	if threads > 1 {
		d.taskWG.Add(threads - 1)
		d.mu.Lock()
		d.task = task
		d.taskGen++
		d.cond.Broadcast()
		d.mu.Unlock()
	}

	runTask(task, d.envs[0])
	d.taskWG.Wait()

	for i := 0; i < threads; i++ {
		d.envs[i].leaveTask()
	}
	d.mu.Lock()
	d.task = nil
	d.mu.Unlock()
	d.tasksRun.Inc()
}

// workerLoop 工作线程主循环
func (d *Dispatcher) workerLoop(env *Env) {
	defer d.wg.Done()

	var seen uint64
	for {
		d.mu.Lock()
		for d.taskGen == seen && !d.stopping {
			d.cond.Wait()
		}
		if d.stopping {
			d.mu.Unlock()
			return
		}
		seen = d.taskGen
		task := d.task
		d.mu.Unlock()

		// 本轮任务只使用前 threads 个线程
		if env.task != nil {
			runTask(task, env)
			d.taskWG.Done()
		}
	}
}

func runTask(task Task, env *Env) {
	task.Setup(env)
	task.Run(env)
	task.Cleanup(env)
}

// ============================================================================
// 并行任务
// ============================================================================

// ParallelTask 并行任务的同步原语
//
// 具体任务内嵌 ParallelTask，获得屏障同步和工作单元分配。
type ParallelTask struct {
	name        string
	threadCount int

	mu            sync.Mutex
	cond          *sync.Cond
	syncCount     int
	syncGen       uint64
	syncPoint     string
	masterRelease bool

	unitIndex atomic.Int64
}

func (t *ParallelTask) parallel() *ParallelTask {
	return t
}

func (t *ParallelTask) prepare(name string, threads int) {
	t.name = name
	t.threadCount = threads
	t.cond = sync.NewCond(&t.mu)
	t.syncCount = 0
	t.syncGen = 0
	t.masterRelease = false
	t.unitIndex.Store(0)
}

// Name 任务名
func (t *ParallelTask) Name() string {
	return t.name
}

// Setup 默认不做任何事
func (t *ParallelTask) Setup(env *Env) {}

// Cleanup 默认不做任何事
func (t *ParallelTask) Cleanup(env *Env) {}

// ThreadCount 参与任务的线程数
func (t *ParallelTask) ThreadCount() int {
	return t.threadCount
}

// SynchronizeGCThreads 屏障：所有线程到达后一起继续
func (t *ParallelTask) SynchronizeGCThreads(env *Env, id string) {
	if t.threadCount <= 1 {
		return
	}
	t.mu.Lock()
	t.checkSyncPoint(id)
	gen := t.syncGen
	t.syncCount++
	if t.syncCount == t.threadCount {
		t.syncCount = 0
		t.syncPoint = ""
		t.syncGen++
		t.cond.Broadcast()
	} else {
		for gen == t.syncGen {
			t.cond.Wait()
		}
	}
	t.mu.Unlock()
}

// SynchronizeGCThreadsAndReleaseMaster 屏障：所有线程到达后只放行主线程
//
// 主线程返回 true，单独完成工作后必须调用 ReleaseSynchronizedGCThreads；
// 其他线程返回 false，在主线程释放后继续。
func (t *ParallelTask) SynchronizeGCThreadsAndReleaseMaster(env *Env, id string) bool {
	if t.threadCount <= 1 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.checkSyncPoint(id)
	gen := t.syncGen
	t.syncCount++
	if t.syncCount == t.threadCount {
		t.masterRelease = true
		t.cond.Broadcast()
	}

	if env.IsMasterThread() {
		for !t.masterRelease {
			t.cond.Wait()
		}
		return true
	}
	for gen == t.syncGen {
		t.cond.Wait()
	}
	return false
}

// ReleaseSynchronizedGCThreads 主线程释放等待中的线程
func (t *ParallelTask) ReleaseSynchronizedGCThreads(env *Env) {
	if t.threadCount <= 1 {
		return
	}
	t.mu.Lock()
	assertf(t.masterRelease, "release without a master-held synchronization")
	t.masterRelease = false
	t.syncCount = 0
	t.syncPoint = ""
	t.syncGen++
	t.cond.Broadcast()
	t.mu.Unlock()
}

// checkSyncPoint 同一轮同步的所有线程必须使用相同的同步点
func (t *ParallelTask) checkSyncPoint(id string) {
	if t.syncCount == 0 {
		t.syncPoint = id
		return
	}
	assertf(t.syncPoint == id, "mismatched sync point %q vs %q", id, t.syncPoint)
}

// HandleNextWorkUnit 认领下一个工作单元
func (t *ParallelTask) HandleNextWorkUnit(env *Env) bool {
	if t.threadCount <= 1 {
		return true
	}
	env.unitIndex++
	if env.unitToClaim < env.unitIndex {
		env.unitToClaim = t.unitIndex.Inc()
	}
	return env.unitToClaim == env.unitIndex
}
