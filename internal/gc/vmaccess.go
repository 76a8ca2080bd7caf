package gc

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ============================================================================
// VM 访问与独占访问
// ============================================================================
//
// 应用线程和并发辅助线程在操作堆时持有 VM 访问权。
// 收集器需要 STW 时请求独占访问：新的访问请求被挡住，
// 已持有访问权的线程在下一个安全点让出，所有持有者离开后独占成立。

// VMAccess 管理 VM 访问权和独占访问
type VMAccess struct {
	mu   sync.Mutex
	cond *sync.Cond

	holders       int
	exclusiveHeld bool

	// exclusiveRequested 有线程请求或持有独占访问
	exclusiveRequested atomic.Bool

	// =========================================================================
	// 独占统计
	// =========================================================================

	exclusiveCount   int64
	totalExclusiveNs int64
	maxExclusiveNs   int64
	lastWaitNs       int64
	exclusiveStart   time.Time
}

// NewVMAccess 创建 VM 访问管理器
func NewVMAccess() *VMAccess {
	a := &VMAccess{}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// AcquireAccess 获取 VM 访问权，独占访问期间阻塞
func (a *VMAccess) AcquireAccess(env *Env) {
	a.mu.Lock()
	for a.exclusiveRequested.Load() || a.exclusiveHeld {
		a.cond.Wait()
	}
	a.holders++
	env.access = a
	env.hasAccess = true
	a.mu.Unlock()
}

// ReleaseAccess 释放 VM 访问权
func (a *VMAccess) ReleaseAccess(env *Env) {
	a.mu.Lock()
	if env.hasAccess {
		a.holders--
		env.hasAccess = false
		a.cond.Broadcast()
	}
	a.mu.Unlock()
}

// RequestExclusive 请求独占访问
//
// 调用者持有的访问权在等待期间被让出，ReleaseExclusive 时归还。
// 此方法阻塞直到所有其他持有者到达安全点。
func (a *VMAccess) RequestExclusive(env *Env) {
	a.mu.Lock()
	defer a.mu.Unlock()

	env.access = a
	env.heldAccess = env.hasAccess
	if env.hasAccess {
		a.holders--
		env.hasAccess = false
		a.cond.Broadcast()
	}

	// 另一个线程正在独占：排在它之后
	for a.exclusiveRequested.Load() || a.exclusiveHeld {
		a.cond.Wait()
	}

	start := time.Now()
	a.exclusiveRequested.Store(true)
	for a.holders > 0 {
		a.cond.Wait()
	}
	a.exclusiveHeld = true
	a.exclusiveStart = time.Now()
	a.lastWaitNs = a.exclusiveStart.Sub(start).Nanoseconds()
}

// ReleaseExclusive 释放独占访问
func (a *VMAccess) ReleaseExclusive(env *Env) {
	a.mu.Lock()
	defer a.mu.Unlock()

	assertf(a.exclusiveHeld, "ReleaseExclusive without exclusive access")

	elapsed := time.Since(a.exclusiveStart).Nanoseconds()
	a.exclusiveCount++
	a.totalExclusiveNs += elapsed
	if elapsed > a.maxExclusiveNs {
		a.maxExclusiveNs = elapsed
	}

	a.exclusiveHeld = false
	a.exclusiveRequested.Store(false)
	if env.heldAccess {
		a.holders++
		env.hasAccess = true
		env.heldAccess = false
	}
	a.cond.Broadcast()
}

// CheckSafePoint 安全点：有独占请求时让出访问权并等待独占结束
func (a *VMAccess) CheckSafePoint(env *Env) {
	if !a.exclusiveRequested.Load() || !env.hasAccess {
		return
	}
	a.ReleaseAccess(env)
	a.AcquireAccess(env)
}

// IsExclusiveAccessRequestWaiting 是否有独占请求在等待或已生效
func (a *VMAccess) IsExclusiveAccessRequestWaiting() bool {
	return a.exclusiveRequested.Load()
}

// ExclusiveStats 独占访问统计
type ExclusiveStats struct {
	Count        int64 `json:"count"`
	TotalNs      int64 `json:"total_ns"`
	MaxNs        int64 `json:"max_ns"`
	LastWaitNs   int64 `json:"last_wait_ns"`
	ActiveAccess int   `json:"active_access"`
}

// Stats 返回独占访问统计
func (a *VMAccess) Stats() ExclusiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ExclusiveStats{
		Count:        a.exclusiveCount,
		TotalNs:      a.totalExclusiveNs,
		MaxNs:        a.maxExclusiveNs,
		LastWaitNs:   a.lastWaitNs,
		ActiveAccess: a.holders,
	}
}
