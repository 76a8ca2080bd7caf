package gc

import (
	"runtime"

	"go.uber.org/zap"
)

// ============================================================================
// 并发辅助线程
// ============================================================================

// ConHelperRequest 对辅助线程的请求
type ConHelperRequest int32

const (
	ConHelperRequestWait ConHelperRequest = iota + 1
	ConHelperRequestMark
	ConHelperRequestShutdown
)

func (r ConHelperRequest) String() string {
	switch r {
	case ConHelperRequestWait:
		return "wait"
	case ConHelperRequestMark:
		return "mark"
	case ConHelperRequestShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ConHelperRequest 当前的辅助线程请求
func (c *ConcurrentGC) ConHelperRequest() ConHelperRequest {
	return ConHelperRequest(c.conHelperRequest.Load())
}

// switchConHelperRequest 请求为 from 时切换到 to，返回切换后的请求
func (c *ConcurrentGC) switchConHelperRequest(from, to ConHelperRequest) ConHelperRequest {
	c.conHelperMu.Lock()
	defer c.conHelperMu.Unlock()
	if c.conHelperRequest.CompareAndSwap(int32(from), int32(to)) {
		if to != ConHelperRequestWait {
			c.conHelperCond.Broadcast()
		}
		return to
	}
	return ConHelperRequest(c.conHelperRequest.Load())
}

// resumeConHelpers 唤醒等待中的辅助线程
func (c *ConcurrentGC) resumeConHelpers() {
	if c.config.Concurrent.HelperThreads == 0 {
		return
	}
	c.switchConHelperRequest(ConHelperRequestWait, ConHelperRequestMark)
}

// pauseConHelpers 让辅助线程在当前时间片结束后停下
func (c *ConcurrentGC) pauseConHelpers() {
	c.switchConHelperRequest(ConHelperRequestMark, ConHelperRequestWait)
}

// shutdownConHelpers 通知辅助线程退出并等待
func (c *ConcurrentGC) shutdownConHelpers() {
	c.conHelperMu.Lock()
	c.conHelperRequest.Store(int32(ConHelperRequestShutdown))
	c.conHelperCond.Broadcast()
	c.conHelperMu.Unlock()
	c.helperWG.Wait()
}

// waitForConHelperRequest 阻塞到请求不再是 Wait
func (c *ConcurrentGC) waitForConHelperRequest() ConHelperRequest {
	c.conHelperMu.Lock()
	defer c.conHelperMu.Unlock()
	for ConHelperRequest(c.conHelperRequest.Load()) == ConHelperRequestWait {
		c.conHelperCond.Wait()
	}
	return ConHelperRequest(c.conHelperRequest.Load())
}

// conHelperEntryPoint 辅助线程主循环
//
// 请求为 Mark 时持有 VM 访问权按时间片执行并发工作，
// 每个时间片之间检查独占请求。没有可做的工作时把请求切回 Wait。
func (c *ConcurrentGC) conHelperEntryPoint(env *Env) {
	defer c.helperWG.Done()
	defer c.ReleaseEnv(env)

	slice := uintptr(c.config.Concurrent.HelperSliceSize)
	c.logger.Debug("concurrent helper started", zap.Int("env", env.ID))

	for {
		if c.waitForConHelperRequest() == ConHelperRequestShutdown {
			c.logger.Debug("concurrent helper stopped", zap.Int("env", env.ID))
			return
		}

		c.access.AcquireAccess(env)
		idle := false
		for c.ConHelperRequest() == ConHelperRequestMark && !env.ExclusiveAccessRequestWaiting() {
			done := c.concurrentWork(env, slice)
			env.WorkStack.Flush(env)
			if done == 0 {
				idle = true
				break
			}
			c.tracedByHelpers.Add(uint64(done))
			runtime.Gosched()
		}
		env.WorkStack.Flush(env)
		c.access.ReleaseAccess(env)

		if idle {
			c.pauseConHelpers()
		}
	}
}
