package gc

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ============================================================================
// 工作包管理
// ============================================================================
//
// 包在四个共享池之间流转：空包池、满包池、非空包池（刷新时未满的包）
// 和延迟包池（并发追踪中暂不能扫描的对象）。
// 空包耗尽时把一个满包溢出到卡表，腾出一个空包。

// OverflowType 溢出来源
type OverflowType int

const (
	OverflowTypeWorkStack OverflowType = iota // 工作栈无法获得输出包
	OverflowTypeDeferred                      // 延迟包无法获得
)

// WorkPacketOverflow 工作包溢出策略
type WorkPacketOverflow interface {
	// OverflowItem 记录一个无法压入工作包的对象
	OverflowItem(env *Env, item uintptr, t OverflowType)

	// EmptyToOverflow 把包内所有条目转为溢出记录，包变为空
	EmptyToOverflow(env *Env, p *Packet, t OverflowType)

	// HandleOverflow 重新发现溢出的对象并压回工作栈（并行任务中由所有线程调用）
	HandleOverflow(env *Env)

	// Reset 丢弃本轮溢出状态
	Reset(env *Env)
}

// WorkPackets 工作包池
type WorkPackets struct {
	arena    *packetArena
	capacity int

	empty    *packetList
	full     *packetList
	nonEmpty *packetList
	deferred *packetList

	overflowHandler WorkPacketOverflow
	overflowFlag    atomic.Bool
	overflowCount   atomic.Int64

	// 输入包等待与终止检测
	inputMu        sync.Mutex
	inputCond      *sync.Cond
	inputWaitCount int
	inputWaiters   atomic.Int32
	inputDoneIndex uint64

	logger *zap.Logger
}

// PacketAccounting 各池中的包数
type PacketAccounting struct {
	Total    int   `json:"total"`
	Empty    int64 `json:"empty"`
	Full     int64 `json:"full"`
	NonEmpty int64 `json:"non_empty"`
	Deferred int64 `json:"deferred"`
	InFlight int64 `json:"in_flight"` // 被线程持有
}

// NewWorkPackets 创建 count 个容量为 capacity 的工作包
func NewWorkPackets(count, capacity, sublists int, logger *zap.Logger) *WorkPackets {
	arena := newPacketArena(count, capacity)
	wp := &WorkPackets{
		arena:    arena,
		capacity: capacity,
		empty:    newPacketList("empty", arena, sublists),
		full:     newPacketList("full", arena, sublists),
		nonEmpty: newPacketList("nonEmpty", arena, sublists),
		deferred: newPacketList("deferred", arena, sublists),
		logger:   logger,
	}
	wp.inputCond = sync.NewCond(&wp.inputMu)
	wp.ResetAllPackets(nil)
	return wp
}

// SetOverflowHandler 设置溢出策略
func (wp *WorkPackets) SetOverflowHandler(h WorkPacketOverflow) {
	wp.overflowHandler = h
}

// Capacity 每个包的容量
func (wp *WorkPackets) Capacity() int {
	return wp.capacity
}

// ResetAllPackets 所有包清空并放回空包池
//
// 调用者保证没有线程持有包。
func (wp *WorkPackets) ResetAllPackets(env *Env) {
	wp.empty.clear()
	wp.full.clear()
	wp.nonEmpty.clear()
	wp.deferred.clear()
	for i := range wp.arena.packets {
		p := &wp.arena.packets[i]
		p.reset()
		wp.empty.push(env, p)
	}
	wp.overflowFlag.Store(false)
}

// InputPacketAvailable 共享池中是否有可供扫描的包
func (wp *WorkPackets) InputPacketAvailable() bool {
	return wp.full.size()+wp.nonEmpty.size() > 0
}

// Overflowed 本轮是否发生过溢出
func (wp *WorkPackets) Overflowed() bool {
	return wp.overflowFlag.Load()
}

// OverflowCount 溢出条目累计数
func (wp *WorkPackets) OverflowCount() int64 {
	return wp.overflowCount.Load()
}

// GetInputPacketNoWait 从共享池取一个非空包，没有则返回 nil
func (wp *WorkPackets) GetInputPacketNoWait(env *Env) *Packet {
	if p := wp.full.pop(env); p != nil {
		return p
	}
	return wp.nonEmpty.pop(env)
}

// GetInputPacket 取一个非空包，没有则等待
//
// 当任务中的所有线程都在等待输入时，工作已经全部完成，所有等待者返回 nil。
// 不在并行任务中时不等待。
func (wp *WorkPackets) GetInputPacket(env *Env) *Packet {
	threads := 1
	if env.task != nil {
		threads = env.task.threadCount
	}

	wp.inputMu.Lock()
	doneIndex := wp.inputDoneIndex
	wp.inputMu.Unlock()

	for {
		if p := wp.GetInputPacketNoWait(env); p != nil {
			return p
		}

		wp.inputMu.Lock()
		if doneIndex != wp.inputDoneIndex {
			wp.inputMu.Unlock()
			return nil
		}
		if wp.InputPacketAvailable() {
			wp.inputMu.Unlock()
			continue
		}

		wp.inputWaitCount++
		wp.inputWaiters.Inc()
		if wp.inputWaitCount == threads {
			// 所有线程都没有工作：宣告完成
			wp.inputDoneIndex++
			wp.inputWaitCount = 0
			wp.inputWaiters.Store(0)
			wp.inputCond.Broadcast()
			wp.inputMu.Unlock()
			return nil
		}
		for doneIndex == wp.inputDoneIndex && !wp.InputPacketAvailable() {
			wp.inputCond.Wait()
		}
		if doneIndex != wp.inputDoneIndex {
			wp.inputMu.Unlock()
			return nil
		}
		wp.inputWaitCount--
		wp.inputWaiters.Dec()
		wp.inputMu.Unlock()
	}
}

// notifyInputAvailable 唤醒等待输入的线程
func (wp *WorkPackets) notifyInputAvailable() {
	if wp.inputWaiters.Load() == 0 {
		return
	}
	wp.inputMu.Lock()
	wp.inputCond.Broadcast()
	wp.inputMu.Unlock()
}

// GetOutputPacket 取一个空包
//
// 空包池耗尽时溢出一个满包来腾出空包；所有包都被线程持有时返回 nil。
func (wp *WorkPackets) GetOutputPacket(env *Env) *Packet {
	if p := wp.empty.pop(env); p != nil {
		return p
	}
	return wp.getPacketByOverflowing(env)
}

func (wp *WorkPackets) getPacketByOverflowing(env *Env) *Packet {
	p := wp.full.pop(env)
	if p == nil {
		p = wp.nonEmpty.pop(env)
	}
	if p == nil {
		return nil
	}
	n := p.Count()
	wp.overflowHandler.EmptyToOverflow(env, p, OverflowTypeWorkStack)
	wp.overflowCount.Add(int64(n))
	wp.overflowFlag.Store(true)
	assertf(p.IsEmpty(), "packet not empty after overflow")
	return p
}

// PutPacket 按包的状态放回对应的池
func (wp *WorkPackets) PutPacket(env *Env, p *Packet) {
	switch {
	case p.IsEmpty():
		p.reset()
		wp.empty.push(env, p)
	case p.IsFull():
		wp.full.push(env, p)
		wp.notifyInputAvailable()
	default:
		wp.nonEmpty.push(env, p)
		wp.notifyInputAvailable()
	}
}

// PutOutputPacket 交还输出包
func (wp *WorkPackets) PutOutputPacket(env *Env, p *Packet) {
	wp.PutPacket(env, p)
}

// GetDeferredPacket 取一个空包作为延迟包，不溢出
func (wp *WorkPackets) GetDeferredPacket(env *Env) *Packet {
	return wp.empty.pop(env)
}

// PutDeferredPacket 交还延迟包
func (wp *WorkPackets) PutDeferredPacket(env *Env, p *Packet) {
	if p.IsEmpty() {
		p.reset()
		wp.empty.push(env, p)
		return
	}
	wp.deferred.push(env, p)
}

// MoveDeferredPacketsToFull 把延迟包移入满包池，等待扫描
func (wp *WorkPackets) MoveDeferredPacketsToFull(env *Env) int {
	n := 0
	wp.deferred.popAll(func(p *Packet) {
		wp.full.push(env, p)
		n++
	})
	if n > 0 {
		wp.notifyInputAvailable()
	}
	return n
}

// OverflowItem 记录一个无法压入的对象
func (wp *WorkPackets) OverflowItem(env *Env, item uintptr, t OverflowType) {
	wp.overflowHandler.OverflowItem(env, item, t)
	wp.overflowCount.Inc()
	wp.overflowFlag.Store(true)
}

// HandleWorkPacketOverflow 处理本轮溢出，返回是否有溢出被处理
//
// 只在所有线程都从 GetInputPacket 得到 nil 之后调用：此时没有线程在压入，
// 所有线程看到相同的溢出标志。主线程清除标志后所有线程一起重新扫描。
func (wp *WorkPackets) HandleWorkPacketOverflow(env *Env) bool {
	if !wp.overflowFlag.Load() {
		return false
	}

	if task := env.task; task != nil {
		if task.SynchronizeGCThreadsAndReleaseMaster(env, "handleWorkPacketOverflow") {
			wp.overflowFlag.Store(false)
			wp.logger.Debug("handling work packet overflow", zap.Int64("overflowed", wp.overflowCount.Load()))
			task.ReleaseSynchronizedGCThreads(env)
		}
	} else {
		wp.overflowFlag.Store(false)
	}
	wp.overflowHandler.HandleOverflow(env)
	return true
}

// Accounting 统计各池的包数
func (wp *WorkPackets) Accounting() PacketAccounting {
	a := PacketAccounting{
		Total:    len(wp.arena.packets),
		Empty:    wp.empty.size(),
		Full:     wp.full.size(),
		NonEmpty: wp.nonEmpty.size(),
		Deferred: wp.deferred.size(),
	}
	a.InFlight = int64(a.Total) - a.Empty - a.Full - a.NonEmpty - a.Deferred
	return a
}
