package gc

// WorkStack 线程的工作栈视图
//
// 输入包正在被消费，输出包正在被填充，延迟包收集暂时不能扫描的对象。
// 输入包耗尽时透明地与共享池交换；Pop 返回 0 表示全局工作已完成。
type WorkStack struct {
	workPackets *WorkPackets

	inputPacket    *Packet
	outputPacket   *Packet
	deferredPacket *Packet

	pushCount int64
	popCount  int64
}

// PrepareForWork 绑定工作包池
func (ws *WorkStack) PrepareForWork(env *Env, wp *WorkPackets) {
	if ws.workPackets == wp {
		return
	}
	assertf(ws.inputPacket == nil && ws.outputPacket == nil && ws.deferredPacket == nil,
		"work stack of env %d still holds packets", env.ID)
	ws.workPackets = wp
}

// Reset 放弃持有的包并清零计数
//
// 只在包池整体重置前后使用，被放弃的包由 ResetAllPackets 收回。
func (ws *WorkStack) Reset(env *Env, wp *WorkPackets) {
	ws.workPackets = wp
	ws.inputPacket = nil
	ws.outputPacket = nil
	ws.deferredPacket = nil
	ws.pushCount = 0
	ws.popCount = 0
}

// Push 压入一个对象
func (ws *WorkStack) Push(env *Env, item uintptr) {
	if ws.outputPacket != nil && ws.outputPacket.Push(item) {
		ws.pushCount++
		return
	}
	ws.pushFailed(env, item)
}

// Push2 压入相邻的两项，保证它们位于同一个包
func (ws *WorkStack) Push2(env *Env, a, b uintptr) {
	if ws.outputPacket != nil && ws.outputPacket.Push2(a, b) {
		ws.pushCount += 2
		return
	}
	ws.push2Failed(env, a, b)
}

// pushFailed 输出包已满：先取新包再交出满包，取不到时溢出该项
func (ws *WorkStack) pushFailed(env *Env, item uintptr) {
	next := ws.workPackets.GetOutputPacket(env)
	if ws.outputPacket != nil {
		ws.workPackets.PutOutputPacket(env, ws.outputPacket)
	}
	ws.outputPacket = next
	if next != nil && next.Push(item) {
		ws.pushCount++
		return
	}
	ws.workPackets.OverflowItem(env, item, OverflowTypeWorkStack)
}

func (ws *WorkStack) push2Failed(env *Env, a, b uintptr) {
	next := ws.workPackets.GetOutputPacket(env)
	if ws.outputPacket != nil {
		ws.workPackets.PutOutputPacket(env, ws.outputPacket)
	}
	ws.outputPacket = next
	if next != nil && next.Push2(a, b) {
		ws.pushCount += 2
		return
	}
	ws.workPackets.OverflowItem(env, a, OverflowTypeWorkStack)
	ws.workPackets.OverflowItem(env, b, OverflowTypeWorkStack)
}

// PushDefer 压入一个暂不能扫描的对象
func (ws *WorkStack) PushDefer(env *Env, item uintptr) {
	if ws.deferredPacket != nil && ws.deferredPacket.Push(item) {
		return
	}
	if ws.deferredPacket != nil {
		ws.workPackets.PutDeferredPacket(env, ws.deferredPacket)
	}
	ws.deferredPacket = ws.workPackets.GetDeferredPacket(env)
	if ws.deferredPacket != nil && ws.deferredPacket.Push(item) {
		return
	}
	ws.workPackets.OverflowItem(env, item, OverflowTypeDeferred)
}

// Pop 弹出一项，需要时等待其他线程产生工作；返回 0 表示全局工作已完成
func (ws *WorkStack) Pop(env *Env) uintptr {
	if ws.inputPacket != nil {
		if item, ok := ws.inputPacket.Pop(); ok {
			ws.popCount++
			return item
		}
	}
	return ws.popFailed(env, true)
}

// PopNoWait 弹出一项，没有可用工作时立即返回 0
func (ws *WorkStack) PopNoWait(env *Env) uintptr {
	if ws.inputPacket != nil {
		if item, ok := ws.inputPacket.Pop(); ok {
			ws.popCount++
			return item
		}
	}
	return ws.popFailed(env, false)
}

// popFailed 输入包已空：依次尝试共享池、自己的输出包，最后（可选）等待
func (ws *WorkStack) popFailed(env *Env, wait bool) uintptr {
	if ws.inputPacket != nil {
		ws.workPackets.PutPacket(env, ws.inputPacket)
		ws.inputPacket = nil
	}

	ws.inputPacket = ws.workPackets.GetInputPacketNoWait(env)
	if ws.inputPacket == nil && ws.outputPacket != nil && !ws.outputPacket.IsEmpty() {
		ws.inputPacket = ws.outputPacket
		ws.outputPacket = nil
	}
	if ws.inputPacket == nil && wait {
		// 空的输出包交还给空包池，等待期间它对其他线程有用
		ws.flushOutput(env)
		ws.inputPacket = ws.workPackets.GetInputPacket(env)
	}
	if ws.inputPacket == nil {
		return 0
	}

	item, ok := ws.inputPacket.Pop()
	assertf(ok, "input packet from pool is empty")
	ws.popCount++
	return item
}

// Peek 查看下一个将被弹出的项，输入包为空时返回 0
func (ws *WorkStack) Peek(env *Env) uintptr {
	if ws.inputPacket == nil {
		return 0
	}
	return ws.inputPacket.Peek()
}

// IsEmpty 本线程持有的输入与输出包是否都为空
func (ws *WorkStack) IsEmpty() bool {
	return (ws.inputPacket == nil || ws.inputPacket.IsEmpty()) &&
		(ws.outputPacket == nil || ws.outputPacket.IsEmpty())
}

// Flush 交还所有持有的包
func (ws *WorkStack) Flush(env *Env) {
	if ws.workPackets == nil {
		return
	}
	if ws.inputPacket != nil {
		ws.workPackets.PutPacket(env, ws.inputPacket)
		ws.inputPacket = nil
	}
	ws.flushOutput(env)
	if ws.deferredPacket != nil {
		ws.workPackets.PutDeferredPacket(env, ws.deferredPacket)
		ws.deferredPacket = nil
	}
}

func (ws *WorkStack) flushOutput(env *Env) {
	if ws.outputPacket != nil {
		ws.workPackets.PutOutputPacket(env, ws.outputPacket)
		ws.outputPacket = nil
	}
}

// PushCount 累计压入数
func (ws *WorkStack) PushCount() int64 {
	return ws.pushCount
}

// PopCount 累计弹出数
func (ws *WorkStack) PopCount() int64 {
	return ws.popCount
}
