package gc

import (
	"go.uber.org/atomic"
)

// ScanReason 扫描对象的原因
type ScanReason int

const (
	ScanReasonPacket    ScanReason = iota // 从工作包弹出
	ScanReasonDirtyCard                   // 清理脏卡时重新扫描
	ScanReasonOverflow                    // 溢出处理时重新扫描
)

func (r ScanReason) String() string {
	switch r {
	case ScanReasonPacket:
		return "packet"
	case ScanReasonDirtyCard:
		return "dirty-card"
	case ScanReasonOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Slot 对象中的一个引用槽
type Slot = *atomic.Uintptr

// ScanState 分段扫描的进度
type ScanState struct {
	// StartIndex 从第几个引用槽开始扫描
	StartIndex int
}

// ObjectScanner 逐个返回对象的引用槽
type ObjectScanner interface {
	// NextSlot 下一个引用槽，扫描结束时返回 nil
	NextSlot() Slot

	// BytesScanned 已扫描的字节数
	BytesScanned() uintptr
}

// MarkingDelegate 标记过程中由语言层决定的策略
type MarkingDelegate interface {
	// ScanRoots 标记所有根（并行任务中按工作单元划分）
	ScanRoots(env *Env)

	// GetObjectScanner 返回对象的扫描器，对象不存在时返回 nil
	//
	// 对象过大时扫描器只覆盖一段，剩余部分以分段标记压回工作栈。
	GetObjectScanner(env *Env, addr uintptr, state *ScanState, reason ScanReason, sizeToDo *uintptr) ObjectScanner

	// CompleteMarking 追踪完成后的收尾（例如清除指向未标记对象的弱引用）
	CompleteMarking(env *Env)

	// ForwardedAddress 对象被转发后的地址，未转发时返回 0
	ForwardedAddress(addr uintptr) uintptr
}

// CollectorLanguageInterface 并发收集需要语言层提供的操作
type CollectorLanguageInterface interface {
	// FlushThreadLocalHeaps 退役所有线程的 TLH（独占访问下调用）
	FlushThreadLocalHeaps(env *Env)

	// SignalThreadsToTraceStacks 通知所有 mutator 在下次缴税时扫描自己的栈
	SignalThreadsToTraceStacks(env *Env)

	// ConcurrentScanThreadRoots mutator 并发扫描自己的根，返回是否扫描了
	ConcurrentScanThreadRoots(env *Env) bool

	// ConcurrentCollectRoots 并发扫描全局根，返回是否完成
	ConcurrentCollectRoots(env *Env) bool
}

// SplitTag 分段扫描标记：引用槽下标左移一位并置最低位
//
// 对象地址按 16 字节对齐，最低位为 1 的条目一定不是对象。
func SplitTag(index int) uintptr {
	return uintptr(index)<<1 | 1
}

// IsSplitTag 条目是否为分段扫描标记
func IsSplitTag(item uintptr) bool {
	return item&1 == 1
}

// SplitTagIndex 分段标记中的引用槽下标
func SplitTagIndex(item uintptr) int {
	return int(item >> 1)
}
