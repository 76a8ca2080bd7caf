package gc

import (
	"sync"
)

// ============================================================================
// 启动控制
// ============================================================================
//
// 并发周期必须在空闲内存耗尽之前完成追踪。
// 预计追踪量 = 存活比例 × 可收集堆大小 × (1 + 清卡系数)，
// 按追踪率分摊到分配上，空闲内存降到"预计追踪量 / 追踪率 × 放大系数 + 余量"时启动。
// 存活比例、清卡系数和实际追踪率在每个周期结束时按指数加权平均更新。
// 实际追踪率低于配置值时启动阈值相应提高，提高的幅度受 MinTraceRateFraction 限制。

// kickoffController 启动阈值与追踪率的控制循环
type kickoffController struct {
	mu  sync.Mutex
	cfg ConcurrentConfig

	liveFraction       float64 // 存活字节 / 可收集字节
	cardCleaningFactor float64 // 清卡追踪字节 / 总追踪字节
	traceRate          float64 // 并发周期实际的追踪字节 / 分配字节（EWMA）
	cycles             int
}

func newKickoffController(cfg ConcurrentConfig) *kickoffController {
	return &kickoffController{
		cfg:          cfg,
		liveFraction: cfg.InitialLiveFraction,
		traceRate:    cfg.AllocToTraceRate,
	}
}

// estimatedTraceBytes 本周期预计需要追踪的字节数
func (k *kickoffController) estimatedTraceBytes(collectable uintptr) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return uint64(k.liveFraction * float64(collectable) * (1 + k.cardCleaningFactor))
}

// kickoffThreshold 空闲字节降到此值以下时启动并发周期
func (k *kickoffController) kickoffThreshold(collectable uintptr) uintptr {
	trace := k.estimatedTraceBytes(collectable)
	threshold := float64(trace) / k.effectiveTraceRate() * k.cfg.KickoffBoostFactor
	return uintptr(threshold) + uintptr(k.cfg.MinKickoffFreeBytes)
}

// effectiveTraceRate 启动阈值使用的追踪率：实际追踪率只会让周期更早启动
func (k *kickoffController) effectiveTraceRate() float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	base := k.cfg.AllocToTraceRate
	return min(max(k.traceRate, base*k.cfg.MinTraceRateFraction), base)
}

// allocToTraceRate 启动时根据剩余空闲内存计算追踪率
func (k *kickoffController) allocToTraceRate(free uintptr, traceBytes uint64) float64 {
	rate := k.cfg.AllocToTraceRate
	usable := float64(free) - float64(k.cfg.MinKickoffFreeBytes)/2
	if usable > 0 {
		needed := float64(traceBytes) / usable * k.cfg.KickoffBoostFactor
		rate = max(rate, needed)
	} else {
		rate = k.cfg.MaxAllocToTraceRate
	}
	return min(rate, k.cfg.MaxAllocToTraceRate)
}

// cardCleaningThreshold 追踪到此字节数后开始并发清卡
func (k *kickoffController) cardCleaningThreshold(traceBytes uint64) uint64 {
	return uint64(float64(traceBytes) * k.cfg.CardCleaningThresholdFactor)
}

// update 周期结束时更新历史
func (k *kickoffController) update(liveBytes, collectable uintptr, tracedBytes, cleanedBytes, allocatedBytes uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if collectable > 0 {
		live := float64(liveBytes) / float64(collectable)
		w := k.cfg.LivePartHistoryWeight
		k.liveFraction = w*k.liveFraction + (1-w)*live
	}
	if tracedBytes > 0 {
		factor := float64(cleanedBytes) / float64(tracedBytes)
		w := k.cfg.CardCleaningHistoryWeight
		k.cardCleaningFactor = w*k.cardCleaningFactor + (1-w)*factor
	}
	if allocatedBytes > 0 {
		rate := float64(tracedBytes) / float64(allocatedBytes)
		w := k.cfg.TraceRateHistoryWeight
		k.traceRate = w*k.traceRate + (1-w)*rate
	}
	k.cycles++
}

// KickoffStats 控制循环状态
type KickoffStats struct {
	LiveFraction       float64 `json:"live_fraction"`
	CardCleaningFactor float64 `json:"card_cleaning_factor"`
	TraceRate          float64 `json:"trace_rate"`
	Cycles             int     `json:"cycles"`
}

func (k *kickoffController) stats() KickoffStats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return KickoffStats{
		LiveFraction:       k.liveFraction,
		CardCleaningFactor: k.cardCleaningFactor,
		TraceRate:          k.traceRate,
		Cycles:             k.cycles,
	}
}
