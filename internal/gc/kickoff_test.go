package gc

import (
	"math"
	"testing"
)

// ============================================================================
// 启动控制测试
// ============================================================================

func TestKickoffThresholdScalesWithHeap(t *testing.T) {
	cfg := DefaultConfig().Concurrent
	k := newKickoffController(cfg)

	small := k.kickoffThreshold(1 << 20)
	large := k.kickoffThreshold(16 << 20)
	if large <= small {
		t.Errorf("Threshold should grow with the heap: %d <= %d", large, small)
	}
	if small < uintptr(cfg.MinKickoffFreeBytes) {
		t.Errorf("Threshold %d below minimum free bytes %d", small, cfg.MinKickoffFreeBytes)
	}

	// 0.5 × 4MB / 8 × 1.2 + 256K
	wantTrace := 0.5 * float64(4<<20) / 8 * 1.2
	want := uintptr(wantTrace) + uintptr(cfg.MinKickoffFreeBytes)
	if got := k.kickoffThreshold(4 << 20); got != want {
		t.Errorf("Expected threshold %d, got %d", want, got)
	}
}

func TestKickoffTraceRate(t *testing.T) {
	cfg := DefaultConfig().Concurrent
	k := newKickoffController(cfg)

	if rate := k.allocToTraceRate(0, 1<<20); rate != cfg.MaxAllocToTraceRate {
		t.Errorf("No free memory should use the maximum rate, got %v", rate)
	}
	if rate := k.allocToTraceRate(1<<30, 1<<20); rate != cfg.AllocToTraceRate {
		t.Errorf("Plenty of free memory should use the base rate, got %v", rate)
	}
	mid := k.allocToTraceRate(1<<20, 16<<20)
	if mid <= cfg.AllocToTraceRate || mid > cfg.MaxAllocToTraceRate {
		t.Errorf("Expected a boosted rate within bounds, got %v", mid)
	}
}

func TestKickoffHistoryUpdate(t *testing.T) {
	cfg := DefaultConfig().Concurrent
	k := newKickoffController(cfg)

	// 全部存活：0.8 × 0.5 + 0.2 × 1
	k.update(1<<20, 1<<20, 1000, 500, 250)
	s := k.stats()
	if math.Abs(s.LiveFraction-0.6) > 1e-9 {
		t.Errorf("Expected live fraction 0.6, got %v", s.LiveFraction)
	}
	// 0.7 × 0 + 0.3 × 0.5
	if math.Abs(s.CardCleaningFactor-0.15) > 1e-9 {
		t.Errorf("Expected card cleaning factor 0.15, got %v", s.CardCleaningFactor)
	}
	// 0.5 × 8 + 0.5 × 4
	if s.TraceRate != 6 {
		t.Errorf("Expected trace rate 6, got %v", s.TraceRate)
	}
	if s.Cycles != 1 {
		t.Errorf("Expected 1 cycle, got %d", s.Cycles)
	}

	if th := k.cardCleaningThreshold(1000); th != 500 {
		t.Errorf("Expected card cleaning threshold 500, got %d", th)
	}
}

func TestKickoffThresholdFollowsTraceRate(t *testing.T) {
	cfg := DefaultConfig().Concurrent
	const collectable = 4 << 20
	threshold := func(k *kickoffController, rate float64) uintptr {
		return uintptr(float64(k.estimatedTraceBytes(collectable))/rate*cfg.KickoffBoostFactor) + uintptr(cfg.MinKickoffFreeBytes)
	}

	k := newKickoffController(cfg)
	base := k.kickoffThreshold(collectable)

	// 实际追踪率 2，EWMA 为 0.5 × 8 + 0.5 × 2 = 5
	k.update(2<<20, collectable, 1000, 0, 500)
	if s := k.stats(); s.TraceRate != 5 {
		t.Fatalf("Expected trace rate 5, got %v", s.TraceRate)
	}
	got := k.kickoffThreshold(collectable)
	if want := threshold(k, 5); got != want {
		t.Errorf("Expected threshold %d, got %d", want, got)
	}
	if got <= base {
		t.Errorf("A lower trace rate should raise the threshold above %d, got %d", base, got)
	}

	// 追踪率很低时阈值受下限约束
	for i := 0; i < 20; i++ {
		k.update(2<<20, collectable, 0, 0, 1000)
	}
	floor := cfg.AllocToTraceRate * cfg.MinTraceRateFraction
	if got, want := k.kickoffThreshold(collectable), threshold(k, floor); got != want {
		t.Errorf("Expected threshold capped at %d, got %d", want, got)
	}

	// 追踪率高于配置值不会推迟启动
	fast := newKickoffController(cfg)
	fast.update(2<<20, collectable, 40000, 0, 1000)
	if got, want := fast.kickoffThreshold(collectable), threshold(fast, cfg.AllocToTraceRate); got != want {
		t.Errorf("Expected threshold %d, got %d", want, got)
	}
}
