package gc

import (
	"github.com/tangzhangming/novagc/internal/heap"
)

// ============================================================================
// 统计
// ============================================================================

// CycleStats 一次收集的统计
type CycleStats struct {
	Cycle     uint64 `json:"cycle"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
	StartMode string `json:"start_mode"`

	STWNs        int64 `json:"stw_ns"`
	ConcurrentNs int64 `json:"concurrent_ns,omitempty"`

	TracedByMutators     uint64 `json:"traced_by_mutators,omitempty"`
	TracedByHelpers      uint64 `json:"traced_by_helpers,omitempty"`
	AllocatedDuringCycle uint64 `json:"allocated_during_cycle,omitempty"`
	DeferredObjects      int64  `json:"deferred_objects,omitempty"`

	MarkedObjects     int64             `json:"marked_objects"`
	WorkStackOverflow bool              `json:"work_stack_overflow"`
	CardCleaning      CardCleaningStats `json:"card_cleaning"`
	Sweep             heap.SweepResult  `json:"sweep"`
}

// Stats 收集器状态快照
type Stats struct {
	Mode           string `json:"mode"`
	CardCleanPhase string `json:"card_clean_phase"`
	HelperRequest  string `json:"helper_request"`

	Cycles           int64 `json:"cycles"`
	ConcurrentCycles int64 `json:"concurrent_cycles"`
	GlobalCycles     int64 `json:"global_cycles"`
	Aborts           int64 `json:"aborts"`

	TotalSTWNs int64 `json:"total_stw_ns"`
	MaxSTWNs   int64 `json:"max_stw_ns"`

	OverflowedItems                     int64 `json:"overflowed_items"`
	ConcurrentWorkStackOverflowOccurred bool  `json:"concurrent_work_stack_overflow_occurred"`
	ScavengerBackOut                    bool  `json:"scavenger_back_out"`

	Packets   PacketAccounting `json:"packets"`
	Exclusive ExclusiveStats   `json:"exclusive"`
	Kickoff   KickoffStats     `json:"kickoff"`

	LastCycle *CycleStats `json:"last_cycle,omitempty"`
}

type collectorStats struct {
	cycles           int64
	concurrentCycles int64
	globalCycles     int64
	aborts           int64
	totalSTWNs       int64
	maxSTWNs         int64
	last             *CycleStats
}

func (c *ConcurrentGC) recordCycle(cs CycleStats) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	s := &c.stats
	s.cycles++
	if cs.Kind == cycleKindConcurrent {
		s.concurrentCycles++
	} else {
		s.globalCycles++
	}
	s.totalSTWNs += cs.STWNs
	s.maxSTWNs = max(s.maxSTWNs, cs.STWNs)
	s.last = &cs
}

// Stats 返回收集器统计的快照
func (c *ConcurrentGC) Stats() Stats {
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()

	out := Stats{
		Mode:                                c.ExecutionMode().String(),
		CardCleanPhase:                      c.cardTable.CardCleanPhase().String(),
		HelperRequest:                       c.ConHelperRequest().String(),
		Cycles:                              s.cycles,
		ConcurrentCycles:                    s.concurrentCycles,
		GlobalCycles:                        s.globalCycles,
		Aborts:                              s.aborts,
		TotalSTWNs:                          s.totalSTWNs,
		MaxSTWNs:                            s.maxSTWNs,
		OverflowedItems:                     c.overflow.OverflowedItems(),
		ConcurrentWorkStackOverflowOccurred: c.concurrentWorkStackOverflowOccurred.Load(),
		ScavengerBackOut:                    c.markingScheme.ScavengerBackOutActive(),
		Packets:                             c.workPackets.Accounting(),
		Exclusive:                           c.access.Stats(),
		Kickoff:                             c.kickoff.stats(),
	}
	if s.last != nil {
		last := *s.last
		out.LastCycle = &last
	}
	return out
}
