package gc

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/tangzhangming/novagc/internal/heap"
	"github.com/tangzhangming/novagc/internal/memory"
)

// ============================================================================
// 卡表测试
// ============================================================================

type recordingCleaner struct {
	cards []Card
}

func (c *recordingCleaner) Clean(env *Env, low, high uintptr, card Card) uintptr {
	c.cards = append(c.cards, card)
	return high - low
}

func newTestCardTable(t *testing.T, debug DebugConfig) (*heap.Heap, *CardTable) {
	t.Helper()
	h := newTestHeap(t)
	ct, err := NewCardTable(h, debug, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCardTable failed: %v", err)
	}
	t.Cleanup(func() { ct.Release() })
	h.AddListener(ct)
	return h, ct
}

func TestCardTableGeometry(t *testing.T) {
	h, ct := newTestCardTable(t, DebugConfig{})

	if ct.NumCards() != testMaxHeap/CardSize {
		t.Errorf("Expected %d cards, got %d", testMaxHeap/CardSize, ct.NumCards())
	}
	base := h.Base()
	if c := ct.HeapAddrToCard(base + 1024); c != 2 {
		t.Errorf("Expected card 2 for base+1024, got %d", c)
	}
	if c := ct.HeapAddrToCard(base + 1023); c != 1 {
		t.Errorf("Expected card 1 for base+1023, got %d", c)
	}
	if addr := ct.CardToHeapAddr(3); addr != base+3*CardSize {
		t.Errorf("Expected %#x, got %#x", base+3*CardSize, addr)
	}
}

func TestDirtyAndCleanCard(t *testing.T) {
	h, ct := newTestCardTable(t, DebugConfig{})
	r := expandCollectable(t, h, 1)
	env := &Env{ID: 0}

	ct.DirtyCard(env, r.Low+1024)
	if ct.Card(2) != CardDirty {
		t.Errorf("Expected card 2 dirty, got %#x", ct.Card(2))
	}
	if ct.Card(1) != CardClean || ct.Card(3) != CardClean {
		t.Error("Neighbouring cards should stay clean")
	}

	cleaner := &recordingCleaner{}
	bytes := ct.CleanCardTableForRange(env, cleaner, r.Low, r.High)
	if len(cleaner.cards) != 1 || cleaner.cards[0] != 2 {
		t.Errorf("Expected only card 2 cleaned, got %v", cleaner.cards)
	}
	if bytes != CardSize {
		t.Errorf("Expected %d bytes cleaned, got %d", CardSize, bytes)
	}
	if ct.Card(2) != CardClean {
		t.Error("Card should be clean after cleaning")
	}

	// 再清一遍什么都不做
	cleaner.cards = nil
	ct.CleanCardTable(env, cleaner)
	if len(cleaner.cards) != 0 {
		t.Errorf("Expected no cards on second pass, got %v", cleaner.cards)
	}
}

func TestDirtyCardRangeAndClear(t *testing.T) {
	h, ct := newTestCardTable(t, DebugConfig{})
	r := expandCollectable(t, h, 1)
	env := &Env{ID: 0}

	// 跨越 8 卡字边界
	ct.DirtyCardRange(env, r.Low+5*CardSize, r.Low+20*CardSize)
	for c := Card(0); c < 24; c++ {
		want := CardClean
		if c >= 5 && c < 20 {
			want = CardDirty
		}
		if got := ct.Card(c); got != want {
			t.Errorf("Card %d: expected %#x, got %#x", c, want, got)
		}
	}

	ct.ClearCardsInRange(r.Low+8*CardSize, r.Low+17*CardSize)
	for c := Card(5); c < 20; c++ {
		want := CardDirty
		if c >= 8 && c < 17 {
			want = CardClean
		}
		if got := ct.Card(c); got != want {
			t.Errorf("Card %d after clear: expected %#x, got %#x", c, want, got)
		}
	}
}

func TestCompareAndSwapCard(t *testing.T) {
	h, ct := newTestCardTable(t, DebugConfig{})
	expandCollectable(t, h, 1)

	if ct.CompareAndSwapCard(5, CardDirty, CardClean) {
		t.Error("CAS from dirty should fail on a clean card")
	}
	if !ct.CompareAndSwapCard(5, CardClean, CardDirty) {
		t.Error("CAS from clean should succeed")
	}
	if ct.Card(4) != CardClean || ct.Card(6) != CardClean {
		t.Error("CAS must only touch its own byte")
	}
}

func TestCardTableForcedCommitFailure(t *testing.T) {
	h, _ := newTestCardTable(t, DebugConfig{ForceCardTableCommitFailure: true})

	_, err := h.Expand(testRegionSize, true)
	if err == nil {
		t.Fatal("Expected expand to fail")
	}
	if !errors.Is(err, memory.ErrCommitFailed) {
		t.Errorf("Expected ErrCommitFailed, got %v", err)
	}
	if len(h.Regions()) != 0 {
		t.Errorf("Failed expand must not add a region, got %d", len(h.Regions()))
	}
}

func TestCardTableRegionReuseStartsClean(t *testing.T) {
	h, ct := newTestCardTable(t, DebugConfig{})
	r := expandCollectable(t, h, 1)
	env := &Env{ID: 0}
	committed := ct.CommittedBytes()
	if committed == 0 {
		t.Fatal("Expected card table pages committed for the region")
	}

	ct.DirtyCardRange(env, r.Low, r.High)
	if err := h.Contract(r); err != nil {
		t.Fatalf("Contract failed: %v", err)
	}
	if ct.CommittedBytes() > committed {
		t.Errorf("Committed bytes grew after contract: %d > %d", ct.CommittedBytes(), committed)
	}

	r2 := expandCollectable(t, h, 1)
	if r2.Low != r.Low {
		t.Fatalf("Expected region reused at %#x, got %#x", r.Low, r2.Low)
	}
	for c := ct.HeapAddrToCard(r2.Low); c < ct.HeapAddrToCard(r2.High-1)+1; c++ {
		if ct.Card(c) != CardClean {
			t.Fatalf("Card %d should be clean in a re-added region", c)
		}
	}
}
