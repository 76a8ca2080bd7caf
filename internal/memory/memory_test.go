package memory

import (
	"sync/atomic"
	"testing"
)

func TestReserveCommitDecommit(t *testing.T) {
	r, err := Reserve(64 * 1024)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer r.Release()

	ps := r.PageSize()
	if r.Size()%ps != 0 {
		t.Errorf("Size %d should be page aligned", r.Size())
	}
	if r.CommittedBytes() != 0 {
		t.Errorf("Expected nothing committed, got %d", r.CommittedBytes())
	}

	// 非对齐的范围向外扩展到整页
	if err := r.Commit(10, 20); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if r.CommittedBytes() != int64(ps) {
		t.Errorf("Expected %d committed bytes, got %d", ps, r.CommittedBytes())
	}

	b := r.Bytes()
	b[15] = 0x7f
	if b[15] != 0x7f {
		t.Error("Committed memory should be writable")
	}

	// 只回收整页
	if err := r.Decommit(1, ps); err != nil {
		t.Fatalf("Decommit failed: %v", err)
	}
	if r.CommittedBytes() != int64(ps) {
		t.Errorf("Partial page must stay committed, got %d", r.CommittedBytes())
	}

	if err := r.Decommit(0, ps); err != nil {
		t.Fatalf("Decommit failed: %v", err)
	}
	if r.CommittedBytes() != 0 {
		t.Errorf("Expected 0 committed bytes, got %d", r.CommittedBytes())
	}

	if err := r.Commit(0, ps); err != nil {
		t.Fatalf("Recommit failed: %v", err)
	}
	if b[15] != 0 {
		t.Errorf("Recommitted memory should read as zero, got %#x", b[15])
	}
}

func TestCommitOutOfRange(t *testing.T) {
	r, err := Reserve(4096)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer r.Release()

	if err := r.Commit(r.Size(), 1); err == nil {
		t.Error("Commit beyond the reservation should fail")
	}
}

func TestWordViews(t *testing.T) {
	r, err := Reserve(4096)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer r.Release()
	if err := r.Commit(0, r.Size()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	w := r.Uint64At(8)
	atomic.StoreUint64(w, ^uint64(0))
	for i := 8; i < 16; i++ {
		if r.Bytes()[i] != 0xff {
			t.Errorf("byte %d should be 0xff", i)
		}
	}

	defer func() {
		if recover() == nil {
			t.Error("Unaligned word view should panic")
		}
	}()
	r.Uint32At(2)
}

func TestDecommitUncommittedPages(t *testing.T) {
	r, err := Reserve(16 * 4096)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer r.Release()
	ps := r.PageSize()

	if err := r.Commit(ps, ps); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	// 重复提交不重复计数
	if err := r.Commit(ps, ps); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if r.CommittedBytes() != int64(ps) {
		t.Errorf("Expected %d committed bytes, got %d", ps, r.CommittedBytes())
	}
	if !r.IsCommitted(ps) || r.IsCommitted(0) {
		t.Error("Only the second page should be committed")
	}

	// 覆盖从未提交的页
	if err := r.Decommit(0, r.Size()); err != nil {
		t.Fatalf("Decommit failed: %v", err)
	}
	if r.CommittedBytes() != 0 {
		t.Errorf("Expected 0 committed bytes, got %d", r.CommittedBytes())
	}
}
