package heap

import (
	"errors"
	"testing"

	"go.uber.org/multierr"
)

var (
	errInjectedAdd    = errors.New("injected failure")
	errInjectedRemove = errors.New("injected remove failure")
)

type recordingListener struct {
	added      []*Region
	removed    []*Region
	fail       bool
	failRemove bool
}

func (l *recordingListener) HeapAddRange(r *Region) error {
	if l.fail {
		return errInjectedAdd
	}
	l.added = append(l.added, r)
	return nil
}

func (l *recordingListener) HeapRemoveRange(r *Region, lowValid, highValid uintptr) error {
	l.removed = append(l.removed, r)
	if l.failRemove {
		return errInjectedRemove
	}
	return nil
}

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	h, err := New(DefaultBase, 1<<20, 64*1024)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return h
}

func TestExpandContract(t *testing.T) {
	h := newTestHeap(t)
	l := &recordingListener{}
	h.AddListener(l)

	r1, err := h.Expand(64*1024, true)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	r2, err := h.Expand(64*1024, true)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	if r1.Low != DefaultBase || r2.Low != r1.High {
		t.Errorf("Regions should be contiguous: %s %s", r1, r2)
	}
	if h.Top() != r2.High {
		t.Errorf("Expected top %#x, got %#x", r2.High, h.Top())
	}
	if len(l.added) != 2 {
		t.Errorf("Expected 2 add notifications, got %d", len(l.added))
	}
	if h.RegionFor(r2.Low+100) != r2 {
		t.Error("RegionFor should find r2")
	}

	if err := h.Contract(r1); err != nil {
		t.Fatalf("Contract failed: %v", err)
	}
	if h.Contains(r1.Low) {
		t.Error("Removed region should not be part of the heap")
	}

	// 下一次扩展重新使用最低的空洞
	r3, err := h.Expand(64*1024, false)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if r3.Low != DefaultBase {
		t.Errorf("Expected gap reuse at %#x, got %#x", DefaultBase, r3.Low)
	}
}

func TestExpandListenerFailure(t *testing.T) {
	h := newTestHeap(t)
	ok := &recordingListener{}
	bad := &recordingListener{fail: true}
	h.AddListener(ok)
	h.AddListener(bad)

	if _, err := h.Expand(64*1024, true); err == nil {
		t.Fatal("Expand should fail when a listener fails")
	}
	if len(h.Regions()) != 0 {
		t.Error("Failed expansion must not add a region")
	}
	if len(ok.removed) != 1 {
		t.Error("Successful listeners should be rolled back")
	}
}

func TestExpandRollbackFailureIsReported(t *testing.T) {
	h := newTestHeap(t)
	first := &recordingListener{}
	stuck := &recordingListener{failRemove: true}
	bad := &recordingListener{fail: true}
	h.AddListener(first)
	h.AddListener(stuck)
	h.AddListener(bad)

	_, err := h.Expand(64*1024, true)
	if err == nil {
		t.Fatal("Expand should fail when a listener fails")
	}
	if !errors.Is(err, errInjectedAdd) {
		t.Errorf("Expected the add failure in %v", err)
	}
	if !errors.Is(err, errInjectedRemove) {
		t.Errorf("Expected the rollback failure in %v", err)
	}
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("Expected 2 combined errors, got %d", n)
	}
	if len(first.removed) != 1 || len(stuck.removed) != 1 {
		t.Errorf("Expected every earlier listener rolled back, got %d and %d", len(first.removed), len(stuck.removed))
	}
	if len(h.Regions()) != 0 {
		t.Error("Failed expansion must not add a region")
	}
}

func TestTLHAllocateAndSweep(t *testing.T) {
	h := newTestHeap(t)
	r, err := h.Expand(64*1024, true)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	tlh, err := h.AllocateTLH(256, 4096)
	if err != nil {
		t.Fatalf("AllocateTLH failed: %v", err)
	}
	if tlh.Top-tlh.Base != 4096 {
		t.Errorf("Expected 4096 byte TLH, got %d", tlh.Top-tlh.Base)
	}

	var objs []*Object
	for i := 0; i < 10; i++ {
		obj := tlh.Allocate(2)
		if obj == nil {
			t.Fatal("TLH allocation failed")
		}
		objs = append(objs, obj)
	}
	if h.ObjectAt(objs[3].Addr) != objs[3] {
		t.Error("ObjectAt should find allocated object")
	}
	tlh.Retire()

	keep := map[uintptr]bool{objs[0].Addr: true, objs[5].Addr: true}
	result := h.Sweep(func(addr uintptr) bool { return keep[addr] })

	if result.LiveObjects != 2 || result.FreedObjects != 8 {
		t.Errorf("Expected 2 live / 8 freed, got %d / %d", result.LiveObjects, result.FreedObjects)
	}
	if h.ObjectAt(objs[1].Addr) != nil {
		t.Error("Dead object should be removed")
	}
	if want := r.Size() - 2*objs[0].Size; result.FreeBytes != want {
		t.Errorf("Expected %d free bytes, got %d", want, result.FreeBytes)
	}
}

func TestObjectsInRange(t *testing.T) {
	h := newTestHeap(t)
	if _, err := h.Expand(64*1024, true); err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	var addrs []uintptr
	for i := 0; i < 5; i++ {
		obj, err := h.AllocateObject(i, true)
		if err != nil {
			t.Fatalf("AllocateObject failed: %v", err)
		}
		addrs = append(addrs, obj.Addr)
	}

	var seen []uintptr
	h.ObjectsInRange(addrs[1], addrs[4], func(o *Object) bool {
		seen = append(seen, o.Addr)
		return true
	})
	if len(seen) != 3 || seen[0] != addrs[1] || seen[2] != addrs[3] {
		t.Errorf("Unexpected objects in range: %v", seen)
	}
}

func TestMemoryPoolCoalesce(t *testing.T) {
	p := newMemoryPool(0x1000, 0x2000)
	a := p.allocate(0x100)
	b := p.allocate(0x100)
	if a != 0x1000 || b != 0x1100 {
		t.Fatalf("Unexpected addresses %#x %#x", a, b)
	}
	p.release(a, a+0x100)
	p.release(b, b+0x100)
	if len(p.free) != 1 || p.free[0].base != 0x1000 || p.free[0].top != 0x2000 {
		t.Errorf("Free list should coalesce into one chunk, got %v", p.free)
	}
	if p.available() != 0x1000 {
		t.Errorf("Expected 0x1000 free, got %#x", p.available())
	}
}
