// Package memory 提供按页提交/回收的虚拟内存预留。
//
// 卡表和 TLH 标记位图都建立在一段一次性预留的地址空间上，
// 随堆区域的扩展/收缩按页提交或回收，对应的物理内存只在需要时存在。
package memory

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/atomic"
)

// ErrCommitFailed 提交内存失败
var ErrCommitFailed = errors.New("memory: commit failed")

// Reservation 一段预留的虚拟地址空间
//
// 预留时不提交任何页面。Commit 将范围向外对齐到页边界，
// Decommit 只回收完全落在范围内的页面（与相邻范围共享的页面保持提交）。
// 回收后再次提交的页面内容为零。
type Reservation struct {
	mu       sync.Mutex
	mem      []byte
	pageSize uintptr
	pages    []bool // 每页是否已提交

	committed atomic.Int64 // 已提交字节数
	released  bool
}

// Reserve 预留 size 字节的地址空间（向上对齐到页大小）
func Reserve(size uintptr) (*Reservation, error) {
	if size == 0 {
		return nil, fmt.Errorf("memory: cannot reserve zero bytes")
	}
	pageSize := uintptr(pageSize())
	aligned := alignUp(size, pageSize)

	mem, err := reserve(int(aligned))
	if err != nil {
		return nil, fmt.Errorf("memory: reserve %d bytes: %w", aligned, err)
	}

	return &Reservation{
		mem:      mem,
		pageSize: pageSize,
		pages:    make([]bool, aligned/pageSize),
	}, nil
}

// Size 预留的字节数
func (r *Reservation) Size() uintptr {
	return uintptr(len(r.mem))
}

// PageSize 页大小
func (r *Reservation) PageSize() uintptr {
	return r.pageSize
}

// CommittedBytes 当前已提交的字节数
func (r *Reservation) CommittedBytes() int64 {
	return r.committed.Load()
}

// Bytes 返回整个预留区间。访问未提交的页面是编程错误。
func (r *Reservation) Bytes() []byte {
	return r.mem
}

// Commit 提交 [offset, offset+size)，向外对齐到页
func (r *Reservation) Commit(offset, size uintptr) error {
	if size == 0 {
		return nil
	}
	low := alignDown(offset, r.pageSize)
	high := alignUp(offset+size, r.pageSize)
	if high > uintptr(len(r.mem)) {
		return fmt.Errorf("%w: range [%#x, %#x) exceeds reservation of %#x bytes", ErrCommitFailed, offset, offset+size, len(r.mem))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return fmt.Errorf("%w: reservation released", ErrCommitFailed)
	}
	return r.forEachRun(low, high, false, func(b []byte, first, n uintptr) error {
		if err := commit(b); err != nil {
			return fmt.Errorf("%w: %v", ErrCommitFailed, err)
		}
		r.markPages(first, n, true)
		return nil
	})
}

// Decommit 回收完全位于 [offset, offset+size) 内的页面
func (r *Reservation) Decommit(offset, size uintptr) error {
	low := alignUp(offset, r.pageSize)
	high := alignDown(offset+size, r.pageSize)
	if high <= low {
		return nil
	}
	if high > uintptr(len(r.mem)) {
		return fmt.Errorf("memory: decommit range [%#x, %#x) exceeds reservation", low, high)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	return r.forEachRun(low, high, true, func(b []byte, first, n uintptr) error {
		if err := decommit(b); err != nil {
			return fmt.Errorf("memory: decommit %d pages at %#x: %w", n, first*r.pageSize, err)
		}
		r.markPages(first, n, false)
		return nil
	})
}

// forEachRun 对 [low, high) 中提交状态为 committed 的每段连续页调用 fn（调用者持有锁）
//
// Commit 只处理尚未提交的页，Decommit 只处理已提交的页，
// 所以重复提交、回收从未提交的页都是安全的。
func (r *Reservation) forEachRun(low, high uintptr, committed bool, fn func(b []byte, first, n uintptr) error) error {
	last := high / r.pageSize
	for p := low / r.pageSize; p < last; {
		if r.pages[p] != committed {
			p++
			continue
		}
		end := p
		for end < last && r.pages[end] == committed {
			end++
		}
		if err := fn(r.mem[p*r.pageSize:end*r.pageSize], p, end-p); err != nil {
			return err
		}
		p = end
	}
	return nil
}

func (r *Reservation) markPages(first, n uintptr, committed bool) {
	for i := first; i < first+n; i++ {
		r.pages[i] = committed
	}
	delta := int64(n * r.pageSize)
	if !committed {
		delta = -delta
	}
	r.committed.Add(delta)
}

// IsCommitted 报告 offset 所在的页是否已提交
func (r *Reservation) IsCommitted(offset uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := offset / r.pageSize
	return p < uintptr(len(r.pages)) && r.pages[p]
}

// Release 释放整个预留
func (r *Reservation) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true
	r.committed.Store(0)
	return release(r.mem)
}

// Uint32At 返回 offset 处对齐的 32 位字，供原子操作使用
func (r *Reservation) Uint32At(offset uintptr) *uint32 {
	if offset&3 != 0 {
		panic(fmt.Sprintf("memory: unaligned uint32 offset %#x", offset))
	}
	return (*uint32)(unsafe.Pointer(&r.mem[offset]))
}

// Uint64At 返回 offset 处对齐的 64 位字，供原子操作使用
func (r *Reservation) Uint64At(offset uintptr) *uint64 {
	if offset&7 != 0 {
		panic(fmt.Sprintf("memory: unaligned uint64 offset %#x", offset))
	}
	return (*uint64)(unsafe.Pointer(&r.mem[offset]))
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}
