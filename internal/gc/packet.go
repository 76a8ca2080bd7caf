package gc

import (
	"sync"

	"go.uber.org/atomic"
)

// ============================================================================
// 工作包
// ============================================================================

// Packet 固定容量的工作包
//
// 包内条目先进先出。一个包在任一时刻只属于一个线程的输入槽、输出槽、
// 延迟槽或某个共享池。输出包只压入，输入包只弹出。
type Packet struct {
	index int32
	next  int32 // 所在池中的链接，-1 表示链尾
	items []uintptr
	head  int
	tail  int
}

// Push 压入一项，包满时返回 false
func (p *Packet) Push(item uintptr) bool {
	if p.tail == len(p.items) {
		return false
	}
	p.items[p.tail] = item
	p.tail++
	return true
}

// Push2 原子地压入相邻两项，空间不足时两项都不压入
func (p *Packet) Push2(a, b uintptr) bool {
	if p.tail+2 > len(p.items) {
		return false
	}
	p.items[p.tail] = a
	p.items[p.tail+1] = b
	p.tail += 2
	return true
}

// Pop 弹出一项，包空时返回 false
func (p *Packet) Pop() (uintptr, bool) {
	if p.head == p.tail {
		return 0, false
	}
	item := p.items[p.head]
	p.head++
	if p.head == p.tail {
		p.head, p.tail = 0, 0
	}
	return item, true
}

// Peek 查看下一个将被弹出的项
func (p *Packet) Peek() uintptr {
	if p.head == p.tail {
		return 0
	}
	return p.items[p.head]
}

// Count 包内条目数
func (p *Packet) Count() int {
	return p.tail - p.head
}

// IsEmpty 包是否为空
func (p *Packet) IsEmpty() bool {
	return p.head == p.tail
}

// IsFull 包是否已满（不能再压入）
func (p *Packet) IsFull() bool {
	return p.tail == len(p.items)
}

// Capacity 包容量
func (p *Packet) Capacity() int {
	return len(p.items)
}

func (p *Packet) reset() {
	p.head, p.tail = 0, 0
	p.next = -1
}

// packetArena 所有工作包的连续存储，包之间用下标链接
type packetArena struct {
	packets []Packet
	storage []uintptr
}

func newPacketArena(count, capacity int) *packetArena {
	a := &packetArena{
		packets: make([]Packet, count),
		storage: make([]uintptr, count*capacity),
	}
	for i := range a.packets {
		a.packets[i] = Packet{
			index: int32(i),
			next:  -1,
			items: a.storage[i*capacity : (i+1)*capacity : (i+1)*capacity],
		}
	}
	return a
}

func (a *packetArena) at(index int32) *Packet {
	if index < 0 {
		return nil
	}
	return &a.packets[index]
}

// ============================================================================
// 分段包池
// ============================================================================

type packetSublist struct {
	mu    sync.Mutex
	head  int32
	count int
	_     [40]byte // 避免相邻子表共享缓存行
}

// packetList 锁分段的包池
//
// 压入使用线程对应的子表，弹出从线程对应的子表开始依次尝试。
type packetList struct {
	name     string
	arena    *packetArena
	sublists []packetSublist
	count    atomic.Int64
}

func newPacketList(name string, arena *packetArena, sublists int) *packetList {
	l := &packetList{
		name:     name,
		arena:    arena,
		sublists: make([]packetSublist, sublists),
	}
	for i := range l.sublists {
		l.sublists[i].head = -1
	}
	return l
}

func (l *packetList) sublistFor(env *Env) int {
	if env == nil {
		return 0
	}
	return env.ID % len(l.sublists)
}

func (l *packetList) push(env *Env, p *Packet) {
	s := &l.sublists[l.sublistFor(env)]
	s.mu.Lock()
	p.next = s.head
	s.head = p.index
	s.count++
	s.mu.Unlock()
	l.count.Inc()
}

func (l *packetList) pop(env *Env) *Packet {
	if l.count.Load() == 0 {
		return nil
	}
	start := l.sublistFor(env)
	for i := range l.sublists {
		s := &l.sublists[(start+i)%len(l.sublists)]
		s.mu.Lock()
		if s.head < 0 {
			s.mu.Unlock()
			continue
		}
		p := l.arena.at(s.head)
		s.head = p.next
		s.count--
		s.mu.Unlock()
		p.next = -1
		l.count.Dec()
		return p
	}
	return nil
}

// popAll 取出所有包（调用者保证没有并发的压入）
func (l *packetList) popAll(fn func(p *Packet)) {
	for p := l.pop(nil); p != nil; p = l.pop(nil) {
		fn(p)
	}
}

func (l *packetList) clear() {
	for i := range l.sublists {
		s := &l.sublists[i]
		s.mu.Lock()
		s.head = -1
		s.count = 0
		s.mu.Unlock()
	}
	l.count.Store(0)
}

func (l *packetList) size() int64 {
	return l.count.Load()
}
