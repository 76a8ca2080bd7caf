package heap

import (
	"go.uber.org/atomic"
)

const (
	// ObjectAlignment 对象起始地址对齐（也是标记位图的粒度）
	ObjectAlignment uintptr = 16

	// MinObjectSize 最小对象大小
	MinObjectSize uintptr = 16

	// HeaderSize 对象头大小
	HeaderSize uintptr = 16

	// ReferenceSize 每个引用槽占用的字节数
	ReferenceSize uintptr = 8
)

// Object 模拟堆对象
//
// 对象的地址位于堆的抽象地址空间中，引用槽保存其他对象的地址（0 表示 null）。
// 引用槽通过原子操作读写，mutator 和标记线程可以并发访问。
type Object struct {
	Addr uintptr
	Size uintptr
	Refs []atomic.Uintptr

	// forward 非零时对象已被转发（并发 scavenger 中止时的自转发）
	forward atomic.Uintptr
}

// SizeForRefs 计算包含 n 个引用槽的对象大小
func SizeForRefs(n int) uintptr {
	size := HeaderSize + uintptr(n)*ReferenceSize
	return AlignObjectSize(size)
}

// AlignObjectSize 将大小向上对齐到对象对齐粒度
func AlignObjectSize(size uintptr) uintptr {
	if size < MinObjectSize {
		size = MinObjectSize
	}
	return (size + ObjectAlignment - 1) &^ (ObjectAlignment - 1)
}

// End 对象末尾（不含）
func (o *Object) End() uintptr {
	return o.Addr + o.Size
}

// NumRefs 引用槽数量
func (o *Object) NumRefs() int {
	return len(o.Refs)
}

// Ref 读取第 i 个引用槽
func (o *Object) Ref(i int) uintptr {
	return o.Refs[i].Load()
}

// Forward 设置转发地址
func (o *Object) Forward(to uintptr) {
	o.forward.Store(to)
}

// ForwardedAddress 返回转发地址，未转发时返回 0
func (o *Object) ForwardedAddress() uintptr {
	return o.forward.Load()
}
