//go:build !unix && !windows

package memory

// 没有虚拟内存接口的平台（wasm 等）退化为普通切片，提交是空操作。

func pageSize() int {
	return 4096
}

func reserve(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func commit(b []byte) error {
	return nil
}

func decommit(b []byte) error {
	clear(b)
	return nil
}

func release(b []byte) error {
	return nil
}
