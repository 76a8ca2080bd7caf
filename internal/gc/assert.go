package gc

import (
	"fmt"

	"go.uber.org/atomic"
)

// assertionsEnabled 由 Debug.Assertions 控制
var assertionsEnabled atomic.Bool

// SetAssertions 打开或关闭内部一致性检查
func SetAssertions(enabled bool) {
	assertionsEnabled.Store(enabled)
}

// assertf 断言失败时 panic。关闭断言时不做任何事。
func assertf(cond bool, format string, args ...any) {
	if cond || !assertionsEnabled.Load() {
		return
	}
	panic("gc: assertion failed: " + fmt.Sprintf(format, args...))
}
