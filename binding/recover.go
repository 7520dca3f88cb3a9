package binding

import (
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/nodestorage/reactive/internal/corelog"
)

// withRecover runs fn and, if the externally owned OrderedBuffer
// panics while being edited, logs it and swallows it: a buffer is
// supplied by the host application (a UI list, a slice wrapper), and a
// bug in its Insert/RemoveAt/Set/Move/Clear implementation should not
// take down the goroutine driving the adaptor.
func withRecover(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			corelog.Error("buffer adaptor panicked",
				zap.String("op", op),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
