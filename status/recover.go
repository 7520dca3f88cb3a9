package status

import (
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/nodestorage/reactive/internal/corelog"
)

// withRecover runs fn and, if a registered StateChanged listener
// panics, logs it and swallows it rather than letting it unwind past
// the transition that invoked it and take other listeners (or the
// stream doing the transitioning) down with it.
func withRecover(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			corelog.Error("status listener panicked",
				zap.String("op", op),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
