package util

import (
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/nodestorage/reactive/internal/corelog"
)

// withRecover runs fn and, if a caller-supplied subscribe/dispose hook
// or pause predicate panics, logs it and swallows it rather than
// letting it unwind past the change-set batch that triggered it.
func withRecover(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			corelog.Error("util callback panicked",
				zap.String("op", op),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
