package scheduler

import (
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/nodestorage/reactive/internal/corelog"
)

// safeguard wraps a scheduled action so that a panic inside it is
// logged and swallowed rather than crashing the process: every
// Schedule/ScheduleAfter/ScheduleRecurring callback here runs on a
// goroutine or timer the caller never sees directly, and an
// unrecovered panic there would otherwise take down the whole program
// rather than just the stream that scheduled it.
func safeguard(action func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				corelog.Error("scheduler action panicked",
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))
			}
		}()
		action()
	}
}
