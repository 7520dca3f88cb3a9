package operator

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/nodestorage/reactive/internal/corelog"
)

// withRecover runs fn, and if a user-supplied predicate, comparator,
// selector, or project function inside it panics, logs the panic and
// reports it to onError instead of letting it unwind past this
// subscription. A panicking callback then terminates only the stream
// it belongs to, not the process.
func withRecover(op string, onError func(error), fn func()) {
	defer func() {
		if r := recover(); r != nil {
			corelog.Error("operator callback panicked; subscription terminated",
				zap.String("operator", op),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			if onError != nil {
				onError(fmt.Errorf("operator: %s callback panicked: %v", op, r))
			}
		}
	}()
	fn()
}
