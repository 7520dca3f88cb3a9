// Package operator implements the transformation algebra that sits
// between a cache.ObservableCache source and a binding sink: Filter,
// Sort, Transform, Group, Distinct, the join family, set-algebra
// combinators, Page/Virtualise, ExpireAfter/SizeLimiter, and
// PublishRefCount. Every operator is a pure function from one
// observable.Observable[*change.ChangeSet[K,V]] to another (or, for
// Group/Join, to a differently-keyed/valued one); none of them own a
// goroutine or a clock beyond what scheduler.Scheduler hands them.
package operator

import "fmt"

// CallbackError carries a user-supplied callback's panic or returned
// error back to whichever sink is watching for it, without losing the
// key/value the callback was invoked with. Modeled on
// nodestorage/v2.VersionError's Error()/Is()/Unwrap() triad.
type CallbackError[K comparable, V any] struct {
	Key   K
	Value V
	Cause error
}

func (e *CallbackError[K, V]) Error() string {
	return fmt.Sprintf("operator: callback failed for key %v: %v", e.Key, e.Cause)
}

func (e *CallbackError[K, V]) Unwrap() error { return e.Cause }

func (e *CallbackError[K, V]) Is(target error) bool {
	_, ok := target.(*CallbackError[K, V])
	return ok
}
