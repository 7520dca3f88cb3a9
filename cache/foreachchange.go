package cache

import (
	"context"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// ForEachChange subscribes to source and invokes fn once per
// individual Change, in emission order, rather than once per
// ChangeSet — the common case for callers that don't care about
// batch boundaries (e.g. driving an external index or log one
// mutation at a time).
func ForEachChange[K comparable, V any](
	ctx context.Context,
	source observable.Observable[*change.ChangeSet[K, V]],
	fn func(change.Change[K, V]),
) observable.Disposer {
	return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
		OnNext: func(cs *change.ChangeSet[K, V]) {
			for _, c := range cs.Items() {
				fn(c)
			}
		},
	})
}
