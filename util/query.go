package util

import (
	"context"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// QueryWhenChanged maintains the full keyed state implied by a
// change-set stream and re-emits a fresh map snapshot every time the
// stream emits, for callers that want "the whole picture" on every
// tick rather than the incremental delta.
func QueryWhenChanged[K comparable, V any](source observable.Observable[*change.ChangeSet[K, V]]) observable.Observable[map[K]V] {
	return observable.New(func(ctx context.Context, obs observable.Observer[map[K]V]) observable.Disposer {
		state := make(map[K]V)

		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				for _, c := range cs.Items() {
					switch c.Reason {
					case change.Add, change.Update, change.Refresh:
						state[c.Key] = c.Current
					case change.Remove:
						delete(state, c.Key)
					}
				}
				snapshot := make(map[K]V, len(state))
				for k, v := range state {
					snapshot[k] = v
				}
				if obs.OnNext != nil {
					obs.OnNext(snapshot)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}
