package util

import (
	"context"
	"sync"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// SubscribeMany attaches a per-item resource via subscribe as each
// key enters the stream, re-attaches it (disposing the previous one
// first) on Update, and releases it on Remove or on the outer stream
// being disposed — the per-subscriber goroutine attach/detach pattern
// nodestorage/v2.StorageImpl.Watch uses for per-document subscriptions,
// generalized here to per-key resources of any kind. The change-set
// stream itself passes through unmodified.
func SubscribeMany[K comparable, V any](
	source observable.Observable[*change.ChangeSet[K, V]],
	subscribe func(K, V) observable.Disposer,
) observable.Observable[*change.ChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		var mu sync.Mutex
		resources := make(map[K]observable.Disposer)

		upstream := source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				withRecover("SubscribeMany", func() {
					mu.Lock()
					defer mu.Unlock()
					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add:
							resources[c.Key] = subscribe(c.Key, c.Current)
						case change.Update:
							if d, ok := resources[c.Key]; ok {
								d()
							}
							resources[c.Key] = subscribe(c.Key, c.Current)
						case change.Remove:
							if d, ok := resources[c.Key]; ok {
								d()
								delete(resources, c.Key)
							}
						}
					}
				})
				if obs.OnNext != nil {
					obs.OnNext(cs)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})

		return func() {
			upstream()
			mu.Lock()
			for _, d := range resources {
				d()
			}
			resources = make(map[K]observable.Disposer)
			mu.Unlock()
		}
	})
}

// DisposeMany is SubscribeMany for the common case where there is no
// resource to attach up front — only a teardown to run once a key
// leaves (via Remove, a superseding Update, or the stream itself
// being disposed).
func DisposeMany[K comparable, V any](
	source observable.Observable[*change.ChangeSet[K, V]],
	dispose func(K, V),
) observable.Observable[*change.ChangeSet[K, V]] {
	return SubscribeMany(source, func(k K, v V) observable.Disposer {
		return func() { dispose(k, v) }
	})
}
