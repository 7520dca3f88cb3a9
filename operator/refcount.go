package operator

import (
	"context"
	"sync"

	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// PublishRefCount shares a single upstream subscription across every
// downstream subscriber: the first subscriber materialises an
// internal cache.SourceCache fed from source, and every subscriber —
// first or tenth — sees that cache's Connect behavior (an immediate
// Add-batch of current state, then live updates). When the last
// subscriber leaves, the upstream subscription and cache are torn
// down; a later subscriber starts the whole thing fresh.
func PublishRefCount[K comparable, V any](source observable.Observable[*change.ChangeSet[K, V]]) observable.Observable[*change.ChangeSet[K, V]] {
	var mu sync.Mutex
	var shared *cache.SourceCache[K, V]
	var upstream observable.Disposer
	var refCount int

	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		mu.Lock()
		if refCount == 0 {
			shared = cache.NewSourceCache[K, V]()
			upCtx, cancel := context.WithCancel(context.Background())
			disposer := source.Subscribe(upCtx, observable.Observer[*change.ChangeSet[K, V]]{
				OnNext: func(cs *change.ChangeSet[K, V]) {
					_, _, _ = shared.Edit(func(u cache.Updater[K, V]) error {
						for _, c := range cs.Items() {
							switch c.Reason {
							case change.Add, change.Update:
								u.AddOrUpdate(c.Key, c.Current)
							case change.Remove:
								u.Remove(c.Key)
							case change.Refresh:
								u.Refresh(c.Key)
							}
						}
						return nil
					})
				},
				OnError:    obs.OnError,
				OnComplete: func() {},
			})
			upstream = func() {
				disposer()
				cancel()
			}
		}
		refCount++
		sharedCache := shared
		mu.Unlock()

		downDisposer := sharedCache.Connect(ctx).Subscribe(ctx, obs)

		return func() {
			downDisposer()
			mu.Lock()
			refCount--
			if refCount == 0 {
				upstream()
				shared.Dispose()
				shared = nil
				upstream = nil
			}
			mu.Unlock()
		}
	})
}
