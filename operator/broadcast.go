package operator

import (
	"sync"

	"github.com/nodestorage/reactive/observable"
)

// syncBroadcast fans a value out to every currently-registered
// observer, synchronously, with no buffering. Controllers
// (FilterController, SortController, GroupController, ...) use this
// to publish a recomputed change set to every connected subscriber
// the moment a controller method runs, rather than through a
// channel — there is no producer goroutine to decouple from, the
// controller method call itself is the event.
type syncBroadcast[T any] struct {
	mu   sync.Mutex
	subs map[int]observable.Observer[T]
	next int
}

func newSyncBroadcast[T any]() *syncBroadcast[T] {
	return &syncBroadcast[T]{subs: make(map[int]observable.Observer[T])}
}

func (b *syncBroadcast[T]) Subscribe(obs observable.Observer[T]) observable.Disposer {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = obs
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *syncBroadcast[T]) Publish(v T) {
	b.mu.Lock()
	obsList := make([]observable.Observer[T], 0, len(b.subs))
	for _, obs := range b.subs {
		obsList = append(obsList, obs)
	}
	b.mu.Unlock()

	for _, obs := range obsList {
		if obs.OnNext != nil {
			obs.OnNext(v)
		}
	}
}
