package operator

import (
	"context"
	"sync"

	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// Filter applies a fixed predicate to every item flowing through
// source, per the table in the module's component design: an Add is
// suppressed unless it matches; an Update is translated to Add/
// Update/Remove/suppress depending on whether the previous and
// current values matched; a Remove passes through only if the item
// was previously visible; a Refresh passes through only if the
// current value matches.
func Filter[K comparable, V any](source observable.Observable[*change.ChangeSet[K, V]], predicate func(K, V) bool) observable.Observable[*change.ChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		visible := cache.New[K, V]()

		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				withRecover("Filter", obs.OnError, func() {
					out := change.NewChangeSet[K, V](cs.Len())
					for _, c := range cs.Items() {
						applyFilterChange(out, visible, predicate, c)
					}
					if !out.IsEmpty() {
						obs.OnNext(out)
					}
				})
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}

func applyFilterChange[K comparable, V any](out *change.ChangeSet[K, V], visible *cache.Cache[K, V], predicate func(K, V) bool, c change.Change[K, V]) {
	switch c.Reason {
	case change.Add:
		if predicate(c.Key, c.Current) {
			visible.Set(c.Key, c.Current)
			out.Add(c)
		}
	case change.Update:
		_, wasVisible := visible.Get(c.Key)
		nowVisible := predicate(c.Key, c.Current)
		switch {
		case wasVisible && nowVisible:
			visible.Set(c.Key, c.Current)
			out.Add(c)
		case wasVisible && !nowVisible:
			visible.Delete(c.Key)
			out.Add(change.NewRemove(c.Key, c.Current))
		case !wasVisible && nowVisible:
			visible.Set(c.Key, c.Current)
			out.Add(change.NewAdd(c.Key, c.Current))
		}
	case change.Remove:
		if _, wasVisible := visible.Get(c.Key); wasVisible {
			visible.Delete(c.Key)
			out.Add(c)
		}
	case change.Refresh:
		if predicate(c.Key, c.Current) {
			visible.Set(c.Key, c.Current)
			out.Add(c)
		} else if _, wasVisible := visible.Get(c.Key); wasVisible {
			visible.Delete(c.Key)
			out.Add(change.NewRemove(c.Key, c.Current))
		}
	}
}

// FilterController drives a dynamic filter: it owns the full,
// unfiltered item set and re-evaluates it against a replaceable
// predicate, either because the predicate itself changed
// (ChangePredicate) or because item state changed in place and the
// same predicate needs reapplying (Reevaluate).
type FilterController[K comparable, V any] struct {
	mu        sync.Mutex
	all       *cache.Cache[K, V]
	visible   *cache.Cache[K, V]
	predicate func(K, V) bool
	sink      *syncBroadcast[*change.ChangeSet[K, V]]
}

// NewFilterController builds a dynamic filter seeded with the given
// predicate.
func NewFilterController[K comparable, V any](predicate func(K, V) bool) *FilterController[K, V] {
	return &FilterController[K, V]{
		all:       cache.New[K, V](),
		visible:   cache.New[K, V](),
		predicate: predicate,
		sink:      newSyncBroadcast[*change.ChangeSet[K, V]](),
	}
}

// Connect wires source's changes into the controller's owned set and
// returns the filtered, dynamically-reevaluable output stream.
func (f *FilterController[K, V]) Connect(source observable.Observable[*change.ChangeSet[K, V]]) observable.Observable[*change.ChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		forward := f.sink.Subscribe(obs)

		upstream := source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				var out *change.ChangeSet[K, V]
				withRecover("FilterController", obs.OnError, func() {
					f.mu.Lock()
					defer f.mu.Unlock()
					out = change.NewChangeSet[K, V](cs.Len())
					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add, change.Update:
							f.all.Set(c.Key, c.Current)
						case change.Remove:
							f.all.Delete(c.Key)
						}
						applyFilterChange(out, f.visible, f.predicate, c)
					}
				})
				if out != nil && !out.IsEmpty() {
					f.sink.Publish(out)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})

		return func() {
			upstream()
			forward()
		}
	})
}

// ChangePredicate installs a new predicate and emits the resulting
// Adds/Removes as a single change set.
func (f *FilterController[K, V]) ChangePredicate(predicate func(K, V) bool) {
	var cs *change.ChangeSet[K, V]
	withRecover("FilterController.ChangePredicate", nil, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.predicate = predicate
		cs = f.reevaluateLocked()
	})
	if cs != nil {
		f.sink.Publish(cs)
	}
}

// Reevaluate reapplies the current predicate to the current values,
// for callers that mutated an item in place rather than through an
// Update change.
func (f *FilterController[K, V]) Reevaluate() {
	var cs *change.ChangeSet[K, V]
	withRecover("FilterController.Reevaluate", nil, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		cs = f.reevaluateLocked()
	})
	if cs != nil {
		f.sink.Publish(cs)
	}
}

func (f *FilterController[K, V]) reevaluateLocked() *change.ChangeSet[K, V] {
	cs := change.NewChangeSet[K, V](f.all.Len())
	f.all.ForEach(func(key K, value V) {
		_, wasVisible := f.visible.Get(key)
		nowVisible := f.predicate(key, value)
		switch {
		case !wasVisible && nowVisible:
			f.visible.Set(key, value)
			cs.Add(change.NewAdd(key, value))
		case wasVisible && !nowVisible:
			f.visible.Delete(key)
			cs.Add(change.NewRemove(key, value))
		}
	})
	if cs.IsEmpty() {
		return nil
	}
	return cs
}
