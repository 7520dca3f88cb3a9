package operator

import (
	"context"
	"sync"

	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// dynamicCombine is the shared core behind And/Or/Except/Xor and their
// Dynamic* counterparts: sourceOfSources is itself a change-set stream
// whose values are the contributing streams, keyed by an arbitrary
// contributor id SK. Adding a contributor subscribes it; removing one
// unsubscribes it and recomputes whatever keys it was the last holder
// of. predicate decides, for a given key, whether it survives
// downstream given the set of contributors currently holding it.
func dynamicCombine[SK comparable, K comparable, V any](
	sourceOfSources observable.Observable[*change.ChangeSet[SK, observable.Observable[*change.ChangeSet[K, V]]]],
	predicate func(presentIn map[SK]bool, total int) bool,
) observable.Observable[*change.ChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		var mu sync.Mutex
		contributors := make(map[SK]*cache.Cache[K, V])
		var order []SK
		subs := make(map[SK]observable.Disposer)
		tracker := newJoinResultTracker[K, V]()

		recomputeLocked := func(keys map[K]struct{}) *change.ChangeSet[K, V] {
			out := change.NewChangeSet[K, V](len(keys))
			total := len(contributors)
			for k := range keys {
				presentIn := make(map[SK]bool)
				var firstVal V
				foundFirst := false
				for _, sk := range order {
					c := contributors[sk]
					if v, ok := c.Get(k); ok {
						presentIn[sk] = true
						if !foundFirst {
							firstVal = v
							foundFirst = true
						}
					}
				}
				present := predicate(presentIn, total)
				tracker.emit(out, k, present, func() V { return firstVal })
			}
			return out
		}

		subscribeContributor := func(sk SK, src observable.Observable[*change.ChangeSet[K, V]]) {
			c := cache.New[K, V]()
			mu.Lock()
			if _, exists := contributors[sk]; !exists {
				order = append(order, sk)
			}
			contributors[sk] = c
			mu.Unlock()

			dispose := src.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
				OnNext: func(cs *change.ChangeSet[K, V]) {
					var out *change.ChangeSet[K, V]
					withRecover("dynamicCombine.contributor", obs.OnError, func() {
						mu.Lock()
						defer mu.Unlock()
						affected := make(map[K]struct{}, cs.Len())
						for _, ch := range cs.Items() {
							switch ch.Reason {
							case change.Add, change.Update, change.Refresh:
								c.Set(ch.Key, ch.Current)
							case change.Remove:
								c.Delete(ch.Key)
							}
							affected[ch.Key] = struct{}{}
						}
						out = recomputeLocked(affected)
					})
					if out != nil && !out.IsEmpty() {
						obs.OnNext(out)
					}
				},
				OnError: obs.OnError,
			})

			mu.Lock()
			subs[sk] = dispose
			mu.Unlock()
		}

		unsubscribeContributor := func(sk SK) *change.ChangeSet[K, V] {
			mu.Lock()
			defer mu.Unlock()
			c, ok := contributors[sk]
			if !ok {
				return nil
			}
			if d, ok2 := subs[sk]; ok2 {
				d()
			}
			delete(subs, sk)
			delete(contributors, sk)
			for i, o := range order {
				if o == sk {
					order = append(order[:i], order[i+1:]...)
					break
				}
			}

			affected := make(map[K]struct{}, c.Len())
			c.ForEach(func(k K, _ V) { affected[k] = struct{}{} })
			return recomputeLocked(affected)
		}

		upstream := sourceOfSources.Subscribe(ctx, observable.Observer[*change.ChangeSet[SK, observable.Observable[*change.ChangeSet[K, V]]]]{
			OnNext: func(cs *change.ChangeSet[SK, observable.Observable[*change.ChangeSet[K, V]]]) {
				withRecover("dynamicCombine.sources", obs.OnError, func() {
					type pending struct {
						key SK
						src observable.Observable[*change.ChangeSet[K, V]]
					}
					var toSubscribe []pending
					var toUnsubscribe []SK
					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add, change.Update, change.Refresh:
							toSubscribe = append(toSubscribe, pending{c.Key, c.Current})
						case change.Remove:
							toUnsubscribe = append(toUnsubscribe, c.Key)
						}
					}
					for _, p := range toSubscribe {
						subscribeContributor(p.key, p.src)
					}
					for _, sk := range toUnsubscribe {
						if out := unsubscribeContributor(sk); out != nil && !out.IsEmpty() {
							obs.OnNext(out)
						}
					}
				})
			},
			OnError: obs.OnError,
		})

		return func() {
			mu.Lock()
			for _, d := range subs {
				d()
			}
			mu.Unlock()
			upstream()
		}
	})
}

// staticSourceSet wraps a fixed slice of streams as a one-shot
// contributor set (every stream announced as an Add, indexed by
// position, with no later contributor churn), letting the static
// And/Or/Except/Xor combinators share dynamicCombine with the
// genuinely dynamic list variants.
func staticSourceSet[K comparable, V any](sources []observable.Observable[*change.ChangeSet[K, V]]) observable.Observable[*change.ChangeSet[int, observable.Observable[*change.ChangeSet[K, V]]]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[int, observable.Observable[*change.ChangeSet[K, V]]]]) observable.Disposer {
		cs := change.NewChangeSet[int, observable.Observable[*change.ChangeSet[K, V]]](len(sources))
		for i, s := range sources {
			cs.Add(change.NewAdd(i, s))
		}
		obs.OnNext(cs)
		return func() {}
	})
}

func andPredicate[SK comparable](presentIn map[SK]bool, total int) bool {
	return total > 0 && len(presentIn) == total
}

func orPredicate[SK comparable](presentIn map[SK]bool, total int) bool {
	return len(presentIn) > 0
}

func xorPredicate[SK comparable](presentIn map[SK]bool, total int) bool {
	return len(presentIn)%2 == 1
}

func exceptPredicate[SK comparable](head SK) func(map[SK]bool, int) bool {
	return func(presentIn map[SK]bool, total int) bool {
		return presentIn[head] && len(presentIn) == 1
	}
}

// And emits a key only while it is present in every source.
func And[K comparable, V any](sources ...observable.Observable[*change.ChangeSet[K, V]]) observable.Observable[*change.ChangeSet[K, V]] {
	return dynamicCombine[int, K, V](staticSourceSet(sources), andPredicate[int])
}

// Or emits a key while it is present in at least one source.
func Or[K comparable, V any](sources ...observable.Observable[*change.ChangeSet[K, V]]) observable.Observable[*change.ChangeSet[K, V]] {
	return dynamicCombine[int, K, V](staticSourceSet(sources), orPredicate[int])
}

// Xor emits a key while it is present in an odd number of sources.
func Xor[K comparable, V any](sources ...observable.Observable[*change.ChangeSet[K, V]]) observable.Observable[*change.ChangeSet[K, V]] {
	return dynamicCombine[int, K, V](staticSourceSet(sources), xorPredicate[int])
}

// Except emits a key while it is present in head and absent from
// every stream in rest.
func Except[K comparable, V any](head observable.Observable[*change.ChangeSet[K, V]], rest ...observable.Observable[*change.ChangeSet[K, V]]) observable.Observable[*change.ChangeSet[K, V]] {
	sources := append([]observable.Observable[*change.ChangeSet[K, V]]{head}, rest...)
	return dynamicCombine[int, K, V](staticSourceSet(sources), exceptPredicate[int](0))
}

// DynamicAnd is And over a change-set of contributing streams that
// may itself gain or lose contributors over time.
func DynamicAnd[SK comparable, K comparable, V any](sourceOfSources observable.Observable[*change.ChangeSet[SK, observable.Observable[*change.ChangeSet[K, V]]]]) observable.Observable[*change.ChangeSet[K, V]] {
	return dynamicCombine(sourceOfSources, andPredicate[SK])
}

// DynamicOr is Or over a change-set of contributing streams.
func DynamicOr[SK comparable, K comparable, V any](sourceOfSources observable.Observable[*change.ChangeSet[SK, observable.Observable[*change.ChangeSet[K, V]]]]) observable.Observable[*change.ChangeSet[K, V]] {
	return dynamicCombine(sourceOfSources, orPredicate[SK])
}

// DynamicXor is Xor over a change-set of contributing streams.
func DynamicXor[SK comparable, K comparable, V any](sourceOfSources observable.Observable[*change.ChangeSet[SK, observable.Observable[*change.ChangeSet[K, V]]]]) observable.Observable[*change.ChangeSet[K, V]] {
	return dynamicCombine(sourceOfSources, xorPredicate[SK])
}

// DynamicExcept is Except over a change-set of contributing streams,
// with headKey identifying the one contributor keys must survive in.
func DynamicExcept[SK comparable, K comparable, V any](sourceOfSources observable.Observable[*change.ChangeSet[SK, observable.Observable[*change.ChangeSet[K, V]]]], headKey SK) observable.Observable[*change.ChangeSet[K, V]] {
	return dynamicCombine(sourceOfSources, exceptPredicate(headKey))
}
