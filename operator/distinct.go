package operator

import (
	"context"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// bucket tracks one distinct value and its reference count (the
// number of source keys currently mapped to it).
type bucket[K comparable, U any] struct {
	value U
	count int
}

// Distinct projects each value to U via selector and emits the
// reference-counted set of distinct projections: a value enters the
// output the moment its count becomes 1, and leaves the moment it
// drops back to 0. An Update that moves a key from one projected
// value to another decrements the old bucket and increments the new
// one in the same emission.
func Distinct[K comparable, V any, U comparable](source observable.Observable[*change.ChangeSet[K, V]], selector func(V) U) observable.Observable[*change.DistinctChangeSet[U]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.DistinctChangeSet[U]]) observable.Disposer {
		buckets := make(map[U]*bucket[K, U])
		keyToValue := make(map[K]U)

		increment := func(out *change.ChangeSet[U, U], u U) {
			b, ok := buckets[u]
			if !ok {
				b = &bucket[K, U]{value: u, count: 0}
				buckets[u] = b
			}
			b.count++
			if b.count == 1 {
				out.Add(change.NewAdd(u, u))
			}
		}

		decrement := func(out *change.ChangeSet[U, U], u U) {
			b, ok := buckets[u]
			if !ok {
				return
			}
			b.count--
			if b.count <= 0 {
				delete(buckets, u)
				out.Add(change.NewRemove(u, u))
			}
		}

		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				withRecover("Distinct", obs.OnError, func() {
					out := change.NewChangeSet[U, U](cs.Len())

					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add:
							u := selector(c.Current)
							keyToValue[c.Key] = u
							increment(out, u)

						case change.Update:
							oldU, hadOld := keyToValue[c.Key]
							newU := selector(c.Current)
							if hadOld && oldU == newU {
								continue
							}
							if hadOld {
								decrement(out, oldU)
							}
							keyToValue[c.Key] = newU
							increment(out, newU)

						case change.Remove:
							if u, ok := keyToValue[c.Key]; ok {
								delete(keyToValue, c.Key)
								decrement(out, u)
							}
						}
					}

					if !out.IsEmpty() {
						obs.OnNext(change.NewDistinctChangeSet(out))
					}
				})
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}
