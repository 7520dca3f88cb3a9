package operator

import (
	"context"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// ChangeKey re-keys every Change in a stream via a pure function of
// the current value. Callers are responsible for selectNewKey being
// injective over any single ChangeSet; on a collision both Changes are
// emitted under the same new key in that batch, neither dropped nor
// merged.
func ChangeKey[K comparable, V any, NK comparable](
	source observable.Observable[*change.ChangeSet[K, V]],
	selectNewKey func(V) NK,
) observable.Observable[*change.ChangeSet[NK, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[NK, V]]) observable.Disposer {
		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				var out *change.ChangeSet[NK, V]
				withRecover("ChangeKey", obs.OnError, func() {
					out = change.NewChangeSet[NK, V](cs.Len())
					for _, c := range cs.Items() {
						nk := selectNewKey(c.Current)
						switch c.Reason {
						case change.Add:
							out.Add(change.NewAdd(nk, c.Current))
						case change.Update:
							out.Add(change.NewUpdate(nk, c.Current, c.Previous.Value))
						case change.Remove:
							out.Add(change.NewRemove(nk, c.Current))
						case change.Refresh:
							out.Add(change.NewRefresh(nk, c.Current))
						case change.Moved:
							out.Add(change.NewMoved(nk, c.Current, c.CurrentIndex, c.PreviousIndex))
						}
					}
				})
				if obs.OnNext != nil && out != nil && !out.IsEmpty() {
					obs.OnNext(out)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}

func filterChanges[K comparable, V any](
	source observable.Observable[*change.ChangeSet[K, V]],
	keep func(change.Change[K, V]) bool,
) observable.Observable[*change.ChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				var out *change.ChangeSet[K, V]
				withRecover("filterChanges", obs.OnError, func() {
					out = change.NewChangeSet[K, V](cs.Len())
					for _, c := range cs.Items() {
						if keep(c) {
							out.Add(c)
						}
					}
				})
				if obs.OnNext != nil && out != nil && !out.IsEmpty() {
					obs.OnNext(out)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}

// IgnoreUpdateWhen drops only the Update changes for which predicate
// reports true, comparing the previous and current value; every other
// reason passes through untouched.
func IgnoreUpdateWhen[K comparable, V any](
	source observable.Observable[*change.ChangeSet[K, V]],
	predicate func(previous, current V) bool,
) observable.Observable[*change.ChangeSet[K, V]] {
	return filterChanges(source, func(c change.Change[K, V]) bool {
		if c.Reason != change.Update {
			return true
		}
		return !predicate(c.Previous.Value, c.Current)
	})
}

// IncludeUpdateWhen keeps only the Update changes for which predicate
// reports true; every other reason passes through untouched.
func IncludeUpdateWhen[K comparable, V any](
	source observable.Observable[*change.ChangeSet[K, V]],
	predicate func(previous, current V) bool,
) observable.Observable[*change.ChangeSet[K, V]] {
	return filterChanges(source, func(c change.Change[K, V]) bool {
		if c.Reason != change.Update {
			return true
		}
		return predicate(c.Previous.Value, c.Current)
	})
}

// WhereReasonsAre keeps only Changes whose Reason is in reasons.
func WhereReasonsAre[K comparable, V any](
	source observable.Observable[*change.ChangeSet[K, V]],
	reasons ...change.Reason,
) observable.Observable[*change.ChangeSet[K, V]] {
	allowed := make(map[change.Reason]bool, len(reasons))
	for _, r := range reasons {
		allowed[r] = true
	}
	return filterChanges(source, func(c change.Change[K, V]) bool { return allowed[c.Reason] })
}

// WhereReasonsAreNot keeps every Change except those whose Reason is
// in reasons.
func WhereReasonsAreNot[K comparable, V any](
	source observable.Observable[*change.ChangeSet[K, V]],
	reasons ...change.Reason,
) observable.Observable[*change.ChangeSet[K, V]] {
	denied := make(map[change.Reason]bool, len(reasons))
	for _, r := range reasons {
		denied[r] = true
	}
	return filterChanges(source, func(c change.Change[K, V]) bool { return !denied[c.Reason] })
}
