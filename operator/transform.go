package operator

import (
	"context"
	"sync"

	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// Transform applies a 1:1, identically-keyed projection V -> W. On
// Add/Update it emits Add/Update carrying the projected value; on
// Remove it emits Remove carrying the last projected value, since
// downstream consumers never saw V, only W.
//
// An optional retransform trigger re-projects in place: every time
// the trigger observable fires with a new selector, every item
// currently held whose (key, value) satisfies the selector is
// re-projected and emitted as an Update, even though nothing about
// the item's own upstream Change prompted it — for projections whose
// result depends on something other than the source value itself
// (e.g. a clock-derived field) and that therefore need to be refreshed
// on demand.
func Transform[K comparable, V, W any](
	source observable.Observable[*change.ChangeSet[K, V]],
	project func(K, V) W,
	retrigger ...observable.Observable[func(K, V) bool],
) observable.Observable[*change.ChangeSet[K, W]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, W]]) observable.Disposer {
		var mu sync.Mutex
		shadow := cache.New[K, W]()
		values := cache.New[K, V]()

		upstream := source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				withRecover("Transform", obs.OnError, func() {
					mu.Lock()
					defer mu.Unlock()
					out := change.NewChangeSet[K, W](cs.Len())
					for _, c := range cs.Items() {
						applyTransform(out, shadow, project, c)
						switch c.Reason {
						case change.Add, change.Update, change.Refresh:
							values.Set(c.Key, c.Current)
						case change.Remove:
							values.Delete(c.Key)
						}
					}
					if !out.IsEmpty() {
						obs.OnNext(out)
					}
				})
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})

		disposeTrigger := observable.Disposer(func() {})
		if len(retrigger) > 0 {
			disposeTrigger = retrigger[0].Subscribe(ctx, observable.Observer[func(K, V) bool]{
				OnNext: func(selected func(K, V) bool) {
					withRecover("Transform.retrigger", obs.OnError, func() {
						mu.Lock()
						defer mu.Unlock()
						out := change.NewChangeSet[K, W](0)
						values.ForEach(func(k K, v V) {
							if !selected(k, v) {
								return
							}
							prev, _ := shadow.Get(k)
							w := project(k, v)
							shadow.Set(k, w)
							out.Add(change.NewUpdate(k, w, prev))
						})
						if !out.IsEmpty() {
							obs.OnNext(out)
						}
					})
				},
			})
		}

		return func() {
			upstream()
			disposeTrigger()
		}
	})
}

func applyTransform[K comparable, V, W any](out *change.ChangeSet[K, W], shadow *cache.Cache[K, W], project func(K, V) W, c change.Change[K, V]) {
	switch c.Reason {
	case change.Add:
		w := project(c.Key, c.Current)
		shadow.Set(c.Key, w)
		out.Add(change.NewAdd(c.Key, w))
	case change.Update:
		prev, _ := shadow.Get(c.Key)
		w := project(c.Key, c.Current)
		shadow.Set(c.Key, w)
		out.Add(change.NewUpdate(c.Key, w, prev))
	case change.Remove:
		w, _ := shadow.Get(c.Key)
		shadow.Delete(c.Key)
		out.Add(change.NewRemove(c.Key, w))
	case change.Refresh:
		w, ok := shadow.Get(c.Key)
		if !ok {
			return
		}
		out.Add(change.NewRefresh(c.Key, w))
	}
}

// TransformSafe behaves like Transform, except a projection that
// returns a non-nil error is reported to onError and the offending
// key is skipped (removed from the shadow map if present, never
// added) rather than terminating the stream.
func TransformSafe[K comparable, V, W any](
	source observable.Observable[*change.ChangeSet[K, V]],
	project func(K, V) (W, error),
	onError func(*CallbackError[K, V]),
) observable.Observable[*change.ChangeSet[K, W]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, W]]) observable.Disposer {
		shadow := cache.New[K, W]()

		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				withRecover("TransformSafe", obs.OnError, func() {
					out := change.NewChangeSet[K, W](cs.Len())
					for _, c := range cs.Items() {
						safeProject := func(key K, value V) (W, bool) {
							w, err := project(key, value)
							if err != nil {
								if onError != nil {
									onError(&CallbackError[K, V]{Key: key, Value: value, Cause: err})
								}
								return w, false
							}
							return w, true
						}

						switch c.Reason {
						case change.Add:
							w, ok := safeProject(c.Key, c.Current)
							if !ok {
								continue
							}
							shadow.Set(c.Key, w)
							out.Add(change.NewAdd(c.Key, w))
						case change.Update:
							w, ok := safeProject(c.Key, c.Current)
							if !ok {
								if prev, existed := shadow.Get(c.Key); existed {
									shadow.Delete(c.Key)
									out.Add(change.NewRemove(c.Key, prev))
								}
								continue
							}
							if prev, existed := shadow.Get(c.Key); existed {
								shadow.Set(c.Key, w)
								out.Add(change.NewUpdate(c.Key, w, prev))
							} else {
								shadow.Set(c.Key, w)
								out.Add(change.NewAdd(c.Key, w))
							}
						case change.Remove:
							if w, existed := shadow.Get(c.Key); existed {
								shadow.Delete(c.Key)
								out.Add(change.NewRemove(c.Key, w))
							}
						case change.Refresh:
							if w, existed := shadow.Get(c.Key); existed {
								out.Add(change.NewRefresh(c.Key, w))
							}
						}
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

// TransformMany expands each parent V into zero or more children C,
// keyed by childKeyOf, and maintains the parent->children mapping so
// that a parent Update/Remove correctly adds/removes exactly the
// children it owns. Each child key must belong to exactly one parent
// at a time; a second parent producing the same child key silently
// wins (last write), since detecting the violation would require
// comparing against every other parent on every change.
func TransformMany[K comparable, V any, CK comparable, C any](
	source observable.Observable[*change.ChangeSet[K, V]],
	children func(K, V) []C,
	childKeyOf func(C) CK,
) observable.Observable[*change.ChangeSet[CK, C]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[CK, C]]) observable.Disposer {
		owned := make(map[K][]CK)
		shadow := cache.New[CK, C]()

		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				withRecover("TransformMany", obs.OnError, func() {
					out := change.NewChangeSet[CK, C](cs.Len())

					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Remove:
							for _, ck := range owned[c.Key] {
								if v, existed := shadow.Get(ck); existed {
									shadow.Delete(ck)
									out.Add(change.NewRemove(ck, v))
								}
							}
							delete(owned, c.Key)

						case change.Add, change.Update, change.Refresh:
							oldKeys := owned[c.Key]
							newChildren := children(c.Key, c.Current)
							newKeySet := make(map[CK]struct{}, len(newChildren))
							newKeys := make([]CK, 0, len(newChildren))

							for _, child := range newChildren {
								ck := childKeyOf(child)
								newKeySet[ck] = struct{}{}
								newKeys = append(newKeys, ck)

								if prev, existed := shadow.Get(ck); existed {
									shadow.Set(ck, child)
									out.Add(change.NewUpdate(ck, child, prev))
								} else {
									shadow.Set(ck, child)
									out.Add(change.NewAdd(ck, child))
								}
							}

							for _, ck := range oldKeys {
								if _, stillOwned := newKeySet[ck]; stillOwned {
									continue
								}
								if v, existed := shadow.Get(ck); existed {
									shadow.Delete(ck)
									out.Add(change.NewRemove(ck, v))
								}
							}

							owned[c.Key] = newKeys
						}
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
