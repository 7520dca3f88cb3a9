package operator

import (
	"context"
	"sync"

	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

type joinMode int

const (
	joinModeLeft joinMode = iota
	joinModeRight
	joinModeInner
	joinModeFull
)

func joinPresent(mode joinMode, hasLeft, hasRight bool) bool {
	switch mode {
	case joinModeLeft:
		return hasLeft
	case joinModeRight:
		return hasRight
	case joinModeInner:
		return hasLeft && hasRight
	default: // joinModeFull
		return hasLeft || hasRight
	}
}

// joinResultTracker records, per output key, whether a result is
// currently present downstream and what it was last time, so the
// join core can tell Add from Update from Remove.
type joinResultTracker[K comparable, R any] struct {
	present map[K]bool
	last    map[K]R
}

func newJoinResultTracker[K comparable, R any]() *joinResultTracker[K, R] {
	return &joinResultTracker[K, R]{present: make(map[K]bool), last: make(map[K]R)}
}

func (t *joinResultTracker[K, R]) emit(out *change.ChangeSet[K, R], key K, present bool, compute func() R) {
	wasPresent := t.present[key]
	if present {
		r := compute()
		if wasPresent {
			out.Add(change.NewUpdate(key, r, t.last[key]))
		} else {
			out.Add(change.NewAdd(key, r))
		}
		t.present[key] = true
		t.last[key] = r
		return
	}
	if wasPresent {
		out.Add(change.NewRemove(key, t.last[key]))
		delete(t.present, key)
		delete(t.last, key)
	}
}

// join is the shared core behind LeftJoin/RightJoin/InnerJoin/FullJoin:
// a 1:1 keyed join where keyOnRight projects every right value into
// the left key space. Both upstreams are serialized under a single
// mutex — spec.md §5's "inputs are merged under a shared gate" for
// combinators spanning independent upstreams. If more than one right
// value projects to the same left key, the most recently observed one
// wins, matching TransformMany's documented last-write-wins policy
// for the same kind of collision.
func join[K comparable, VL any, KR comparable, VR any, R any](
	leftSource observable.Observable[*change.ChangeSet[K, VL]],
	rightSource observable.Observable[*change.ChangeSet[KR, VR]],
	keyOnRight func(VR) K,
	resultFn func(K, change.Optional[VL], change.Optional[VR]) R,
	mode joinMode,
) observable.Observable[*change.ChangeSet[K, R]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, R]]) observable.Disposer {
		var mu sync.Mutex
		left := cache.New[K, VL]()
		right := cache.New[KR, VR]()
		projected := make(map[KR]K)
		owner := make(map[K]KR)
		tracker := newJoinResultTracker[K, R]()

		emitAffected := func(affected map[K]struct{}) *change.ChangeSet[K, R] {
			out := change.NewChangeSet[K, R](len(affected))
			for k := range affected {
				lv, hasLeft := left.Get(k)
				var rv VR
				hasRight := false
				if rk, ok := owner[k]; ok {
					if v, ok2 := right.Get(rk); ok2 {
						rv, hasRight = v, true
					}
				}
				present := joinPresent(mode, hasLeft, hasRight)
				tracker.emit(out, k, present, func() R {
					var lo change.Optional[VL]
					if hasLeft {
						lo = change.Some(lv)
					}
					var ro change.Optional[VR]
					if hasRight {
						ro = change.Some(rv)
					}
					return resultFn(k, lo, ro)
				})
			}
			return out
		}

		leftUp := leftSource.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, VL]]{
			OnNext: func(cs *change.ChangeSet[K, VL]) {
				var out *change.ChangeSet[K, R]
				withRecover("join.left", obs.OnError, func() {
					mu.Lock()
					defer mu.Unlock()
					affected := make(map[K]struct{}, cs.Len())
					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add, change.Update, change.Refresh:
							left.Set(c.Key, c.Current)
						case change.Remove:
							left.Delete(c.Key)
						}
						affected[c.Key] = struct{}{}
					}
					out = emitAffected(affected)
				})
				if out != nil && !out.IsEmpty() {
					obs.OnNext(out)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})

		rightUp := rightSource.Subscribe(ctx, observable.Observer[*change.ChangeSet[KR, VR]]{
			OnNext: func(cs *change.ChangeSet[KR, VR]) {
				var out *change.ChangeSet[K, R]
				withRecover("join.right", obs.OnError, func() {
					mu.Lock()
					defer mu.Unlock()
					affected := make(map[K]struct{}, cs.Len())
					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add, change.Update, change.Refresh:
							newK := keyOnRight(c.Current)
							if oldK, had := projected[c.Key]; had && oldK != newK {
								if owner[oldK] == c.Key {
									delete(owner, oldK)
								}
								affected[oldK] = struct{}{}
							}
							right.Set(c.Key, c.Current)
							projected[c.Key] = newK
							owner[newK] = c.Key
							affected[newK] = struct{}{}
						case change.Remove:
							oldK := projected[c.Key]
							if owner[oldK] == c.Key {
								delete(owner, oldK)
							}
							right.Delete(c.Key)
							delete(projected, c.Key)
							affected[oldK] = struct{}{}
						}
					}
					out = emitAffected(affected)
				})
				if out != nil && !out.IsEmpty() {
					obs.OnNext(out)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})

		return func() {
			leftUp()
			rightUp()
		}
	})
}

// LeftJoin emits for every left key, pairing it with the right value
// projected onto it via keyOnRight, if any.
func LeftJoin[K comparable, VL any, KR comparable, VR any, R any](
	left observable.Observable[*change.ChangeSet[K, VL]],
	right observable.Observable[*change.ChangeSet[KR, VR]],
	keyOnRight func(VR) K,
	resultFn func(K, change.Optional[VL], change.Optional[VR]) R,
) observable.Observable[*change.ChangeSet[K, R]] {
	return join(left, right, keyOnRight, resultFn, joinModeLeft)
}

// RightJoin is the mirror of LeftJoin: emits for every left key that
// has at least one right value projected onto it, whether or not a
// left value itself is present.
func RightJoin[K comparable, VL any, KR comparable, VR any, R any](
	left observable.Observable[*change.ChangeSet[K, VL]],
	right observable.Observable[*change.ChangeSet[KR, VR]],
	keyOnRight func(VR) K,
	resultFn func(K, change.Optional[VL], change.Optional[VR]) R,
) observable.Observable[*change.ChangeSet[K, R]] {
	return join(left, right, keyOnRight, resultFn, joinModeRight)
}

// InnerJoin emits only for keys present on both sides.
func InnerJoin[K comparable, VL any, KR comparable, VR any, R any](
	left observable.Observable[*change.ChangeSet[K, VL]],
	right observable.Observable[*change.ChangeSet[KR, VR]],
	keyOnRight func(VR) K,
	resultFn func(K, change.Optional[VL], change.Optional[VR]) R,
) observable.Observable[*change.ChangeSet[K, R]] {
	return join(left, right, keyOnRight, resultFn, joinModeInner)
}

// FullJoin emits for every key present on either side.
func FullJoin[K comparable, VL any, KR comparable, VR any, R any](
	left observable.Observable[*change.ChangeSet[K, VL]],
	right observable.Observable[*change.ChangeSet[KR, VR]],
	keyOnRight func(VR) K,
	resultFn func(K, change.Optional[VL], change.Optional[VR]) R,
) observable.Observable[*change.ChangeSet[K, R]] {
	return join(left, right, keyOnRight, resultFn, joinModeFull)
}

// joinMany is the shared core behind the *Many variants: keyOnRight
// projects every right value into the left key space, but unlike
// join, every right value sharing a projection is kept — resultFn
// receives the whole group rather than a single Optional value.
func joinMany[K comparable, VL any, KR comparable, VR any, R any](
	leftSource observable.Observable[*change.ChangeSet[K, VL]],
	rightSource observable.Observable[*change.ChangeSet[KR, VR]],
	keyOnRight func(VR) K,
	resultFn func(K, change.Optional[VL], map[KR]VR) R,
	mode joinMode,
) observable.Observable[*change.ChangeSet[K, R]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, R]]) observable.Disposer {
		var mu sync.Mutex
		left := cache.New[K, VL]()
		right := cache.New[KR, VR]()
		projected := make(map[KR]K)
		groups := make(map[K]map[KR]VR)
		tracker := newJoinResultTracker[K, R]()

		snapshotGroup := func(k K) map[KR]VR {
			src := groups[k]
			out := make(map[KR]VR, len(src))
			for rk, v := range src {
				out[rk] = v
			}
			return out
		}

		emitAffected := func(affected map[K]struct{}) *change.ChangeSet[K, R] {
			out := change.NewChangeSet[K, R](len(affected))
			for k := range affected {
				lv, hasLeft := left.Get(k)
				hasGroup := len(groups[k]) > 0
				present := joinPresent(mode, hasLeft, hasGroup)
				tracker.emit(out, k, present, func() R {
					var lo change.Optional[VL]
					if hasLeft {
						lo = change.Some(lv)
					}
					return resultFn(k, lo, snapshotGroup(k))
				})
			}
			return out
		}

		leftUp := leftSource.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, VL]]{
			OnNext: func(cs *change.ChangeSet[K, VL]) {
				var out *change.ChangeSet[K, R]
				withRecover("joinMany.left", obs.OnError, func() {
					mu.Lock()
					defer mu.Unlock()
					affected := make(map[K]struct{}, cs.Len())
					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add, change.Update, change.Refresh:
							left.Set(c.Key, c.Current)
						case change.Remove:
							left.Delete(c.Key)
						}
						affected[c.Key] = struct{}{}
					}
					out = emitAffected(affected)
				})
				if out != nil && !out.IsEmpty() {
					obs.OnNext(out)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})

		removeFromGroup := func(k K, rk KR) {
			if g, ok := groups[k]; ok {
				delete(g, rk)
				if len(g) == 0 {
					delete(groups, k)
				}
			}
		}

		rightUp := rightSource.Subscribe(ctx, observable.Observer[*change.ChangeSet[KR, VR]]{
			OnNext: func(cs *change.ChangeSet[KR, VR]) {
				var out *change.ChangeSet[K, R]
				withRecover("joinMany.right", obs.OnError, func() {
					mu.Lock()
					defer mu.Unlock()
					affected := make(map[K]struct{}, cs.Len())
					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add, change.Update, change.Refresh:
							newK := keyOnRight(c.Current)
							if oldK, had := projected[c.Key]; had && oldK != newK {
								removeFromGroup(oldK, c.Key)
								affected[oldK] = struct{}{}
							}
							right.Set(c.Key, c.Current)
							projected[c.Key] = newK
							if groups[newK] == nil {
								groups[newK] = make(map[KR]VR)
							}
							groups[newK][c.Key] = c.Current
							affected[newK] = struct{}{}
						case change.Remove:
							oldK := projected[c.Key]
							removeFromGroup(oldK, c.Key)
							right.Delete(c.Key)
							delete(projected, c.Key)
							affected[oldK] = struct{}{}
						}
					}
					out = emitAffected(affected)
				})
				if out != nil && !out.IsEmpty() {
					obs.OnNext(out)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})

		return func() {
			leftUp()
			rightUp()
		}
	})
}

// LeftJoinMany pairs every left key with the whole group of right
// values projected onto it, emitting for every left key.
func LeftJoinMany[K comparable, VL any, KR comparable, VR any, R any](
	left observable.Observable[*change.ChangeSet[K, VL]],
	right observable.Observable[*change.ChangeSet[KR, VR]],
	keyOnRight func(VR) K,
	resultFn func(K, change.Optional[VL], map[KR]VR) R,
) observable.Observable[*change.ChangeSet[K, R]] {
	return joinMany(left, right, keyOnRight, resultFn, joinModeLeft)
}

// RightJoinMany emits for every key with a non-empty right group,
// whether or not a left value is present.
func RightJoinMany[K comparable, VL any, KR comparable, VR any, R any](
	left observable.Observable[*change.ChangeSet[K, VL]],
	right observable.Observable[*change.ChangeSet[KR, VR]],
	keyOnRight func(VR) K,
	resultFn func(K, change.Optional[VL], map[KR]VR) R,
) observable.Observable[*change.ChangeSet[K, R]] {
	return joinMany(left, right, keyOnRight, resultFn, joinModeRight)
}

// InnerJoinMany emits only for keys with both a left value and a
// non-empty right group.
func InnerJoinMany[K comparable, VL any, KR comparable, VR any, R any](
	left observable.Observable[*change.ChangeSet[K, VL]],
	right observable.Observable[*change.ChangeSet[KR, VR]],
	keyOnRight func(VR) K,
	resultFn func(K, change.Optional[VL], map[KR]VR) R,
) observable.Observable[*change.ChangeSet[K, R]] {
	return joinMany(left, right, keyOnRight, resultFn, joinModeInner)
}

// FullJoinMany emits for every key with a left value, a non-empty
// right group, or both.
func FullJoinMany[K comparable, VL any, KR comparable, VR any, R any](
	left observable.Observable[*change.ChangeSet[K, VL]],
	right observable.Observable[*change.ChangeSet[KR, VR]],
	keyOnRight func(VR) K,
	resultFn func(K, change.Optional[VL], map[KR]VR) R,
) observable.Observable[*change.ChangeSet[K, R]] {
	return joinMany(left, right, keyOnRight, resultFn, joinModeFull)
}
