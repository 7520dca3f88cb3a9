// Package util collects cross-cutting helpers that sit alongside the
// operator pipeline rather than inside it: time-windowed coalescing,
// per-item resource lifecycle, and small read-side conveniences.
package util

import (
	"context"
	"sync"
	"time"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
	"github.com/nodestorage/reactive/scheduler"
)

// foldState is the net effect tracked for one key across a batching
// window. It mirrors the consolidation rules cache/tracker.go applies
// within a single edit scope (Add+Remove cancels, a Remove followed
// by a re-Add becomes an Update, a trailing Remove always wins), but
// operates on already-classified Changes arriving from upstream
// rather than on raw Updater calls against a committed cache.
type foldState[K comparable, V any] struct {
	reason   change.Reason
	current  V
	previous change.Optional[V]
}

func fold[K comparable, V any](existing *foldState[K, V], c change.Change[K, V]) *foldState[K, V] {
	if existing == nil {
		return &foldState[K, V]{reason: c.Reason, current: c.Current, previous: c.Previous}
	}

	switch existing.reason {
	case change.Add:
		if c.Reason == change.Remove {
			return nil
		}
		existing.current = c.Current
		return existing

	case change.Remove:
		if c.Reason == change.Remove {
			return existing
		}
		before := existing.current
		existing.reason = change.Update
		existing.current = c.Current
		existing.previous = change.Some(before)
		return existing

	default: // Update, Refresh
		if c.Reason == change.Remove {
			existing.reason = change.Remove
			existing.current = c.Current
			return existing
		}
		existing.reason = change.Update
		existing.current = c.Current
		return existing
	}
}

func buildChangeSet[K comparable, V any](order []K, pending map[K]*foldState[K, V]) *change.ChangeSet[K, V] {
	out := change.NewChangeSet[K, V](len(order))
	for _, k := range order {
		st, ok := pending[k]
		if !ok {
			continue
		}
		delete(pending, k)
		switch st.reason {
		case change.Add:
			out.Add(change.NewAdd(k, st.current))
		case change.Update:
			out.Add(change.NewUpdate(k, st.current, st.previous.Value))
		case change.Remove:
			out.Add(change.NewRemove(k, st.current))
		case change.Refresh:
			out.Add(change.NewRefresh(k, st.current))
		}
	}
	return out
}

// Batch coalesces every change set received within each interval tick
// of sched into one change set holding at most one net change per
// key, flushed on the tick. It is BatchIf with a pause predicate that is always active.
func Batch[K comparable, V any](source observable.Observable[*change.ChangeSet[K, V]], interval time.Duration, sched scheduler.Scheduler) observable.Observable[*change.ChangeSet[K, V]] {
	return BatchIf(source, interval, sched, func() bool { return true })
}

// BatchIf is Batch gated by shouldPause: while shouldPause reports
// true, incoming changes accumulate and fold instead of passing
// through; while it reports false, any pending buffer is flushed
// immediately and new changes pass straight through unbuffered. This
// is the pauseSignal shape of DynamicData's Batch/Buffer family — a
// caller can suspend coalescing during, say, a bulk import and let
// individual edits stream live again once it completes.
func BatchIf[K comparable, V any](
	source observable.Observable[*change.ChangeSet[K, V]],
	interval time.Duration,
	sched scheduler.Scheduler,
	shouldPause func() bool,
) observable.Observable[*change.ChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		var mu sync.Mutex
		pending := make(map[K]*foldState[K, V])
		order := make([]K, 0)

		flush := func() {
			mu.Lock()
			if len(order) == 0 {
				mu.Unlock()
				return
			}
			out := buildChangeSet(order, pending)
			pending = make(map[K]*foldState[K, V])
			order = order[:0]
			mu.Unlock()
			if !out.IsEmpty() {
				obs.OnNext(out)
			}
		}

		cancelTimer := sched.ScheduleRecurring(interval, flush)

		upstream := source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				var paused bool
				withRecover("BatchIf.shouldPause", func() { paused = shouldPause() })
				if !paused {
					flush()
					obs.OnNext(cs)
					return
				}
				mu.Lock()
				for _, c := range cs.Items() {
					existing, had := pending[c.Key]
					merged := fold(existing, c)
					if merged == nil {
						delete(pending, c.Key)
					} else {
						if !had {
							order = append(order, c.Key)
						}
						pending[c.Key] = merged
					}
				}
				mu.Unlock()
			},
			OnError: obs.OnError,
			OnComplete: func() {
				flush()
				if obs.OnComplete != nil {
					obs.OnComplete()
				}
			},
		})

		return func() {
			cancelTimer()
			upstream()
		}
	})
}
