package operator

import (
	"context"
	"sync"
	"time"

	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/internal/lifecycle"
	"github.com/nodestorage/reactive/observable"
	"github.com/nodestorage/reactive/scheduler"
)

// ExpireAfter associates each item with expireAt = now + timeSelector(v)
// (a zero duration or a negative one behaves as "never", matching the
// time.Duration zero value the caller gets by not setting one). With
// pollingInterval > 0 a single recurring timer sweeps every key whose
// deadline has passed on each tick; with pollingInterval == 0 the
// operator instead keeps a single scheduler timer armed for the
// nearest deadline, re-armed after every upstream batch and every
// sweep, so that a calm item set costs nothing between deadlines. A
// key re-added before it expires simply gets a new expireAt —
// lifecycle.Deadlines always reflects the latest value, so a stale
// timer's sweep finds nothing due and is a no-op.
func ExpireAfter[K comparable, V any](
	source observable.Observable[*change.ChangeSet[K, V]],
	timeSelector func(V) time.Duration,
	pollingInterval time.Duration,
	sched scheduler.Scheduler,
) observable.Observable[*change.ChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		var mu sync.Mutex
		shadow := cache.New[K, V]()
		deadlines := lifecycle.NewDeadlines[K]()
		armedTimer := scheduler.Cancel(nil)
		var armNextTimer func()

		sweep := func() {
			var out *change.ChangeSet[K, V]
			withRecover("ExpireAfter.sweep", obs.OnError, func() {
				mu.Lock()
				defer mu.Unlock()
				defer armNextTimer()
				due := deadlines.Due(sched.Now())
				if len(due) == 0 {
					return
				}
				out = change.NewChangeSet[K, V](len(due))
				for _, key := range due {
					if v, ok := shadow.Get(key); ok {
						shadow.Delete(key)
						out.Add(change.NewRemove(key, v))
					}
					deadlines.Remove(key)
				}
			})
			if out != nil && !out.IsEmpty() {
				obs.OnNext(out)
			}
		}

		armNextTimer = func() {
			if pollingInterval > 0 {
				return
			}
			if armedTimer != nil {
				armedTimer()
				armedTimer = nil
			}
			at, ok := deadlines.Next()
			if !ok {
				return
			}
			delay := at.Sub(sched.Now())
			if delay < 0 {
				delay = 0
			}
			armedTimer = sched.ScheduleAfter(delay, sweep)
		}

		var pollCancel scheduler.Cancel
		if pollingInterval > 0 {
			pollCancel = sched.ScheduleRecurring(pollingInterval, sweep)
		}

		upstream := source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				withRecover("ExpireAfter", obs.OnError, func() {
					mu.Lock()
					defer mu.Unlock()
					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add, change.Update, change.Refresh:
							shadow.Set(c.Key, c.Current)
							d := timeSelector(c.Current)
							if d > 0 {
								deadlines.Set(c.Key, sched.Now().Add(d))
							} else {
								deadlines.Remove(c.Key)
							}
						case change.Remove:
							shadow.Delete(c.Key)
							deadlines.Remove(c.Key)
						}
					}
					armNextTimer()
				})
				obs.OnNext(cs)
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})

		return func() {
			upstream()
			if pollCancel != nil {
				pollCancel()
			}
			mu.Lock()
			if armedTimer != nil {
				armedTimer()
			}
			mu.Unlock()
		}
	})
}

// SizeLimiter caps the collection at limit entries, evicting the
// oldest insertions first (ties broken by insertion sequence).
// Upstream's own change set is forwarded unmodified first; if it
// pushed the collection over limit, a second change set carrying only
// the resulting evictions follows immediately after, so a caller
// watching the stream sees the cap enforced as its own discrete step
// rather than folded invisibly into the triggering batch.
func SizeLimiter[K comparable, V any](source observable.Observable[*change.ChangeSet[K, V]], limit int) observable.Observable[*change.ChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		shadow := cache.New[K, V]()
		limiter := lifecycle.NewInsertionLimiter[K](limit)

		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				obs.OnNext(cs)

				evicted := make([]K, 0)
				for _, c := range cs.Items() {
					switch c.Reason {
					case change.Add:
						shadow.Set(c.Key, c.Current)
						if evictedKey, ok := limiter.Add(c.Key); ok {
							evicted = append(evicted, evictedKey)
						}
					case change.Update, change.Refresh:
						shadow.Set(c.Key, c.Current)
					case change.Remove:
						shadow.Delete(c.Key)
						limiter.Remove(c.Key)
					}
				}

				if len(evicted) == 0 {
					return
				}
				out := change.NewChangeSet[K, V](len(evicted))
				for _, key := range evicted {
					if v, ok := shadow.Get(key); ok {
						shadow.Delete(key)
						out.Add(change.NewRemove(key, v))
					}
				}
				if !out.IsEmpty() {
					obs.OnNext(out)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}
