package cache

import (
	"context"
	"sync"
	"time"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/internal/lifecycle"
	"github.com/nodestorage/reactive/observable"
	"github.com/nodestorage/reactive/scheduler"
)

// convertOptions configures the optional expiry/size-limit behavior
// ToObservableChangeSet and ToObservableChangeSetFromBatches support
// directly, independent of the general-purpose ExpireAfter/SizeLimiter
// operators a mid-pipeline stage would use — this is the "a source can
// cap or expire its own contents" convenience spec.md's source layer
// describes, not a second implementation of the operators.
type convertOptions[K comparable, V any] struct {
	expireAfter func(V) time.Duration
	limitSizeTo int
	scheduler   scheduler.Scheduler
}

// ConvertOption configures ToObservableChangeSet/
// ToObservableChangeSetFromBatches.
type ConvertOption[K comparable, V any] func(*convertOptions[K, V])

// WithExpireAfter evicts a key expireAfter(value) after it was last
// (re)published, once expireAfter returns a positive duration.
func WithExpireAfter[K comparable, V any](expireAfter func(V) time.Duration) ConvertOption[K, V] {
	return func(o *convertOptions[K, V]) { o.expireAfter = expireAfter }
}

// WithLimitSizeTo evicts the oldest key, FIFO, once more than max keys
// are tracked.
func WithLimitSizeTo[K comparable, V any](max int) ConvertOption[K, V] {
	return func(o *convertOptions[K, V]) { o.limitSizeTo = max }
}

// WithScheduler supplies the Scheduler expiry sweeps run against.
// Defaults to scheduler.Realtime.
func WithScheduler[K comparable, V any](s scheduler.Scheduler) ConvertOption[K, V] {
	return func(o *convertOptions[K, V]) { o.scheduler = s }
}

func resolveOptions[K comparable, V any](opts []ConvertOption[K, V]) convertOptions[K, V] {
	o := convertOptions[K, V]{scheduler: scheduler.Realtime}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ToObservableChangeSet turns a stream of discrete values into a
// ChangeSet stream: each value is keyed with keyOf and, depending on
// whether that key has been seen before on this stream, published as
// an Add or an Update.
func ToObservableChangeSet[K comparable, V any](
	source observable.Observable[V],
	keyOf func(V) K,
	opts ...ConvertOption[K, V],
) observable.Observable[*change.ChangeSet[K, V]] {
	o := resolveOptions(opts)

	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		var mu stateGuard[K, V]
		mu.init()

		var cancelSweep scheduler.Cancel
		if o.expireAfter != nil {
			cancelSweep = armExpirySweep(ctx, o.scheduler, &mu, obs)
		}

		disposer := source.Subscribe(ctx, observable.Observer[V]{
			OnNext: func(v V) {
				key := keyOf(v)
				mu.Lock()
				cs := change.NewChangeSet[K, V](1)
				if prev, existed := mu.seen.Get(key); existed {
					cs.Add(change.NewUpdate(key, v, prev))
				} else {
					cs.Add(change.NewAdd(key, v))
				}
				mu.seen.Set(key, v)

				if o.expireAfter != nil {
					if ttl := o.expireAfter(v); ttl > 0 {
						mu.deadlines.Set(key, o.scheduler.Now().Add(ttl))
					}
				}

				var evictedSet *change.ChangeSet[K, V]
				if o.limitSizeTo > 0 {
					if mu.limiter == nil {
						mu.limiter = lifecycle.NewInsertionLimiter[K](o.limitSizeTo)
					}
					if evictedKey, evicted := mu.limiter.Add(key); evicted {
						if old, ok := mu.seen.Get(evictedKey); ok {
							mu.seen.Delete(evictedKey)
							mu.deadlines.Remove(evictedKey)
							evictedSet = change.NewChangeSet[K, V](1)
							evictedSet.Add(change.NewRemove(evictedKey, old))
						}
					}
				}
				mu.Unlock()

				obs.OnNext(cs)
				if evictedSet != nil {
					obs.OnNext(evictedSet)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})

		return func() {
			if cancelSweep != nil {
				cancelSweep()
			}
			disposer()
		}
	})
}

// ToObservableChangeSetFromBatches turns a stream of full collection
// snapshots into a ChangeSet stream by diffing each snapshot against
// the last one seen on this stream.
func ToObservableChangeSetFromBatches[K comparable, V any](
	source observable.Observable[[]V],
	keyOf func(V) K,
) observable.Observable[*change.ChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		previous := make(map[K]V)

		return source.Subscribe(ctx, observable.Observer[[]V]{
			OnNext: func(batch []V) {
				next := make(map[K]V, len(batch))
				for _, v := range batch {
					next[keyOf(v)] = v
				}

				cs := change.NewChangeSet[K, V](len(batch))
				for k, v := range next {
					if prev, existed := previous[k]; existed {
						cs.Add(change.NewUpdate(k, v, prev))
					} else {
						cs.Add(change.NewAdd(k, v))
					}
				}
				for k, v := range previous {
					if _, stillPresent := next[k]; !stillPresent {
						cs.Add(change.NewRemove(k, v))
					}
				}

				previous = next
				if !cs.IsEmpty() {
					obs.OnNext(cs)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}

// stateGuard bundles the per-key bookkeeping ToObservableChangeSet
// needs behind one lock: the last published value per key, the
// expiry deadlines, and the size limiter.
type stateGuard[K comparable, V any] struct {
	sync.Mutex
	seen      *Cache[K, V]
	deadlines *lifecycle.Deadlines[K]
	limiter   *lifecycle.InsertionLimiter[K]
}

func (s *stateGuard[K, V]) init() {
	s.seen = New[K, V]()
	s.deadlines = lifecycle.NewDeadlines[K]()
}

func armExpirySweep[K comparable, V any](
	ctx context.Context,
	sched scheduler.Scheduler,
	state *stateGuard[K, V],
	obs observable.Observer[*change.ChangeSet[K, V]],
) scheduler.Cancel {
	const sweepInterval = time.Second
	return sched.ScheduleRecurring(sweepInterval, func() {
		state.Lock()
		due := state.deadlines.Due(sched.Now())
		var cs *change.ChangeSet[K, V]
		if len(due) > 0 {
			cs = change.NewChangeSet[K, V](len(due))
			for _, key := range due {
				if v, ok := state.seen.Get(key); ok {
					cs.Add(change.NewRemove(key, v))
					state.seen.Delete(key)
					if state.limiter != nil {
						state.limiter.Remove(key)
					}
				}
			}
		}
		state.Unlock()

		if cs != nil && !cs.IsEmpty() {
			select {
			case <-ctx.Done():
			default:
				obs.OnNext(cs)
			}
		}
	})
}
