package cache

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/internal/corelog"
	"github.com/nodestorage/reactive/observable"
)

// Updater is the only way to mutate a SourceCache, and only exists
// for the lifetime of one Edit call. Every call made through it is
// accumulated and folded by the edit scope's tracker rather than
// applied immediately, so a scope that touches the same key five
// times still commits — and broadcasts — at most one net Change for
// that key.
type Updater[K comparable, V any] interface {
	// AddOrUpdate inserts key/value, or replaces key's existing value.
	AddOrUpdate(key K, value V)

	// Remove deletes key, if present.
	Remove(key K)

	// Refresh re-emits key's current value as a Refresh change, for
	// callers that mutated a value in place and need dependents to
	// recompute without the key's identity or stored reference
	// changing.
	Refresh(key K)

	// Clear removes every key.
	Clear()

	// Lookup returns key's value as it stands at this point in the
	// scope, reflecting any of this scope's own edits made so far.
	Lookup(key K) (V, bool)

	// Count returns the number of keys as they stand at this point in
	// the scope.
	Count() int
}

type scopedUpdater[K comparable, V any] struct {
	t *tracker[K, V]
}

func (u *scopedUpdater[K, V]) AddOrUpdate(key K, value V) { u.t.addOrUpdate(key, value) }
func (u *scopedUpdater[K, V]) Remove(key K)               { u.t.remove(key) }
func (u *scopedUpdater[K, V]) Refresh(key K)              { u.t.refresh(key) }
func (u *scopedUpdater[K, V]) Clear()                     { u.t.clear() }

func (u *scopedUpdater[K, V]) Lookup(key K) (V, bool) {
	if entry, ok := u.t.pending[key]; ok {
		if entry.reason == change.Remove {
			var zero V
			return zero, false
		}
		return entry.current, true
	}
	return u.t.committed.Get(key)
}

func (u *scopedUpdater[K, V]) Count() int {
	n := u.t.committed.Len()
	for key, entry := range u.t.pending {
		_, wasCommitted := u.t.committed.Get(key)
		switch {
		case entry.reason == change.Add && !wasCommitted:
			n++
		case entry.reason == change.Remove && wasCommitted:
			n--
		}
	}
	return n
}

// SourceCache is the mutable root of a pipeline: the only place keyed
// edits enter the module. Its edit-scope accumulation and subscriber
// fan-out are grounded on MemoryCache and StorageImpl.Watch in
// nodestorage/v2 respectively, generalized from a Mongo-document cache
// into a transport-free, in-process one.
type SourceCache[K comparable, V any] struct {
	editMu sync.Mutex // serializes Edit calls; only one scope runs at a time

	mu        sync.RWMutex // guards committed for read-only accessors
	committed *Cache[K, V]

	changes  *broadcaster[*change.ChangeSet[K, V]]
	counts   *broadcaster[int]
	watchers map[K]*broadcaster[change.Change[K, V]]
	watchMu  sync.Mutex

	seq *snowflake.Node

	errSinkMu sync.Mutex
	errorSink func(error)

	closed bool
}

// NewSourceCache creates an empty SourceCache.
func NewSourceCache[K comparable, V any]() *SourceCache[K, V] {
	// node 1: a single process owns one SourceCache's sequence space;
	// nothing here is ever compared across processes.
	node, _ := snowflake.NewNode(1)
	return &SourceCache[K, V]{
		committed: New[K, V](),
		changes:   newBroadcaster[*change.ChangeSet[K, V]](),
		counts:    newBroadcaster[int](),
		watchers:  make(map[K]*broadcaster[change.Change[K, V]]),
		seq:       node,
	}
}

// SetErrorSink installs a callback that receives every error an Edit
// scope fails with (a returned error or a recovered panic), in place
// of Edit returning that error to its caller. Passing nil restores the
// default of rethrowing to the caller.
func (c *SourceCache[K, V]) SetErrorSink(sink func(error)) {
	c.errSinkMu.Lock()
	c.errorSink = sink
	c.errSinkMu.Unlock()
}

func (c *SourceCache[K, V]) sink() func(error) {
	c.errSinkMu.Lock()
	defer c.errSinkMu.Unlock()
	return c.errorSink
}

// Edit runs fn against an exclusive Updater, then folds, commits, and
// broadcasts the scope's net ChangeSet. If every edit in the scope
// cancelled out (e.g. a key added then removed before the scope
// ended), no ChangeSet is broadcast and Edit returns a nil ChangeSet —
// an empty change set is never emitted, per the module's no-empty-sets
// invariant — but EditCounts still reports the raw, pre-folding touch
// counts for callers that need that visibility (tests exercising the
// consolidation rules, diagnostics).
//
// Failure is all-or-nothing: a tracker's pending edits never touch
// committed until build() runs, so if fn returns an error or panics,
// build() is simply never called and the cache is left exactly as it
// stood before Edit was invoked. The failure is then either handed to
// the error sink installed by SetErrorSink or, by default, returned
// to the caller; either way the returned EditCounts is zero.
func (c *SourceCache[K, V]) Edit(fn func(Updater[K, V]) error) (*change.ChangeSet[K, V], EditCounts, error) {
	c.editMu.Lock()
	defer c.editMu.Unlock()

	if c.isClosed() {
		return nil, EditCounts{}, ErrClosed
	}

	c.mu.RLock()
	t := newTracker[K, V](c.committed)
	c.mu.RUnlock()

	if err := c.runScope(t, fn); err != nil {
		if sink := c.sink(); sink != nil {
			sink(err)
			return nil, EditCounts{}, nil
		}
		return nil, EditCounts{}, err
	}

	c.mu.Lock()
	before := c.committed.Len()
	cs := t.build()
	after := c.committed.Len()
	c.mu.Unlock()

	if cs != nil {
		seq := c.seq.Generate()
		corelog.Debug("edit scope committed", zap.Int64("seq", int64(seq)), zap.Int("changes", cs.Len()))
		c.changes.publish(cs)
		if after != before {
			c.counts.publish(after)
		}
		c.notifyWatchers(cs)
	}

	return cs, t.Counts(), nil
}

// runScope invokes fn, converting a panic into an error so a
// misbehaving callback aborts only its own edit scope rather than the
// process. Either way, committed is untouched: nothing is written to
// it until Edit calls t.build().
func (c *SourceCache[K, V]) runScope(t *tracker[K, V], fn func(Updater[K, V]) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			corelog.Error("edit scope panicked; rolled back",
				zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("cache: edit scope panicked: %v", r)
		}
	}()
	return fn(&scopedUpdater[K, V]{t: t})
}

func (c *SourceCache[K, V]) notifyWatchers(cs *change.ChangeSet[K, V]) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, ch := range cs.Items() {
		if b, ok := c.watchers[ch.Key]; ok {
			b.publish(ch)
		}
	}
}

func (c *SourceCache[K, V]) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Count returns the current number of items.
func (c *SourceCache[K, V]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed.Len()
}

// Lookup returns the value stored under key, if present.
func (c *SourceCache[K, V]) Lookup(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed.Get(key)
}

// Items returns every value, in no particular order.
func (c *SourceCache[K, V]) Items() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed.Values()
}

// KeyValues returns a shallow snapshot of the full key/value map.
func (c *SourceCache[K, V]) KeyValues() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed.Snapshot()
}

// Connect subscribes to the cache's change stream, bootstrapped with
// a synthetic Add-only ChangeSet of the current contents.
func (c *SourceCache[K, V]) Connect(ctx context.Context, optionalFilter ...func(K, V) bool) observable.Observable[*change.ChangeSet[K, V]] {
	var filter func(K, V) bool
	if len(optionalFilter) > 0 {
		filter = optionalFilter[0]
	}

	return observable.FromChannel(func(ctx context.Context) (<-chan *change.ChangeSet[K, V], <-chan error) {
		ch, errCh := c.changes.subscribe(ctx)

		out := make(chan *change.ChangeSet[K, V], subscriberBufferSize)
		go func() {
			defer close(out)

			c.mu.RLock()
			snapshot := c.committed.Snapshot()
			c.mu.RUnlock()

			if bootstrap := bootstrapChangeSet(snapshot, filter); bootstrap != nil {
				select {
				case out <- bootstrap:
				case <-ctx.Done():
					return
				}
			}

			for {
				select {
				case cs, ok := <-ch:
					if !ok {
						return
					}
					if filtered := filterChangeSet(cs, filter); filtered != nil {
						select {
						case out <- filtered:
						case <-ctx.Done():
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		return out, errCh
	})
}

func bootstrapChangeSet[K comparable, V any](snapshot map[K]V, filter func(K, V) bool) *change.ChangeSet[K, V] {
	if len(snapshot) == 0 {
		return nil
	}
	cs := change.NewChangeSet[K, V](len(snapshot))
	for k, v := range snapshot {
		if filter != nil && !filter(k, v) {
			continue
		}
		cs.Add(change.NewAdd(k, v))
	}
	if cs.IsEmpty() {
		return nil
	}
	return cs
}

func filterChangeSet[K comparable, V any](cs *change.ChangeSet[K, V], filter func(K, V) bool) *change.ChangeSet[K, V] {
	if filter == nil {
		return cs
	}
	out := change.NewChangeSet[K, V](cs.Len())
	for _, ch := range cs.Items() {
		if filter(ch.Key, ch.Current) {
			out.Add(ch)
		}
	}
	if out.IsEmpty() {
		return nil
	}
	return out
}

// Watch streams every Change touching a single key, including an
// immediate Add if the key is already present.
func (c *SourceCache[K, V]) Watch(ctx context.Context, key K) observable.Observable[change.Change[K, V]] {
	return observable.FromChannel(func(ctx context.Context) (<-chan change.Change[K, V], <-chan error) {
		c.watchMu.Lock()
		b, ok := c.watchers[key]
		if !ok {
			b = newBroadcaster[change.Change[K, V]]()
			c.watchers[key] = b
		}
		c.watchMu.Unlock()

		ch, errCh := b.subscribe(ctx)

		out := make(chan change.Change[K, V], subscriberBufferSize)
		go func() {
			defer close(out)

			if v, ok := c.Lookup(key); ok {
				select {
				case out <- change.NewAdd(key, v):
				case <-ctx.Done():
					return
				}
			}

			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		return out, errCh
	})
}

// CountChanged streams Count() every time it changes, including the
// current count immediately on subscribe.
func (c *SourceCache[K, V]) CountChanged(ctx context.Context) observable.Observable[int] {
	return observable.FromChannel(func(ctx context.Context) (<-chan int, <-chan error) {
		ch, errCh := c.counts.subscribe(ctx)

		out := make(chan int, subscriberBufferSize)
		go func() {
			defer close(out)

			select {
			case out <- c.Count():
			case <-ctx.Done():
				return
			}

			for {
				select {
				case n, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- n:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		return out, errCh
	})
}

// Dispose closes the cache: every live Connect/Watch/CountChanged
// subscription is torn down and future Edit calls return ErrClosed.
func (c *SourceCache[K, V]) Dispose() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.changes.close()
	c.counts.close()

	c.watchMu.Lock()
	for _, b := range c.watchers {
		b.close()
	}
	c.watchMu.Unlock()
}

var _ ObservableCache[int, int] = (*SourceCache[int, int])(nil)
