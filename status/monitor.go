// Package status tracks a stream's connection lifecycle — whether it
// has ever produced a value, errored, or completed — and provides the
// DeferUntilLoaded/SkipInitial combinators built on top of that state.
package status

import (
	"context"
	"sync"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// State is one point in a Monitor's lifecycle.
type State int

const (
	// Pending is the initial state: no value, error, or completion
	// has been observed yet.
	Pending State = iota
	// Loaded means at least one OnNext has been observed.
	Loaded
	// Errored is terminal: an OnError was observed.
	Errored
	// Completed is terminal: OnComplete was observed without a prior
	// error.
	Completed
)

// String implements fmt.Stringer for readable test failures and logs.
func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Loaded:
		return "Loaded"
	case Errored:
		return "Errored"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// Monitor observes a change-set stream's lifecycle without consuming
// it exclusively: it wraps source and re-exposes the same events,
// while tracking the current State for StateChanged subscribers.
type Monitor[K comparable, V any] struct {
	mu    sync.Mutex
	state State
	subs  map[int]func(State)
	next  int
}

// NewMonitor builds a Monitor, initially Pending.
func NewMonitor[K comparable, V any]() *Monitor[K, V] {
	return &Monitor[K, V]{subs: make(map[int]func(State))}
}

// State returns the monitor's current lifecycle state.
func (m *Monitor[K, V]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateChanged registers fn to be called, synchronously, every time
// the monitor's state transitions. It returns a function to
// unregister fn.
func (m *Monitor[K, V]) StateChanged(fn func(State)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Monitor[K, V]) transition(to State) {
	m.mu.Lock()
	if m.state == Errored || m.state == Completed {
		m.mu.Unlock()
		return
	}
	m.state = to
	subs := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn := fn
		withRecover("Monitor.StateChanged", func() { fn(to) })
	}
}

// Connect subscribes to source, tracking lifecycle transitions
// (Pending -> Loaded on the first value, any error -> Errored,
// completion without a prior error -> Completed) while forwarding
// every event unchanged to obs.
func (m *Monitor[K, V]) Connect(source observable.Observable[*change.ChangeSet[K, V]]) observable.Observable[*change.ChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				m.transition(Loaded)
				if obs.OnNext != nil {
					obs.OnNext(cs)
				}
			},
			OnError: func(err error) {
				m.transition(Errored)
				if obs.OnError != nil {
					obs.OnError(err)
				}
			},
			OnComplete: func() {
				m.transition(Completed)
				if obs.OnComplete != nil {
					obs.OnComplete()
				}
			},
		})
	})
}

// DeferUntilLoaded gates source on a separate monitor reaching
// Loaded: every change set arriving while the monitor is still
// Pending is queued rather than dropped, and the whole queue is
// flushed in order the instant the monitor transitions to Loaded;
// afterward every change set passes straight through. If monitor
// reaches Errored before ever loading, the queue is never flushed:
// change sets queued before that point, or arriving after it, are not
// delivered.
func DeferUntilLoaded[K comparable, V any](source observable.Observable[*change.ChangeSet[K, V]], monitor *Monitor[K, V]) observable.Observable[*change.ChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		var mu sync.Mutex
		var queue []*change.ChangeSet[K, V]
		ready := monitor.State() == Loaded || monitor.State() == Completed

		unregister := monitor.StateChanged(func(s State) {
			if s != Loaded {
				return
			}
			mu.Lock()
			pending := queue
			queue = nil
			ready = true
			mu.Unlock()
			for _, cs := range pending {
				if obs.OnNext != nil {
					obs.OnNext(cs)
				}
			}
		})

		upstream := source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				mu.Lock()
				if !ready {
					queue = append(queue, cs)
					mu.Unlock()
					return
				}
				mu.Unlock()
				if obs.OnNext != nil {
					obs.OnNext(cs)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})

		return func() {
			upstream()
			unregister()
		}
	})
}

// SkipInitial discards the first non-empty change set observed after
// source reaches Loaded, passing every subsequent one through
// unchanged. Use this when a consumer only cares about changes made
// after the initial snapshot, not the snapshot itself.
func SkipInitial[K comparable, V any](source observable.Observable[*change.ChangeSet[K, V]]) observable.Observable[*change.ChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		var mu sync.Mutex
		skipped := false

		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				mu.Lock()
				alreadySkipped := skipped
				skipped = true
				mu.Unlock()
				if alreadySkipped && obs.OnNext != nil {
					obs.OnNext(cs)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}
