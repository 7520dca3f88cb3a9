package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

func TestMonitorTransitionsPendingToLoadedOnFirstValue(t *testing.T) {
	sc := cache.NewSourceCache[string, int]()
	defer sc.Dispose()

	m := NewMonitor[string, int]()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispose := m.Connect(sc.Connect(context.Background())).Subscribe(ctx, observable.Observer[*change.ChangeSet[string, int]]{
		OnNext: func(*change.ChangeSet[string, int]) {},
	})
	defer dispose()

	assert.Equal(t, Pending, m.State())

	_, _, err := sc.Edit(func(u cache.Updater[string, int]) error { u.AddOrUpdate("a", 1); return nil })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return m.State() == Loaded }, time.Second, 10*time.Millisecond)
}

func TestMonitorErroredIsTerminal(t *testing.T) {
	m := NewMonitor[string, int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[string, int]]) observable.Disposer {
		obs.OnError(errors.New("boom"))
		return func() {}
	})

	dispose := m.Connect(src).Subscribe(ctx, observable.Observer[*change.ChangeSet[string, int]]{
		OnError: func(error) {},
	})
	defer dispose()

	assert.Equal(t, Errored, m.State())
}

func TestDeferUntilLoadedQueuesUntilMonitorLoads(t *testing.T) {
	sc := cache.NewSourceCache[string, int]()
	defer sc.Dispose()

	m := NewMonitor[string, int]()
	deferred := DeferUntilLoaded[string, int](sc.Connect(context.Background()), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, int], 10)
	dispose := deferred.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, int]]{
		OnNext: func(cs *change.ChangeSet[string, int]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, int]) error { u.AddOrUpdate("a", 1); return nil })
	require.NoError(t, err)

	select {
	case <-received:
		t.Fatal("event should be queued until the monitor loads")
	default:
	}

	m.transition(Loaded)
	cs := <-received
	assert.Equal(t, "a", cs.Items()[0].Key)
}

func TestSkipInitialDropsOnlyTheFirstNonEmptySet(t *testing.T) {
	sc := cache.NewSourceCache[string, int]()
	defer sc.Dispose()

	skipped := SkipInitial[string, int](sc.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, int], 10)
	dispose := skipped.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, int]]{
		OnNext: func(cs *change.ChangeSet[string, int]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, int]) error { u.AddOrUpdate("a", 1); return nil })
	require.NoError(t, err)

	_, _, err = sc.Edit(func(u cache.Updater[string, int]) error { u.AddOrUpdate("b", 2); return nil })
	require.NoError(t, err)

	cs := <-received
	assert.Equal(t, "b", cs.Items()[0].Key, "the initial snapshot was skipped")
}
