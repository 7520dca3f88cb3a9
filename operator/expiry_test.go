package operator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
	"github.com/nodestorage/reactive/scheduler"
)

func TestExpireAfterPerItemTimerRemovesOnDeadline(t *testing.T) {
	sc := cache.NewSourceCache[string, time.Duration]()
	defer sc.Dispose()

	sched := scheduler.NewVirtual(time.Time{})
	expiring := ExpireAfter[string, time.Duration](sc.Connect(context.Background()), func(d time.Duration) time.Duration { return d }, 0, sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, time.Duration], 10)
	dispose := expiring.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, time.Duration]]{
		OnNext: func(cs *change.ChangeSet[string, time.Duration]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, time.Duration]) error {
		u.AddOrUpdate("short", 5*time.Second)
		u.AddOrUpdate("long", 20*time.Second)
		return nil
	})
	require.NoError(t, err)
	<-received // the add batch, forwarded unmodified

	sched.Advance(5 * time.Second)
	cs := <-received
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, "short", cs.Items()[0].Key)
	assert.Equal(t, change.Remove, cs.Items()[0].Reason)
}

func TestExpireAfterPollingSweepsEveryDueKeyTogether(t *testing.T) {
	sc := cache.NewSourceCache[string, time.Duration]()
	defer sc.Dispose()

	sched := scheduler.NewVirtual(time.Time{})
	expiring := ExpireAfter[string, time.Duration](sc.Connect(context.Background()), func(d time.Duration) time.Duration { return d }, time.Second, sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, time.Duration], 10)
	dispose := expiring.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, time.Duration]]{
		OnNext: func(cs *change.ChangeSet[string, time.Duration]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, time.Duration]) error {
		u.AddOrUpdate("a", 2*time.Second)
		u.AddOrUpdate("b", 2*time.Second)
		return nil
	})
	require.NoError(t, err)
	<-received

	sched.Advance(2 * time.Second)
	cs := <-received
	assert.Equal(t, 2, cs.Removes(), "both due keys are swept in the same poll")
}

func TestSizeLimiterEvictsOldestInsertionsInASeparateChangeSet(t *testing.T) {
	sc := cache.NewSourceCache[string, int]()
	defer sc.Dispose()

	limited := SizeLimiter[string, int](sc.Connect(context.Background()), 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, int], 10)
	dispose := limited.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, int]]{
		OnNext: func(cs *change.ChangeSet[string, int]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, int]) error {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
		u.AddOrUpdate("c", 3)
		return nil
	})
	require.NoError(t, err)

	first := <-received
	assert.Equal(t, 3, first.Adds(), "the triggering batch is forwarded unmodified")

	second := <-received
	require.Equal(t, 1, second.Len())
	assert.Equal(t, "a", second.Items()[0].Key, "the oldest insertion is evicted")
	assert.Equal(t, change.Remove, second.Items()[0].Reason)
}
