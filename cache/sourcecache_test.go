package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

func TestSourceCacheEditCommitsAndReportsCount(t *testing.T) {
	sc := NewSourceCache[string, int]()
	defer sc.Dispose()

	cs, counts, err := sc.Edit(func(u Updater[string, int]) error {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, cs)
	assert.Equal(t, 2, cs.Adds())
	assert.Equal(t, EditCounts{Adds: 2}, counts)
	assert.Equal(t, 2, sc.Count())

	v, ok := sc.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestSourceCacheEditWithNoNetEffectReturnsNilChangeSet(t *testing.T) {
	sc := NewSourceCache[string, int]()
	defer sc.Dispose()

	cs, counts, err := sc.Edit(func(u Updater[string, int]) error {
		u.AddOrUpdate("a", 1)
		u.Remove("a")
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, cs)
	assert.Equal(t, EditCounts{Adds: 1, Removes: 1}, counts)
	assert.Equal(t, 0, sc.Count())
}

func TestSourceCacheConnectBootstrapsThenStreams(t *testing.T) {
	sc := NewSourceCache[string, int]()
	defer sc.Dispose()

	_, _, err := sc.Edit(func(u Updater[string, int]) error {
		u.AddOrUpdate("a", 1)
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, int], 10)

	dispose := sc.Connect(ctx).Subscribe(ctx, observable.Observer[*change.ChangeSet[string, int]]{
		OnNext: func(cs *change.ChangeSet[string, int]) { received <- cs },
	})
	defer dispose()

	bootstrap := <-received
	assert.Equal(t, 1, bootstrap.Adds(), "bootstrap change set should carry the current contents as Adds")

	_, _, err = sc.Edit(func(u Updater[string, int]) error {
		u.AddOrUpdate("b", 2)
		return nil
	})
	require.NoError(t, err)

	select {
	case next := <-received:
		assert.Equal(t, 1, next.Adds())
		assert.Equal(t, "b", next.Items()[0].Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the post-bootstrap change set")
	}
}

func TestSourceCacheConnectAppliesFilter(t *testing.T) {
	sc := NewSourceCache[string, int]()
	defer sc.Dispose()

	_, _, err := sc.Edit(func(u Updater[string, int]) error {
		u.AddOrUpdate("even", 2)
		u.AddOrUpdate("odd", 3)
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, int], 10)
	dispose := sc.Connect(ctx, func(_ string, v int) bool { return v%2 == 0 }).Subscribe(ctx, observable.Observer[*change.ChangeSet[string, int]]{
		OnNext: func(cs *change.ChangeSet[string, int]) { received <- cs },
	})
	defer dispose()

	bootstrap := <-received
	assert.Equal(t, 1, bootstrap.Len())
	assert.Equal(t, "even", bootstrap.Items()[0].Key)
}

func TestSourceCacheWatchEmitsAddThenUpdates(t *testing.T) {
	sc := NewSourceCache[string, int]()
	defer sc.Dispose()

	_, _, err := sc.Edit(func(u Updater[string, int]) error { u.AddOrUpdate("a", 1); return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan change.Change[string, int], 10)
	dispose := sc.Watch(ctx, "a").Subscribe(ctx, observable.Observer[change.Change[string, int]]{
		OnNext: func(c change.Change[string, int]) { received <- c },
	})
	defer dispose()

	first := <-received
	assert.Equal(t, change.Add, first.Reason)

	_, _, err = sc.Edit(func(u Updater[string, int]) error { u.AddOrUpdate("a", 2); return nil })
	require.NoError(t, err)

	select {
	case second := <-received:
		assert.Equal(t, change.Update, second.Reason)
		assert.Equal(t, 2, second.Current)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the watched key's update")
	}
}

func TestSourceCacheCountChangedStreamsCurrentThenUpdates(t *testing.T) {
	sc := NewSourceCache[string, int]()
	defer sc.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan int, 10)
	dispose := sc.CountChanged(ctx).Subscribe(ctx, observable.Observer[int]{
		OnNext: func(n int) { received <- n },
	})
	defer dispose()

	assert.Equal(t, 0, <-received)

	_, _, err := sc.Edit(func(u Updater[string, int]) error { u.AddOrUpdate("a", 1); return nil })
	require.NoError(t, err)

	select {
	case n := <-received:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the updated count")
	}
}

func TestSourceCacheEditAfterDisposeReturnsErrClosed(t *testing.T) {
	sc := NewSourceCache[string, int]()
	sc.Dispose()

	_, _, err := sc.Edit(func(u Updater[string, int]) error { u.AddOrUpdate("a", 1); return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScopedUpdaterLookupAndCountReflectScopeInProgress(t *testing.T) {
	sc := NewSourceCache[string, int]()
	defer sc.Dispose()

	_, _, err := sc.Edit(func(u Updater[string, int]) error { u.AddOrUpdate("a", 1); return nil })
	require.NoError(t, err)

	_, _, err = sc.Edit(func(u Updater[string, int]) error {
		v, ok := u.Lookup("a")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
		assert.Equal(t, 1, u.Count())

		u.AddOrUpdate("b", 2)
		assert.Equal(t, 2, u.Count())

		u.Remove("a")
		_, ok = u.Lookup("a")
		assert.False(t, ok)
		assert.Equal(t, 1, u.Count())
		return nil
	})
	require.NoError(t, err)
}

func TestSourceCacheEditReturningErrorRollsBackAndRethrows(t *testing.T) {
	sc := NewSourceCache[string, int]()
	defer sc.Dispose()

	_, _, err := sc.Edit(func(u Updater[string, int]) error { u.AddOrUpdate("a", 1); return nil })
	require.NoError(t, err)

	boom := errors.New("boom")
	cs, counts, err := sc.Edit(func(u Updater[string, int]) error {
		u.AddOrUpdate("b", 2)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, cs)
	assert.Equal(t, EditCounts{}, counts, "a failed scope reports no counts: it never reached build")
	assert.Equal(t, 1, sc.Count(), "the failed edit must not be committed")
	_, ok := sc.Lookup("b")
	assert.False(t, ok)
}

func TestSourceCacheEditPanicIsRecoveredRolledBackAndRethrown(t *testing.T) {
	sc := NewSourceCache[string, int]()
	defer sc.Dispose()

	_, _, err := sc.Edit(func(u Updater[string, int]) error { u.AddOrUpdate("a", 1); return nil })
	require.NoError(t, err)

	cs, _, err := sc.Edit(func(u Updater[string, int]) error {
		u.AddOrUpdate("b", 2)
		panic("user callback exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user callback exploded")
	assert.Nil(t, cs)
	assert.Equal(t, 1, sc.Count(), "a panicking scope must roll back like a returned error")
}

func TestSourceCacheEditSinksErrorInsteadOfReturningItWhenConfigured(t *testing.T) {
	sc := NewSourceCache[string, int]()
	defer sc.Dispose()

	var sunk error
	sc.SetErrorSink(func(err error) { sunk = err })

	boom := errors.New("boom")
	_, _, err := sc.Edit(func(u Updater[string, int]) error { return boom })
	assert.NoError(t, err, "a configured sink receives the error instead of Edit returning it")
	assert.ErrorIs(t, sunk, boom)

	sc.SetErrorSink(nil)
	_, _, err = sc.Edit(func(u Updater[string, int]) error { return boom })
	assert.ErrorIs(t, err, boom, "clearing the sink restores the rethrow-to-caller default")
}
