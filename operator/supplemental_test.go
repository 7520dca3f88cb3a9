package operator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

func TestChangeKeyRemapsEveryChangeToTheNewKeySpace(t *testing.T) {
	sc := cache.NewSourceCache[int, string]()
	defer sc.Dispose()

	rekeyed := ChangeKey[int, string, string](sc.Connect(context.Background()), func(v string) string { return "k-" + v })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, string], 10)
	dispose := rekeyed.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, string]]{
		OnNext: func(cs *change.ChangeSet[string, string]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[int, string]) error { u.AddOrUpdate(1, "a"); return nil })
	require.NoError(t, err)

	cs := <-received
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, "k-a", cs.Items()[0].Key)
}

func TestIgnoreUpdateWhenDropsOnlyMatchingUpdates(t *testing.T) {
	sc := cache.NewSourceCache[string, int]()
	defer sc.Dispose()

	filtered := IgnoreUpdateWhen[string, int](sc.Connect(context.Background()), func(prev, cur int) bool { return prev == cur })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, int], 10)
	dispose := filtered.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, int]]{
		OnNext: func(cs *change.ChangeSet[string, int]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, int]) error { u.AddOrUpdate("a", 1); return nil })
	require.NoError(t, err)
	<-received

	_, _, err = sc.Edit(func(u cache.Updater[string, int]) error { u.AddOrUpdate("a", 1); return nil })
	require.NoError(t, err)

	select {
	case cs := <-received:
		t.Fatalf("no-op update should have been dropped, got %v", cs.Items())
	default:
	}

	_, _, err = sc.Edit(func(u cache.Updater[string, int]) error { u.AddOrUpdate("a", 2); return nil })
	require.NoError(t, err)
	cs := <-received
	assert.Equal(t, 2, cs.Items()[0].Current)
}

func TestWhereReasonsAreKeepsOnlyAllowedReasons(t *testing.T) {
	sc := cache.NewSourceCache[string, int]()
	defer sc.Dispose()

	onlyRemoves := WhereReasonsAre[string, int](sc.Connect(context.Background()), change.Remove)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, int], 10)
	dispose := onlyRemoves.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, int]]{
		OnNext: func(cs *change.ChangeSet[string, int]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, int]) error { u.AddOrUpdate("a", 1); return nil })
	require.NoError(t, err)

	select {
	case cs := <-received:
		t.Fatalf("Add should have been filtered out, got %v", cs.Items())
	default:
	}

	_, _, err = sc.Edit(func(u cache.Updater[string, int]) error { u.Remove("a"); return nil })
	require.NoError(t, err)
	cs := <-received
	assert.Equal(t, change.Remove, cs.Items()[0].Reason)
}
