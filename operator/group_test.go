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

type widget struct {
	id       string
	category string
	price    int
}

func byCategory(w widget) string { return w.category }

func TestGroupCreatesGroupOnFirstMemberAndTearsDownOnLast(t *testing.T) {
	sc := cache.NewSourceCache[string, widget]()
	defer sc.Dispose()

	grouped := Group[string, widget, string](sc.Connect(context.Background()), byCategory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *GroupChangeSet[string, string, widget], 10)
	dispose := grouped.Subscribe(ctx, observable.Observer[*GroupChangeSet[string, string, widget]]{
		OnNext: func(cs *GroupChangeSet[string, string, widget]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, widget]) error {
		u.AddOrUpdate("a", widget{id: "a", category: "fruit", price: 1})
		return nil
	})
	require.NoError(t, err)

	cs := <-received
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, change.Add, cs.Items()[0].Reason)
	group := cs.Items()[0].Current
	assert.Equal(t, "fruit", group.Key)
	assert.Equal(t, 1, group.Cache().Count())

	_, _, err = sc.Edit(func(u cache.Updater[string, widget]) error { u.Remove("a"); return nil })
	require.NoError(t, err)

	cs = <-received
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, change.Remove, cs.Items()[0].Reason)
}

func TestGroupMoveAcrossGroupsOnRegroupingUpdate(t *testing.T) {
	sc := cache.NewSourceCache[string, widget]()
	defer sc.Dispose()

	grouped := Group[string, widget, string](sc.Connect(context.Background()), byCategory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *GroupChangeSet[string, string, widget], 10)
	dispose := grouped.Subscribe(ctx, observable.Observer[*GroupChangeSet[string, string, widget]]{
		OnNext: func(cs *GroupChangeSet[string, string, widget]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, widget]) error {
		u.AddOrUpdate("a", widget{id: "a", category: "fruit", price: 1})
		return nil
	})
	require.NoError(t, err)
	fruitGroup := (<-received).Items()[0].Current

	_, _, err = sc.Edit(func(u cache.Updater[string, widget]) error {
		u.AddOrUpdate("a", widget{id: "a", category: "veg", price: 2})
		return nil
	})
	require.NoError(t, err)

	cs := <-received
	require.Equal(t, 2, cs.Len(), "old group removed and new group created in the same emission")
	assert.Equal(t, 0, fruitGroup.Cache().Count(), "item left the fruit group")

	var vegGroup *ManagedGroup[string, string, widget]
	for _, c := range cs.Items() {
		if c.Reason == change.Add {
			vegGroup = c.Current
		}
	}
	require.NotNil(t, vegGroup)
	assert.Equal(t, 1, vegGroup.Cache().Count())
}

func TestGroupWithImmutableStateEmitsFreshSnapshotPerTouch(t *testing.T) {
	sc := cache.NewSourceCache[string, widget]()
	defer sc.Dispose()

	grouped := GroupWithImmutableState[string, widget, string](sc.Connect(context.Background()), byCategory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, *ImmutableGroup[string, string, widget]], 10)
	dispose := grouped.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, *ImmutableGroup[string, string, widget]]]{
		OnNext: func(cs *change.ChangeSet[string, *ImmutableGroup[string, string, widget]]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, widget]) error {
		u.AddOrUpdate("a", widget{id: "a", category: "fruit", price: 1})
		return nil
	})
	require.NoError(t, err)

	cs := <-received
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, change.Add, cs.Items()[0].Reason)
	assert.Len(t, cs.Items()[0].Current.Items, 1)

	_, _, err = sc.Edit(func(u cache.Updater[string, widget]) error {
		u.AddOrUpdate("b", widget{id: "b", category: "fruit", price: 2})
		return nil
	})
	require.NoError(t, err)

	cs = <-received
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, change.Update, cs.Items()[0].Reason, "a second member of an existing group is an Update, not a new Add")
	assert.Len(t, cs.Items()[0].Current.Items, 2)
}

func TestGroupControllerRegroupMovesOnlyAffectedItems(t *testing.T) {
	sc := cache.NewSourceCache[string, widget]()
	defer sc.Dispose()

	threshold := 5
	gc := NewGroupController[string, widget, string](func(w widget) string {
		if w.price >= threshold {
			return "expensive"
		}
		return "cheap"
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *GroupChangeSet[string, string, widget], 10)
	dispose := gc.Connect(sc.Connect(context.Background())).Subscribe(ctx, observable.Observer[*GroupChangeSet[string, string, widget]]{
		OnNext: func(cs *GroupChangeSet[string, string, widget]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, widget]) error {
		u.AddOrUpdate("a", widget{id: "a", price: 1})
		u.AddOrUpdate("b", widget{id: "b", price: 2})
		return nil
	})
	require.NoError(t, err)
	<-received

	threshold = 0
	gc.Regroup()

	cs := <-received
	assert.Equal(t, 1, cs.Removes(), "the now-empty cheap group was torn down")
	assert.Equal(t, 1, cs.Adds(), "one expensive group created")
}
