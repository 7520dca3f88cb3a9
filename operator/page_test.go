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

func TestPageClampsToTotalPagesAndSlicesWindow(t *testing.T) {
	sc := cache.NewSourceCache[string, int]()
	defer sc.Dispose()

	sorted := Sort[string, int](sc.Connect(context.Background()), intCmp, DefaultSortOptions())
	paged := Page[string, int](sorted, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.PagedChangeSet[string, int], 10)
	dispose := paged.Subscribe(ctx, observable.Observer[*change.PagedChangeSet[string, int]]{
		OnNext: func(cs *change.PagedChangeSet[string, int]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, int]) error {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
		u.AddOrUpdate("c", 3)
		return nil
	})
	require.NoError(t, err)

	cs := <-received
	assert.Equal(t, 1, cs.Response.Page)
	assert.Equal(t, 2, cs.Response.TotalPages)
	assert.Equal(t, 3, cs.Response.TotalCount)
	require.Len(t, cs.SortedItems, 2)
	assert.Equal(t, "a", cs.SortedItems[0].Key)
	assert.Equal(t, "b", cs.SortedItems[1].Key)
}

func TestPageRejectsNegativeParameters(t *testing.T) {
	sc := cache.NewSourceCache[string, int]()
	defer sc.Dispose()

	sorted := Sort[string, int](sc.Connect(context.Background()), intCmp, DefaultSortOptions())
	paged := Page[string, int](sorted, -1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	dispose := paged.Subscribe(ctx, observable.Observer[*change.PagedChangeSet[string, int]]{
		OnError: func(err error) { errCh <- err },
	})
	defer dispose()

	err := <-errCh
	assert.ErrorIs(t, err, ErrNegativeWindow)
}

func TestPageControllerEmitsDeltaOnSetPage(t *testing.T) {
	sc := cache.NewSourceCache[string, int]()
	defer sc.Dispose()

	sorted := Sort[string, int](sc.Connect(context.Background()), intCmp, DefaultSortOptions())
	pc := NewPageController[string, int](1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.PagedChangeSet[string, int], 10)
	dispose := pc.Connect(sorted).Subscribe(ctx, observable.Observer[*change.PagedChangeSet[string, int]]{
		OnNext: func(cs *change.PagedChangeSet[string, int]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, int]) error {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
		u.AddOrUpdate("c", 3)
		return nil
	})
	require.NoError(t, err)
	<-received

	pc.SetPage(2, 2)
	cs := <-received

	require.Len(t, cs.SortedItems, 1)
	assert.Equal(t, "c", cs.SortedItems[0].Key)
	assert.Equal(t, 2, cs.Removes(), "both page-1 items left the window")
	assert.Equal(t, 1, cs.Adds(), "the single page-2 item entered the window")
}

func TestVirtualiseSlicesFreeFloatingWindow(t *testing.T) {
	sc := cache.NewSourceCache[string, int]()
	defer sc.Dispose()

	sorted := Sort[string, int](sc.Connect(context.Background()), intCmp, DefaultSortOptions())
	virtual := Virtualise[string, int](sorted, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.VirtualChangeSet[string, int], 10)
	dispose := virtual.Subscribe(ctx, observable.Observer[*change.VirtualChangeSet[string, int]]{
		OnNext: func(cs *change.VirtualChangeSet[string, int]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, int]) error {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
		u.AddOrUpdate("c", 3)
		u.AddOrUpdate("d", 4)
		return nil
	})
	require.NoError(t, err)

	cs := <-received
	assert.Equal(t, 1, cs.Response.StartIndex)
	require.Len(t, cs.SortedItems, 2)
	assert.Equal(t, "b", cs.SortedItems[0].Key)
	assert.Equal(t, "c", cs.SortedItems[1].Key)
}

func TestTopPinsStartIndexToZero(t *testing.T) {
	sc := cache.NewSourceCache[string, int]()
	defer sc.Dispose()

	sorted := Sort[string, int](sc.Connect(context.Background()), intCmp, DefaultSortOptions())
	top := Top[string, int](sorted, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.VirtualChangeSet[string, int], 10)
	dispose := top.Subscribe(ctx, observable.Observer[*change.VirtualChangeSet[string, int]]{
		OnNext: func(cs *change.VirtualChangeSet[string, int]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, int]) error {
		u.AddOrUpdate("b", 2)
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("c", 3)
		return nil
	})
	require.NoError(t, err)

	cs := <-received
	assert.Equal(t, 0, cs.Response.StartIndex)
	require.Len(t, cs.SortedItems, 2)
	assert.Equal(t, "a", cs.SortedItems[0].Key)
	assert.Equal(t, "b", cs.SortedItems[1].Key)
}
