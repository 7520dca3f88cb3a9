package operator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

type person struct {
	name string
	age  int
}

func TestTransformProjectsAddUpdateRemove(t *testing.T) {
	sc := cache.NewSourceCache[string, person]()
	defer sc.Dispose()

	stream := Transform[string, person, string](sc.Connect(context.Background()), func(_ string, p person) string { return p.name })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, string], 10)
	dispose := stream.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, string]]{
		OnNext: func(cs *change.ChangeSet[string, string]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, person]) error { u.AddOrUpdate("a", person{name: "Alice", age: 30}); return nil })
	require.NoError(t, err)
	cs := <-received
	assert.Equal(t, change.Add, cs.Items()[0].Reason)
	assert.Equal(t, "Alice", cs.Items()[0].Current)

	_, _, err = sc.Edit(func(u cache.Updater[string, person]) error { u.AddOrUpdate("a", person{name: "Alicia", age: 31}); return nil })
	require.NoError(t, err)
	cs = <-received
	assert.Equal(t, change.Update, cs.Items()[0].Reason)
	assert.Equal(t, "Alicia", cs.Items()[0].Current)
	assert.Equal(t, "Alice", cs.Items()[0].Previous.Value)

	_, _, err = sc.Edit(func(u cache.Updater[string, person]) error { u.Remove("a"); return nil })
	require.NoError(t, err)
	cs = <-received
	assert.Equal(t, change.Remove, cs.Items()[0].Reason)
	assert.Equal(t, "Alicia", cs.Items()[0].Current, "Remove carries the last projected value, not the source value")
}

func TestTransformRetransformTriggerRefreshesSelectedItems(t *testing.T) {
	sc := cache.NewSourceCache[string, person]()
	defer sc.Dispose()

	withGender := func(_ string, p person) string {
		if p.age <= 5 {
			return p.name + " (child)"
		}
		return p.name + " (adult)"
	}

	triggerCh := make(chan func(string, person) bool, 1)
	trigger := observable.FromChannel(func(ctx context.Context) (<-chan func(string, person) bool, <-chan error) {
		return triggerCh, make(chan error)
	})

	stream := Transform[string, person, string](sc.Connect(context.Background()), withGender, trigger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, string], 20)
	dispose := stream.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, string]]{
		OnNext: func(cs *change.ChangeSet[string, string]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, person]) error {
		for i := 1; i <= 10; i++ {
			name := "Name" + string(rune('0'+i%10))
			age := i
			u.AddOrUpdate(name, person{name: name, age: age})
		}
		return nil
	})
	require.NoError(t, err)

	first := <-received
	assert.Equal(t, 10, first.Len(), "the populate batch is the first emission")

	triggerCh <- func(_ string, p person) bool { return p.age <= 5 }

	second := <-received
	assert.Equal(t, 5, second.Len(), "only the five items matching the selector are re-emitted")
	for _, c := range second.Items() {
		assert.Equal(t, change.Update, c.Reason)
		assert.Contains(t, c.Current, "(child)")
	}
}

func TestTransformSafeSkipsFailingProjectionsAndReportsThem(t *testing.T) {
	sc := cache.NewSourceCache[string, int]()
	defer sc.Dispose()

	var reported []*CallbackError[string, int]
	boom := errors.New("boom")
	stream := TransformSafe[string, int, string](sc.Connect(context.Background()), func(_ string, v int) (string, error) {
		if v < 0 {
			return "", boom
		}
		return "ok", nil
	}, func(e *CallbackError[string, int]) { reported = append(reported, e) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, string], 10)
	dispose := stream.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, string]]{
		OnNext: func(cs *change.ChangeSet[string, string]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, int]) error {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", -1)
		return nil
	})
	require.NoError(t, err)

	cs := <-received
	assert.Equal(t, 1, cs.Len(), "the failing key is skipped, not emitted")
	assert.Equal(t, "a", cs.Items()[0].Key)
	require.Len(t, reported, 1)
	assert.Equal(t, "b", reported[0].Key)
	assert.ErrorIs(t, reported[0].Cause, boom)
}

func TestTransformManyExpandsParentIntoChildrenAndCleansUpOnRemove(t *testing.T) {
	type order struct {
		id    string
		items []string
	}
	type lineItem struct {
		key    string
		parent string
		name   string
	}

	sc := cache.NewSourceCache[string, order]()
	defer sc.Dispose()

	stream := TransformMany[string, order, string, lineItem](
		sc.Connect(context.Background()),
		func(parent string, o order) []lineItem {
			out := make([]lineItem, len(o.items))
			for i, name := range o.items {
				out[i] = lineItem{key: parent + ":" + name, parent: parent, name: name}
			}
			return out
		},
		func(li lineItem) string { return li.key },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, lineItem], 10)
	dispose := stream.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, lineItem]]{
		OnNext: func(cs *change.ChangeSet[string, lineItem]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, order]) error {
		u.AddOrUpdate("o1", order{id: "o1", items: []string{"widget", "gadget"}})
		return nil
	})
	require.NoError(t, err)
	cs := <-received
	assert.Equal(t, 2, cs.Adds())

	_, _, err = sc.Edit(func(u cache.Updater[string, order]) error { u.Remove("o1"); return nil })
	require.NoError(t, err)
	cs = <-received
	assert.Equal(t, 2, cs.Removes(), "removing the parent removes every child it owned")
}

func TestTransformToTreeLinksAndOrphansOnParentRemoval(t *testing.T) {
	type node struct {
		id     string
		parent string
	}

	sc := cache.NewSourceCache[string, node]()
	defer sc.Dispose()

	stream := TransformToTree[string, node](sc.Connect(context.Background()), func(n node) (string, bool) {
		if n.parent == "" {
			return "", false
		}
		return n.parent, true
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, *Node[string, node]], 10)
	dispose := stream.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, *Node[string, node]]]{
		OnNext: func(cs *change.ChangeSet[string, *Node[string, node]]) { received <- cs },
	})
	defer dispose()

	_, _, err := sc.Edit(func(u cache.Updater[string, node]) error {
		u.AddOrUpdate("root", node{id: "root"})
		u.AddOrUpdate("child", node{id: "child", parent: "root"})
		return nil
	})
	require.NoError(t, err)
	first := <-received
	require.Equal(t, 2, first.Adds())
	var rootNode, childNode *Node[string, node]
	for _, c := range first.Items() {
		if c.Key == "root" {
			rootNode = c.Current
		} else {
			childNode = c.Current
		}
	}
	assert.Equal(t, []string{"child"}, rootNode.ChildKeys)
	assert.True(t, childNode.ParentKey.HasValue)

	_, _, err = sc.Edit(func(u cache.Updater[string, node]) error { u.Remove("root"); return nil })
	require.NoError(t, err)
	removed := <-received
	require.Equal(t, 1, removed.Len())
	assert.Equal(t, change.Remove, removed.Items()[0].Reason)
	assert.False(t, childNode.ParentKey.HasValue, "the orphaned child becomes a root")
}
