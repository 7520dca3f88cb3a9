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

type relative struct {
	name   string
	parent string
}

func TestInnerJoinEmitsOnlyWhenBothSidesPresent(t *testing.T) {
	left := cache.NewSourceCache[string, string]()
	defer left.Dispose()
	right := cache.NewSourceCache[string, relative]()
	defer right.Dispose()

	keyOnRight := func(p relative) string { return p.parent }
	joined := InnerJoin[string, string, string, relative, string](
		left.Connect(context.Background()),
		right.Connect(context.Background()),
		keyOnRight,
		func(k string, l change.Optional[string], r change.Optional[relative]) string {
			return l.Value + "/" + r.Value.name
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, string], 10)
	dispose := joined.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, string]]{
		OnNext: func(cs *change.ChangeSet[string, string]) { received <- cs },
	})
	defer dispose()

	_, _, err := left.Edit(func(u cache.Updater[string, string]) error { u.AddOrUpdate("alice", "Alice"); return nil })
	require.NoError(t, err)

	select {
	case cs := <-received:
		t.Fatalf("should not emit without a right-side match, got %v", cs.Items())
	default:
	}

	_, _, err = right.Edit(func(u cache.Updater[string, relative]) error {
		u.AddOrUpdate("bob", relative{name: "Bob", parent: "alice"})
		return nil
	})
	require.NoError(t, err)

	cs := <-received
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, "Alice/Bob", cs.Items()[0].Current)
	assert.Equal(t, change.Add, cs.Items()[0].Reason)
}

func TestRightJoinManyGroupsChildrenUnderParent(t *testing.T) {
	left := cache.NewSourceCache[string, string]()
	defer left.Dispose()
	right := cache.NewSourceCache[string, relative]()
	defer right.Dispose()

	keyOnRight := func(p relative) string { return p.parent }
	joined := RightJoinMany[string, string, string, relative, int](
		left.Connect(context.Background()),
		right.Connect(context.Background()),
		keyOnRight,
		func(k string, l change.Optional[string], group map[string]relative) int {
			return len(group)
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *change.ChangeSet[string, int], 10)
	dispose := joined.Subscribe(ctx, observable.Observer[*change.ChangeSet[string, int]]{
		OnNext: func(cs *change.ChangeSet[string, int]) { received <- cs },
	})
	defer dispose()

	_, _, err := left.Edit(func(u cache.Updater[string, string]) error { u.AddOrUpdate("alice", "Alice"); return nil })
	require.NoError(t, err)

	select {
	case <-received:
		t.Fatal("right-join-many should not emit for a left key with no right group yet")
	default:
	}

	_, _, err = right.Edit(func(u cache.Updater[string, relative]) error {
		u.AddOrUpdate("bob", relative{name: "Bob", parent: "alice"})
		u.AddOrUpdate("carol", relative{name: "Carol", parent: "alice"})
		return nil
	})
	require.NoError(t, err)

	cs := <-received
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, 2, cs.Items()[0].Current)
}
