// Command reactivedemo is a small, terminal-facing demonstration of
// the reactive collection engine: it drives a SourceCache of sample
// players through expire -> filter -> sort -> page -> bind, plus a
// separate filter -> group branch that is logged, and prints the
// resulting ordered window every time it changes. Grounded on
// nodestorage/v2/example and nodestorage/v2/example/guild_territory's
// cmd/main.go, which play the same "wire up the library, run a
// canned scenario, log the result" role for their own package.
package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nodestorage/reactive/binding"
	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/internal/corelog"
	"github.com/nodestorage/reactive/observable"
	"github.com/nodestorage/reactive/operator"
	"github.com/nodestorage/reactive/scheduler"
)

// Player is the sample domain type this demo's pipeline operates
// over.
type Player struct {
	Name  string
	Team  string
	Score int
}

// consoleBuffer is a minimal binding.OrderedBuffer that prints the
// window it holds on every edit, standing in for a real UI list.
type consoleBuffer struct {
	items []Player
}

func (b *consoleBuffer) Insert(index int, value Player) {
	b.items = append(b.items, Player{})
	copy(b.items[index+1:], b.items[index:])
	b.items[index] = value
	b.render()
}

func (b *consoleBuffer) RemoveAt(index int) {
	b.items = append(b.items[:index], b.items[index+1:]...)
	b.render()
}

func (b *consoleBuffer) Set(index int, value Player) {
	b.items[index] = value
	b.render()
}

func (b *consoleBuffer) Move(from, to int) {
	v := b.items[from]
	b.items = append(b.items[:from], b.items[from+1:]...)
	b.items = append(b.items[:to], append([]Player{v}, b.items[to:]...)...)
	b.render()
}

func (b *consoleBuffer) Clear() {
	b.items = nil
	b.render()
}

func (b *consoleBuffer) render() {
	fmt.Println("--- leaderboard window ---")
	for i, p := range b.items {
		fmt.Printf("%2d. %-10s %-8s %d\n", i+1, p.Name, p.Team, p.Score)
	}
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Println("reactivedemo: config error:", err)
		return
	}
	if err := corelog.Configure(cfg.LogDevelopment, cfg.LogLevel); err != nil {
		fmt.Println("reactivedemo: logger config error:", err)
		return
	}
	corelog.Info("starting reactivedemo", zap.Int("page_size", cfg.PageSize), zap.Duration("expire_after", cfg.ExpireAfter))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := cache.NewSourceCache[string, Player]()
	defer source.Dispose()

	sched := scheduler.NewVirtual(time.Time{})
	aged := operator.ExpireAfter[string, Player](source.Connect(ctx), func(Player) time.Duration { return cfg.ExpireAfter }, time.Minute, sched)

	active := operator.Filter[string, Player](aged, func(_ string, p Player) bool { return p.Score > 0 })

	byScoreDesc := func(a, b Player) int { return b.Score - a.Score }
	sorted := operator.Sort[string, Player](active, byScoreDesc, operator.DefaultSortOptions())

	grouped := operator.Group[string, Player, string](active, func(p Player) string { return p.Team })

	paged := operator.Page[string, Player](sorted, 1, cfg.PageSize)
	flattened := flattenPaged(paged)

	buf := &consoleBuffer{}
	adaptor := binding.NewSortedObservableCollectionAdaptor[string, Player](buf, 50)
	disposeBinding := adaptor.Connect(ctx, flattened)
	defer disposeBinding()

	disposeGroups := grouped.Subscribe(ctx, observable.Observer[*operator.GroupChangeSet[string, string, Player]]{
		OnNext: func(cs *operator.GroupChangeSet[string, string, Player]) {
			for _, c := range cs.Items() {
				corelog.Info("team roster changed", zap.String("team", c.Key), zap.String("reason", c.Reason.String()))
			}
		},
	})
	defer disposeGroups()

	seed(source)
}

func flattenPaged(paged observable.Observable[*change.PagedChangeSet[string, Player]]) observable.Observable[*change.SortedChangeSet[string, Player]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.SortedChangeSet[string, Player]]) observable.Disposer {
		return paged.Subscribe(ctx, observable.Observer[*change.PagedChangeSet[string, Player]]{
			OnNext: func(pcs *change.PagedChangeSet[string, Player]) {
				if obs.OnNext != nil {
					obs.OnNext(pcs.SortedChangeSet)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}

func seed(source *cache.SourceCache[string, Player]) {
	_, _, err := source.Edit(func(u cache.Updater[string, Player]) error {
		u.AddOrUpdate("alice", Player{Name: "Alice", Team: "red", Score: 42})
		u.AddOrUpdate("bob", Player{Name: "Bob", Team: "blue", Score: 31})
		u.AddOrUpdate("carol", Player{Name: "Carol", Team: "red", Score: 55})
		u.AddOrUpdate("dave", Player{Name: "Dave", Team: "blue", Score: 0})
		return nil
	})
	if err != nil {
		corelog.Error("seed edit failed", zap.Error(err))
	}
}
