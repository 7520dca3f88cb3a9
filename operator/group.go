package operator

import (
	"context"
	"sync"

	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// groupCache is the live, per-group ObservableCache a ManagedGroup
// exposes. It has no Edit scope of its own — every mutation arrives
// pre-decided from the Group/GroupController that owns it — so it
// publishes synchronously through syncBroadcast rather than through
// the channel-buffered broadcaster SourceCache uses.
type groupCache[K comparable, V any] struct {
	mu       sync.RWMutex
	items    *cache.Cache[K, V]
	changes  *syncBroadcast[*change.ChangeSet[K, V]]
	counts   *syncBroadcast[int]
	watchers map[K]*syncBroadcast[change.Change[K, V]]
}

func newGroupCache[K comparable, V any]() *groupCache[K, V] {
	return &groupCache[K, V]{
		items:    cache.New[K, V](),
		changes:  newSyncBroadcast[*change.ChangeSet[K, V]](),
		counts:   newSyncBroadcast[int](),
		watchers: make(map[K]*syncBroadcast[change.Change[K, V]]),
	}
}

func (g *groupCache[K, V]) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.items.Len()
}

func (g *groupCache[K, V]) Lookup(key K) (V, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.items.Get(key)
}

func (g *groupCache[K, V]) Items() []V {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.items.Values()
}

func (g *groupCache[K, V]) KeyValues() map[K]V {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.items.Snapshot()
}

func (g *groupCache[K, V]) Connect(ctx context.Context, optionalFilter ...func(K, V) bool) observable.Observable[*change.ChangeSet[K, V]] {
	var filter func(K, V) bool
	if len(optionalFilter) > 0 {
		filter = optionalFilter[0]
	}

	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, V]]) observable.Disposer {
		g.mu.RLock()
		snapshot := g.items.Snapshot()
		g.mu.RUnlock()

		if bootstrap := bootstrapFiltered(snapshot, filter); bootstrap != nil {
			obs.OnNext(bootstrap)
		}

		return g.changes.Subscribe(observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				if filtered := filterWithPredicate(cs, filter); filtered != nil {
					obs.OnNext(filtered)
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}

func (g *groupCache[K, V]) Watch(ctx context.Context, key K) observable.Observable[change.Change[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[change.Change[K, V]]) observable.Disposer {
		g.mu.Lock()
		b, ok := g.watchers[key]
		if !ok {
			b = newSyncBroadcast[change.Change[K, V]]()
			g.watchers[key] = b
		}
		g.mu.Unlock()

		if v, ok := g.Lookup(key); ok {
			obs.OnNext(change.NewAdd(key, v))
		}
		return b.Subscribe(obs)
	})
}

func (g *groupCache[K, V]) CountChanged(ctx context.Context) observable.Observable[int] {
	return observable.New(func(ctx context.Context, obs observable.Observer[int]) observable.Disposer {
		obs.OnNext(g.Count())
		return g.counts.Subscribe(obs)
	})
}

// apply commits one change into the group and fans it out to every
// connected consumer: the group's own change stream, its count
// stream, and any live per-key watcher.
func (g *groupCache[K, V]) apply(c change.Change[K, V]) {
	g.mu.Lock()
	switch c.Reason {
	case change.Add, change.Update, change.Refresh:
		g.items.Set(c.Key, c.Current)
	case change.Remove:
		g.items.Delete(c.Key)
	}
	watcher := g.watchers[c.Key]
	g.mu.Unlock()

	out := change.NewChangeSet[K, V](1)
	out.Add(c)
	g.changes.Publish(out)
	g.counts.Publish(g.Count())
	if watcher != nil {
		watcher.Publish(c)
	}
}

func bootstrapFiltered[K comparable, V any](snapshot map[K]V, filter func(K, V) bool) *change.ChangeSet[K, V] {
	if len(snapshot) == 0 {
		return nil
	}
	cs := change.NewChangeSet[K, V](len(snapshot))
	for k, v := range snapshot {
		if filter != nil && !filter(k, v) {
			continue
		}
		cs.Add(change.NewAdd(k, v))
	}
	if cs.IsEmpty() {
		return nil
	}
	return cs
}

func filterWithPredicate[K comparable, V any](cs *change.ChangeSet[K, V], filter func(K, V) bool) *change.ChangeSet[K, V] {
	if filter == nil {
		return cs
	}
	out := change.NewChangeSet[K, V](cs.Len())
	for _, c := range cs.Items() {
		if filter(c.Key, c.Current) {
			out.Add(c)
		}
	}
	if out.IsEmpty() {
		return nil
	}
	return out
}

var _ cache.ObservableCache[int, int] = (*groupCache[int, int])(nil)

// ManagedGroup is one live group produced by Group: Key is the
// group's identity and Cache exposes every member currently assigned
// to it. The cache stays live for the group's whole lifetime — from
// the moment it first gains a member to the moment it loses its last
// one.
type ManagedGroup[G comparable, K comparable, V any] struct {
	Key   G
	cache *groupCache[K, V]
}

// Cache returns the group's live member set.
func (mg *ManagedGroup[G, K, V]) Cache() cache.ObservableCache[K, V] { return mg.cache }

// GroupChangeSet reports which groups were created or destroyed.
// Membership changes within a still-live group never appear here —
// they flow through that group's own Cache().Connect instead.
type GroupChangeSet[G comparable, K comparable, V any] struct {
	*change.ChangeSet[G, *ManagedGroup[G, K, V]]
}

func newGroupChangeSet[G comparable, K comparable, V any](cs *change.ChangeSet[G, *ManagedGroup[G, K, V]]) *GroupChangeSet[G, K, V] {
	return &GroupChangeSet[G, K, V]{ChangeSet: cs}
}

// Group partitions source by groupSelector(value). A group's cache
// comes into existence on its first member's Add and is torn out of
// the top-level set the instant its last member leaves; everything
// in between is delivered through that group's own live cache rather
// than through the returned GroupChangeSet.
func Group[K comparable, V any, G comparable](
	source observable.Observable[*change.ChangeSet[K, V]],
	groupSelector func(V) G,
) observable.Observable[*GroupChangeSet[G, K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*GroupChangeSet[G, K, V]]) observable.Disposer {
		groups := make(map[G]*ManagedGroup[G, K, V])
		keyToGroup := make(map[K]G)

		ensureGroup := func(out *change.ChangeSet[G, *ManagedGroup[G, K, V]], g G) *ManagedGroup[G, K, V] {
			mg, ok := groups[g]
			if !ok {
				mg = &ManagedGroup[G, K, V]{Key: g, cache: newGroupCache[K, V]()}
				groups[g] = mg
				out.Add(change.NewAdd(g, mg))
			}
			return mg
		}

		dropIfEmpty := func(out *change.ChangeSet[G, *ManagedGroup[G, K, V]], g G) {
			mg, ok := groups[g]
			if !ok || mg.cache.Count() > 0 {
				return
			}
			delete(groups, g)
			out.Add(change.NewRemove(g, mg))
		}

		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				withRecover("Group", obs.OnError, func() {
					out := change.NewChangeSet[G, *ManagedGroup[G, K, V]](cs.Len())

					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add:
							g := groupSelector(c.Current)
							keyToGroup[c.Key] = g
							ensureGroup(out, g).cache.apply(c)

						case change.Update:
							oldG, hadOld := keyToGroup[c.Key]
							newG := groupSelector(c.Current)
							if hadOld && oldG == newG {
								groups[newG].cache.apply(c)
								continue
							}
							if hadOld {
								if old, ok := groups[oldG]; ok {
									if prevVal, existed := old.cache.Lookup(c.Key); existed {
										old.cache.apply(change.NewRemove(c.Key, prevVal))
									}
									dropIfEmpty(out, oldG)
								}
							}
							keyToGroup[c.Key] = newG
							ensureGroup(out, newG).cache.apply(change.NewAdd(c.Key, c.Current))

						case change.Remove:
							g, ok := keyToGroup[c.Key]
							if !ok {
								continue
							}
							delete(keyToGroup, c.Key)
							if mg, ok := groups[g]; ok {
								mg.cache.apply(c)
								dropIfEmpty(out, g)
							}

						case change.Refresh:
							if g, ok := keyToGroup[c.Key]; ok {
								if mg, ok := groups[g]; ok {
									mg.cache.apply(c)
								}
							}
						}
					}

					if !out.IsEmpty() {
						obs.OnNext(newGroupChangeSet(out))
					}
				})
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}

// ImmutableGroup is one group snapshot produced by
// GroupWithImmutableState: Items is a copy taken at emission time,
// never mutated afterward.
type ImmutableGroup[G comparable, K comparable, V any] struct {
	Key   G
	Items map[K]V
}

// GroupWithImmutableState partitions source like Group, but instead
// of a live per-group cache it emits a fresh snapshot of a group's
// full membership every time that group is affected: an Add the
// first time a group gains a member, an Update carrying the new
// snapshot on every subsequent touch, and a Remove carrying the last
// snapshot's key when a group's membership drops to zero.
func GroupWithImmutableState[K comparable, V any, G comparable](
	source observable.Observable[*change.ChangeSet[K, V]],
	groupSelector func(V) G,
) observable.Observable[*change.ChangeSet[G, *ImmutableGroup[G, K, V]]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[G, *ImmutableGroup[G, K, V]]]) observable.Disposer {
		members := make(map[G]map[K]V)
		keyToGroup := make(map[K]G)

		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				withRecover("GroupWithImmutableState", obs.OnError, func() {
					existedBefore := make(map[G]bool, len(members))
					for g := range members {
						existedBefore[g] = true
					}

					affected := make(map[G]struct{})

					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add:
							g := groupSelector(c.Current)
							keyToGroup[c.Key] = g
							if members[g] == nil {
								members[g] = make(map[K]V)
							}
							members[g][c.Key] = c.Current
							affected[g] = struct{}{}

						case change.Update:
							oldG, hadOld := keyToGroup[c.Key]
							newG := groupSelector(c.Current)
							if hadOld && oldG != newG {
								delete(members[oldG], c.Key)
								if len(members[oldG]) == 0 {
									delete(members, oldG)
								}
								affected[oldG] = struct{}{}
							}
							keyToGroup[c.Key] = newG
							if members[newG] == nil {
								members[newG] = make(map[K]V)
							}
							members[newG][c.Key] = c.Current
							affected[newG] = struct{}{}

						case change.Remove:
							g, ok := keyToGroup[c.Key]
							if !ok {
								continue
							}
							delete(keyToGroup, c.Key)
							delete(members[g], c.Key)
							if len(members[g]) == 0 {
								delete(members, g)
							}
							affected[g] = struct{}{}

						case change.Refresh:
							if g, ok := keyToGroup[c.Key]; ok {
								if members[g] != nil {
									members[g][c.Key] = c.Current
								}
								affected[g] = struct{}{}
							}
						}
					}

					if len(affected) == 0 {
						return
					}

					out := change.NewChangeSet[G, *ImmutableGroup[G, K, V]](len(affected))
					for g := range affected {
						items, stillExists := members[g]
						if !stillExists {
							out.Add(change.NewRemove(g, &ImmutableGroup[G, K, V]{Key: g}))
							continue
						}
						snapshot := make(map[K]V, len(items))
						for k, v := range items {
							snapshot[k] = v
						}
						next := &ImmutableGroup[G, K, V]{Key: g, Items: snapshot}
						if existedBefore[g] {
							out.Add(change.NewUpdate(g, next, &ImmutableGroup[G, K, V]{Key: g}))
						} else {
							out.Add(change.NewAdd(g, next))
						}
					}
					obs.OnNext(out)
				})
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}

// GroupController drives a dynamic group-by: besides forwarding
// upstream changes like Group, it supports Regroup, which forces
// groupSelector to be reevaluated for every item currently held —
// for callers whose grouping key depends on external state the
// selector reads rather than on the item itself.
type GroupController[K comparable, V any, G comparable] struct {
	mu            sync.Mutex
	all           *cache.Cache[K, V]
	groupSelector func(V) G
	groups        map[G]*ManagedGroup[G, K, V]
	keyToGroup    map[K]G
	sink          *syncBroadcast[*GroupChangeSet[G, K, V]]
}

// NewGroupController builds a dynamic group-by controller.
func NewGroupController[K comparable, V any, G comparable](groupSelector func(V) G) *GroupController[K, V, G] {
	return &GroupController[K, V, G]{
		all:           cache.New[K, V](),
		groupSelector: groupSelector,
		groups:        make(map[G]*ManagedGroup[G, K, V]),
		keyToGroup:    make(map[K]G),
		sink:          newSyncBroadcast[*GroupChangeSet[G, K, V]](),
	}
}

// Connect wires source's changes into the controller and returns the
// resulting, regroupable stream of group creation/destruction events.
func (gc *GroupController[K, V, G]) Connect(source observable.Observable[*change.ChangeSet[K, V]]) observable.Observable[*GroupChangeSet[G, K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*GroupChangeSet[G, K, V]]) observable.Disposer {
		forward := gc.sink.Subscribe(obs)

		upstream := source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				var out *change.ChangeSet[G, *ManagedGroup[G, K, V]]
				withRecover("GroupController", obs.OnError, func() {
					gc.mu.Lock()
					defer gc.mu.Unlock()
					out = change.NewChangeSet[G, *ManagedGroup[G, K, V]](cs.Len())
					for _, c := range cs.Items() {
						gc.applyLocked(out, c)
					}
				})
				if out != nil && !out.IsEmpty() {
					gc.sink.Publish(newGroupChangeSet(out))
				}
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})

		return func() {
			upstream()
			forward()
		}
	})
}

func (gc *GroupController[K, V, G]) applyLocked(out *change.ChangeSet[G, *ManagedGroup[G, K, V]], c change.Change[K, V]) {
	switch c.Reason {
	case change.Add:
		gc.all.Set(c.Key, c.Current)
		g := gc.groupSelector(c.Current)
		gc.keyToGroup[c.Key] = g
		gc.ensureGroupLocked(out, g).cache.apply(c)

	case change.Update:
		gc.all.Set(c.Key, c.Current)
		gc.moveIfNeededLocked(out, c.Key, c)

	case change.Remove:
		gc.all.Delete(c.Key)
		g, ok := gc.keyToGroup[c.Key]
		if !ok {
			return
		}
		delete(gc.keyToGroup, c.Key)
		if mg, ok := gc.groups[g]; ok {
			mg.cache.apply(c)
			gc.dropIfEmptyLocked(out, g)
		}

	case change.Refresh:
		if g, ok := gc.keyToGroup[c.Key]; ok {
			if mg, ok := gc.groups[g]; ok {
				mg.cache.apply(c)
			}
		}
	}
}

func (gc *GroupController[K, V, G]) ensureGroupLocked(out *change.ChangeSet[G, *ManagedGroup[G, K, V]], g G) *ManagedGroup[G, K, V] {
	mg, ok := gc.groups[g]
	if !ok {
		mg = &ManagedGroup[G, K, V]{Key: g, cache: newGroupCache[K, V]()}
		gc.groups[g] = mg
		out.Add(change.NewAdd(g, mg))
	}
	return mg
}

func (gc *GroupController[K, V, G]) dropIfEmptyLocked(out *change.ChangeSet[G, *ManagedGroup[G, K, V]], g G) {
	mg, ok := gc.groups[g]
	if !ok || mg.cache.Count() > 0 {
		return
	}
	delete(gc.groups, g)
	out.Add(change.NewRemove(g, mg))
}

func (gc *GroupController[K, V, G]) moveIfNeededLocked(out *change.ChangeSet[G, *ManagedGroup[G, K, V]], key K, c change.Change[K, V]) {
	oldG, hadOld := gc.keyToGroup[key]
	newG := gc.groupSelector(c.Current)
	if hadOld && oldG == newG {
		gc.groups[newG].cache.apply(c)
		return
	}
	if hadOld {
		if old, ok := gc.groups[oldG]; ok {
			if prevVal, existed := old.cache.Lookup(key); existed {
				old.cache.apply(change.NewRemove(key, prevVal))
			}
			gc.dropIfEmptyLocked(out, oldG)
		}
	}
	gc.keyToGroup[key] = newG
	gc.ensureGroupLocked(out, newG).cache.apply(change.NewAdd(key, c.Current))
}

// Regroup reevaluates groupSelector for every item currently held,
// moving each one whose group changed. Items whose group is
// unchanged produce no output.
func (gc *GroupController[K, V, G]) Regroup() {
	var out *change.ChangeSet[G, *ManagedGroup[G, K, V]]
	withRecover("GroupController.Regroup", nil, func() {
		gc.mu.Lock()
		defer gc.mu.Unlock()
		out = change.NewChangeSet[G, *ManagedGroup[G, K, V]](gc.all.Len())
		gc.all.ForEach(func(key K, value V) {
			gc.moveIfNeededLocked(out, key, change.NewUpdate(key, value, value))
		})
	})
	if out != nil && !out.IsEmpty() {
		gc.sink.Publish(newGroupChangeSet(out))
	}
}
