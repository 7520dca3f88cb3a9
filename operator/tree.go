package operator

import (
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"

	"context"

	"github.com/nodestorage/reactive/cache"
)

// Node is one entry in the arena TransformToTree builds: parent/child
// relationships are key references into the arena, never direct
// object pointers, so reparenting a node never creates the object
// cycles a direct parent/child object graph would.
type Node[K comparable, V any] struct {
	Key       K
	Value     V
	ParentKey change.Optional[K]
	ChildKeys []K
}

// TransformToTree builds and maintains a Node arena from a flat
// change set, given a function that extracts each value's parent key
// (ok=false for a root). A parent's removal orphans its children
// rather than cascading the removal: their ParentKey is cleared and
// they become roots, since the caller never asked for a cascading
// delete and this operator has no separate "delete subtree" contract.
func TransformToTree[K comparable, V any](
	source observable.Observable[*change.ChangeSet[K, V]],
	parentKeyOf func(V) (K, bool),
) observable.Observable[*change.ChangeSet[K, *Node[K, V]]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.ChangeSet[K, *Node[K, V]]]) observable.Disposer {
		arena := cache.New[K, *Node[K, V]]()

		unlinkFromParent := func(n *Node[K, V]) {
			if !n.ParentKey.HasValue {
				return
			}
			parent, ok := arena.Get(n.ParentKey.Value)
			if !ok {
				return
			}
			for i, ck := range parent.ChildKeys {
				if ck == n.Key {
					parent.ChildKeys = append(parent.ChildKeys[:i], parent.ChildKeys[i+1:]...)
					break
				}
			}
		}

		linkToParent := func(n *Node[K, V], parentKey K, hasParent bool) {
			if !hasParent {
				n.ParentKey = change.None[K]()
				return
			}
			n.ParentKey = change.Some(parentKey)
			if parent, ok := arena.Get(parentKey); ok {
				parent.ChildKeys = append(parent.ChildKeys, n.Key)
			}
		}

		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				withRecover("TransformToTree", obs.OnError, func() {
					out := change.NewChangeSet[K, *Node[K, V]](cs.Len())

					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add:
							n := &Node[K, V]{Key: c.Key, Value: c.Current}
							pk, hasParent := parentKeyOf(c.Current)
							linkToParent(n, pk, hasParent)
							arena.Set(c.Key, n)
							out.Add(change.NewAdd(c.Key, n))

						case change.Update:
							n, existed := arena.Get(c.Key)
							if !existed {
								continue
							}
							prevNode := *n
							unlinkFromParent(n)
							n.Value = c.Current
							pk, hasParent := parentKeyOf(c.Current)
							linkToParent(n, pk, hasParent)
							out.Add(change.NewUpdate(c.Key, n, &prevNode))

						case change.Remove:
							n, existed := arena.Get(c.Key)
							if !existed {
								continue
							}
							unlinkFromParent(n)
							for _, ck := range n.ChildKeys {
								if child, ok := arena.Get(ck); ok {
									child.ParentKey = change.None[K]()
								}
							}
							arena.Delete(c.Key)
							out.Add(change.NewRemove(c.Key, n))

						case change.Refresh:
							if n, existed := arena.Get(c.Key); existed {
								out.Add(change.NewRefresh(c.Key, n))
							}
						}
					}

					if !out.IsEmpty() {
						obs.OnNext(out)
					}
				})
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}
