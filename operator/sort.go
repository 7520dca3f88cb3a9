package operator

import (
	"context"
	"sort"
	"sync"

	"github.com/nodestorage/reactive/cache"
	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// Comparator orders two values; negative means a sorts before b, zero
// means equal order, positive means a sorts after b.
type Comparator[V any] func(a, b V) int

// SortOptimisation tunes how Sort represents an item whose sort key
// changed but whose identity didn't, per the module's component
// design for inline-mode updates.
type SortOptimisation int

const (
	// SortMoveAndUpdate emits a Moved change followed by an Update at
	// the item's new index (the default).
	SortMoveAndUpdate SortOptimisation = iota
	// SortRemoveAndAdd emits a Remove at the old index and an Add at
	// the new index instead of a single Moved+Update pair — useful for
	// binding adaptors that only understand insert/delete.
	SortRemoveAndAdd
)

// SortOptions configures Sort.
type SortOptions struct {
	// ResetThreshold is the number of raw changes in one incoming
	// ChangeSet above which Sort rebuilds its entire ordering instead
	// of applying each change incrementally. -1 disables reset mode.
	ResetThreshold int
	Optimisation   SortOptimisation
}

// DefaultSortOptions returns ResetThreshold: 25, SortMoveAndUpdate —
// the threshold nodestorage/v2's own batch-oriented defaults use as a
// rule of thumb for "small enough to patch in place."
func DefaultSortOptions() SortOptions {
	return SortOptions{ResetThreshold: 25, Optimisation: SortMoveAndUpdate}
}

// Sort maintains sortedItems ordered by comparator and emits
// index-annotated SortedChangeSets. A ChangeSet whose size exceeds
// opts.ResetThreshold triggers a full rebuild-and-diff instead of
// incremental, per-change patching.
func Sort[K comparable, V any](source observable.Observable[*change.ChangeSet[K, V]], comparator Comparator[V], opts SortOptions) observable.Observable[*change.SortedChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.SortedChangeSet[K, V]]) observable.Disposer {
		backing := cache.New[K, V]()
		var sorted []change.KeyValue[K, V]

		return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				withRecover("Sort", obs.OnError, func() {
					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add, change.Update:
							backing.Set(c.Key, c.Current)
						case change.Remove:
							backing.Delete(c.Key)
						}
					}

					var out *change.ChangeSet[K, V]
					if opts.ResetThreshold >= 0 && cs.Len() > opts.ResetThreshold {
						out, sorted = resetSort(backing, sorted, comparator)
					} else {
						out, sorted = inlineSort(sorted, comparator, opts.Optimisation, cs)
					}

					if out != nil {
						snapshot := make([]change.KeyValue[K, V], len(sorted))
						copy(snapshot, sorted)
						obs.OnNext(change.NewSortedChangeSet(out, snapshot))
					}
				})
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}

func resetSort[K comparable, V any](backing *cache.Cache[K, V], previous []change.KeyValue[K, V], cmp Comparator[V]) (*change.ChangeSet[K, V], []change.KeyValue[K, V]) {
	next := make([]change.KeyValue[K, V], 0, backing.Len())
	backing.ForEach(func(k K, v V) { next = append(next, change.KeyValue[K, V]{Key: k, Value: v}) })
	sort.SliceStable(next, func(i, j int) bool { return cmp(next[i].Value, next[j].Value) < 0 })

	prevIndex := make(map[K]int, len(previous))
	for i, kv := range previous {
		prevIndex[kv.Key] = i
	}
	nextIndex := make(map[K]int, len(next))
	for i, kv := range next {
		nextIndex[kv.Key] = i
	}

	out := change.NewChangeSet[K, V](0)
	for k, i := range prevIndex {
		if _, stillPresent := nextIndex[k]; !stillPresent {
			out.Add(change.NewRemove(k, previous[i].Value).WithIndices(-1, i))
		}
	}
	for k, j := range nextIndex {
		if i, wasPresent := prevIndex[k]; !wasPresent {
			out.Add(change.NewAdd(k, next[j].Value).WithIndices(j, -1))
		} else if i != j {
			out.Add(change.NewMoved(k, next[j].Value, j, i))
		}
	}

	if out.IsEmpty() {
		return nil, next
	}
	return out, next
}

func inlineSort[K comparable, V any](items []change.KeyValue[K, V], cmp Comparator[V], opt SortOptimisation, cs *change.ChangeSet[K, V]) (*change.ChangeSet[K, V], []change.KeyValue[K, V]) {
	out := change.NewChangeSet[K, V](cs.Len())

	findExact := func(key K, value V) int {
		lo := sort.Search(len(items), func(i int) bool { return cmp(items[i].Value, value) >= 0 })
		for i := lo; i < len(items) && cmp(items[i].Value, value) == 0; i++ {
			if items[i].Key == key {
				return i
			}
		}
		// value used to locate it has already changed (Update/Refresh); fall back to a linear scan.
		for i, kv := range items {
			if kv.Key == key {
				return i
			}
		}
		return -1
	}

	insertAt := func(key K, value V) int {
		idx := sort.Search(len(items), func(i int) bool { return cmp(items[i].Value, value) >= 0 })
		items = append(items, change.KeyValue[K, V]{})
		copy(items[idx+1:], items[idx:])
		items[idx] = change.KeyValue[K, V]{Key: key, Value: value}
		return idx
	}

	removeAt := func(idx int) {
		items = append(items[:idx], items[idx+1:]...)
	}

	for _, c := range cs.Items() {
		switch c.Reason {
		case change.Add:
			idx := insertAt(c.Key, c.Current)
			out.Add(c.WithIndices(idx, -1))

		case change.Remove:
			idx := findExact(c.Key, c.Current)
			if idx < 0 {
				continue
			}
			removeAt(idx)
			out.Add(c.WithIndices(-1, idx))

		case change.Update:
			oldIdx := findExact(c.Key, c.Previous.Value)
			if oldIdx < 0 {
				idx := insertAt(c.Key, c.Current)
				out.Add(c.WithIndices(idx, -1))
				continue
			}
			if cmp(items[oldIdx].Value, c.Current) == 0 {
				items[oldIdx].Value = c.Current
				out.Add(c.WithIndices(oldIdx, oldIdx))
				continue
			}
			removeAt(oldIdx)
			newIdx := insertAt(c.Key, c.Current)
			if opt == SortRemoveAndAdd {
				out.Add(change.NewRemove(c.Key, c.Previous.Value).WithIndices(-1, oldIdx))
				out.Add(change.NewAdd(c.Key, c.Current).WithIndices(newIdx, -1))
			} else {
				out.Add(change.NewMoved(c.Key, c.Current, newIdx, oldIdx))
				out.Add(c.WithIndices(newIdx, newIdx))
			}

		case change.Refresh:
			oldIdx := findExact(c.Key, c.Current)
			if oldIdx < 0 {
				continue
			}
			removeAt(oldIdx)
			newIdx := insertAt(c.Key, c.Current)
			if newIdx != oldIdx {
				out.Add(change.NewMoved(c.Key, c.Current, newIdx, oldIdx))
			} else {
				out.Add(c.WithIndices(newIdx, newIdx))
			}
		}
	}

	if out.IsEmpty() {
		return nil, items
	}
	return out, items
}

// SortController drives a changeable ordering: it owns the full item
// set backing the sort and lets a subscriber install a new comparator
// (ChangeComparator) or force a full re-sort against the current
// comparator (Resort), for callers that mutated a sort key in place
// rather than through an Update change — the same "owns state,
// replays against a replaceable parameter" shape as FilterController.
type SortController[K comparable, V any] struct {
	mu         sync.Mutex
	backing    *cache.Cache[K, V]
	sorted     []change.KeyValue[K, V]
	comparator Comparator[V]
	sink       *syncBroadcast[*change.SortedChangeSet[K, V]]
}

// NewSortController builds a controller seeded with the given
// comparator.
func NewSortController[K comparable, V any](comparator Comparator[V]) *SortController[K, V] {
	return &SortController[K, V]{
		backing:    cache.New[K, V](),
		comparator: comparator,
		sink:       newSyncBroadcast[*change.SortedChangeSet[K, V]](),
	}
}

// Connect wires source's changes into the controller's owned set and
// returns the sorted, dynamically-reorderable output stream. Every
// incoming ChangeSet is applied with resetSort, since ChangeComparator
// and Resort both need a full backing set to resort from and keeping
// two code paths (incremental vs. reset) in sync with a replaceable
// comparator isn't worth the complexity Sort's inline path buys for a
// fixed comparator.
func (s *SortController[K, V]) Connect(source observable.Observable[*change.ChangeSet[K, V]]) observable.Observable[*change.SortedChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.SortedChangeSet[K, V]]) observable.Disposer {
		forward := s.sink.Subscribe(obs)

		upstream := source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
			OnNext: func(cs *change.ChangeSet[K, V]) {
				var out *change.ChangeSet[K, V]
				withRecover("SortController", obs.OnError, func() {
					s.mu.Lock()
					defer s.mu.Unlock()
					for _, c := range cs.Items() {
						switch c.Reason {
						case change.Add, change.Update:
							s.backing.Set(c.Key, c.Current)
						case change.Remove:
							s.backing.Delete(c.Key)
						}
					}
					var sorted []change.KeyValue[K, V]
					out, sorted = resetSort(s.backing, s.sorted, s.comparator)
					s.sorted = sorted
				})
				if out != nil {
					s.publish(out)
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

// ChangeComparator installs a new comparator and emits the Moved/
// Add/Remove delta between the old ordering and the new one.
func (s *SortController[K, V]) ChangeComparator(comparator Comparator[V]) {
	var out *change.ChangeSet[K, V]
	withRecover("SortController.ChangeComparator", nil, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.comparator = comparator
		var sorted []change.KeyValue[K, V]
		out, sorted = resetSort(s.backing, s.sorted, s.comparator)
		s.sorted = sorted
	})
	if out != nil {
		s.publish(out)
	}
}

// Resort re-sorts the current item set against the current
// comparator, for callers that mutated a sort key in place.
func (s *SortController[K, V]) Resort() {
	var out *change.ChangeSet[K, V]
	withRecover("SortController.Resort", nil, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		var sorted []change.KeyValue[K, V]
		out, sorted = resetSort(s.backing, s.sorted, s.comparator)
		s.sorted = sorted
	})
	if out != nil {
		s.publish(out)
	}
}

func (s *SortController[K, V]) publish(out *change.ChangeSet[K, V]) {
	s.mu.Lock()
	snapshot := make([]change.KeyValue[K, V], len(s.sorted))
	copy(snapshot, s.sorted)
	s.mu.Unlock()
	s.sink.Publish(change.NewSortedChangeSet(out, snapshot))
}
