package cache

import "github.com/nodestorage/reactive/change"

// pendingEntry is the net effect tracked for one key across a single
// edit scope, before it is folded into the scope's emitted ChangeSet.
type pendingEntry[K comparable, V any] struct {
	reason   change.Reason
	current  V
	previous change.Optional[V]
}

// tracker accumulates the edits an Updater performs during one edit
// scope and folds them down to, at most, one net Change per key —
// the consolidation rules in the module's own invariants:
//
//	Add + Remove cancels.
//	Add + Update...+Update collapses to Add with the final value.
//	Update + Remove becomes Remove, carrying the value the key held
//	before the scope started.
//	A trailing Refresh after any mutation is subsumed by that mutation.
//
// It also keeps raw, pre-folding touch counts (EditCounts) for
// callers that want visibility into activity that cancelled out
// entirely, since a net-empty scope emits no ChangeSet at all.
type tracker[K comparable, V any] struct {
	committed *Cache[K, V]
	pending   map[K]*pendingEntry[K, V]
	order     []K
	counts    EditCounts
}

// EditCounts reports how many addOrUpdate/remove/refresh calls an
// edit scope classified as each raw reason, before any folding. A
// scope whose net ChangeSet is empty (every touch cancelled out) can
// still report non-zero counts here.
type EditCounts struct {
	Adds      int
	Updates   int
	Removes   int
	Refreshes int
}

func newTracker[K comparable, V any](committed *Cache[K, V]) *tracker[K, V] {
	return &tracker[K, V]{
		committed: committed,
		pending:   make(map[K]*pendingEntry[K, V]),
	}
}

func (t *tracker[K, V]) touch(key K) {
	t.order = append(t.order, key)
}

func (t *tracker[K, V]) addOrUpdate(key K, value V) {
	if entry, ok := t.pending[key]; ok {
		switch entry.reason {
		case change.Add, change.Update:
			entry.current = value
		case change.Remove:
			if prev, existed := t.committed.Get(key); existed {
				entry.reason = change.Update
				entry.previous = change.Some(prev)
			} else {
				entry.reason = change.Add
			}
			entry.current = value
		case change.Refresh:
			if prev, existed := t.committed.Get(key); existed {
				entry.reason = change.Update
				entry.previous = change.Some(prev)
			} else {
				entry.reason = change.Add
			}
			entry.current = value
		}
		t.counts.Updates++
		return
	}

	t.touch(key)
	if prev, existed := t.committed.Get(key); existed {
		t.pending[key] = &pendingEntry[K, V]{reason: change.Update, current: value, previous: change.Some(prev)}
		t.counts.Updates++
	} else {
		t.pending[key] = &pendingEntry[K, V]{reason: change.Add, current: value}
		t.counts.Adds++
	}
}

func (t *tracker[K, V]) remove(key K) {
	if entry, ok := t.pending[key]; ok {
		t.counts.Removes++
		switch entry.reason {
		case change.Add:
			delete(t.pending, key)
		case change.Update:
			entry.reason = change.Remove
			entry.current = entry.previous.Value
			entry.previous = change.Optional[V]{}
		case change.Refresh:
			entry.reason = change.Remove
		case change.Remove:
			// already removed this scope; no further effect
		}
		return
	}

	if prev, existed := t.committed.Get(key); existed {
		t.touch(key)
		t.pending[key] = &pendingEntry[K, V]{reason: change.Remove, current: prev}
		t.counts.Removes++
	}
}

func (t *tracker[K, V]) refresh(key K) {
	if _, ok := t.pending[key]; ok {
		// subsumed by whatever mutation already touched this key
		t.counts.Refreshes++
		return
	}

	if prev, existed := t.committed.Get(key); existed {
		t.touch(key)
		t.pending[key] = &pendingEntry[K, V]{reason: change.Refresh, current: prev}
		t.counts.Refreshes++
	}
}

// clear removes every committed key, folded per the same rules a
// remove() on each key individually would produce.
func (t *tracker[K, V]) clear() {
	for _, key := range t.committed.Keys() {
		t.remove(key)
	}
}

// build consolidates the scope into a ChangeSet (nil if nothing
// survived folding) and commits the net effect into committed.
func (t *tracker[K, V]) build() *change.ChangeSet[K, V] {
	cs := change.NewChangeSet[K, V](len(t.order))
	for _, key := range t.order {
		entry, ok := t.pending[key]
		if !ok {
			continue
		}

		switch entry.reason {
		case change.Add:
			cs.Add(change.NewAdd(key, entry.current))
			t.committed.Set(key, entry.current)
		case change.Update:
			cs.Add(change.NewUpdate(key, entry.current, entry.previous.Value))
			t.committed.Set(key, entry.current)
		case change.Remove:
			cs.Add(change.NewRemove(key, entry.current))
			t.committed.Delete(key)
		case change.Refresh:
			cs.Add(change.NewRefresh(key, entry.current))
		}
	}

	if cs.IsEmpty() {
		return nil
	}
	return cs
}

// Counts reports the scope's raw, pre-folding touch counts.
func (t *tracker[K, V]) Counts() EditCounts { return t.counts }
