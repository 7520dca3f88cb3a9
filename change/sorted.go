package change

// KeyValue pairs a key with its value, used for sortedItems snapshots.
type KeyValue[K comparable, V any] struct {
	Key   K
	Value V
}

// SortedChangeSet is a ChangeSet plus a snapshot of the ordered
// key-value sequence it produced. Indices on the embedded Changes are
// consistent with this snapshot (invariant 4 in spec.md §8: every
// reported index equals the real index of that key in SortedItems).
type SortedChangeSet[K comparable, V any] struct {
	*ChangeSet[K, V]
	SortedItems []KeyValue[K, V]
}

// NewSortedChangeSet wraps cs with the ordered snapshot it produced.
func NewSortedChangeSet[K comparable, V any](cs *ChangeSet[K, V], sortedItems []KeyValue[K, V]) *SortedChangeSet[K, V] {
	return &SortedChangeSet[K, V]{ChangeSet: cs, SortedItems: sortedItems}
}

// IndexOf returns the position of key within SortedItems, or -1 if
// absent. Used by tests asserting invariant 4.
func (s *SortedChangeSet[K, V]) IndexOf(key K) int {
	for i, kv := range s.SortedItems {
		if kv.Key == key {
			return i
		}
	}
	return -1
}
