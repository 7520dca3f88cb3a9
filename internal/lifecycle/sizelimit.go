package lifecycle

import lru "github.com/hashicorp/golang-lru/v2/simplelru"

// InsertionLimiter caps a key set at a maximum size on a strict
// first-in-first-out basis: the key resident longest is evicted next,
// regardless of how recently it was touched. It is built on
// simplelru.LRU used in a restricted way — Add is the only mutator
// ever called, so the "least recently used" entry simplelru tracks is
// always simply the oldest insertion, giving FIFO eviction without
// hand-rolling a second ordered map.
type InsertionLimiter[K comparable] struct {
	lru     *lru.LRU[K, struct{}]
	evicted []K
}

// NewInsertionLimiter creates a limiter that evicts once more than
// max keys are tracked. max must be positive.
func NewInsertionLimiter[K comparable](max int) *InsertionLimiter[K] {
	il := &InsertionLimiter[K]{}
	l, _ := lru.NewLRU[K, struct{}](max, func(key K, _ struct{}) {
		il.evicted = append(il.evicted, key)
	})
	il.lru = l
	return il
}

// Add records key as freshly inserted. If that pushes the tracked set
// past its limit, the oldest surviving key is returned as evicted.
// Re-adding a key already tracked does not change its eviction order,
// matching strict insertion-order (not access-order) semantics.
func (l *InsertionLimiter[K]) Add(key K) (evictedKey K, evicted bool) {
	if l.lru.Contains(key) {
		return evictedKey, false
	}
	l.evicted = l.evicted[:0]
	l.lru.Add(key, struct{}{})
	if len(l.evicted) == 0 {
		return evictedKey, false
	}
	return l.evicted[0], true
}

// Remove stops tracking key, e.g. once it has left the owning cache
// through an explicit removal rather than eviction.
func (l *InsertionLimiter[K]) Remove(key K) { l.lru.Remove(key) }

// Len reports how many keys are currently tracked.
func (l *InsertionLimiter[K]) Len() int { return l.lru.Len() }
