package cache

import (
	"context"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// ObservableCache is the read-only surface every consumer — a
// pipeline stage, a binding adaptor, a test — sees. SourceCache is
// the only writer; everything downstream only ever holds an
// ObservableCache.
type ObservableCache[K comparable, V any] interface {
	// Count returns the current number of items.
	Count() int

	// Lookup returns the value stored under key, if present.
	Lookup(key K) (V, bool)

	// Items returns every value, in no particular order.
	Items() []V

	// KeyValues returns a shallow snapshot of the full key/value map.
	KeyValues() map[K]V

	// Connect subscribes to the cache's change stream. The first
	// value delivered is a synthetic ChangeSet of Add changes
	// representing the cache's state at subscribe time, so every
	// subscriber observes a consistent add-then-mutate sequence
	// regardless of when it joins; optionalFilter, if given, restricts
	// both the bootstrap snapshot and every subsequent change to keys
	// whose current value satisfies it.
	Connect(ctx context.Context, optionalFilter ...func(K, V) bool) observable.Observable[*change.ChangeSet[K, V]]

	// Watch streams every Change touching a single key, including an
	// immediate Add if the key is already present at subscribe time.
	Watch(ctx context.Context, key K) observable.Observable[change.Change[K, V]]

	// CountChanged streams the cache's Count() every time it changes,
	// including the current count immediately on subscribe.
	CountChanged(ctx context.Context) observable.Observable[int]
}
