// Package binding applies change sets to an externally owned ordered
// buffer — typically a UI-facing list the rest of the application does
// not otherwise know is reactive.
package binding

import (
	"context"
	"sort"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// OrderedBuffer is an externally owned, positionally addressable sink.
// Adaptors never read it back; they only apply edits to it.
type OrderedBuffer[V any] interface {
	Insert(index int, value V)
	RemoveAt(index int)
	Set(index int, value V)
	Move(from, to int)
	Clear()
}

// ObservableCollectionAdaptor applies an unsorted change-set stream to
// an OrderedBuffer: Adds append, Removes delete by a key->index side
// map the adaptor maintains itself (the incoming ChangeSet carries no
// position information for an unsorted stream), and Updates set in
// place at the previously recorded index.
type ObservableCollectionAdaptor[K comparable, V any] struct {
	buffer OrderedBuffer[V]
	index  map[K]int
	order  []K
}

// NewObservableCollectionAdaptor builds an adaptor writing into buffer.
func NewObservableCollectionAdaptor[K comparable, V any](buffer OrderedBuffer[V]) *ObservableCollectionAdaptor[K, V] {
	return &ObservableCollectionAdaptor[K, V]{buffer: buffer, index: make(map[K]int)}
}

// Connect subscribes to source and keeps buffer in sync for as long
// as ctx is live.
func (a *ObservableCollectionAdaptor[K, V]) Connect(ctx context.Context, source observable.Observable[*change.ChangeSet[K, V]]) observable.Disposer {
	return source.Subscribe(ctx, observable.Observer[*change.ChangeSet[K, V]]{
		OnNext: a.apply,
	})
}

func (a *ObservableCollectionAdaptor[K, V]) apply(cs *change.ChangeSet[K, V]) {
	withRecover("ObservableCollectionAdaptor.apply", func() { a.applyLocked(cs) })
}

func (a *ObservableCollectionAdaptor[K, V]) applyLocked(cs *change.ChangeSet[K, V]) {
	for _, c := range cs.Items() {
		switch c.Reason {
		case change.Add:
			pos := len(a.order)
			a.order = append(a.order, c.Key)
			a.index[c.Key] = pos
			a.buffer.Insert(pos, c.Current)

		case change.Update, change.Refresh:
			if pos, ok := a.index[c.Key]; ok {
				a.buffer.Set(pos, c.Current)
			}

		case change.Remove:
			pos, ok := a.index[c.Key]
			if !ok {
				continue
			}
			a.buffer.RemoveAt(pos)
			a.order = append(a.order[:pos], a.order[pos+1:]...)
			delete(a.index, c.Key)
			for i := pos; i < len(a.order); i++ {
				a.index[a.order[i]] = i
			}
		}
	}
}

// SortedObservableCollectionAdaptor applies a SortedChangeSet to an
// OrderedBuffer using the change set's own indices directly. A reset
// — a batch whose size exceeds ResetThreshold — is applied as a clear
// followed by a full re-insert of SortedItems rather than a sequence
// of positional edits, since a large reordering is cheaper to express
// as a rebuild than as N individual moves.
type SortedObservableCollectionAdaptor[K comparable, V any] struct {
	buffer         OrderedBuffer[V]
	resetThreshold int
}

// NewSortedObservableCollectionAdaptor builds an adaptor writing into
// buffer. resetThreshold <= 0 disables the clear-and-rebuild policy
// entirely (every batch is applied as positional edits).
func NewSortedObservableCollectionAdaptor[K comparable, V any](buffer OrderedBuffer[V], resetThreshold int) *SortedObservableCollectionAdaptor[K, V] {
	return &SortedObservableCollectionAdaptor[K, V]{buffer: buffer, resetThreshold: resetThreshold}
}

// Connect subscribes to source and keeps buffer in sync for as long
// as ctx is live.
func (a *SortedObservableCollectionAdaptor[K, V]) Connect(ctx context.Context, source observable.Observable[*change.SortedChangeSet[K, V]]) observable.Disposer {
	return source.Subscribe(ctx, observable.Observer[*change.SortedChangeSet[K, V]]{
		OnNext: a.apply,
	})
}

// apply replays one batch's removes (descending index, so earlier
// removals never shift the index of a later one), then adds
// (ascending index, so each insert lands where the final, post-batch
// sequence expects it), then moves, then updates and refreshes, which
// are written at their reported index last. Reported indices
// are final post-batch positions (invariant 4 in spec.md §8), which
// is only safe to replay positionally in this fixed order.
func (a *SortedObservableCollectionAdaptor[K, V]) apply(cs *change.SortedChangeSet[K, V]) {
	withRecover("SortedObservableCollectionAdaptor.apply", func() { a.applyLocked(cs) })
}

func (a *SortedObservableCollectionAdaptor[K, V]) applyLocked(cs *change.SortedChangeSet[K, V]) {
	if a.resetThreshold > 0 && cs.Len() > a.resetThreshold {
		a.buffer.Clear()
		for i, kv := range cs.SortedItems {
			a.buffer.Insert(i, kv.Value)
		}
		return
	}

	items := cs.Items()

	removes := make([]change.Change[K, V], 0)
	adds := make([]change.Change[K, V], 0)
	moves := make([]change.Change[K, V], 0)
	updates := make([]change.Change[K, V], 0)

	for _, c := range items {
		switch c.Reason {
		case change.Remove:
			removes = append(removes, c)
		case change.Add:
			adds = append(adds, c)
		case change.Update, change.Refresh:
			updates = append(updates, c)
		case change.Moved:
			moves = append(moves, c)
		}
	}

	sort.Slice(removes, func(i, j int) bool { return removes[i].PreviousIndex > removes[j].PreviousIndex })
	for _, c := range removes {
		a.buffer.RemoveAt(c.PreviousIndex)
	}

	sort.Slice(adds, func(i, j int) bool { return adds[i].CurrentIndex < adds[j].CurrentIndex })
	for _, c := range adds {
		a.buffer.Insert(c.CurrentIndex, c.Current)
	}

	for _, c := range moves {
		a.buffer.Move(c.PreviousIndex, c.CurrentIndex)
	}

	for _, c := range updates {
		a.buffer.Set(c.CurrentIndex, c.Current)
	}
}
