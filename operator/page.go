package operator

import (
	"context"
	"errors"
	"sync"

	"github.com/nodestorage/reactive/change"
	"github.com/nodestorage/reactive/observable"
)

// ErrNegativeWindow is returned when a page/virtualising window is
// requested with a negative page, page size, start index, or size.
var ErrNegativeWindow = errors.New("operator: page/virtualise window parameters must be non-negative")

// windowDiff compares the previous window (by key, in order) against
// the new window's items and reports the Add/Remove/Moved set that
// transforms one into the other, with indices local to the window
// (0..len(newItems)-1, or -1 where not applicable). Value changes to
// an item that stays at the same window position are not
// independently surfaced here — the upstream SortedChangeSet already
// carries those as Update/Refresh with global indices; consumers that
// need in-window content updates read the embedded SortedChangeSet.
func windowDiff[K comparable, V any](prevOrder []K, prevByKey map[K]V, newItems []change.KeyValue[K, V]) *change.ChangeSet[K, V] {
	newIndex := make(map[K]int, len(newItems))
	for i, kv := range newItems {
		newIndex[kv.Key] = i
	}
	prevIndex := make(map[K]int, len(prevOrder))
	for i, k := range prevOrder {
		prevIndex[k] = i
	}

	out := change.NewChangeSet[K, V](len(newItems) + len(prevOrder))

	for _, k := range prevOrder {
		if _, stillThere := newIndex[k]; !stillThere {
			out.Add(change.NewRemove(k, prevByKey[k]).WithIndices(-1, prevIndex[k]))
		}
	}
	for i, kv := range newItems {
		pi, existed := prevIndex[kv.Key]
		switch {
		case !existed:
			out.Add(change.NewAdd(kv.Key, kv.Value).WithIndices(i, -1))
		case pi != i:
			out.Add(change.NewMoved(kv.Key, kv.Value, i, pi).WithIndices(i, pi))
		}
	}
	return out
}

func windowOrderAndValues[K comparable, V any](items []change.KeyValue[K, V]) ([]K, map[K]V) {
	order := make([]K, len(items))
	byKey := make(map[K]V, len(items))
	for i, kv := range items {
		order[i] = kv.Key
		byKey[kv.Key] = kv.Value
	}
	return order, byKey
}

func resolvePage(page, pageSize, total int) (resolvedPage, totalPages int) {
	totalPages = 1
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
		if totalPages < 1 {
			totalPages = 1
		}
	}
	resolvedPage = page
	if resolvedPage < 1 {
		resolvedPage = 1
	}
	if resolvedPage > totalPages {
		resolvedPage = totalPages
	}
	return resolvedPage, totalPages
}

func pageWindow[K comparable, V any](sortedItems []change.KeyValue[K, V], page, pageSize int) ([]change.KeyValue[K, V], change.PageResponse) {
	total := len(sortedItems)
	resolvedPage, totalPages := resolvePage(page, pageSize, total)

	start := (resolvedPage - 1) * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	if pageSize <= 0 {
		start, end = 0, 0
	}

	resp := change.PageResponse{Page: resolvedPage, PageSize: pageSize, TotalPages: totalPages, TotalCount: total}
	return sortedItems[start:end], resp
}

// Page restricts source to one fixed page, clamping page to
// [1, ceil(total/pageSize)]. A negative page or pageSize is rejected
// via OnError.
func Page[K comparable, V any](source observable.Observable[*change.SortedChangeSet[K, V]], page, pageSize int) observable.Observable[*change.PagedChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.PagedChangeSet[K, V]]) observable.Disposer {
		if page < 0 || pageSize < 0 {
			if obs.OnError != nil {
				obs.OnError(ErrNegativeWindow)
			}
			return func() {}
		}

		var prevOrder []K
		var prevByKey map[K]V

		return source.Subscribe(ctx, observable.Observer[*change.SortedChangeSet[K, V]]{
			OnNext: func(cs *change.SortedChangeSet[K, V]) {
				windowItems, resp := pageWindow(cs.SortedItems, page, pageSize)
				diff := windowDiff(prevOrder, prevByKey, windowItems)
				prevOrder, prevByKey = windowOrderAndValues(windowItems)
				if diff.IsEmpty() {
					return
				}
				sorted := change.NewSortedChangeSet(diff, windowItems)
				obs.OnNext(change.NewPagedChangeSet(sorted, resp))
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}

// PageController drives a changeable page window: SetPage installs
// new parameters and immediately recomputes against the most recent
// sorted snapshot, emitting the Add/Remove/Moved delta between the
// old and new windows.
type PageController[K comparable, V any] struct {
	mu         sync.Mutex
	page       int
	pageSize   int
	lastSorted []change.KeyValue[K, V]
	prevOrder  []K
	prevByKey  map[K]V
	sink       *syncBroadcast[*change.PagedChangeSet[K, V]]
}

// NewPageController builds a controller starting at the given page.
func NewPageController[K comparable, V any](page, pageSize int) *PageController[K, V] {
	return &PageController[K, V]{
		page:     page,
		pageSize: pageSize,
		sink:     newSyncBroadcast[*change.PagedChangeSet[K, V]](),
	}
}

// Connect wires source's sorted changes into the controller.
func (p *PageController[K, V]) Connect(source observable.Observable[*change.SortedChangeSet[K, V]]) observable.Observable[*change.PagedChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.PagedChangeSet[K, V]]) observable.Disposer {
		forward := p.sink.Subscribe(obs)

		upstream := source.Subscribe(ctx, observable.Observer[*change.SortedChangeSet[K, V]]{
			OnNext: func(cs *change.SortedChangeSet[K, V]) {
				p.mu.Lock()
				p.lastSorted = cs.SortedItems
				out := p.recomputeLocked()
				p.mu.Unlock()
				if out != nil {
					p.sink.Publish(out)
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

// SetPage installs new page parameters and emits the delta from the
// previous window to the new one. A negative page or pageSize is
// silently ignored.
func (p *PageController[K, V]) SetPage(page, pageSize int) {
	if page < 0 || pageSize < 0 {
		return
	}
	p.mu.Lock()
	p.page, p.pageSize = page, pageSize
	out := p.recomputeLocked()
	p.mu.Unlock()
	if out != nil {
		p.sink.Publish(out)
	}
}

func (p *PageController[K, V]) recomputeLocked() *change.PagedChangeSet[K, V] {
	windowItems, resp := pageWindow(p.lastSorted, p.page, p.pageSize)
	diff := windowDiff(p.prevOrder, p.prevByKey, windowItems)
	p.prevOrder, p.prevByKey = windowOrderAndValues(windowItems)
	if diff.IsEmpty() {
		return nil
	}
	return change.NewPagedChangeSet(change.NewSortedChangeSet(diff, windowItems), resp)
}

func virtualWindow[K comparable, V any](sortedItems []change.KeyValue[K, V], startIndex, size int) ([]change.KeyValue[K, V], change.VirtualResponse) {
	total := len(sortedItems)
	start := startIndex
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	if size < 0 {
		end = start
	}
	return sortedItems[start:end], change.VirtualResponse{StartIndex: start, Size: end - start, TotalCount: total}
}

// Virtualise restricts source to a free-floating index window
// [startIndex, startIndex+size). A negative startIndex or size is
// rejected via OnError.
func Virtualise[K comparable, V any](source observable.Observable[*change.SortedChangeSet[K, V]], startIndex, size int) observable.Observable[*change.VirtualChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.VirtualChangeSet[K, V]]) observable.Disposer {
		if startIndex < 0 || size < 0 {
			if obs.OnError != nil {
				obs.OnError(ErrNegativeWindow)
			}
			return func() {}
		}

		var prevOrder []K
		var prevByKey map[K]V

		return source.Subscribe(ctx, observable.Observer[*change.SortedChangeSet[K, V]]{
			OnNext: func(cs *change.SortedChangeSet[K, V]) {
				windowItems, resp := virtualWindow(cs.SortedItems, startIndex, size)
				diff := windowDiff(prevOrder, prevByKey, windowItems)
				prevOrder, prevByKey = windowOrderAndValues(windowItems)
				if diff.IsEmpty() {
					return
				}
				sorted := change.NewSortedChangeSet(diff, windowItems)
				obs.OnNext(change.NewVirtualChangeSet(sorted, resp))
			},
			OnError:    obs.OnError,
			OnComplete: obs.OnComplete,
		})
	})
}

// Top pins Virtualise at startIndex 0, restricting source to its
// first n items.
func Top[K comparable, V any](source observable.Observable[*change.SortedChangeSet[K, V]], n int) observable.Observable[*change.VirtualChangeSet[K, V]] {
	return Virtualise(source, 0, n)
}

// VirtualisingController drives a changeable index window the same
// way PageController drives a changeable page.
type VirtualisingController[K comparable, V any] struct {
	mu         sync.Mutex
	startIndex int
	size       int
	lastSorted []change.KeyValue[K, V]
	prevOrder  []K
	prevByKey  map[K]V
	sink       *syncBroadcast[*change.VirtualChangeSet[K, V]]
}

// NewVirtualisingController builds a controller starting at the given
// window.
func NewVirtualisingController[K comparable, V any](startIndex, size int) *VirtualisingController[K, V] {
	return &VirtualisingController[K, V]{
		startIndex: startIndex,
		size:       size,
		sink:       newSyncBroadcast[*change.VirtualChangeSet[K, V]](),
	}
}

// Connect wires source's sorted changes into the controller.
func (v *VirtualisingController[K, V]) Connect(source observable.Observable[*change.SortedChangeSet[K, V]]) observable.Observable[*change.VirtualChangeSet[K, V]] {
	return observable.New(func(ctx context.Context, obs observable.Observer[*change.VirtualChangeSet[K, V]]) observable.Disposer {
		forward := v.sink.Subscribe(obs)

		upstream := source.Subscribe(ctx, observable.Observer[*change.SortedChangeSet[K, V]]{
			OnNext: func(cs *change.SortedChangeSet[K, V]) {
				v.mu.Lock()
				v.lastSorted = cs.SortedItems
				out := v.recomputeLocked()
				v.mu.Unlock()
				if out != nil {
					v.sink.Publish(out)
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

// Move installs a new window and emits the delta from the previous
// one. A negative startIndex or size is silently ignored.
func (v *VirtualisingController[K, V]) Move(startIndex, size int) {
	if startIndex < 0 || size < 0 {
		return
	}
	v.mu.Lock()
	v.startIndex, v.size = startIndex, size
	out := v.recomputeLocked()
	v.mu.Unlock()
	if out != nil {
		v.sink.Publish(out)
	}
}

func (v *VirtualisingController[K, V]) recomputeLocked() *change.VirtualChangeSet[K, V] {
	windowItems, resp := virtualWindow(v.lastSorted, v.startIndex, v.size)
	diff := windowDiff(v.prevOrder, v.prevByKey, windowItems)
	v.prevOrder, v.prevByKey = windowOrderAndValues(windowItems)
	if diff.IsEmpty() {
		return nil
	}
	return change.NewVirtualChangeSet(change.NewSortedChangeSet(diff, windowItems), resp)
}
