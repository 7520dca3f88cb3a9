package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nodestorage/reactive/internal/corelog"
)

// subscriberBufferSize mirrors the buffered-channel-per-subscriber
// fan-out nodestorage/v2's StorageImpl.Watch uses for change-stream
// events; a slow subscriber drops events rather than stalling every
// other subscriber or the publisher.
const subscriberBufferSize = 100

type subscription[T any] struct {
	id     int64
	ch     chan T
	cancel context.CancelFunc
}

// broadcaster fans a single stream of values out to any number of
// independent subscribers, each buffered and isolated from the
// others — the same per-subscriber channel + context.CancelFunc
// bookkeeping as StorageImpl.subscribers in
// nodestorage/v2/storage_impl.go, generalized past one concrete
// event type.
type broadcaster[T any] struct {
	mu        sync.Mutex
	subs      map[int64]*subscription[T]
	nextSubID int64
	closed    bool
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[int64]*subscription[T])}
}

// subscribe registers a new subscriber and returns a channel of
// values plus an error channel. If the broadcaster is already closed,
// the error channel receives ErrClosed and the value channel is
// returned closed; a close that happens while the subscription is
// live closes the value channel and sends no error.
func (b *broadcaster[T]) subscribe(ctx context.Context) (<-chan T, <-chan error) {
	errCh := make(chan error, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		errCh <- ErrClosed
		ch := make(chan T)
		close(ch)
		return ch, errCh
	}

	subCtx, cancel := context.WithCancel(ctx)
	id := b.nextSubID
	b.nextSubID++
	sub := &subscription[T]{id: id, ch: make(chan T, subscriberBufferSize), cancel: cancel}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-subCtx.Done()
		b.remove(id)
	}()

	return sub.ch, errCh
}

func (b *broadcaster[T]) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		sub.cancel()
		delete(b.subs, id)
		close(sub.ch)
	}
}

// publish sends value to every live subscriber, dropping it for any
// subscriber whose buffer is currently full instead of blocking.
func (b *broadcaster[T]) publish(value T) {
	b.mu.Lock()
	subs := make([]*subscription[T], 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- value:
		default:
			corelog.Warn("subscriber channel full, dropping value", zap.Int64("subscriber_id", sub.id))
		}
	}
}

// close tears down every subscriber and rejects future subscribes.
func (b *broadcaster[T]) close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[int64]*subscription[T])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		close(sub.ch)
	}
}
