// Package observable provides the minimal cold-observable runtime the
// rest of the engine is built against. spec.md treats the publish/
// subscribe machinery as an external collaborator "described by
// interface only" — this package is that interface plus the smallest
// concrete implementation that compiles and behaves correctly, built
// on the same channel+context.CancelFunc idiom
// nodestorage/v2.StorageImpl.Watch already uses for its subscriber
// fan-out. It intentionally carries no operator methods of its own:
// every transformation in this module lives in package operator.
package observable

import "context"

// Observer receives values from an Observable, then at most one
// terminal event: OnError with the failure, or OnComplete on graceful
// completion.
type Observer[T any] struct {
	OnNext     func(T)
	OnError    func(error)
	OnComplete func()
}

// Disposer cancels a subscription. Calling Disposer more than once is
// always safe (idempotent disposal, spec.md §8 invariant 5).
type Disposer func()

// Observable is a cold source: each Subscribe call re-runs connect,
// producing an independent stream for that subscriber.
type Observable[T any] struct {
	connect func(ctx context.Context, obs Observer[T]) Disposer
}

// New builds an Observable from a connect function.
func New[T any](connect func(ctx context.Context, obs Observer[T]) Disposer) Observable[T] {
	return Observable[T]{connect: connect}
}

// Subscribe starts the stream for one observer, returning a Disposer
// that tears it down. ctx bounds the subscription's lifetime in
// addition to the returned Disposer; cancelling ctx or calling the
// Disposer are equivalent.
func (o Observable[T]) Subscribe(ctx context.Context, obs Observer[T]) Disposer {
	if o.connect == nil {
		return func() {}
	}
	return o.connect(ctx, obs)
}

// FromChannel adapts an already-running producer (a channel plus a
// function that starts feeding it and can be cancelled via ctx) into
// an Observable. This is the shape every source in package cache uses:
// a goroutine writes to a channel until its context is cancelled.
func FromChannel[T any](start func(ctx context.Context) (<-chan T, <-chan error)) Observable[T] {
	return New(func(ctx context.Context, obs Observer[T]) Disposer {
		subCtx, cancel := context.WithCancel(ctx)
		ch, errCh := start(subCtx)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for {
				select {
				case v, ok := <-ch:
					if !ok {
						if obs.OnComplete != nil {
							obs.OnComplete()
						}
						return
					}
					if obs.OnNext != nil {
						obs.OnNext(v)
					}
				case err := <-errCh:
					if err != nil && obs.OnError != nil {
						obs.OnError(err)
					}
					return
				case <-subCtx.Done():
					return
				}
			}
		}()

		return func() {
			cancel()
			<-done
		}
	})
}
