// Package future provides a single-assignment result that asynchronous
// operations hand back to their callers.
package future

import (
	"context"
	"sync"
)

// Future is the eventual result of an asynchronous operation. It resolves
// exactly once; later resolution attempts are ignored and reported as such,
// which is how late responses are discarded.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// New returns an unresolved future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that has already completed.
func Resolved[T any](val T, err error) *Future[T] {
	f := New[T]()
	f.Resolve(val, err)
	return f
}

// Failed returns a future that has already failed with err.
func Failed[T any](err error) *Future[T] {
	var zero T
	return Resolved(zero, err)
}

// Resolve completes the future. It returns false when the future had
// already been resolved, in which case val and err are discarded.
func (f *Future[T]) Resolve(val T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future has resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future resolves or ctx ends.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Wait blocks until the future resolves.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// Peek returns the result without blocking; ok is false while unresolved.
func (f *Future[T]) Peek() (val T, err error, ok bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Then returns a future resolved with fn applied to f's result once f
// completes.
func Then[T, U any](f *Future[T], fn func(T, error) (U, error)) *Future[U] {
	out := New[U]()
	go func() {
		v, err := f.Wait()
		out.Resolve(fn(v, err))
	}()
	return out
}
