package async

import (
	"context"
	"sync"
)

// Future is the handle of a response that will be completed asynchronously.
// A Future is completed exactly once, either with a value or with an error.
type Future[T any] struct {
	once sync.Once
	done chan struct{}

	val T
	err error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// Go runs fn in a new goroutine and returns the handle of its result
func Go[T any](fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	go func() {
		val, err := fn()
		f.Complete(val, err)
	}()
	return f
}

func Resolved[T any](val T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(val, nil)
	return f
}

func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	var empty T
	f.Complete(empty, err)
	return f
}

// Complete sets the result of the future. Only the first call has effect.
func (f *Future[T]) Complete(val T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.val = val
		f.err = err
		completed = true
		close(f.done)
	})
	return completed
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result must only be called after Done() is closed
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		panic("future is not completed yet")
	}
}

func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var empty T
		return empty, ctx.Err()
	}
}

// ================================================================
// Fan Out
// ================================================================

// FanOut starts one call per index concurrently and returns their handles in index order
func FanOut[T any](ctx context.Context, n int, call func(ctx context.Context, index int) (T, error)) []*Future[T] {
	result := make([]*Future[T], 0, n)
	for i := 0; i < n; i++ {
		index := i
		result = append(result, Go(func() (T, error) {
			return call(ctx, index)
		}))
	}
	return result
}

func AssertTrue(b bool) {
	if !b {
		panic("must be true here")
	}
}
