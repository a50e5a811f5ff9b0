package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"

	"github.com/stretchr/testify/assert"
)

// NewConcurrentTest must be called inside a synctest bubble
func NewConcurrentTest(t *testing.T) *ConcurrentTest {
	c := &ConcurrentTest{}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	t.Cleanup(func() {
		c.cancel()
		c.wg.Wait()
	})

	return c
}

type ConcurrentTest struct {
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
}

func (c *ConcurrentTest) Go(fn func(ctx context.Context) error) *RunHandle {
	h := &RunHandle{}

	c.wg.Go(func() {
		err := fn(c.ctx)
		h.finished.Store(&errorInfo{err: err})
	})

	return h
}

type errorInfo struct {
	err error
}

type RunHandle struct {
	finished atomic.Pointer[errorInfo]
}

func (h *RunHandle) AssertNotFinished(t *testing.T) {
	t.Helper()
	synctest.Wait()

	if h.finished.Load() != nil {
		t.Error("Function should not be finished")
	}
}

func (h *RunHandle) AssertFinished(t *testing.T, finishErr error) {
	t.Helper()
	synctest.Wait()

	info := h.finished.Load()
	if info == nil {
		t.Error("Function should be finished")
		return
	}
	assert.Equal(t, finishErr, info.err)
}

// RunAsync runs fn in background, returns the function for getting its result
// and the function for asserting that fn is still blocked
func RunAsync[T any](t *testing.T, fn func() T) (func() T, func()) {
	var finished atomic.Bool
	resultCh := make(chan T, 1)

	go func() {
		result := fn()
		finished.Store(true)
		resultCh <- result
	}()

	assertNotFinish := func() {
		t.Helper()
		synctest.Wait()
		if finished.Load() {
			t.Error("async function should not have finished")
		}
	}

	return func() T {
		return <-resultCh
	}, assertNotFinish
}
