package cond

import (
	"context"
	"sync"
)

// KeyCond is a condition variable for a set of keys, bound to an external mutex.
// Waiters on different keys are woken up independently.
type KeyCond[T comparable] struct {
	_ noCopy

	mut     *sync.Mutex
	waitSet map[T][]chan struct{}
}

func NewKeyCond[T comparable](mut *sync.Mutex) *KeyCond[T] {
	return &KeyCond[T]{
		mut:     mut,
		waitSet: map[T][]chan struct{}{},
	}
}

// Wait must be used in mutex
func (c *KeyCond[T]) Wait(ctx context.Context, key T) error {
	signalCh := make(chan struct{})
	c.waitSet[key] = append(c.waitSet[key], signalCh)

	c.mut.Unlock()

	select {
	case <-signalCh:
		c.mut.Lock()
		return nil

	case <-ctx.Done():
		c.mut.Lock()
		c.removeWaiter(key, signalCh)
		return ctx.Err()
	}
}

// WaitUntil must be used in mutex, it waits on the key until the condition is satisfied
func (c *KeyCond[T]) WaitUntil(ctx context.Context, key T, condFn func() bool) error {
	for !condFn() {
		if err := c.Wait(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Signal must be used in mutex
func (c *KeyCond[T]) Signal(key T) {
	allChannels := c.waitSet[key]
	delete(c.waitSet, key)
	for _, ch := range allChannels {
		close(ch)
	}
}

// Broadcast must be used in mutex
func (c *KeyCond[T]) Broadcast() {
	for key := range c.waitSet {
		c.Signal(key)
	}
}

// NumWaitKeys must be used in mutex
func (c *KeyCond[T]) NumWaitKeys() int {
	return len(c.waitSet)
}

func (c *KeyCond[T]) removeWaiter(key T, signalCh chan struct{}) {
	list := c.waitSet[key]
	n := len(list)
	for i := 0; i < n; {
		if list[i] == signalCh {
			n--
			list[i] = list[n]
		} else {
			i++
		}
	}

	if n == 0 {
		delete(c.waitSet, key)
		return
	}
	c.waitSet[key] = list[:n]
}

// -----------------------------------------------------

type noCopy struct {
}

var _ sync.Locker = &noCopy{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
