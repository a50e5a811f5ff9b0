package key_runner

import (
	"context"
	"slices"
	"sync"
)

// New creates an object that manages a set of background loops identified by keys.
// When a key is added / removed => its loop is started / cancelled.
// When the value of a key is changed => the loop of that key is restarted with the new value.
// A handler that returns while its key is still active is started again.
func New[K comparable, V comparable](
	getKey func(V) K,
	handler func(ctx context.Context, val V),
) *KeyRunner[K, V] {
	return &KeyRunner[K, V]{
		getKey:  getKey,
		handler: handler,

		activeKeys: map[K]struct{}{},
		running:    map[K]*runThread[V]{},
	}
}

type KeyRunner[K comparable, V comparable] struct {
	getKey  func(V) K
	handler func(ctx context.Context, val V)

	mut        sync.Mutex
	activeKeys map[K]struct{}      // expected set
	running    map[K]*runThread[V] // running set
	shutdown   bool

	wg sync.WaitGroup
}

// ==================================
// Public Methods
// ==================================

// Upsert sets the whole expected set of values, returns true if anything changed
func (r *KeyRunner[K, V]) Upsert(values []V) bool {
	startList, updated := r.upsertInternal(values)

	for _, entry := range startList {
		r.wg.Go(func() {
			r.doRunHandler(entry)
		})
	}

	return updated
}

// Shutdown cancels all loops and waits for them to return.
// Upsert after Shutdown does not start anything.
func (r *KeyRunner[K, V]) Shutdown() {
	r.upsertInternal(nil)

	r.mut.Lock()
	r.shutdown = true
	r.mut.Unlock()

	r.wg.Wait()
}

// ActiveValues returns the values of the expected set, unordered
func (r *KeyRunner[K, V]) ActiveValues() []V {
	r.mut.Lock()
	defer r.mut.Unlock()

	result := make([]V, 0, len(r.activeKeys))
	for key := range r.activeKeys {
		result = append(result, r.running[key].val)
	}
	return slices.Clip(result)
}

// ==================================
// Private Methods
// ==================================

func (r *KeyRunner[K, V]) doRunHandler(entry startEntry[V]) {
	for {
		r.handler(entry.ctx, entry.val)
		entry.cancel()

		key := r.getKey(entry.val)

		var continued bool
		entry, continued = r.finishInternal(key)
		if !continued {
			return
		}
	}
}

type runThread[V comparable] struct {
	val    V
	cancel func()
}

type startEntry[V comparable] struct {
	val    V
	ctx    context.Context
	cancel func()
}

func newStartEntry[V comparable](val V) startEntry[V] {
	ctx, cancel := context.WithCancel(context.Background())
	return startEntry[V]{
		val:    val,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *KeyRunner[K, V]) upsertInternal(values []V) ([]startEntry[V], bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.shutdown {
		return nil, false
	}

	var updated bool
	var startList []startEntry[V]

	newSet := map[K]struct{}{}
	for _, val := range values {
		newSet[r.getKey(val)] = struct{}{}
	}

	for key := range r.activeKeys {
		if _, ok := newSet[key]; ok {
			continue
		}

		updated = true
		delete(r.activeKeys, key)
		r.running[key].cancel()
	}

	for _, val := range values {
		key := r.getKey(val)

		if _, existed := r.activeKeys[key]; existed {
			// update on changed
			thread := r.running[key]
			if thread.val != val {
				updated = true
				thread.val = val
				thread.cancel()
			}
			continue
		}

		r.activeKeys[key] = struct{}{}
		updated = true

		thread, ok := r.running[key]
		if ok {
			// still finishing, the handler will be restarted with the new value
			thread.val = val
			continue
		}

		entry := newStartEntry(val)
		r.running[key] = &runThread[V]{
			val:    val,
			cancel: entry.cancel,
		}
		startList = append(startList, entry)
	}

	return startList, updated
}

func (r *KeyRunner[K, V]) finishInternal(key K) (startEntry[V], bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if _, ok := r.activeKeys[key]; !ok {
		delete(r.running, key)
		return startEntry[V]{}, false
	}

	thread := r.running[key]
	entry := newStartEntry(thread.val)
	thread.cancel = entry.cancel

	return entry, true
}
