package broadcast

import (
	"sync"
)

// TOBReceiver delivers messages in the global order given by orderKey, whoever originated them.
// Exactly one message is delivered per order key.
type TOBReceiver[P any] struct {
	orderKey func(payload P) uint64
	deliver  func(payload P)

	mut    sync.Mutex
	buffer *OrderBuffer[P]
}

func NewTOBReceiver[P any](
	start uint64,
	orderKey func(payload P) uint64,
	deliver func(payload P),
) *TOBReceiver[P] {
	return &TOBReceiver[P]{
		orderKey: orderKey,
		deliver:  deliver,
		buffer:   NewOrderBuffer[P](start),
	}
}

// Deliver is the URB delivery callback
func (r *TOBReceiver[P]) Deliver(env Envelope[P]) {
	r.mut.Lock()
	defer r.mut.Unlock()

	for _, ready := range r.buffer.Push(r.orderKey(env.Payload), env.Payload) {
		r.deliver(ready)
	}
}

// Next returns the order key expected to be delivered next
func (r *TOBReceiver[P]) Next() uint64 {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.buffer.Next()
}
