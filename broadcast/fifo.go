package broadcast

import (
	"sync"
)

// FIFOReceiver delivers the messages of every originating process in the order of their sequence numbers
type FIFOReceiver[P any] struct {
	deliver func(env Envelope[P])

	mut     sync.Mutex
	senders map[uint64]*senderBuffer[P]
}

type senderBuffer[P any] struct {
	mut    sync.Mutex
	buffer *OrderBuffer[Envelope[P]]
}

func NewFIFOReceiver[P any](deliver func(env Envelope[P])) *FIFOReceiver[P] {
	return &FIFOReceiver[P]{
		deliver: deliver,
		senders: map[uint64]*senderBuffer[P]{},
	}
}

func (r *FIFOReceiver[P]) getSender(serverID uint64) *senderBuffer[P] {
	r.mut.Lock()
	defer r.mut.Unlock()

	s, ok := r.senders[serverID]
	if !ok {
		s = &senderBuffer[P]{
			buffer: NewOrderBuffer[Envelope[P]](0),
		}
		r.senders[serverID] = s
	}
	return s
}

// Deliver is the URB delivery callback
func (r *FIFOReceiver[P]) Deliver(env Envelope[P]) {
	s := r.getSender(env.ServerID)

	s.mut.Lock()
	defer s.mut.Unlock()

	for _, ready := range s.buffer.Push(env.SequenceNum, env) {
		r.deliver(ready)
	}
}

// NextSequence returns the next sequence number expected from serverID
func (r *FIFOReceiver[P]) NextSequence(serverID uint64) uint64 {
	s := r.getSender(serverID)

	s.mut.Lock()
	defer s.mut.Unlock()

	return s.buffer.Next()
}
