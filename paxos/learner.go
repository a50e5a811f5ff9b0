package paxos

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/QuangTung97/leasekv/broadcast"
)

// Learner receives the decisions of all proposers through the uniform reliable broadcast
// and applies them exactly once, in round order
type Learner struct {
	receiver    *broadcast.Receiver[LearnPayload]
	broadcaster *broadcast.Broadcaster[LearnPayload]
	tob         *broadcast.TOBReceiver[LearnPayload]
	logger      *zap.Logger

	mut       sync.Mutex
	seenBound Round
}

// NewLearner creates the learner of a process in the group of all learners.
// apply is called with the lock of the total order held.
func NewLearner(
	group broadcast.Group,
	call broadcast.RemoteCall[LearnPayload],
	apply func(payload LearnPayload),
	logger *zap.Logger,
) *Learner {
	l := &Learner{
		logger: logger,
	}

	l.tob = broadcast.NewTOBReceiver(0, learnOrderKey, func(payload LearnPayload) {
		logger.Debug("apply learned round",
			zap.Uint64("round", uint64(payload.Round)),
			zap.Stringer("value", payload),
		)
		apply(payload)
	})

	l.receiver = broadcast.NewReceiver(group, call, l.deliver, logger)
	l.broadcaster = broadcast.NewBroadcaster(l.receiver)
	return l
}

func (l *Learner) deliver(env broadcast.Envelope[LearnPayload]) {
	l.mut.Lock()
	if env.Payload.Round >= l.seenBound {
		l.seenBound = env.Payload.Round + 1
	}
	l.mut.Unlock()

	l.tob.Deliver(env)
}

// HandleLearn processes a Learn request of a peer
func (l *Learner) HandleLearn(ctx context.Context, env broadcast.Envelope[LearnPayload]) bool {
	return l.receiver.ProcessRequest(ctx, env)
}

// Broadcast sends a decision to all learners, returns after the local delivery
func (l *Learner) Broadcast(ctx context.Context, payload LearnPayload) error {
	_, err := l.broadcaster.SendUntilDelivered(ctx, payload)
	return err
}

// SeenBound returns one more than the highest round delivered by the broadcast,
// including the rounds still waiting for an earlier round
func (l *Learner) SeenBound() Round {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.seenBound
}

// NextRound returns the next round to be applied
func (l *Learner) NextRound() Round {
	return Round(l.tob.Next())
}

// SetPeerObserver see broadcast.Receiver.SetPeerObserver
func (l *Learner) SetPeerObserver(onTimeout func(peer int), onSuccess func(peer int)) {
	l.receiver.SetPeerObserver(onTimeout, onSuccess)
}
