package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/QuangTung97/leasekv/async"
	"github.com/QuangTung97/leasekv/quorum"
)

type messageState int

const (
	messageStateInFlight messageState = iota + 1
	messageStateDelivered
)

// Receiver is the receiving side of the uniform reliable broadcast.
// A message is delivered locally only after a majority of the group has received it.
type Receiver[P any] struct {
	group   Group
	call    RemoteCall[P]
	deliver func(env Envelope[P])
	logger  *zap.Logger

	mut      sync.Mutex
	messages map[uint64]messageState

	// called when a peer call fails or succeeds, used for local failure detection
	onPeerTimeout func(peer int)
	onPeerSuccess func(peer int)
}

func NewReceiver[P any](
	group Group,
	call RemoteCall[P],
	deliver func(env Envelope[P]),
	logger *zap.Logger,
) *Receiver[P] {
	AssertTrue(group.SelfIndex >= 0 && group.SelfIndex < group.PeerCount)
	return &Receiver[P]{
		group:   group,
		call:    call,
		deliver: deliver,
		logger:  logger,

		messages: map[uint64]messageState{},
	}
}

// SetPeerObserver registers callbacks observing the result of every peer call
func (r *Receiver[P]) SetPeerObserver(onTimeout func(peer int), onSuccess func(peer int)) {
	r.onPeerTimeout = onTimeout
	r.onPeerSuccess = onSuccess
}

// ProcessRequest handles a copy of a broadcast message received from a peer.
// A message already seen is a no-op.
func (r *Receiver[P]) ProcessRequest(ctx context.Context, env Envelope[P]) bool {
	msgID := env.MessageID(r.group.PeerCount)

	r.mut.Lock()
	_, seen := r.messages[msgID]
	if !seen {
		r.messages[msgID] = messageStateInFlight
	}
	r.mut.Unlock()

	if seen {
		return true
	}

	r.forwardAndDeliver(ctx, msgID, env)
	return true
}

// originate starts the broadcast of a message of the local process
func (r *Receiver[P]) originate(ctx context.Context, env Envelope[P]) error {
	msgID := env.MessageID(r.group.PeerCount)

	r.mut.Lock()
	state, seen := r.messages[msgID]
	if !seen {
		r.messages[msgID] = messageStateInFlight
	}
	r.mut.Unlock()

	if seen {
		if state == messageStateDelivered {
			return nil
		}
		return fmt.Errorf("message %d still in flight: %w", msgID, ErrNoMajority)
	}

	if !r.forwardAndDeliver(ctx, msgID, env) {
		return ErrNoMajority
	}
	return nil
}

func (r *Receiver[P]) forwardAndDeliver(ctx context.Context, msgID uint64, env Envelope[P]) bool {
	peers := r.group.otherPeers()

	forwarded := env
	forwarded.BroadcasterID = uint64(r.group.SelfIndex)

	callCtx := context.WithoutCancel(ctx)
	handles := make([]*async.Future[bool], 0, len(peers)+1)
	for _, peer := range peers {
		handles = append(handles, async.Go(func() (bool, error) {
			return r.call(callCtx, peer, forwarded)
		}))
	}
	// the local process has received the message
	handles = append(handles, async.Resolved(true))

	ok := quorum.WaitMajority(ctx, handles, isTrue, quorum.Options[bool]{
		Timeout: r.group.CallTimeout,
		OnTimeout: func(index int, err error) {
			r.logger.Debug("broadcast peer call failed",
				zap.Int("peer", peers[index]),
				zap.Uint64("message", msgID),
				zap.Error(err),
			)
			if r.onPeerTimeout != nil {
				r.onPeerTimeout(peers[index])
			}
		},
		OnSuccess: func(index int, _ bool) {
			if index < len(peers) && r.onPeerSuccess != nil {
				r.onPeerSuccess(peers[index])
			}
		},
	})

	r.mut.Lock()
	if ok {
		r.messages[msgID] = messageStateDelivered
	} else {
		// allow a retransmission to complete the broadcast
		delete(r.messages, msgID)
	}
	r.mut.Unlock()

	if !ok {
		r.logger.Warn("broadcast majority not reached",
			zap.Uint64("server", env.ServerID),
			zap.Uint64("seq", env.SequenceNum),
		)
		return false
	}

	r.deliver(env)
	return true
}

func isTrue(v bool) bool {
	return v
}

// ================================================================
// Broadcaster
// ================================================================

// Broadcaster is the sending side of the uniform reliable broadcast
type Broadcaster[P any] struct {
	receiver *Receiver[P]
	nextSeq  atomic.Uint64

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewBroadcaster[P any](receiver *Receiver[P]) *Broadcaster[P] {
	return &Broadcaster[P]{
		receiver: receiver,

		minBackoff: 10 * time.Millisecond,
		maxBackoff: 1000 * time.Millisecond,
	}
}

// NewEnvelope assigns the next sequence number of this broadcaster to the payload
func (b *Broadcaster[P]) NewEnvelope(payload P) Envelope[P] {
	selfIndex := uint64(b.receiver.group.SelfIndex)
	return Envelope[P]{
		ServerID:      selfIndex,
		BroadcasterID: selfIndex,
		SequenceNum:   b.nextSeq.Add(1) - 1,
		Payload:       payload,
	}
}

// Send broadcasts the payload once, it is delivered locally only if a majority acknowledged it
func (b *Broadcaster[P]) Send(ctx context.Context, payload P) (Envelope[P], error) {
	env := b.NewEnvelope(payload)
	return env, b.receiver.originate(ctx, env)
}

// SendUntilDelivered retries the same envelope until it is delivered locally or ctx is done
func (b *Broadcaster[P]) SendUntilDelivered(ctx context.Context, payload P) (Envelope[P], error) {
	env := b.NewEnvelope(payload)
	return env, b.Retransmit(ctx, env)
}

// Retransmit sends an envelope created by NewEnvelope until it is delivered locally or ctx is done
func (b *Broadcaster[P]) Retransmit(ctx context.Context, env Envelope[P]) error {
	wait := b.minBackoff
	for {
		err := b.receiver.originate(ctx, env)
		if err == nil {
			return nil
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		wait *= 2
		if wait > b.maxBackoff {
			wait = b.maxBackoff
		}
	}
}
