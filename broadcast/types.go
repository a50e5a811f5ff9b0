package broadcast

import (
	"context"
	"errors"
	"time"
)

var ErrNoMajority = errors.New("broadcast: majority not reached")

// Envelope is the common shape of every broadcast request
type Envelope[P any] struct {
	// ServerID is the index of the originating process in the broadcast group
	ServerID uint64 `json:"server_id"`

	// BroadcasterID is the index of the process that relayed this copy
	BroadcasterID uint64 `json:"broadcaster_id"`

	// SequenceNum is assigned by the broadcaster of the originating process
	SequenceNum uint64 `json:"seq"`

	Payload P `json:"payload"`
}

// MessageID is unique in a group of peerCount processes
func (e Envelope[P]) MessageID(peerCount int) uint64 {
	return e.ServerID + e.SequenceNum*uint64(peerCount)
}

// RemoteCall delivers the envelope to the process with index peer in the group
type RemoteCall[P any] func(ctx context.Context, peer int, env Envelope[P]) (bool, error)

// Group describes the processes taking part in a broadcast, identified by their indices
type Group struct {
	SelfIndex int
	PeerCount int // including self

	// CallTimeout is the timeout of each single remote call, zero means no timeout
	CallTimeout time.Duration
}

func (g Group) otherPeers() []int {
	result := make([]int, 0, g.PeerCount)
	for i := 0; i < g.PeerCount; i++ {
		if i == g.SelfIndex {
			continue
		}
		result = append(result, i)
	}
	return result
}

func AssertTrue(b bool) {
	if !b {
		panic("must be true here")
	}
}
