package paxos

import (
	"errors"
	"fmt"

	"github.com/QuangTung97/leasekv/lease"
)

var (
	ErrNotLeader  = errors.New("paxos: not the leader")
	ErrNoMajority = errors.New("paxos: majority not reached")
)

// ----------------------------------------------------------

// Round is the index of one independent instance of paxos, starting from zero
type Round uint64

// ProposalNumber is unique per proposer, zero is never used by any proposer
type ProposalNumber uint64

// ----------------------------------------------------------

// AcceptorState is the state of one acceptor for a single round
type AcceptorState struct {
	ReadTimestamp  ProposalNumber
	WriteTimestamp ProposalNumber

	// Value is valid only when WriteTimestamp > 0
	Value lease.ConsensusValue
}

func (s AcceptorState) HasValue() bool {
	return s.WriteTimestamp > 0
}

// ----------------------------------------------------------

type PrepareRequest struct {
	Round          Round          `json:"round"`
	ProposalNumber ProposalNumber `json:"proposal"`
}

type PrepareResponse struct {
	Promise bool `json:"promise"`

	// WriteTimestamp and Value are valid only when HasValue = true
	HasValue       bool                 `json:"has_value"`
	WriteTimestamp ProposalNumber       `json:"write_ts"`
	Value          lease.ConsensusValue `json:"value,omitempty"`

	// HighestPromised is the read timestamp of the acceptor when rejected
	HighestPromised ProposalNumber `json:"highest_promised"`
}

type AcceptRequest struct {
	Round          Round                `json:"round"`
	ProposalNumber ProposalNumber       `json:"proposal"`
	Value          lease.ConsensusValue `json:"value"`
}

type AcceptResponse struct {
	Accepted        bool           `json:"accepted"`
	HighestPromised ProposalNumber `json:"highest_promised"`
}

// LearnPayload is the decision of a round, broadcast to every learner
type LearnPayload struct {
	Round Round                `json:"round"`
	Value lease.ConsensusValue `json:"value"`
}

func (p LearnPayload) String() string {
	return fmt.Sprintf("round=%d,leases=%v", p.Round, p.Value.LeaseIDs())
}

func learnOrderKey(p LearnPayload) uint64 {
	return uint64(p.Round)
}

// ----------------------------------------------------------

// NumberGenerator produces the proposal numbers of one proposer:
// index+1, index+1+count, index+1+2*count, ...
type NumberGenerator struct {
	index int
	count int
	next  ProposalNumber
}

func NewNumberGenerator(index int, count int) NumberGenerator {
	AssertTrue(index >= 0 && index < count)
	return NumberGenerator{
		index: index,
		count: count,
		next:  ProposalNumber(index + 1),
	}
}

// Next returns a number never returned before
func (g *NumberGenerator) Next() ProposalNumber {
	n := g.next
	g.next += ProposalNumber(g.count)
	return n
}

// Observe makes the following number greater than promised
func (g *NumberGenerator) Observe(promised ProposalNumber) {
	if g.next > promised {
		return
	}
	first := ProposalNumber(g.index + 1)
	step := ProposalNumber(g.count)
	g.next = first + ((promised-first)/step+1)*step
}

// ----------------------------------------------------------

func AssertTrue(b bool) {
	if !b {
		panic("must be true here")
	}
}
