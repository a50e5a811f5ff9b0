package paxos

import (
	"context"
	"sync"

	"github.com/QuangTung97/leasekv/cond"
	"github.com/QuangTung97/leasekv/lease"
)

// ConsensusState keeps the decided values, rounds are decided in order, each exactly once
type ConsensusState struct {
	mut      sync.Mutex
	decided  []lease.ConsensusValue
	leaseSet map[lease.LeaseID]Round
	waitCond *cond.KeyCond[Round]
}

func NewConsensusState() *ConsensusState {
	s := &ConsensusState{
		leaseSet: map[lease.LeaseID]Round{},
	}
	s.waitCond = cond.NewKeyCond[Round](&s.mut)
	return s
}

// Decide records the value of the next round, returns false for any other round
func (s *ConsensusState) Decide(round Round, value lease.ConsensusValue) bool {
	s.mut.Lock()
	defer s.mut.Unlock()

	if round != Round(len(s.decided)) {
		return false
	}

	value = value.Clone()
	s.decided = append(s.decided, value)
	for _, id := range value.LeaseIDs() {
		s.leaseSet[id] = round
	}

	s.waitCond.Signal(round)
	return true
}

// NextRound returns the first undecided round
func (s *ConsensusState) NextRound() Round {
	s.mut.Lock()
	defer s.mut.Unlock()
	return Round(len(s.decided))
}

func (s *ConsensusState) Get(round Round) (lease.ConsensusValue, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if round >= Round(len(s.decided)) {
		return nil, false
	}
	return s.decided[round].Clone(), true
}

func (s *ConsensusState) IsDecided(round Round) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return round < Round(len(s.decided))
}

// FindLease returns the round whose decided value contains the lease
func (s *ConsensusState) FindLease(id lease.LeaseID) (Round, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()

	round, ok := s.leaseSet[id]
	return round, ok
}

// Wait blocks until the round is decided
func (s *ConsensusState) Wait(ctx context.Context, round Round) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	return s.waitCond.WaitUntil(ctx, round, func() bool {
		return round < Round(len(s.decided))
	})
}
