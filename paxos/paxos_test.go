package paxos_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QuangTung97/leasekv/broadcast"
	"github.com/QuangTung97/leasekv/lease"
	. "github.com/QuangTung97/leasekv/paxos"
)

var errUnreachable = errors.New("unreachable")

var (
	lease1 = lease.LeaseID{SequenceNum: 1, ServerID: "TM1"}
	lease2 = lease.LeaseID{SequenceNum: 1, ServerID: "TM2"}
	lease3 = lease.LeaseID{SequenceNum: 2, ServerID: "TM1"}
)

// paxosTest wires lease managers (learner index < numLM) and transaction managers
// (learner index >= numLM) in memory
type paxosTest struct {
	numLM int

	mut  sync.Mutex
	down map[int]bool

	acceptors []Acceptor
	learners  []*Learner
	states    []*ConsensusState
	proposers []Proposer

	leaderMut sync.Mutex
	leaders   map[int]bool
}

type testAcceptorClient struct {
	root *paxosTest
}

func (c testAcceptorClient) Prepare(_ context.Context, peer int, req PrepareRequest) (PrepareResponse, error) {
	if c.root.isDown(peer) {
		return PrepareResponse{}, errUnreachable
	}
	return c.root.acceptors[peer].Prepare(req), nil
}

func (c testAcceptorClient) Accept(_ context.Context, peer int, req AcceptRequest) (AcceptResponse, error) {
	if c.root.isDown(peer) {
		return AcceptResponse{}, errUnreachable
	}
	return c.root.acceptors[peer].Accept(req), nil
}

func newPaxosTest(numLM int, numTM int) *paxosTest {
	p := &paxosTest{
		numLM:   numLM,
		down:    map[int]bool{},
		leaders: map[int]bool{0: true},
	}

	numLearners := numLM + numTM
	for i := 0; i < numLearners; i++ {
		state := NewConsensusState()
		p.states = append(p.states, state)

		group := broadcast.Group{
			SelfIndex:   i,
			PeerCount:   numLearners,
			CallTimeout: 5 * time.Second,
		}
		learner := NewLearner(group, p.learnCall, func(payload LearnPayload) {
			AssertTrue(state.Decide(payload.Round, payload.Value))
		}, zap.NewNop())
		p.learners = append(p.learners, learner)
	}

	for i := 0; i < numLM; i++ {
		p.acceptors = append(p.acceptors, NewAcceptor(zap.NewNop()))
	}

	for i := 0; i < numLM; i++ {
		p.proposers = append(p.proposers, p.newProposer(i, 50*time.Millisecond, nil))
	}

	return p
}

func (p *paxosTest) newProposer(index int, retry time.Duration, isLeader func() bool) Proposer {
	if isLeader == nil {
		isLeader = func() bool {
			return p.isLeader(index)
		}
	}
	return NewProposer(
		ProposerConfig{
			Index:         index,
			Count:         p.numLM,
			CallTimeout:   time.Second,
			RetryInterval: retry,
		},
		ProposerOptions{
			IsLeader: isLeader,
		},
		p.acceptors[index],
		testAcceptorClient{root: p},
		p.learners[index],
		p.states[index],
		zap.NewNop(),
	)
}

func (p *paxosTest) learnCall(ctx context.Context, peer int, env broadcast.Envelope[LearnPayload]) (bool, error) {
	if p.isDown(peer) {
		return false, errUnreachable
	}
	return p.learners[peer].HandleLearn(ctx, env), nil
}

func (p *paxosTest) isDown(peer int) bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.down[peer]
}

func (p *paxosTest) setDown(peer int) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.down[peer] = true
}

func (p *paxosTest) isLeader(index int) bool {
	p.leaderMut.Lock()
	defer p.leaderMut.Unlock()
	return p.leaders[index]
}

func (p *paxosTest) setLeader(index int, leader bool) {
	p.leaderMut.Lock()
	defer p.leaderMut.Unlock()
	p.leaders[index] = leader
}

func (p *paxosTest) getDecided(learner int, round Round) lease.ConsensusValue {
	value, ok := p.states[learner].Get(round)
	if !ok {
		return nil
	}
	return value
}
