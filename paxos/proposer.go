package paxos

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QuangTung97/leasekv/async"
	"github.com/QuangTung97/leasekv/lease"
	"github.com/QuangTung97/leasekv/quorum"
)

// AcceptorClient calls the acceptor of the lease manager with index peer
type AcceptorClient interface {
	Prepare(ctx context.Context, peer int, req PrepareRequest) (PrepareResponse, error)
	Accept(ctx context.Context, peer int, req AcceptRequest) (AcceptResponse, error)
}

type ProposerConfig struct {
	// Index is the index of the current process among lease managers
	Index int

	// Count is the number of lease managers
	Count int

	// CallTimeout is applied to every Prepare / Accept call
	CallTimeout time.Duration

	// RetryInterval is the waiting time before a new attempt of an undecided round
	RetryInterval time.Duration
}

type ProposerOptions struct {
	// IsLeader reports whether the current process is the leader right now
	IsLeader func() bool

	// OnPeerTimeout and OnPeerSuccess observe the results of the acceptor calls
	OnPeerTimeout func(peer int)
	OnPeerSuccess func(peer int)
}

type Proposer interface {
	// AddRequest adds a lease request to the pending list, returns false if already added
	AddRequest(req lease.Request) bool

	// RemoveRequest drops an undecided lease request
	RemoveRequest(id lease.LeaseID) bool

	// PendingRequests returns the requests not yet decided, ordered by lease id
	PendingRequests() []lease.Request

	// Propose runs a single attempt of Prepare then Accept,
	// then broadcasts the decided value to all learners
	Propose(ctx context.Context, round Round, value lease.ConsensusValue) (bool, error)

	// RunRound runs one iteration of the batching loop
	RunRound(ctx context.Context) (bool, error)
}

type proposerImpl struct {
	conf     ProposerConfig
	opts     ProposerOptions
	acceptor Acceptor
	client   AcceptorClient
	learner  *Learner
	state    *ConsensusState
	logger   *zap.Logger

	mut     sync.Mutex
	numbers NumberGenerator
	pending []lease.Request
}

func NewProposer(
	conf ProposerConfig,
	opts ProposerOptions,
	acceptor Acceptor,
	client AcceptorClient,
	learner *Learner,
	state *ConsensusState,
	logger *zap.Logger,
) Proposer {
	if opts.IsLeader == nil {
		opts.IsLeader = func() bool { return true }
	}
	if conf.RetryInterval <= 0 {
		conf.RetryInterval = 50 * time.Millisecond
	}

	return &proposerImpl{
		conf:     conf,
		opts:     opts,
		acceptor: acceptor,
		client:   client,
		learner:  learner,
		state:    state,
		logger:   logger,

		numbers: NewNumberGenerator(conf.Index, conf.Count),
	}
}

func (p *proposerImpl) AddRequest(req lease.Request) bool {
	if _, decided := p.state.FindLease(req.LeaseID); decided {
		return false
	}

	p.mut.Lock()
	defer p.mut.Unlock()

	for _, existed := range p.pending {
		if existed.Equal(req) {
			return false
		}
	}
	p.pending = append(p.pending, req)
	return true
}

func (p *proposerImpl) RemoveRequest(id lease.LeaseID) bool {
	p.mut.Lock()
	defer p.mut.Unlock()

	oldLen := len(p.pending)
	p.pending = slices.DeleteFunc(p.pending, func(req lease.Request) bool {
		return req.LeaseID == id
	})
	return len(p.pending) < oldLen
}

func (p *proposerImpl) PendingRequests() []lease.Request {
	return p.removeDecided()
}

// removeDecided drops the pending requests already present in a decided value
func (p *proposerImpl) removeDecided() []lease.Request {
	p.mut.Lock()
	defer p.mut.Unlock()

	p.pending = slices.DeleteFunc(p.pending, func(req lease.Request) bool {
		_, decided := p.state.FindLease(req.LeaseID)
		return decided
	})

	result := slices.Clone(p.pending)
	slices.SortFunc(result, func(a, b lease.Request) int {
		return lease.CompareLeaseID(a.LeaseID, b.LeaseID)
	})
	return result
}

func (p *proposerImpl) nextNumber() ProposalNumber {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.numbers.Next()
}

func (p *proposerImpl) observePromised(promised ProposalNumber) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.numbers.Observe(promised)
}

func (p *proposerImpl) quorumOptions() quorum.Options[bool] {
	return quorum.Options[bool]{
		Timeout: p.conf.CallTimeout,
		OnTimeout: func(index int, err error) {
			p.logger.Debug("acceptor call failed", zap.Int("peer", index), zap.Error(err))
			if p.opts.OnPeerTimeout != nil {
				p.opts.OnPeerTimeout(index)
			}
		},
		OnSuccess: func(index int, _ bool) {
			if index != p.conf.Index && p.opts.OnPeerSuccess != nil {
				p.opts.OnPeerSuccess(index)
			}
		},
	}
}

// fanOut calls every acceptor, the local one directly
func fanOut[Resp any](
	ctx context.Context, p *proposerImpl,
	local func() Resp,
	remote func(ctx context.Context, peer int) (Resp, error),
) []*async.Future[Resp] {
	handles := make([]*async.Future[Resp], 0, p.conf.Count)
	for peer := 0; peer < p.conf.Count; peer++ {
		if peer == p.conf.Index {
			handles = append(handles, async.Resolved(local()))
			continue
		}
		handles = append(handles, async.Go(func() (Resp, error) {
			return remote(ctx, peer)
		}))
	}
	return handles
}

// toBool maps the responses to their pass / fail result, observing each accepted response
func toBool[Resp any](
	handles []*async.Future[Resp], pass func(resp Resp) bool,
) []*async.Future[bool] {
	result := make([]*async.Future[bool], 0, len(handles))
	for _, h := range handles {
		f := async.NewFuture[bool]()
		go func() {
			<-h.Done()
			resp, err := h.Result()
			if err != nil {
				f.Complete(false, err)
				return
			}
			f.Complete(pass(resp), nil)
		}()
		result = append(result, f)
	}
	return result
}

func (p *proposerImpl) Propose(ctx context.Context, round Round, value lease.ConsensusValue) (bool, error) {
	if !p.opts.IsLeader() {
		return false, ErrNotLeader
	}

	number := p.nextNumber()
	logger := p.logger.With(
		zap.Uint64("round", uint64(round)),
		zap.Uint64("proposal", uint64(number)),
	)

	// Phase 1: Prepare
	prepareReq := PrepareRequest{
		Round:          round,
		ProposalNumber: number,
	}

	var respMut sync.Mutex
	var highestPromised ProposalNumber
	var adopted *PrepareResponse

	prepareHandles := fanOut(ctx, p,
		func() PrepareResponse {
			return p.acceptor.Prepare(prepareReq)
		},
		func(ctx context.Context, peer int) (PrepareResponse, error) {
			return p.client.Prepare(ctx, peer, prepareReq)
		},
	)
	ok := quorum.WaitMajority(ctx,
		toBool(prepareHandles, func(resp PrepareResponse) bool {
			respMut.Lock()
			defer respMut.Unlock()

			if !resp.Promise {
				highestPromised = max(highestPromised, resp.HighestPromised)
				return false
			}
			if resp.HasValue && (adopted == nil || resp.WriteTimestamp > adopted.WriteTimestamp) {
				adopted = &resp
			}
			return true
		}),
		isTrue, p.quorumOptions(),
	)

	respMut.Lock()
	p.observePromised(highestPromised)
	if adopted != nil {
		value = adopted.Value
	}
	respMut.Unlock()

	if !ok {
		logger.Debug("prepare majority not reached")
		return false, fmt.Errorf("prepare: %w", ErrNoMajority)
	}

	if !p.opts.IsLeader() {
		logger.Info("lost leadership before accept")
		return false, ErrNotLeader
	}

	// Phase 2: Accept
	acceptReq := AcceptRequest{
		Round:          round,
		ProposalNumber: number,
		Value:          value.Clone(),
	}

	acceptHandles := fanOut(ctx, p,
		func() AcceptResponse {
			return p.acceptor.Accept(acceptReq)
		},
		func(ctx context.Context, peer int) (AcceptResponse, error) {
			return p.client.Accept(ctx, peer, acceptReq)
		},
	)
	ok = quorum.WaitMajority(ctx,
		toBool(acceptHandles, func(resp AcceptResponse) bool {
			if !resp.Accepted {
				p.observePromised(resp.HighestPromised)
			}
			return resp.Accepted
		}),
		isTrue, p.quorumOptions(),
	)
	if !ok {
		logger.Debug("accept majority not reached")
		return false, fmt.Errorf("accept: %w", ErrNoMajority)
	}

	logger.Info("round decided", zap.Stringer("value", LearnPayload{Round: round, Value: value}))

	err := p.learner.Broadcast(ctx, LearnPayload{
		Round: round,
		Value: value.Clone(),
	})
	return true, err
}

func isTrue(v bool) bool {
	return v
}

// proposeUntilDecided retries the round until it is decided locally
func (p *proposerImpl) proposeUntilDecided(ctx context.Context, round Round, value lease.ConsensusValue) error {
	for {
		if p.state.IsDecided(round) {
			return nil
		}

		decided, err := p.Propose(ctx, round, value)
		if decided {
			return p.state.Wait(ctx, round)
		}
		if errors.Is(err, ErrNotLeader) {
			return err
		}

		select {
		case <-time.After(p.conf.RetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *proposerImpl) RunRound(ctx context.Context) (bool, error) {
	if !p.opts.IsLeader() {
		return false, ErrNotLeader
	}

	if len(p.removeDecided()) == 0 {
		return false, nil
	}

	// fill the rounds seen by the learner but not yet decided locally
	round := p.state.NextRound()
	for ; round < p.learner.SeenBound(); round++ {
		p.logger.Debug("fill gap round", zap.Uint64("round", uint64(round)))
		if err := p.proposeUntilDecided(ctx, round, lease.ConsensusValue{}); err != nil {
			return false, err
		}
	}

	pending := p.removeDecided()
	if len(pending) == 0 {
		return false, nil
	}

	round = p.state.NextRound()
	candidate := lease.NewConsensusValue(pending...)

	if err := p.proposeUntilDecided(ctx, round, candidate); err != nil {
		return false, err
	}

	p.removeDecided()
	return true, nil
}
