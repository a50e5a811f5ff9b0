package lease_manager

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QuangTung97/leasekv/broadcast"
	"github.com/QuangTung97/leasekv/config"
	"github.com/QuangTung97/leasekv/failure"
	"github.com/QuangTung97/leasekv/lease"
	"github.com/QuangTung97/leasekv/paxos"
	"github.com/QuangTung97/leasekv/rpc"
)

const defaultTickInterval = 20 * time.Millisecond

type Options struct {
	Caller rpc.Caller

	// Now is the clock of the failure schedule, default is time.Now
	Now func() time.Time

	// OnCrash is called once when the schedule declares the process crashed
	OnCrash func()

	TickInterval time.Duration
	Logger       *zap.Logger
}

// Server is a lease manager: an acceptor, a proposer and a learner of the lease decisions
type Server struct {
	conf     config.ProcessConfiguration
	index    int
	detector *failure.Detector
	logger   *zap.Logger
	onCrash  func()

	acceptor paxos.Acceptor
	state    *paxos.ConsensusState
	learner  *paxos.Learner
	proposer paxos.Proposer

	runner     paxos.NodeRunner
	stopRunner func()

	crashOnce sync.Once
}

func NewServer(conf config.ProcessConfiguration, opts Options) *Server {
	index := conf.LeaseManagerIndex(conf.Self.ID)
	paxos.AssertTrue(index >= 0)

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	logger := opts.Logger.With(zap.String("process", conf.Self.ID))

	s := &Server{
		conf:     conf,
		index:    index,
		detector: failure.NewDetector(conf, failure.NewSchedule(conf.System), opts.Now, logger),
		logger:   logger,
		onCrash:  opts.OnCrash,
	}

	s.acceptor = paxos.NewAcceptor(logger)
	s.state = paxos.NewConsensusState()

	learnerIDs := conf.LearnerIDs()
	s.learner = paxos.NewLearner(
		broadcast.Group{
			SelfIndex:   conf.LearnerIndex(conf.Self.ID),
			PeerCount:   len(learnerIDs),
			CallTimeout: conf.System.CallTimeout.Std(),
		},
		rpc.BroadcastCall[paxos.LearnPayload](opts.Caller, conf.Self.ID, rpc.CmdLearn, learnerIDs),
		func(payload paxos.LearnPayload) {
			paxos.AssertTrue(s.state.Decide(payload.Round, payload.Value))
		},
		logger,
	)
	s.learner.SetPeerObserver(
		func(peer int) { s.detector.ObserveTimeout(learnerIDs[peer]) },
		func(peer int) { s.detector.ObserveSuccess(learnerIDs[peer]) },
	)

	lmIDs := conf.LeaseManagerIDs()
	s.proposer = paxos.NewProposer(
		paxos.ProposerConfig{
			Index:         index,
			Count:         len(lmIDs),
			CallTimeout:   conf.System.CallTimeout.Std(),
			RetryInterval: conf.System.ProposerInterval.Std(),
		},
		paxos.ProposerOptions{
			IsLeader:      s.detector.IsLeader,
			OnPeerTimeout: func(peer int) { s.detector.ObserveTimeout(lmIDs[peer]) },
			OnPeerSuccess: func(peer int) { s.detector.ObserveSuccess(lmIDs[peer]) },
		},
		s.acceptor,
		rpc.NewAcceptorClient(opts.Caller, conf.Self.ID, lmIDs),
		s.learner,
		s.state,
		logger,
	)

	s.runner, s.stopRunner = paxos.NewNodeRunner(
		conf.System.ProposerInterval.Std(),
		func(ctx context.Context) error {
			_, err := s.proposer.RunRound(ctx)
			return err
		},
		opts.TickInterval,
		s.tick,
	)

	return s
}

// Dispatcher returns the handlers of the server, refusing the processes suspecting it
func (s *Server) Dispatcher() rpc.Dispatcher {
	return rpc.NewDispatcher(s.detector.PlayDead).
		Register(rpc.CmdPrepare, s.HandlePrepare).
		Register(rpc.CmdAccept, s.HandleAccept).
		Register(rpc.CmdLearn, s.HandleLearn).
		Register(rpc.CmdRequestLease, s.HandleRequestLease).
		Register(rpc.CmdFreeLease, s.HandleFreeLease).
		Register(rpc.CmdStatus, s.HandleStatus)
}

// Start starts the clock loop, which starts the proposer loop whenever the server is the leader
func (s *Server) Start() {
	s.runner.StartClock(true)
}

func (s *Server) Stop() {
	s.stopRunner()
}

func (s *Server) tick(ctx context.Context) error {
	if s.detector.IsCrashed() {
		s.crash()
		return nil
	}

	isLeader := s.detector.IsLeader()
	if s.runner.StartProposer(isLeader) {
		s.logger.Info("proposer loop changed", zap.Bool("running", isLeader))
	}
	if isLeader {
		s.purgeCrashed()
	}
	return nil
}

// purgeCrashed proposes the release of every lease of the crashed transaction managers,
// learners apply it at the same point of the round order
func (s *Server) purgeCrashed() {
	for _, tm := range s.conf.TransactionManagers {
		if !s.detector.IsProcessCrashed(tm.ID) {
			continue
		}
		if s.proposer.AddRequest(lease.NewPurgeRequest(tm.ID)) {
			s.logger.Info("purge leases of crashed process", zap.String("peer", tm.ID))
		}
	}
}

func (s *Server) crash() {
	s.crashOnce.Do(func() {
		s.logger.Info("crash at scheduled slot", zap.Int("slot", s.detector.CurrentSlot()))
		s.runner.StartProposer(false)
		if s.onCrash != nil {
			go s.onCrash()
		}
	})
}

// ================================================================
// Handlers
// ================================================================

func (s *Server) HandlePrepare(_ context.Context, req *paxos.PrepareRequest) (*paxos.PrepareResponse, error) {
	resp := s.acceptor.Prepare(*req)
	return &resp, nil
}

func (s *Server) HandleAccept(_ context.Context, req *paxos.AcceptRequest) (*paxos.AcceptResponse, error) {
	resp := s.acceptor.Accept(*req)
	return &resp, nil
}

func (s *Server) HandleLearn(
	ctx context.Context, req *broadcast.Envelope[paxos.LearnPayload],
) (*rpc.OkResponse, error) {
	return &rpc.OkResponse{Ok: s.learner.HandleLearn(ctx, *req)}, nil
}

func (s *Server) HandleRequestLease(ctx context.Context, req *lease.Request) (*rpc.OkResponse, error) {
	if req.LeaseID.SequenceNum == 0 || slices.Contains(req.Keys, lease.PurgeKey) {
		return &rpc.OkResponse{Ok: false}, nil
	}
	if s.proposer.AddRequest(lease.NewRequest(req.LeaseID, req.Keys)) {
		s.logger.Debug("lease requested",
			zap.Stringer("lease", req.LeaseID),
			zap.Strings("keys", req.Keys),
			zap.String("peer", rpc.FromContext(ctx)),
		)
	}
	return &rpc.OkResponse{Ok: true}, nil
}

func (s *Server) HandleFreeLease(_ context.Context, req *rpc.FreeLeaseRequest) (*rpc.OkResponse, error) {
	if s.proposer.RemoveRequest(req.LeaseID) {
		s.logger.Debug("pending lease cancelled", zap.Stringer("lease", req.LeaseID))
	}
	return &rpc.OkResponse{Ok: true}, nil
}

func (s *Server) HandleStatus(_ context.Context, _ *rpc.StatusRequest) (*rpc.StatusResponse, error) {
	return &rpc.StatusResponse{
		ProcessID: s.conf.Self.ID,
		Role:      string(s.conf.Self.Role),
		Slot:      s.detector.CurrentSlot(),
		Leader:    s.detector.Leader(),
		NextRound: uint64(s.state.NextRound()),
		Pending:   len(s.proposer.PendingRequests()),
	}, nil
}

// State returns the decided values, for testing only
func (s *Server) State() *paxos.ConsensusState {
	return s.state
}
