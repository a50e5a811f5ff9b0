package tx_manager

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/QuangTung97/leasekv/async"
	"github.com/QuangTung97/leasekv/broadcast"
	"github.com/QuangTung97/leasekv/config"
	"github.com/QuangTung97/leasekv/failure"
	"github.com/QuangTung97/leasekv/key_runner"
	"github.com/QuangTung97/leasekv/kvstore"
	"github.com/QuangTung97/leasekv/lease"
	"github.com/QuangTung97/leasekv/paxos"
	"github.com/QuangTung97/leasekv/quorum"
	"github.com/QuangTung97/leasekv/rpc"
)

var (
	ErrEmptyTransaction = errors.New("tx_manager: transaction has no keys")
	ErrReservedKey      = errors.New("tx_manager: reserved key")
)

const (
	defaultTickInterval   = 20 * time.Millisecond
	defaultResendInterval = 500 * time.Millisecond
)

type Options struct {
	Caller rpc.Caller
	Store  kvstore.Store

	// Now is the clock of the failure schedule, default is time.Now
	Now func() time.Time

	// OnCrash is called once when the schedule declares the process crashed
	OnCrash func()

	TickInterval time.Duration

	// ResendInterval is the waiting time before a lease request is sent again
	// when its lease is still unknown
	ResendInterval time.Duration

	Logger *zap.Logger
}

// Server is a transaction manager: it runs transactions on its replica of the key value store
// once it holds the leases of their keys, then replicates their writes to the other transaction managers
type Server struct {
	conf     config.ProcessConfiguration
	opts     Options
	detector *failure.Detector
	logger   *zap.Logger
	store    kvstore.Store

	queue   *lease.Queue
	state   *paxos.ConsensusState
	learner *paxos.Learner

	writeReceiver    *broadcast.Receiver[rpc.WritePayload]
	writeBroadcaster *broadcast.Broadcaster[rpc.WritePayload]
	fifo             *broadcast.FIFOReceiver[rpc.WritePayload]

	leaseClient rpc.LeaseClient
	nextLease   atomic.Uint64

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
	clock  *key_runner.KeyRunner[string, string]

	leaseMut sync.Mutex
	held     map[lease.LeaseID]*heldLease

	pendingMut    sync.Mutex
	pendingWrites []broadcast.Envelope[rpc.WritePayload]
	appliedWaits  map[string]chan struct{}

	crashOnce sync.Once
}

// heldLease is a lease created by this server
type heldLease struct {
	keys     []string
	inUse    bool
	retiring bool
}

func NewServer(conf config.ProcessConfiguration, opts Options) *Server {
	paxos.AssertTrue(conf.TransactionManagerIndex(conf.Self.ID) >= 0)

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Store == nil {
		opts.Store = kvstore.NewMemStore()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.ResendInterval <= 0 {
		opts.ResendInterval = defaultResendInterval
	}
	logger := opts.Logger.With(zap.String("process", conf.Self.ID))

	s := &Server{
		conf:     conf,
		opts:     opts,
		detector: failure.NewDetector(conf, failure.NewSchedule(conf.System), opts.Now, logger),
		logger:   logger,
		store:    opts.Store,

		queue: lease.NewQueue(),
		state: paxos.NewConsensusState(),

		leaseClient: rpc.NewLeaseClient(opts.Caller, conf.Self.ID),

		held:         map[lease.LeaseID]*heldLease{},
		appliedWaits: map[string]chan struct{}{},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	callTimeout := conf.System.CallTimeout.Std()

	learnerIDs := conf.LearnerIDs()
	s.learner = paxos.NewLearner(
		broadcast.Group{
			SelfIndex:   conf.LearnerIndex(conf.Self.ID),
			PeerCount:   len(learnerIDs),
			CallTimeout: callTimeout,
		},
		rpc.BroadcastCall[paxos.LearnPayload](opts.Caller, conf.Self.ID, rpc.CmdLearn, learnerIDs),
		s.applyLearned,
		logger,
	)
	s.learner.SetPeerObserver(
		func(peer int) { s.detector.ObserveTimeout(learnerIDs[peer]) },
		func(peer int) { s.detector.ObserveSuccess(learnerIDs[peer]) },
	)

	tmIDs := conf.TransactionManagerIDs()
	s.fifo = broadcast.NewFIFOReceiver(s.deliverWrite)
	s.writeReceiver = broadcast.NewReceiver(
		broadcast.Group{
			SelfIndex:   conf.TransactionManagerIndex(conf.Self.ID),
			PeerCount:   len(tmIDs),
			CallTimeout: callTimeout,
		},
		rpc.BroadcastCall[rpc.WritePayload](opts.Caller, conf.Self.ID, rpc.CmdUpdateReplicatedWrite, tmIDs),
		s.fifo.Deliver,
		logger,
	)
	s.writeBroadcaster = broadcast.NewBroadcaster(s.writeReceiver)

	s.clock = key_runner.New(func(name string) string { return name }, func(ctx context.Context, _ string) {
		for {
			s.tick(ctx)
			select {
			case <-time.After(opts.TickInterval):
			case <-ctx.Done():
				return
			}
		}
	})

	return s
}

// Dispatcher returns the handlers of the server, refusing the processes suspecting it
func (s *Server) Dispatcher() rpc.Dispatcher {
	return rpc.NewDispatcher(s.detector.PlayDead).
		Register(rpc.CmdLearn, s.HandleLearn).
		Register(rpc.CmdUpdateReplicatedWrite, s.HandleUpdateReplicatedWrite).
		Register(rpc.CmdSubmitTransaction, s.HandleSubmitTransaction).
		Register(rpc.CmdStatus, s.HandleStatus)
}

func (s *Server) Start() {
	s.clock.Upsert([]string{"clock"})
}

// Stop cancels the background loops and the pending retransmissions, the store is not closed
func (s *Server) Stop() {
	s.clock.Shutdown()
	s.cancel()
	s.wg.Wait()
}

func (s *Server) tick(ctx context.Context) {
	if s.detector.IsCrashed() {
		s.crashOnce.Do(func() {
			s.logger.Info("crash at scheduled slot", zap.Int("slot", s.detector.CurrentSlot()))
			if s.opts.OnCrash != nil {
				go s.opts.OnCrash()
			}
		})
		return
	}
	s.releaseIdleLeases()
}

// ================================================================
// Learned Rounds
// ================================================================

func (s *Server) applyLearned(payload paxos.LearnPayload) {
	paxos.AssertTrue(s.state.Decide(payload.Round, payload.Value))
	s.queue.Apply(payload.Value)
	s.applyPendingWrites()
}

// ================================================================
// Replicated Writes
// ================================================================

func (s *Server) deliverWrite(env broadcast.Envelope[rpc.WritePayload]) {
	s.pendingMut.Lock()
	s.pendingWrites = append(s.pendingWrites, env)
	s.pendingMut.Unlock()

	s.applyPendingWrites()
}

// applyPendingWrites applies the writes whose lease heads their keys.
// Writes of the same sender are applied in order.
func (s *Server) applyPendingWrites() {
	s.pendingMut.Lock()
	defer s.pendingMut.Unlock()

	for changed := true; changed; {
		changed = false

		blocked := map[uint64]struct{}{}
		remain := s.pendingWrites[:0]
		for _, env := range s.pendingWrites {
			if _, ok := blocked[env.ServerID]; ok {
				remain = append(remain, env)
				continue
			}
			if !s.queue.ObtainedLeases(env.Payload.WriteKeys(), env.Payload.LeaseID) {
				if s.queue.IsPurged(env.Payload.LeaseID.ServerID) {
					s.logger.Warn("drop write of purged lease",
						zap.String("txn", env.Payload.TxnID),
						zap.String("peer", env.Payload.LeaseID.ServerID),
						zap.Uint64("seq", env.Payload.LeaseID.SequenceNum),
					)
					changed = true
					continue
				}
				blocked[env.ServerID] = struct{}{}
				remain = append(remain, env)
				continue
			}
			s.applyWrite(env.Payload)
			changed = true
		}
		clear(s.pendingWrites[len(remain):])
		s.pendingWrites = remain
	}
}

func (s *Server) applyWrite(payload rpc.WritePayload) {
	if len(payload.WriteSet) > 0 {
		err := s.store.Update(func(txn kvstore.Txn) error {
			for k, v := range payload.WriteSet {
				txn.Set(k, v)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("apply write", zap.String("txn", payload.TxnID), zap.Error(err))
		}
	}

	if payload.FreeLeaseFlag {
		s.queue.ScheduleFree(payload.LeaseID)
		s.forgetLease(payload.LeaseID)
	} else if payload.LeaseID.ServerID == s.conf.Self.ID {
		s.releaseLease(payload.LeaseID)
	}

	s.logger.Debug("write applied",
		zap.String("txn", payload.TxnID),
		zap.Stringer("lease", payload.LeaseID),
		zap.Bool("free", payload.FreeLeaseFlag),
	)

	if ch, ok := s.appliedWaits[payload.TxnID]; ok {
		close(ch)
		delete(s.appliedWaits, payload.TxnID)
	}
}

// replicate broadcasts the write to every transaction manager.
// The retransmission is bound to the server, a missing sequence number would block all later writes.
func (s *Server) replicate(env broadcast.Envelope[rpc.WritePayload]) {
	s.wg.Go(func() {
		if err := s.writeBroadcaster.Retransmit(s.ctx, env); err != nil {
			s.logger.Warn("write not replicated", zap.String("txn", env.Payload.TxnID), zap.Error(err))
		}
	})
}

// ================================================================
// Leases
// ================================================================

// acquireLease reuses an idle lease of the server heading all keys, or requests a new one
func (s *Server) acquireLease(ctx context.Context, keys []string) (lease.LeaseID, error) {
	s.leaseMut.Lock()
	if id, ok := s.queue.FindHeldLease(keys, s.conf.Self.ID); ok {
		h, existed := s.held[id]
		if existed && !h.inUse && !h.retiring && !s.queue.HasSuccessor(h.keys, id) {
			h.inUse = true
			s.leaseMut.Unlock()
			s.logger.Debug("reuse lease", zap.Stringer("lease", id))
			return id, nil
		}
	}

	id := lease.LeaseID{
		SequenceNum: s.nextLease.Add(1),
		ServerID:    s.conf.Self.ID,
	}
	s.held[id] = &heldLease{keys: keys, inUse: true}
	s.leaseMut.Unlock()

	req := lease.NewRequest(id, keys)
	if err := s.waitLease(ctx, req); err != nil {
		s.cancelLease(req)
		return lease.LeaseID{}, err
	}
	return id, nil
}

func (s *Server) waitLease(ctx context.Context, req lease.Request) error {
	for {
		s.requestLease(ctx, req)

		waitCtx, cancel := context.WithTimeout(ctx, s.opts.ResendInterval)
		err := s.queue.Wait(waitCtx, req.Keys, req.LeaseID)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.queue.Contains(req.LeaseID) {
			// decided, only waiting for the previous holders
			return s.queue.Wait(ctx, req.Keys, req.LeaseID)
		}
	}
}

// requestLease sends the request to all lease managers, the leader among them proposes it
func (s *Server) requestLease(ctx context.Context, req lease.Request) bool {
	handles := async.FanOut(ctx, len(s.conf.LeaseManagers), func(ctx context.Context, index int) (bool, error) {
		return s.leaseClient.RequestLease(ctx, s.conf.LeaseManagers[index].ID, req)
	})
	ok := quorum.WaitMajority(ctx, handles, isTrue, quorum.Options[bool]{
		Timeout: s.conf.System.CallTimeout.Std(),
		OnTimeout: func(index int, err error) {
			s.detector.ObserveTimeout(s.conf.LeaseManagers[index].ID)
		},
		OnSuccess: func(index int, _ bool) {
			s.detector.ObserveSuccess(s.conf.LeaseManagers[index].ID)
		},
	})
	if !ok {
		s.logger.Warn("lease request not acknowledged by a majority", zap.Stringer("lease", req.LeaseID))
	}
	return ok
}

func isTrue(v bool) bool {
	return v
}

// cancelLease drops a lease whose transaction gave up waiting
func (s *Server) cancelLease(req lease.Request) {
	ctx, cancel := context.WithTimeout(s.ctx, s.conf.System.CallTimeout.Std())
	defer cancel()

	for _, lm := range s.conf.LeaseManagers {
		_, _ = s.leaseClient.FreeLease(ctx, lm.ID, req.LeaseID)
	}

	s.leaseMut.Lock()
	h := s.held[req.LeaseID]
	h.inUse = false
	h.retiring = true
	env := s.writeBroadcaster.NewEnvelope(rpc.WritePayload{
		LeaseID:       req.LeaseID,
		FreeLeaseFlag: true,
	})
	s.leaseMut.Unlock()

	// the lease may have been decided already
	s.replicate(env)
}

// finishLease must be called with leaseMut held, returns true if the lease must be freed.
// A lease with a replicated write stays in use until the write is applied locally.
func (s *Server) finishLease(id lease.LeaseID, replicated bool) bool {
	h := s.held[id]
	if s.queue.HasSuccessor(h.keys, id) {
		h.retiring = true
	}
	if !replicated && !h.retiring {
		h.inUse = false
	}
	return h.retiring
}

// releaseLease makes the lease reusable after the write of its transaction is applied
func (s *Server) releaseLease(id lease.LeaseID) {
	s.leaseMut.Lock()
	defer s.leaseMut.Unlock()

	if h, ok := s.held[id]; ok {
		h.inUse = false
	}
}

func (s *Server) forgetLease(id lease.LeaseID) {
	s.leaseMut.Lock()
	defer s.leaseMut.Unlock()
	delete(s.held, id)
}

// releaseIdleLeases frees the idle leases some other lease is waiting for
func (s *Server) releaseIdleLeases() {
	s.leaseMut.Lock()
	var envs []broadcast.Envelope[rpc.WritePayload]
	for id, h := range s.held {
		if h.inUse || h.retiring {
			continue
		}
		if !s.queue.HasSuccessor(h.keys, id) {
			continue
		}
		h.retiring = true
		envs = append(envs, s.writeBroadcaster.NewEnvelope(rpc.WritePayload{
			LeaseID:       id,
			FreeLeaseFlag: true,
		}))
	}
	s.leaseMut.Unlock()

	for _, env := range envs {
		s.logger.Debug("release idle lease", zap.Stringer("lease", env.Payload.LeaseID))
		s.replicate(env)
	}
}

// ================================================================
// Handlers
// ================================================================

func (s *Server) HandleLearn(
	ctx context.Context, req *broadcast.Envelope[paxos.LearnPayload],
) (*rpc.OkResponse, error) {
	return &rpc.OkResponse{Ok: s.learner.HandleLearn(ctx, *req)}, nil
}

func (s *Server) HandleUpdateReplicatedWrite(
	ctx context.Context, req *broadcast.Envelope[rpc.WritePayload],
) (*rpc.OkResponse, error) {
	return &rpc.OkResponse{Ok: s.writeReceiver.ProcessRequest(ctx, *req)}, nil
}

func (s *Server) HandleSubmitTransaction(
	ctx context.Context, req *rpc.SubmitTransactionRequest,
) (*rpc.SubmitTransactionResponse, error) {
	resp, err := s.SubmitTransaction(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *Server) HandleStatus(_ context.Context, _ *rpc.StatusRequest) (*rpc.StatusResponse, error) {
	return &rpc.StatusResponse{
		ProcessID: s.conf.Self.ID,
		Role:      string(s.conf.Self.Role),
		Slot:      s.detector.CurrentSlot(),
		Leader:    s.detector.Leader(),
		NextRound: uint64(s.state.NextRound()),
		Leases:    s.queue.Snapshot(),
	}, nil
}

// Queue returns the lease queue, for testing only
func (s *Server) Queue() *lease.Queue {
	return s.queue
}

// ================================================================
// Transactions
// ================================================================

// SubmitTransaction reads readKeys then writes writeSet, atomically with respect to
// every other transaction on the same keys at any transaction manager
func (s *Server) SubmitTransaction(
	ctx context.Context, req rpc.SubmitTransactionRequest,
) (rpc.SubmitTransactionResponse, error) {
	writeKeys := make([]string, 0, len(req.WriteSet))
	for k := range req.WriteSet {
		writeKeys = append(writeKeys, k)
	}
	keys := lease.NormalizeKeys(append(writeKeys, req.ReadKeys...))
	if len(keys) == 0 {
		return rpc.SubmitTransactionResponse{}, ErrEmptyTransaction
	}
	if slices.Contains(keys, lease.PurgeKey) {
		return rpc.SubmitTransactionResponse{}, ErrReservedKey
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	txnID := uuid.NewString()
	logger := s.logger.With(zap.String("txn", txnID), zap.String("client", clientID))

	leaseID, err := s.acquireLease(ctx, keys)
	if err != nil {
		logger.Debug("lease not obtained", zap.Error(err))
		return rpc.SubmitTransactionResponse{}, err
	}
	logger.Debug("lease obtained", zap.Stringer("lease", leaseID))

	results := make([]rpc.ReadResult, 0, len(req.ReadKeys))
	err = s.store.View(func(txn kvstore.Txn) error {
		for _, k := range req.ReadKeys {
			v, ok := txn.Get(k)
			results = append(results, rpc.ReadResult{Key: k, Value: v, Found: ok})
		}
		return nil
	})
	if err != nil {
		s.leaseMut.Lock()
		s.held[leaseID].inUse = false
		s.leaseMut.Unlock()
		return rpc.SubmitTransactionResponse{}, err
	}

	resp := rpc.SubmitTransactionResponse{
		TxnID:   txnID,
		LeaseID: leaseID,
		Results: results,
	}

	appliedCh := make(chan struct{})
	s.pendingMut.Lock()
	s.appliedWaits[txnID] = appliedCh
	s.pendingMut.Unlock()

	s.leaseMut.Lock()
	free := s.finishLease(leaseID, len(req.WriteSet) > 0)
	if len(req.WriteSet) == 0 && !free {
		s.leaseMut.Unlock()
		s.removeWaiter(txnID)
		return resp, nil
	}

	env := s.writeBroadcaster.NewEnvelope(rpc.WritePayload{
		TxnID:         txnID,
		LeaseID:       leaseID,
		WriteSet:      req.WriteSet,
		FreeLeaseFlag: free,
	})
	s.leaseMut.Unlock()

	s.replicate(env)

	select {
	case <-appliedCh:
		logger.Debug("transaction committed", zap.Bool("free_lease", free))
		return resp, nil
	case <-ctx.Done():
		s.removeWaiter(txnID)
		return rpc.SubmitTransactionResponse{}, ctx.Err()
	}
}

func (s *Server) removeWaiter(txnID string) {
	s.pendingMut.Lock()
	defer s.pendingMut.Unlock()
	delete(s.appliedWaits, txnID)
}
