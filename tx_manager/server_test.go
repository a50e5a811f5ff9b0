package tx_manager

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuangTung97/leasekv/broadcast"
	"github.com/QuangTung97/leasekv/config"
	"github.com/QuangTung97/leasekv/kvstore"
	"github.com/QuangTung97/leasekv/lease"
	"github.com/QuangTung97/leasekv/paxos"
	"github.com/QuangTung97/leasekv/rpc"
)

var (
	leaseA = lease.LeaseID{SequenceNum: 1, ServerID: "TM2"}
	leaseB = lease.LeaseID{SequenceNum: 2, ServerID: "TM2"}
	leaseC = lease.LeaseID{SequenceNum: 1, ServerID: "TM1"}
)

type serverTest struct {
	server  *Server
	store   kvstore.Store
	network *rpc.MemoryNetwork
	round   paxos.Round
}

func newServerTest(t *testing.T) *serverTest {
	sys := config.SystemConfig{
		Processes: []config.ProcessInfo{
			{ID: "LM1", Role: config.RoleLeaseManager},
			{ID: "TM1", Role: config.RoleTransactionManager},
			{ID: "TM2", Role: config.RoleTransactionManager},
		},
		CallTimeout: config.Duration(100 * time.Millisecond),
	}
	conf, err := sys.ForProcess("TM1")
	require.Equal(t, nil, err)

	store := kvstore.NewMemStore()
	network := rpc.NewMemoryNetwork()
	s := NewServer(conf, Options{
		Caller: network,
		Store:  store,
	})
	t.Cleanup(s.Stop)

	return &serverTest{
		server:  s,
		store:   store,
		network: network,
	}
}

func (s *serverTest) learn(requests ...lease.Request) {
	s.server.applyLearned(paxos.LearnPayload{
		Round: s.round,
		Value: lease.NewConsensusValue(requests...),
	})
	s.round++
}

func (s *serverTest) deliver(seq uint64, payload rpc.WritePayload) {
	s.server.deliverWrite(broadcast.Envelope[rpc.WritePayload]{
		ServerID:    1,
		SequenceNum: seq,
		Payload:     payload,
	})
}

func (s *serverTest) get(t *testing.T, key string) string {
	var value string
	err := s.store.View(func(txn kvstore.Txn) error {
		value, _ = txn.Get(key)
		return nil
	})
	require.Equal(t, nil, err)
	return value
}

func (s *serverTest) pendingLen() int {
	s.server.pendingMut.Lock()
	defer s.server.pendingMut.Unlock()
	return len(s.server.pendingWrites)
}

func TestServer_Write_Waits_For_Lease(t *testing.T) {
	s := newServerTest(t)

	s.deliver(0, rpc.WritePayload{
		TxnID:    "txn1",
		LeaseID:  leaseA,
		WriteSet: map[string]string{"x": "1"},
	})
	assert.Equal(t, "", s.get(t, "x"))
	assert.Equal(t, 1, s.pendingLen())

	s.learn(lease.NewRequest(leaseA, []string{"x"}))

	assert.Equal(t, "1", s.get(t, "x"))
	assert.Equal(t, 0, s.pendingLen())
	assert.Equal(t, true, s.server.Queue().Contains(leaseA))
}

func TestServer_Writes_Of_Same_Sender_In_Order(t *testing.T) {
	s := newServerTest(t)

	s.learn(lease.NewRequest(leaseB, []string{"y"}))

	s.deliver(0, rpc.WritePayload{
		TxnID:    "txn1",
		LeaseID:  leaseA,
		WriteSet: map[string]string{"x": "1"},
	})
	s.deliver(1, rpc.WritePayload{
		TxnID:    "txn2",
		LeaseID:  leaseB,
		WriteSet: map[string]string{"y": "2"},
	})

	// leaseB is obtained but the previous write of the same sender is blocked
	assert.Equal(t, "", s.get(t, "y"))
	assert.Equal(t, 2, s.pendingLen())

	s.learn(lease.NewRequest(leaseA, []string{"x"}))

	assert.Equal(t, "1", s.get(t, "x"))
	assert.Equal(t, "2", s.get(t, "y"))
	assert.Equal(t, 0, s.pendingLen())
}

func TestServer_Purged_Lease(t *testing.T) {
	s := newServerTest(t)

	s.learn(
		lease.NewRequest(leaseA, []string{"x"}),
		lease.NewRequest(leaseC, []string{"x"}),
	)
	s.deliver(0, rpc.WritePayload{
		TxnID:    "txn1",
		LeaseID:  leaseA,
		WriteSet: map[string]string{"x": "1"},
	})
	assert.Equal(t, "1", s.get(t, "x"))

	s.learn(lease.NewPurgeRequest("TM2"))

	queue := s.server.Queue()
	assert.Equal(t, false, queue.Contains(leaseA))
	assert.Equal(t, true, queue.ObtainedLeases([]string{"x"}, leaseC))

	// a late write of the purged server is dropped
	s.deliver(1, rpc.WritePayload{
		TxnID:    "txn2",
		LeaseID:  leaseB,
		WriteSet: map[string]string{"x": "2"},
	})
	assert.Equal(t, "1", s.get(t, "x"))
	assert.Equal(t, 0, s.pendingLen())
}

func TestServer_Free_Lease_Flag(t *testing.T) {
	s := newServerTest(t)

	s.learn(
		lease.NewRequest(leaseA, []string{"x"}),
	)
	s.learn(
		lease.NewRequest(leaseC, []string{"x"}),
	)

	s.deliver(0, rpc.WritePayload{
		TxnID:         "txn1",
		LeaseID:       leaseA,
		WriteSet:      map[string]string{"x": "1"},
		FreeLeaseFlag: true,
	})

	queue := s.server.Queue()
	assert.Equal(t, "1", s.get(t, "x"))
	assert.Equal(t, false, queue.Contains(leaseA))
	assert.Equal(t, true, queue.ObtainedLeases([]string{"x"}, leaseC))
}

func TestServer_Free_Before_Lease_Decided(t *testing.T) {
	s := newServerTest(t)

	// a cancelled lease request, freed without any write
	s.deliver(0, rpc.WritePayload{
		LeaseID:       leaseA,
		FreeLeaseFlag: true,
	})
	assert.Equal(t, 0, s.pendingLen())

	s.learn(
		lease.NewRequest(leaseA, []string{"x"}),
		lease.NewRequest(leaseC, []string{"x"}),
	)

	queue := s.server.Queue()
	assert.Equal(t, false, queue.Contains(leaseA))
	assert.Equal(t, true, queue.ObtainedLeases([]string{"x"}, leaseC))
}

func TestServer_Applied_Waiter_Closed(t *testing.T) {
	s := newServerTest(t)

	ch := make(chan struct{})
	s.server.appliedWaits["txn1"] = ch

	s.learn(lease.NewRequest(leaseA, []string{"x"}))
	s.deliver(0, rpc.WritePayload{
		TxnID:    "txn1",
		LeaseID:  leaseA,
		WriteSet: map[string]string{"x": "1"},
	})

	select {
	case <-ch:
	default:
		t.Fatal("waiter must be closed")
	}
	assert.Equal(t, 0, len(s.server.appliedWaits))
}

func TestServer_Submit_Empty_Transaction(t *testing.T) {
	s := newServerTest(t)

	_, err := s.server.SubmitTransaction(context.Background(), rpc.SubmitTransactionRequest{
		WriteSet: map[string]string{},
	})
	assert.Equal(t, ErrEmptyTransaction, err)

	_, err = s.server.SubmitTransaction(context.Background(), rpc.SubmitTransactionRequest{
		ReadKeys: []string{lease.PurgeKey},
	})
	assert.Equal(t, ErrReservedKey, err)
}

func TestServer_Submit_Cancelled_While_Waiting_Lease(t *testing.T) {
	s := newServerTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// no lease manager is reachable
	_, err := s.server.SubmitTransaction(ctx, rpc.SubmitTransactionRequest{
		ReadKeys: []string{"x"},
	})
	assert.Equal(t, context.DeadlineExceeded, err)

	s.server.leaseMut.Lock()
	h := s.server.held[lease.LeaseID{SequenceNum: 1, ServerID: "TM1"}]
	s.server.leaseMut.Unlock()
	assert.Equal(t, &heldLease{keys: []string{"x"}, retiring: true}, h)
}

func TestServer_Status(t *testing.T) {
	s := newServerTest(t)

	s.learn(lease.NewRequest(leaseA, []string{"x"}))

	resp, err := s.server.HandleStatus(context.Background(), &rpc.StatusRequest{})
	require.Equal(t, nil, err)
	assert.Equal(t, &rpc.StatusResponse{
		ProcessID: "TM1",
		Role:      "transaction_manager",
		Leader:    "LM1",
		NextRound: 1,
		Leases:    map[string][]lease.LeaseID{"x": {leaseA}},
	}, resp)
}

type submitResult struct {
	resp rpc.SubmitTransactionResponse
	err  error
}

func (s *serverTest) submitAsync(req rpc.SubmitTransactionRequest) <-chan submitResult {
	ch := make(chan submitResult, 1)
	go func() {
		resp, err := s.server.SubmitTransaction(context.Background(), req)
		ch <- submitResult{resp: resp, err: err}
	}()
	return ch
}

func TestServer_Lease_Not_Reused_Before_Write_Applied(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newServerTest(t)

		// the peer transaction manager acknowledges writes only when released
		releaseCh := make(chan struct{})
		s.network.Register("TM2", rpc.NewDispatcher(nil).Register(
			rpc.CmdUpdateReplicatedWrite,
			func(ctx context.Context, req *broadcast.Envelope[rpc.WritePayload]) (*rpc.OkResponse, error) {
				<-releaseCh
				return &rpc.OkResponse{Ok: true}, nil
			},
		))

		lease1 := lease.LeaseID{SequenceNum: 1, ServerID: "TM1"}
		lease2 := lease.LeaseID{SequenceNum: 2, ServerID: "TM1"}

		s.learn(lease.NewRequest(lease1, []string{"x"}))

		firstCh := s.submitAsync(rpc.SubmitTransactionRequest{
			WriteSet: map[string]string{"x": "1"},
		})
		synctest.Wait()
		assert.Equal(t, "", s.get(t, "x"))

		secondCh := s.submitAsync(rpc.SubmitTransactionRequest{
			ReadKeys: []string{"x"},
			WriteSet: map[string]string{"x": "2"},
		})
		synctest.Wait()

		s.learn(lease.NewRequest(lease2, []string{"x"}))
		close(releaseCh)

		first := <-firstCh
		require.Equal(t, nil, first.err)
		assert.Equal(t, lease1, first.resp.LeaseID)
		assert.Equal(t, "1", s.get(t, "x"))

		// the idle first lease has a successor now
		s.server.releaseIdleLeases()

		second := <-secondCh
		require.Equal(t, nil, second.err)
		assert.Equal(t, lease2, second.resp.LeaseID)
		assert.Equal(t, []rpc.ReadResult{{Key: "x", Value: "1", Found: true}}, second.resp.Results)
		assert.Equal(t, "2", s.get(t, "x"))
	})
}

func TestServer_Lease_Reused_After_Write_Applied(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newServerTest(t)
		s.network.Register("TM2", rpc.NewDispatcher(nil).Register(
			rpc.CmdUpdateReplicatedWrite,
			func(ctx context.Context, req *broadcast.Envelope[rpc.WritePayload]) (*rpc.OkResponse, error) {
				return &rpc.OkResponse{Ok: true}, nil
			},
		))

		lease1 := lease.LeaseID{SequenceNum: 1, ServerID: "TM1"}
		s.learn(lease.NewRequest(lease1, []string{"x"}))

		first := <-s.submitAsync(rpc.SubmitTransactionRequest{
			WriteSet: map[string]string{"x": "1"},
		})
		require.Equal(t, nil, first.err)

		second := <-s.submitAsync(rpc.SubmitTransactionRequest{
			ReadKeys: []string{"x"},
			WriteSet: map[string]string{"x": "2"},
		})
		require.Equal(t, nil, second.err)
		assert.Equal(t, lease1, second.resp.LeaseID)
		assert.Equal(t, []rpc.ReadResult{{Key: "x", Value: "1", Found: true}}, second.resp.Results)
		assert.Equal(t, "2", s.get(t, "x"))
	})
}
