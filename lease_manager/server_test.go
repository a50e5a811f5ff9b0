package lease_manager

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuangTung97/leasekv/config"
	"github.com/QuangTung97/leasekv/lease"
	"github.com/QuangTung97/leasekv/paxos"
	"github.com/QuangTung97/leasekv/rpc"
)

var (
	lease1 = lease.LeaseID{SequenceNum: 1, ServerID: "TM1"}
	lease2 = lease.LeaseID{SequenceNum: 2, ServerID: "TM1"}
)

func newSystemConfig() config.SystemConfig {
	return config.SystemConfig{
		Processes: []config.ProcessInfo{
			{ID: "LM1", Role: config.RoleLeaseManager},
		},
		StartTime:        time.Now(),
		ProposerInterval: config.Duration(100 * time.Millisecond),
		CallTimeout:      config.Duration(100 * time.Millisecond),
	}
}

func newServer(t *testing.T, sys config.SystemConfig, onCrash func()) (*Server, *rpc.MemoryNetwork) {
	conf, err := sys.ForProcess("LM1")
	require.Equal(t, nil, err)

	network := rpc.NewMemoryNetwork()
	s := NewServer(conf, Options{
		Caller:  network,
		OnCrash: onCrash,
	})
	network.Register("LM1", s.Dispatcher())
	return s, network
}

func TestServer_Decide_Requested_Leases(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, network := newServer(t, newSystemConfig(), nil)
		s.Start()
		defer s.Stop()

		ctx := context.Background()
		client := rpc.NewLeaseClient(network, "TM1")

		ok, err := client.RequestLease(ctx, "LM1", lease.NewRequest(lease1, []string{"y", "x"}))
		require.Equal(t, nil, err)
		assert.Equal(t, true, ok)

		require.Equal(t, nil, s.State().Wait(ctx, 0))

		value, ok := s.State().Get(0)
		assert.Equal(t, true, ok)
		assert.Equal(t, lease.ConsensusValue{"x": {lease1}, "y": {lease1}}, value)

		round, ok := s.State().FindLease(lease1)
		assert.Equal(t, true, ok)
		assert.Equal(t, paxos.Round(0), round)

		// already decided
		_, err = client.RequestLease(ctx, "LM1", lease.NewRequest(lease1, []string{"x"}))
		require.Equal(t, nil, err)

		time.Sleep(time.Second)
		assert.Equal(t, paxos.Round(1), s.State().NextRound())
	})
}

func TestServer_Purge_Crashed_Transaction_Manager(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sys := newSystemConfig()
		sys.Processes = append(sys.Processes, config.ProcessInfo{ID: "TM1", Role: config.RoleTransactionManager})
		sys.SlotCount = 1
		sys.SlotDuration = config.Duration(time.Hour)
		sys.Slots = []config.SlotInfo{
			{Slot: 1, Crashed: []string{"TM1"}},
		}

		s, _ := newServer(t, sys, nil)
		s.Start()
		defer s.Stop()

		ctx := context.Background()
		require.Equal(t, nil, s.State().Wait(ctx, 0))

		value, ok := s.State().Get(0)
		assert.Equal(t, true, ok)
		assert.Equal(t, []string{"TM1"}, value.PurgedServers())

		// decided once
		time.Sleep(time.Second)
		assert.Equal(t, paxos.Round(1), s.State().NextRound())
	})
}

func TestServer_Request_Reserved_Lease(t *testing.T) {
	s, network := newServer(t, newSystemConfig(), nil)
	ctx := context.Background()
	client := rpc.NewLeaseClient(network, "TM1")

	ok, err := client.RequestLease(ctx, "LM1", lease.NewPurgeRequest("TM2"))
	require.Equal(t, nil, err)
	assert.Equal(t, false, ok)

	ok, err = client.RequestLease(ctx, "LM1", lease.NewRequest(lease1, []string{"x", lease.PurgeKey}))
	require.Equal(t, nil, err)
	assert.Equal(t, false, ok)

	resp, err := s.HandleStatus(ctx, &rpc.StatusRequest{})
	require.Equal(t, nil, err)
	assert.Equal(t, 0, resp.Pending)
}

func TestServer_Free_Pending_Lease(t *testing.T) {
	s, network := newServer(t, newSystemConfig(), nil)
	ctx := context.Background()
	client := rpc.NewLeaseClient(network, "TM1")

	_, err := client.RequestLease(ctx, "LM1", lease.NewRequest(lease1, []string{"x"}))
	require.Equal(t, nil, err)
	_, err = client.RequestLease(ctx, "LM1", lease.NewRequest(lease2, []string{"x"}))
	require.Equal(t, nil, err)

	ok, err := client.FreeLease(ctx, "LM1", lease1)
	require.Equal(t, nil, err)
	assert.Equal(t, true, ok)

	resp, err := s.HandleStatus(ctx, &rpc.StatusRequest{})
	require.Equal(t, nil, err)
	assert.Equal(t, &rpc.StatusResponse{
		ProcessID: "LM1",
		Role:      "lease_manager",
		Leader:    "LM1",
		Pending:   1,
	}, resp)
}

func TestServer_Acceptor_Handlers(t *testing.T) {
	s, _ := newServer(t, newSystemConfig(), nil)
	ctx := context.Background()

	prepareResp, err := s.HandlePrepare(ctx, &paxos.PrepareRequest{Round: 3, ProposalNumber: 2})
	require.Equal(t, nil, err)
	assert.Equal(t, true, prepareResp.Promise)

	value := lease.NewConsensusValue(lease.NewRequest(lease1, []string{"x"}))
	acceptResp, err := s.HandleAccept(ctx, &paxos.AcceptRequest{Round: 3, ProposalNumber: 1, Value: value})
	require.Equal(t, nil, err)
	assert.Equal(t, false, acceptResp.Accepted)
	assert.Equal(t, paxos.ProposalNumber(2), acceptResp.HighestPromised)

	acceptResp, err = s.HandleAccept(ctx, &paxos.AcceptRequest{Round: 3, ProposalNumber: 2, Value: value})
	require.Equal(t, nil, err)
	assert.Equal(t, true, acceptResp.Accepted)
}

func TestServer_Play_Dead(t *testing.T) {
	sys := newSystemConfig()
	sys.Processes = append(sys.Processes, config.ProcessInfo{ID: "TM1", Role: config.RoleTransactionManager})
	sys.SlotCount = 1
	sys.SlotDuration = config.Duration(time.Hour)
	sys.Slots = []config.SlotInfo{
		{Slot: 1, Suspicions: []config.Suspicion{{"TM1", "LM1"}}},
	}

	_, network := newServer(t, sys, nil)

	_, err := rpc.NewLeaseClient(network, "TM1").RequestLease(
		context.Background(), "LM1", lease.NewRequest(lease1, []string{"x"}),
	)
	assert.Equal(t, rpc.ErrPlayDead, err)

	_, err = rpc.NewTxClient(network, "C1").Status(context.Background(), "LM1")
	assert.Equal(t, nil, err)
}

func TestServer_Crash(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sys := newSystemConfig()
		sys.SlotCount = 2
		sys.SlotDuration = config.Duration(time.Second)
		sys.Slots = []config.SlotInfo{
			{Slot: 2, Crashed: []string{"LM1"}},
		}

		crashCh := make(chan struct{})
		s, _ := newServer(t, sys, func() { close(crashCh) })
		s.Start()
		defer s.Stop()

		time.Sleep(500 * time.Millisecond)
		select {
		case <-crashCh:
			t.Fatal("must not crash in slot 1")
		default:
		}

		time.Sleep(time.Second)
		<-crashCh
	})
}
