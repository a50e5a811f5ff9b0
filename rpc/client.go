package rpc

import (
	"context"

	"github.com/QuangTung97/leasekv/broadcast"
	"github.com/QuangTung97/leasekv/lease"
	"github.com/QuangTung97/leasekv/paxos"
)

// AcceptorClient calls the acceptors of the lease managers, peer is the index in leaseManagers
type AcceptorClient struct {
	caller        Caller
	from          string
	leaseManagers []string
}

var _ paxos.AcceptorClient = AcceptorClient{}

func NewAcceptorClient(caller Caller, from string, leaseManagers []string) AcceptorClient {
	return AcceptorClient{
		caller:        caller,
		from:          from,
		leaseManagers: leaseManagers,
	}
}

func (c AcceptorClient) Prepare(
	ctx context.Context, peer int, req paxos.PrepareRequest,
) (paxos.PrepareResponse, error) {
	resp, err := Call[paxos.PrepareRequest, paxos.PrepareResponse](
		ctx, c.caller, c.from, c.leaseManagers[peer], CmdPrepare, &req,
	)
	if err != nil {
		return paxos.PrepareResponse{}, err
	}
	return *resp, nil
}

func (c AcceptorClient) Accept(
	ctx context.Context, peer int, req paxos.AcceptRequest,
) (paxos.AcceptResponse, error) {
	resp, err := Call[paxos.AcceptRequest, paxos.AcceptResponse](
		ctx, c.caller, c.from, c.leaseManagers[peer], CmdAccept, &req,
	)
	if err != nil {
		return paxos.AcceptResponse{}, err
	}
	return *resp, nil
}

// BroadcastCall returns the remote call of a broadcast group, peer is the index in peers
func BroadcastCall[P any](
	caller Caller, from string, cmd string, peers []string,
) broadcast.RemoteCall[P] {
	return func(ctx context.Context, peer int, env broadcast.Envelope[P]) (bool, error) {
		resp, err := Call[broadcast.Envelope[P], OkResponse](ctx, caller, from, peers[peer], cmd, &env)
		if err != nil {
			return false, err
		}
		return resp.Ok, nil
	}
}

// LeaseClient calls the lease managers
type LeaseClient struct {
	caller Caller
	from   string
}

func NewLeaseClient(caller Caller, from string) LeaseClient {
	return LeaseClient{
		caller: caller,
		from:   from,
	}
}

func (c LeaseClient) RequestLease(ctx context.Context, to string, req lease.Request) (bool, error) {
	resp, err := Call[lease.Request, OkResponse](ctx, c.caller, c.from, to, CmdRequestLease, &req)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (c LeaseClient) FreeLease(ctx context.Context, to string, id lease.LeaseID) (bool, error) {
	req := FreeLeaseRequest{LeaseID: id}
	resp, err := Call[FreeLeaseRequest, OkResponse](ctx, c.caller, c.from, to, CmdFreeLease, &req)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// TxClient is used by clients of transaction managers
type TxClient struct {
	caller Caller
	from   string
}

func NewTxClient(caller Caller, from string) TxClient {
	return TxClient{
		caller: caller,
		from:   from,
	}
}

func (c TxClient) SubmitTransaction(
	ctx context.Context, to string, req SubmitTransactionRequest,
) (SubmitTransactionResponse, error) {
	resp, err := Call[SubmitTransactionRequest, SubmitTransactionResponse](
		ctx, c.caller, c.from, to, CmdSubmitTransaction, &req,
	)
	if err != nil {
		return SubmitTransactionResponse{}, err
	}
	return *resp, nil
}

func (c TxClient) Status(ctx context.Context, to string) (StatusResponse, error) {
	resp, err := Call[StatusRequest, StatusResponse](ctx, c.caller, c.from, to, CmdStatus, &StatusRequest{})
	if err != nil {
		return StatusResponse{}, err
	}
	return *resp, nil
}
