package rpc

import (
	"github.com/QuangTung97/leasekv/lease"
)

const (
	CmdPrepare               = "prepare"
	CmdAccept                = "accept"
	CmdLearn                 = "learn"
	CmdRequestLease          = "request_lease"
	CmdFreeLease             = "free_lease"
	CmdUpdateReplicatedWrite = "update_replicated_write"
	CmdSubmitTransaction     = "submit_transaction"
	CmdStatus                = "status"
)

type OkResponse struct {
	Ok bool `json:"ok"`
}

type FreeLeaseRequest struct {
	LeaseID lease.LeaseID `json:"lease_id"`
}

// WritePayload is the write set of a transaction replicated to the other transaction managers
type WritePayload struct {
	TxnID         string            `json:"txn_id"`
	LeaseID       lease.LeaseID     `json:"lease_id"`
	WriteSet      map[string]string `json:"write_set"`
	FreeLeaseFlag bool              `json:"free_lease"`
}

// WriteKeys returns the keys of the write set in sorted order
func (p WritePayload) WriteKeys() []string {
	keys := make([]string, 0, len(p.WriteSet))
	for k := range p.WriteSet {
		keys = append(keys, k)
	}
	return lease.NormalizeKeys(keys)
}

type SubmitTransactionRequest struct {
	ClientID string            `json:"client_id"`
	ReadKeys []string          `json:"read_keys"`
	WriteSet map[string]string `json:"write_set"`
}

type ReadResult struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Found bool   `json:"found"`
}

type SubmitTransactionResponse struct {
	TxnID   string        `json:"txn_id"`
	LeaseID lease.LeaseID `json:"lease_id"`
	Results []ReadResult  `json:"results"`
}

type StatusRequest struct{}

type StatusResponse struct {
	ProcessID string `json:"process_id"`
	Role      string `json:"role"`
	Slot      int    `json:"slot"`
	Leader    string `json:"leader"`

	// NextRound is the first round not yet learned
	NextRound uint64 `json:"next_round"`

	// Pending is the number of lease requests not yet decided, lease managers only
	Pending int `json:"pending,omitempty"`

	// Leases is the lease queue of every key, transaction managers only
	Leases map[string][]lease.LeaseID `json:"leases,omitempty"`
}
