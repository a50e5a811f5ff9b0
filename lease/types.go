package lease

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
)

// ----------------------------------------------------------

type LeaseID struct {
	SequenceNum uint64 `json:"seq"`
	ServerID    string `json:"server"`
}

func (l LeaseID) String() string {
	return fmt.Sprintf("%s:%d", l.ServerID, l.SequenceNum)
}

func (l LeaseID) IsZero() bool {
	return l == LeaseID{}
}

func CompareLeaseID(a, b LeaseID) int {
	if a.SequenceNum != b.SequenceNum {
		return cmp.Compare(a.SequenceNum, b.SequenceNum)
	}
	return cmp.Compare(a.ServerID, b.ServerID)
}

// ----------------------------------------------------------

// Request is a pending claim of a lease on a set of keys
type Request struct {
	LeaseID LeaseID  `json:"lease_id"`
	Keys    []string `json:"keys"`
}

// NewRequest normalizes keys into a sorted set
func NewRequest(id LeaseID, keys []string) Request {
	return Request{
		LeaseID: id,
		Keys:    NormalizeKeys(keys),
	}
}

func (r Request) Equal(other Request) bool {
	return r.LeaseID == other.LeaseID
}

func NormalizeKeys(keys []string) []string {
	result := slices.Clone(keys)
	slices.Sort(result)
	return slices.Compact(result)
}

// PurgeKey is reserved for purge markers, it is never a key of a transaction
const PurgeKey = "\x00purge"

// NewPurgeRequest releases every lease of a crashed server once decided.
// Its lease id has sequence number zero, which no server assigns.
func NewPurgeRequest(serverID string) Request {
	return Request{
		LeaseID: LeaseID{ServerID: serverID},
		Keys:    []string{PurgeKey},
	}
}

// ----------------------------------------------------------

// ConsensusValue maps a key to the queue of leases appended to that key in one round.
// A lease appears at most once in a key's queue.
type ConsensusValue map[string][]LeaseID

func NewConsensusValue(requests ...Request) ConsensusValue {
	v := ConsensusValue{}
	for _, req := range requests {
		v.Add(req)
	}
	return v
}

// Add appends the lease of the request to the queue of every key of the request
func (v ConsensusValue) Add(req Request) {
	for _, key := range req.Keys {
		queue := v[key]
		if slices.Contains(queue, req.LeaseID) {
			continue
		}
		v[key] = append(queue, req.LeaseID)
	}
}

// Clone returns a deep copy, queues of the copy are independent
func (v ConsensusValue) Clone() ConsensusValue {
	if v == nil {
		return ConsensusValue{}
	}
	result := make(ConsensusValue, len(v))
	for key, queue := range v {
		result[key] = slices.Clone(queue)
	}
	return result
}

func (v ConsensusValue) Contains(id LeaseID) bool {
	for _, queue := range v {
		if slices.Contains(queue, id) {
			return true
		}
	}
	return false
}

func (v ConsensusValue) IsEmpty() bool {
	for _, queue := range v {
		if len(queue) > 0 {
			return false
		}
	}
	return true
}

func (v ConsensusValue) Keys() []string {
	return slices.Sorted(maps.Keys(v))
}

// LeaseIDs returns the distinct leases of the value in sorted order
func (v ConsensusValue) LeaseIDs() []LeaseID {
	var result []LeaseID
	for _, queue := range v {
		result = append(result, queue...)
	}
	slices.SortFunc(result, CompareLeaseID)
	return slices.Compact(result)
}

// PurgedServers returns the servers whose leases are released by this value, in sorted order
func (v ConsensusValue) PurgedServers() []string {
	var result []string
	for _, id := range v[PurgeKey] {
		result = append(result, id.ServerID)
	}
	slices.Sort(result)
	return slices.Compact(result)
}

func (v ConsensusValue) Equal(other ConsensusValue) bool {
	if v.IsEmpty() || other.IsEmpty() {
		return v.IsEmpty() && other.IsEmpty()
	}
	return maps.EqualFunc(v, other, slices.Equal[[]LeaseID])
}

func AssertTrue(b bool) {
	if !b {
		panic("must be true here")
	}
}
