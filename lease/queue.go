package lease

import (
	"context"
	"slices"
	"sync"

	"github.com/QuangTung97/leasekv/cond"
)

// Queue keeps, for each key, the FIFO order of leases waiting on (or holding) that key.
// The head of a key's queue is the current holder of that key.
type Queue struct {
	mut    sync.Mutex
	queues map[string][]LeaseID

	// leases that must be freed as soon as they reach the head of a queue
	pendingFrees map[LeaseID]*pendingFree

	// servers whose leases were purged, their later leases are ignored
	purged map[string]struct{}

	waitCond *cond.KeyCond[string]
}

type pendingFree struct {
	popped bool
}

func NewQueue() *Queue {
	q := &Queue{
		queues:       map[string][]LeaseID{},
		pendingFrees: map[LeaseID]*pendingFree{},
		purged:       map[string]struct{}{},
	}
	q.waitCond = cond.NewKeyCond[string](&q.mut)
	return q
}

// Apply appends a decided value, in key order.
// Purge markers of the value are applied first.
func (q *Queue) Apply(value ConsensusValue) {
	q.mut.Lock()
	defer q.mut.Unlock()

	for _, serverID := range value.PurgedServers() {
		q.purgeServer(serverID)
	}

	for _, key := range value.Keys() {
		if key == PurgeKey {
			continue
		}
		queue := q.queues[key]
		for _, id := range value[key] {
			if slices.Contains(queue, id) {
				continue
			}
			if _, ok := q.purged[id.ServerID]; ok {
				continue
			}
			queue = append(queue, id)
		}
		if len(queue) > 0 {
			q.queues[key] = queue
		}
		q.waitCond.Signal(key)
	}

	q.drainPendingFrees()
}

// ObtainedLeases returns true if the lease is at the head of the queue of every key
func (q *Queue) ObtainedLeases(keys []string, id LeaseID) bool {
	q.mut.Lock()
	defer q.mut.Unlock()

	_, ok := q.findNotObtained(keys, id)
	return !ok
}

// FreeLeases pops the lease from every queue it is the head of
func (q *Queue) FreeLeases(id LeaseID) {
	q.mut.Lock()
	defer q.mut.Unlock()

	q.popHeads(id)
	q.drainPendingFrees()
}

// ForceFreeLeases removes the lease from every queue regardless of its position
func (q *Queue) ForceFreeLeases(id LeaseID) {
	q.mut.Lock()
	defer q.mut.Unlock()

	q.forceFree(id)
	q.drainPendingFrees()
}

// IsPurged returns true if the leases of the server were purged by a decided value
func (q *Queue) IsPurged(serverID string) bool {
	q.mut.Lock()
	defer q.mut.Unlock()
	_, ok := q.purged[serverID]
	return ok
}

// ScheduleFree frees the lease now where it is the head,
// and later where it reaches the head, including queues it is not yet appended to
func (q *Queue) ScheduleFree(id LeaseID) {
	q.mut.Lock()
	defer q.mut.Unlock()

	if _, existed := q.pendingFrees[id]; !existed {
		q.pendingFrees[id] = &pendingFree{}
	}
	q.drainPendingFrees()
}

func (q *Queue) Contains(id LeaseID) bool {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.containsLease(id)
}

// HasSuccessor returns true if another lease is queued after the lease on any of the keys
func (q *Queue) HasSuccessor(keys []string, id LeaseID) bool {
	q.mut.Lock()
	defer q.mut.Unlock()

	for _, key := range keys {
		queue := q.queues[key]
		index := slices.Index(queue, id)
		if index >= 0 && index < len(queue)-1 {
			return true
		}
	}
	return false
}

// FindHeldLease returns a lease of the server that is the head of every key
func (q *Queue) FindHeldLease(keys []string, serverID string) (LeaseID, bool) {
	q.mut.Lock()
	defer q.mut.Unlock()

	if len(keys) == 0 {
		return LeaseID{}, false
	}

	queue := q.queues[keys[0]]
	if len(queue) == 0 {
		return LeaseID{}, false
	}

	head := queue[0]
	if head.ServerID != serverID {
		return LeaseID{}, false
	}
	if _, freeing := q.pendingFrees[head]; freeing {
		return LeaseID{}, false
	}
	if _, ok := q.findNotObtained(keys, head); ok {
		return LeaseID{}, false
	}
	return head, true
}

// Wait blocks until the lease is at the head of the queue of every key
func (q *Queue) Wait(ctx context.Context, keys []string, id LeaseID) error {
	q.mut.Lock()
	defer q.mut.Unlock()

	for {
		key, ok := q.findNotObtained(keys, id)
		if !ok {
			return nil
		}
		if err := q.waitCond.Wait(ctx, key); err != nil {
			return err
		}
	}
}

// Snapshot returns a deep copy of all queues
func (q *Queue) Snapshot() map[string][]LeaseID {
	q.mut.Lock()
	defer q.mut.Unlock()
	return ConsensusValue(q.queues).Clone()
}

// ==================================
// Private Methods
// ==================================

func (q *Queue) findNotObtained(keys []string, id LeaseID) (string, bool) {
	for _, key := range keys {
		queue := q.queues[key]
		if len(queue) == 0 || queue[0] != id {
			return key, true
		}
	}
	return "", false
}

func (q *Queue) containsLease(id LeaseID) bool {
	return ConsensusValue(q.queues).Contains(id)
}

func (q *Queue) forceFree(id LeaseID) {
	delete(q.pendingFrees, id)

	for key, queue := range q.queues {
		index := slices.Index(queue, id)
		if index < 0 {
			continue
		}
		q.setQueue(key, slices.Delete(queue, index, index+1))
		q.waitCond.Signal(key)
	}
}

func (q *Queue) purgeServer(serverID string) {
	q.purged[serverID] = struct{}{}

	var ids []LeaseID
	for _, queue := range q.queues {
		for _, id := range queue {
			if id.ServerID == serverID && !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	for id := range q.pendingFrees {
		if id.ServerID == serverID && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		q.forceFree(id)
	}
}

func (q *Queue) setQueue(key string, queue []LeaseID) {
	if len(queue) == 0 {
		delete(q.queues, key)
		return
	}
	q.queues[key] = queue
}

func (q *Queue) popHeads(id LeaseID) bool {
	popped := false
	for key, queue := range q.queues {
		if queue[0] != id {
			continue
		}
		popped = true
		q.setQueue(key, queue[1:])
		q.waitCond.Signal(key)
	}
	return popped
}

func (q *Queue) drainPendingFrees() {
	if len(q.pendingFrees) == 0 {
		return
	}

	for changed := true; changed; {
		changed = false
		for id, state := range q.pendingFrees {
			if q.popHeads(id) {
				state.popped = true
				changed = true
			}
		}
	}

	for id, state := range q.pendingFrees {
		if state.popped && !q.containsLease(id) {
			delete(q.pendingFrees, id)
		}
	}
}
