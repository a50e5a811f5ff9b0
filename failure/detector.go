package failure

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QuangTung97/leasekv/config"
)

// Detector answers who is suspected and who is the leader from the point of view of one process.
// It combines the declared schedule with suspicions observed from timeouts.
type Detector struct {
	self          string
	leaseManagers []string
	schedule      *Schedule
	now           func() time.Time
	logger        *zap.Logger

	mut        sync.Mutex
	observed   map[string]struct{}
	lastLeader string
}

func NewDetector(
	conf config.ProcessConfiguration,
	schedule *Schedule,
	now func() time.Time,
	logger *zap.Logger,
) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{
		self:          conf.Self.ID,
		leaseManagers: conf.LeaseManagerIDs(),
		schedule:      schedule,
		now:           now,
		logger:        logger,

		observed: map[string]struct{}{},
	}
}

func (d *Detector) CurrentSlot() int {
	return d.schedule.SlotAt(d.now())
}

// IsSuspected returns true if the current process suspects id, a process never suspects itself.
// A process declared crashed is suspected by everyone.
func (d *Detector) IsSuspected(id string) bool {
	if id == d.self {
		return false
	}
	slot := d.CurrentSlot()
	if d.schedule.Suspects(slot, d.self, id) || d.schedule.IsCrashed(slot, id) {
		return true
	}

	d.mut.Lock()
	defer d.mut.Unlock()
	_, ok := d.observed[id]
	return ok
}

// ObserveTimeout marks the process suspected after a failed call
func (d *Detector) ObserveTimeout(id string) {
	if id == d.self {
		return
	}

	d.mut.Lock()
	defer d.mut.Unlock()

	if _, existed := d.observed[id]; existed {
		return
	}
	d.observed[id] = struct{}{}
	d.logger.Debug("observed suspicion", zap.String("peer", id))
}

// ObserveSuccess clears the observed suspicion of the process
func (d *Detector) ObserveSuccess(id string) {
	d.mut.Lock()
	defer d.mut.Unlock()

	if _, existed := d.observed[id]; !existed {
		return
	}
	delete(d.observed, id)
	d.logger.Debug("cleared suspicion", zap.String("peer", id))
}

// Leader returns the lowest indexed lease manager not suspected, empty if all are suspected
func (d *Detector) Leader() string {
	leader := ""
	for _, id := range d.leaseManagers {
		if !d.IsSuspected(id) {
			leader = id
			break
		}
	}

	d.mut.Lock()
	changed := leader != d.lastLeader
	d.lastLeader = leader
	d.mut.Unlock()

	if changed {
		d.logger.Info("leader changed", zap.String("leader", leader), zap.Int("slot", d.CurrentSlot()))
	}
	return leader
}

func (d *Detector) IsLeader() bool {
	return d.Leader() == d.self
}

// PlayDead returns true if calls from the process must be refused,
// because it suspects the current process in the current slot
func (d *Detector) PlayDead(from string) bool {
	if from == "" || from == d.self {
		return false
	}
	return d.schedule.Suspects(d.CurrentSlot(), from, d.self)
}

// IsCrashed returns true when the current process must stop
func (d *Detector) IsCrashed() bool {
	return d.schedule.IsCrashed(d.CurrentSlot(), d.self)
}

// IsProcessCrashed returns true if the schedule declares the process crashed in the current slot
func (d *Detector) IsProcessCrashed(id string) bool {
	return d.schedule.IsCrashed(d.CurrentSlot(), id)
}
