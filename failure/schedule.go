package failure

import (
	"time"

	"github.com/QuangTung97/leasekv/config"
)

// Schedule is the declared failure schedule, read only after creation.
// Slots start from one, slot zero means before the start time or no schedule.
type Schedule struct {
	startTime    time.Time
	slotCount    int
	slotDuration time.Duration

	crashedAt  map[string]int
	suspicions map[int]map[config.Suspicion]struct{}
}

func NewSchedule(conf config.SystemConfig) *Schedule {
	s := &Schedule{
		startTime:    conf.StartTime,
		slotCount:    conf.SlotCount,
		slotDuration: conf.SlotDuration.Std(),

		crashedAt:  map[string]int{},
		suspicions: map[int]map[config.Suspicion]struct{}{},
	}

	for _, slot := range conf.Slots {
		for _, id := range slot.Crashed {
			prev, ok := s.crashedAt[id]
			if !ok || slot.Slot < prev {
				s.crashedAt[id] = slot.Slot
			}
		}

		set, ok := s.suspicions[slot.Slot]
		if !ok {
			set = map[config.Suspicion]struct{}{}
			s.suspicions[slot.Slot] = set
		}
		for _, pair := range slot.Suspicions {
			set[pair] = struct{}{}
		}
	}
	return s
}

// SlotAt returns the slot of the time, the last slot lasts forever
func (s *Schedule) SlotAt(now time.Time) int {
	if s.slotCount == 0 || s.slotDuration <= 0 {
		return 0
	}
	if now.Before(s.startTime) {
		return 0
	}

	slot := int(now.Sub(s.startTime)/s.slotDuration) + 1
	return min(slot, s.slotCount)
}

// IsCrashed returns true from the first slot the process is declared crashed
func (s *Schedule) IsCrashed(slot int, id string) bool {
	crashedAt, ok := s.crashedAt[id]
	if !ok {
		return false
	}
	return slot >= crashedAt
}

// Suspects returns true if suspect suspects suspected during the slot
func (s *Schedule) Suspects(slot int, suspect string, suspected string) bool {
	_, ok := s.suspicions[slot][config.Suspicion{suspect, suspected}]
	return ok
}
