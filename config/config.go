package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Role string

const (
	RoleLeaseManager       Role = "lease_manager"
	RoleTransactionManager Role = "transaction_manager"
	RoleClient             Role = "client"
)

// Duration is a time.Duration written as a string in JSON, e.g. "250ms"
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type ProcessInfo struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Address string `json:"address"`
}

// Suspicion means Suspect suspects Suspected during a slot
type Suspicion [2]string

func (s Suspicion) Suspect() string {
	return s[0]
}

func (s Suspicion) Suspected() string {
	return s[1]
}

type SlotInfo struct {
	Slot       int         `json:"slot"`
	Crashed    []string    `json:"crashed,omitempty"`
	Suspicions []Suspicion `json:"suspicions,omitempty"`
}

type SystemConfig struct {
	Processes []ProcessInfo `json:"processes"`

	SlotCount    int        `json:"slot_count"`
	SlotDuration Duration   `json:"slot_duration"`
	StartTime    time.Time  `json:"start_time"`
	Slots        []SlotInfo `json:"slots,omitempty"`

	ProposerInterval Duration `json:"proposer_interval,omitempty"`
	CallTimeout      Duration `json:"call_timeout,omitempty"`

	// DataDir is the directory of the badger databases, empty means in memory
	DataDir string `json:"data_dir,omitempty"`
}

const (
	defaultProposerInterval = 100 * time.Millisecond
	defaultCallTimeout      = 500 * time.Millisecond
)

func Parse(data []byte) (SystemConfig, error) {
	var conf SystemConfig
	if err := json.Unmarshal(data, &conf); err != nil {
		return SystemConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	conf.setDefaults()

	if err := conf.Validate(); err != nil {
		return SystemConfig{}, err
	}
	return conf, nil
}

func Load(path string) (SystemConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SystemConfig{}, err
	}
	return Parse(data)
}

func (c *SystemConfig) setDefaults() {
	if c.ProposerInterval <= 0 {
		c.ProposerInterval = Duration(defaultProposerInterval)
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = Duration(defaultCallTimeout)
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (c SystemConfig) Validate() error {
	ids := map[string]struct{}{}
	numLM := 0
	for _, p := range c.Processes {
		if p.ID == "" {
			return invalidf("empty process id")
		}
		if _, existed := ids[p.ID]; existed {
			return invalidf("duplicated process id '%s'", p.ID)
		}
		ids[p.ID] = struct{}{}

		switch p.Role {
		case RoleLeaseManager:
			numLM++
		case RoleTransactionManager, RoleClient:
		default:
			return invalidf("process '%s' has invalid role '%s'", p.ID, p.Role)
		}
	}
	if numLM == 0 {
		return invalidf("no lease manager")
	}

	if c.SlotCount < 0 {
		return invalidf("negative slot count")
	}
	if c.SlotCount > 0 && c.SlotDuration <= 0 {
		return invalidf("slot duration must be positive")
	}

	checkID := func(slot int, id string) error {
		if _, ok := ids[id]; !ok {
			return invalidf("slot %d: unknown process id '%s'", slot, id)
		}
		return nil
	}

	for _, s := range c.Slots {
		if s.Slot < 1 || s.Slot > c.SlotCount {
			return invalidf("slot %d out of range [1, %d]", s.Slot, c.SlotCount)
		}
		for _, id := range s.Crashed {
			if err := checkID(s.Slot, id); err != nil {
				return err
			}
		}
		for _, pair := range s.Suspicions {
			if err := checkID(s.Slot, pair.Suspect()); err != nil {
				return err
			}
			if err := checkID(s.Slot, pair.Suspected()); err != nil {
				return err
			}
		}
	}
	return nil
}

// ProcessesWithRole returns the processes of the role in the declared order
func (c SystemConfig) ProcessesWithRole(role Role) []ProcessInfo {
	var result []ProcessInfo
	for _, p := range c.Processes {
		if p.Role == role {
			result = append(result, p)
		}
	}
	return result
}

func (c SystemConfig) FindProcess(id string) (ProcessInfo, bool) {
	index := slices.IndexFunc(c.Processes, func(p ProcessInfo) bool {
		return p.ID == id
	})
	if index < 0 {
		return ProcessInfo{}, false
	}
	return c.Processes[index], true
}

// ================================================================
// Process Configuration
// ================================================================

// ProcessConfiguration is the view of the system from a single process
type ProcessConfiguration struct {
	System SystemConfig
	Self   ProcessInfo

	LeaseManagers       []ProcessInfo
	TransactionManagers []ProcessInfo

	// Learners are all lease managers followed by all transaction managers
	Learners []ProcessInfo
}

func (c SystemConfig) ForProcess(id string) (ProcessConfiguration, error) {
	self, ok := c.FindProcess(id)
	if !ok {
		return ProcessConfiguration{}, invalidf("unknown process id '%s'", id)
	}

	lms := c.ProcessesWithRole(RoleLeaseManager)
	tms := c.ProcessesWithRole(RoleTransactionManager)

	return ProcessConfiguration{
		System: c,
		Self:   self,

		LeaseManagers:       lms,
		TransactionManagers: tms,
		Learners:            slices.Concat(lms, tms),
	}, nil
}

func indexOf(list []ProcessInfo, id string) int {
	return slices.IndexFunc(list, func(p ProcessInfo) bool {
		return p.ID == id
	})
}

// LeaseManagerIndex returns -1 if id is not a lease manager
func (p ProcessConfiguration) LeaseManagerIndex(id string) int {
	return indexOf(p.LeaseManagers, id)
}

func (p ProcessConfiguration) TransactionManagerIndex(id string) int {
	return indexOf(p.TransactionManagers, id)
}

func (p ProcessConfiguration) LearnerIndex(id string) int {
	return indexOf(p.Learners, id)
}

func (p ProcessConfiguration) LeaseManagerIDs() []string {
	return processIDs(p.LeaseManagers)
}

func (p ProcessConfiguration) TransactionManagerIDs() []string {
	return processIDs(p.TransactionManagers)
}

func (p ProcessConfiguration) LearnerIDs() []string {
	return processIDs(p.Learners)
}

func processIDs(list []ProcessInfo) []string {
	result := make([]string, 0, len(list))
	for _, p := range list {
		result = append(result, p.ID)
	}
	return result
}
