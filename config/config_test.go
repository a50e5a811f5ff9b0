package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
	"processes": [
		{"id": "LM1", "role": "lease_manager", "address": "127.0.0.1:7001"},
		{"id": "LM2", "role": "lease_manager", "address": "127.0.0.1:7002"},
		{"id": "TM1", "role": "transaction_manager", "address": "127.0.0.1:7101"},
		{"id": "LM3", "role": "lease_manager", "address": "127.0.0.1:7003"},
		{"id": "TM2", "role": "transaction_manager", "address": "127.0.0.1:7102"},
		{"id": "C1", "role": "client"}
	],
	"slot_count": 3,
	"slot_duration": "2s",
	"start_time": "2026-01-02T03:04:05Z",
	"slots": [
		{"slot": 2, "suspicions": [["LM2", "LM1"]]},
		{"slot": 3, "crashed": ["LM1"]}
	],
	"call_timeout": "250ms"
}`

func TestParse(t *testing.T) {
	conf, err := Parse([]byte(sampleConfig))
	require.Equal(t, nil, err)

	assert.Equal(t, 6, len(conf.Processes))
	assert.Equal(t, 3, conf.SlotCount)
	assert.Equal(t, 2*time.Second, conf.SlotDuration.Std())
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), conf.StartTime)
	assert.Equal(t, []SlotInfo{
		{Slot: 2, Suspicions: []Suspicion{{"LM2", "LM1"}}},
		{Slot: 3, Crashed: []string{"LM1"}},
	}, conf.Slots)

	assert.Equal(t, 250*time.Millisecond, conf.CallTimeout.Std())
	assert.Equal(t, defaultProposerInterval, conf.ProposerInterval.Std())
	assert.Equal(t, "", conf.DataDir)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.json")
	require.Equal(t, nil, os.WriteFile(path, []byte(sampleConfig), 0o644))

	conf, err := Load(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, 6, len(conf.Processes))

	_, err = Load(filepath.Join(t.TempDir(), "not-found.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestParse__Invalid(t *testing.T) {
	cases := map[string]string{
		"bad json": `{`,
		"duplicated id": `{"processes": [
			{"id": "LM1", "role": "lease_manager"},
			{"id": "LM1", "role": "transaction_manager"}
		]}`,
		"unknown role":     `{"processes": [{"id": "LM1", "role": "leader"}]}`,
		"no lease manager": `{"processes": [{"id": "TM1", "role": "transaction_manager"}]}`,
		"slot out of range": `{
			"processes": [{"id": "LM1", "role": "lease_manager"}],
			"slot_count": 1, "slot_duration": "1s",
			"slots": [{"slot": 2}]
		}`,
		"unknown crashed id": `{
			"processes": [{"id": "LM1", "role": "lease_manager"}],
			"slot_count": 1, "slot_duration": "1s",
			"slots": [{"slot": 1, "crashed": ["LM9"]}]
		}`,
		"unknown suspected id": `{
			"processes": [{"id": "LM1", "role": "lease_manager"}],
			"slot_count": 1, "slot_duration": "1s",
			"slots": [{"slot": 1, "suspicions": [["LM1", "LM9"]]}]
		}`,
		"missing slot duration": `{
			"processes": [{"id": "LM1", "role": "lease_manager"}],
			"slot_count": 1
		}`,
		"bad duration": `{
			"processes": [{"id": "LM1", "role": "lease_manager"}],
			"call_timeout": "abc"
		}`,
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestForProcess(t *testing.T) {
	conf, err := Parse([]byte(sampleConfig))
	require.Equal(t, nil, err)

	p, err := conf.ForProcess("TM1")
	require.Equal(t, nil, err)

	assert.Equal(t, RoleTransactionManager, p.Self.Role)
	assert.Equal(t, []string{"LM1", "LM2", "LM3"}, p.LeaseManagerIDs())
	assert.Equal(t, []string{"TM1", "TM2"}, p.TransactionManagerIDs())
	assert.Equal(t, []string{"LM1", "LM2", "LM3", "TM1", "TM2"}, p.LearnerIDs())

	assert.Equal(t, 2, p.LeaseManagerIndex("LM3"))
	assert.Equal(t, -1, p.LeaseManagerIndex("TM1"))
	assert.Equal(t, 1, p.TransactionManagerIndex("TM2"))
	assert.Equal(t, 3, p.LearnerIndex("TM1"))

	_, err = conf.ForProcess("TM9")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDuration_JSON(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	data, err := d.MarshalJSON()
	assert.Equal(t, nil, err)
	assert.Equal(t, `"1.5s"`, string(data))
}
