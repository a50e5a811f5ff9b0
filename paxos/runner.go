package paxos

import (
	"context"
	"time"

	"github.com/QuangTung97/leasekv/key_runner"
)

// NodeRunner supervises the background loops of a lease manager
type NodeRunner interface {
	// StartProposer starts or stops the batching loop of the proposer
	StartProposer(running bool) bool

	// StartClock starts the loop that is called at every tick
	StartClock(running bool) bool
}

type runnerInfo struct {
	name string
}

func (i runnerInfo) getName() string {
	return i.name
}

type nodeRunnerImpl struct {
	proposer *key_runner.KeyRunner[string, runnerInfo]
	clock    *key_runner.KeyRunner[string, runnerInfo]
}

func NewNodeRunner(
	proposerInterval time.Duration,
	proposerFunc func(ctx context.Context) error,
	tickInterval time.Duration,
	tickFunc func(ctx context.Context) error,
) (NodeRunner, func()) {
	r := &nodeRunnerImpl{}

	loopWithSleep := func(
		ctx context.Context, interval time.Duration,
		callback func(ctx context.Context) error,
	) {
		for {
			_ = callback(ctx)
			sleepWithContext(ctx, interval)
			if ctx.Err() != nil {
				return
			}
		}
	}

	r.proposer = key_runner.New(runnerInfo.getName, func(ctx context.Context, val runnerInfo) {
		loopWithSleep(ctx, proposerInterval, proposerFunc)
	})

	r.clock = key_runner.New(runnerInfo.getName, func(ctx context.Context, val runnerInfo) {
		loopWithSleep(ctx, tickInterval, tickFunc)
	})

	return r, func() {
		r.proposer.Shutdown()
		r.clock.Shutdown()
	}
}

func sleepWithContext(ctx context.Context, duration time.Duration) {
	select {
	case <-time.After(duration):
	case <-ctx.Done():
	}
}

func (r *nodeRunnerImpl) StartProposer(running bool) bool {
	if running {
		return r.proposer.Upsert([]runnerInfo{{name: "proposer"}})
	}
	return r.proposer.Upsert(nil)
}

func (r *nodeRunnerImpl) StartClock(running bool) bool {
	if running {
		return r.clock.Upsert([]runnerInfo{{name: "clock"}})
	}
	return r.clock.Upsert(nil)
}
