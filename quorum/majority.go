package quorum

import (
	"context"
	"errors"
	"time"

	"github.com/QuangTung97/leasekv/async"
)

var ErrTimeout = errors.New("quorum: response timeout")

// Size returns the number of participants needed for a majority of n.
// The local process is counted as one of the n participants when it takes part.
func Size(n int) int {
	return n/2 + 1
}

func IsMajority(n int, count int) bool {
	return count >= Size(n)
}

type Options[T any] struct {
	// Timeout is applied to every single response, zero or negative means no timeout
	Timeout time.Duration

	// OnTimeout is called for a response that failed or timed out
	OnTimeout func(index int, err error)

	// OnSuccess is called for a response satisfying the predicate
	OnSuccess func(index int, val T)
}

type waitResult[T any] struct {
	index int
	val   T
	err   error
}

// WaitMajority returns true as soon as a majority of the handles satisfy the predicate,
// and false as soon as a majority can no longer be reached.
// Callbacks are only called before the decision, remaining handles are abandoned.
func WaitMajority[T any](
	ctx context.Context,
	handles []*async.Future[T],
	predicate func(val T) bool,
	opts Options[T],
) bool {
	n := len(handles)
	if n == 0 {
		return false
	}
	need := Size(n)

	resultCh := make(chan waitResult[T], n)
	stopCh := make(chan struct{})
	defer close(stopCh)

	for i, h := range handles {
		go waitHandle(i, h, opts.Timeout, resultCh, stopCh)
	}

	passes := 0
	failures := 0
	for {
		select {
		case r := <-resultCh:
			passed := false
			if r.err != nil {
				if opts.OnTimeout != nil {
					opts.OnTimeout(r.index, r.err)
				}
			} else if predicate(r.val) {
				passed = true
				if opts.OnSuccess != nil {
					opts.OnSuccess(r.index, r.val)
				}
			}

			if passed {
				passes++
			} else {
				failures++
			}

			if passes >= need {
				return true
			}
			if n-failures < need {
				return false
			}

		case <-ctx.Done():
			return false
		}
	}
}

func waitHandle[T any](
	index int, h *async.Future[T], timeout time.Duration,
	resultCh chan<- waitResult[T], stopCh <-chan struct{},
) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-h.Done():
		val, err := h.Result()
		resultCh <- waitResult[T]{index: index, val: val, err: err}

	case <-timeoutCh:
		resultCh <- waitResult[T]{index: index, err: ErrTimeout}

	case <-stopCh:
	}
}
