package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// admission bounds the number of turns in flight across all sessions. A
// slot is held from Submit until the turn's processing_complete.
type admission struct {
	sem    *semaphore.Weighted
	active atomic.Int64
}

func newAdmission(maxConcurrent int64) *admission {
	return &admission{sem: semaphore.NewWeighted(maxConcurrent)}
}

func (a *admission) acquire(ctx context.Context) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	a.active.Add(1)
	return nil
}

func (a *admission) release() {
	a.active.Add(-1)
	a.sem.Release(1)
}

// waitIdle blocks until no turns are in flight, or the timeout expires.
// Returns true if idle, false if timed out.
func (a *admission) waitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if a.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}
