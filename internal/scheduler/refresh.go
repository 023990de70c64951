// internal/scheduler/refresh.go
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRefreshSchedule checks credentials every five minutes.
const DefaultRefreshSchedule = "@every 5m"

// Refresher refreshes OAuth credentials that expire within window.
type Refresher interface {
	RefreshExpiring(ctx context.Context, window time.Duration) (int, error)
}

// RefreshJob returns the credential sweeper job. Failures are logged and left
// for the next tick or for the operator; the job itself never retries.
func RefreshJob(r Refresher, schedule string, window time.Duration) Job {
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}
	return Job{
		Name:     "credential-refresh",
		Schedule: schedule,
		Run: func(ctx context.Context) {
			n, err := r.RefreshExpiring(ctx, window)
			if err != nil {
				slog.Warn("credential sweep finished with errors", "refreshed", n, "error", err)
				return
			}
			if n > 0 {
				slog.Info("credential sweep", "refreshed", n)
			}
		},
	}
}
