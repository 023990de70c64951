// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named piece of background work run on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

// Scheduler runs registered jobs on their cron schedules. A job never runs
// concurrently with itself; a tick that arrives while the previous run is
// still going is skipped.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []Job
	cron   *cron.Cron
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether spec is a schedule the scheduler accepts.
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Register adds a job. Schedules are validated here so a bad config fails at
// startup instead of being skipped silently.
func (s *Scheduler) Register(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no run func", job.Name)
	}
	if err := ValidateSchedule(job.Schedule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

// Start registers every job as a cron entry and starts the cron ticker. Jobs
// receive a context that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	for _, job := range s.jobs {
		job := job
		_, err := c.AddFunc(job.Schedule, func() {
			start := time.Now()
			slog.Debug("cron firing job", "name", job.Name)
			job.Run(runCtx)
			slog.Debug("cron job finished", "name", job.Name, "duration", time.Since(start))
		})
		if err != nil {
			cancel()
			return fmt.Errorf("schedule %q: %w", job.Name, err)
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}

	s.cron = c
	s.cancel = cancel
	c.Start()
	return nil
}

// Stop stops the ticker, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}
