// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(within)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("condition not met within %s", within)
		case <-ticker.C:
			if cond() {
				return
			}
		}
	}
}

func TestSchedulerFiresJob(t *testing.T) {
	var fires atomic.Int32
	sched := New()
	if err := sched.Register(Job{Name: "every-second", Schedule: "* * * * * *", Run: func(context.Context) {
		fires.Add(1)
	}}); err != nil {
		t.Fatal(err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	waitFor(t, 2500*time.Millisecond, func() bool { return fires.Load() > 0 })
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	sched := New()
	err := sched.Register(Job{Name: "bad", Schedule: "not a schedule", Run: func(context.Context) {}})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if err := sched.Register(Job{Name: "nil-run", Schedule: "@hourly"}); err == nil {
		t.Fatal("expected error for job without run func")
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"@every 5m", "*/5 * * * *", "0 */10 * * * *", "@daily"} {
		if err := ValidateSchedule(spec); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", spec, err)
		}
	}
}

func TestSchedulerStartTwice(t *testing.T) {
	sched := New()
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()
	if err := sched.Start(context.Background()); err == nil {
		t.Fatal("expected error on second start")
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	started := make(chan struct{}, 1)
	var cancelled atomic.Bool
	sched := New()
	_ = sched.Register(Job{Name: "slow", Schedule: "* * * * * *", Run: func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
	}})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("job never started")
	}
	sched.Stop()
	if !cancelled.Load() {
		t.Fatal("Stop returned before the running job observed cancellation")
	}
}

type fakeRefresher struct {
	calls  atomic.Int32
	window atomic.Int64
	err    error
}

func (f *fakeRefresher) RefreshExpiring(_ context.Context, window time.Duration) (int, error) {
	f.calls.Add(1)
	f.window.Store(int64(window))
	return 1, f.err
}

func TestRefreshJob(t *testing.T) {
	r := &fakeRefresher{err: errors.New("invalid_grant")}
	job := RefreshJob(r, "", 10*time.Minute)
	if job.Schedule != DefaultRefreshSchedule {
		t.Fatalf("schedule = %q, want default", job.Schedule)
	}

	job.Run(context.Background())
	if r.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", r.calls.Load())
	}
	if time.Duration(r.window.Load()) != 10*time.Minute {
		t.Fatalf("window = %s", time.Duration(r.window.Load()))
	}
}

func TestRefreshJobOnSchedule(t *testing.T) {
	r := &fakeRefresher{}
	sched := New()
	if err := sched.Register(RefreshJob(r, "* * * * * *", time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	waitFor(t, 2500*time.Millisecond, func() bool { return r.calls.Load() > 0 })
}
