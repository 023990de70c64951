package gateway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAdmissionConcurrency(t *testing.T) {
	a := newAdmission(2)
	ctx := context.Background()

	var running int32
	var maxSeen int32
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			if err := a.acquire(ctx); err != nil {
				t.Error(err)
				return
			}
			current := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			a.release()
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
	if !a.waitIdle(time.Second) {
		t.Error("expected admission to be idle")
	}
}

func TestAdmissionAcquireCancelled(t *testing.T) {
	a := newAdmission(1)
	if err := a.acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.acquire(ctx); err == nil {
		t.Fatal("expected acquire to fail while the only slot is held")
	}
	if a.waitIdle(30 * time.Millisecond) {
		t.Error("expected waitIdle to time out with a slot held")
	}
	a.release()
	if !a.waitIdle(time.Second) {
		t.Error("expected idle after release")
	}
}
