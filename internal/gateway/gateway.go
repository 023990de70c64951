// Package gateway supervises session workers: one worker per open session,
// restarted from its persisted transcript when it crashes, with a global
// bound on turns in flight.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/user/llmgate/internal/delivery"
	"github.com/user/llmgate/internal/events"
	"github.com/user/llmgate/internal/runtime"
	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

var (
	ErrNotStarted    = errors.New("supervisor not started")
	ErrSessionClosed = errors.New("session closed")
)

// Supervisor owns the session workers.
type Supervisor struct {
	rt       *runtime.Runtime
	sessions types.SessionStore
	bus      *events.Bus
	admit    *admission
	retry    *RetryPolicy
	binding  types.Binding
	delivery *delivery.Registry

	mu      sync.Mutex
	workers map[types.SessionID]*supervised

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMaxConcurrent bounds turns in flight across all sessions.
func WithMaxConcurrent(n int64) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.admit = newAdmission(n)
		}
	}
}

// WithRetryPolicy sets the restart backoff for crashed workers.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(s *Supervisor) { s.retry = p }
}

// WithDefaultBinding sets the binding used for sessions opened by inbound
// channels.
func WithDefaultBinding(b types.Binding) Option {
	return func(s *Supervisor) { s.binding = b }
}

// WithDelivery routes every finished reply to the channel owning the
// session key, when the registry has a handler for it.
func WithDelivery(reg *delivery.Registry) Option {
	return func(s *Supervisor) { s.delivery = reg }
}

// New creates a Supervisor. The bus must be the one the runtime publishes to.
func New(rt *runtime.Runtime, sessions types.SessionStore, bus *events.Bus, opts ...Option) *Supervisor {
	s := &Supervisor{
		rt:       rt,
		sessions: sessions,
		bus:      bus,
		admit:    newAdmission(2),
		retry:    DefaultRetryPolicy(),
		workers:  make(map[types.SessionID]*supervised),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// supervised is one session's slot. The worker pointer changes on restart.
type supervised struct {
	id      types.SessionID
	key     types.SessionKey
	binding types.Binding
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	worker *runtime.Worker
}

func (e *supervised) current() *runtime.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.worker
}

func (e *supervised) replace(w *runtime.Worker) {
	e.mu.Lock()
	e.worker = w
	e.mu.Unlock()
}

// crashError is a recovered worker panic.
type crashError struct {
	turnID types.TurnID
	value  any
}

func (c *crashError) Error() string {
	return fmt.Sprintf("session worker crashed: %v", c.value)
}

// Start initialises the supervisor's context and, when a delivery registry
// is configured, starts routing replies.
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.delivery != nil {
		sub := s.bus.Subscribe("", 256)
		s.wg.Add(1)
		go s.route(sub)
	}
}

// Stop cancels every worker and waits for them to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// WaitIdle blocks until no turns are in flight or the timeout expires.
func (s *Supervisor) WaitIdle(timeout time.Duration) bool {
	return s.admit.waitIdle(timeout)
}

// Open resolves (or creates) the session for key and makes sure a worker
// is running for it. An existing session keeps the binding it was created
// with. An empty key opens a fresh session.
func (s *Supervisor) Open(ctx context.Context, key types.SessionKey, binding types.Binding) (types.SessionID, error) {
	if s.ctx == nil {
		return "", ErrNotStarted
	}
	if key == "" {
		key = types.NewSessionKey("session", string(types.NewSessionID()))
	}
	id, err := s.sessions.ResolveOrCreate(ctx, key, binding)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	if _, err := s.ensure(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// ensure returns the running slot for id, starting a worker from the
// session index if none is running.
func (s *Supervisor) ensure(ctx context.Context, id types.SessionID) (*supervised, error) {
	if s.ctx == nil {
		return nil, ErrNotStarted
	}
	if err := s.ctx.Err(); err != nil {
		return nil, ErrNotStarted
	}

	s.mu.Lock()
	if e, ok := s.workers[id]; ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.workers[id]; ok {
		return e, nil
	}
	wctx, cancel := context.WithCancel(s.ctx)
	e := &supervised{
		id:      id,
		key:     sess.SessionKey,
		binding: sess.Binding,
		cancel:  cancel,
		done:    make(chan struct{}),
		worker:  s.rt.NewWorker(id, sess.Binding),
	}
	s.workers[id] = e
	s.wg.Add(1)
	go s.supervise(wctx, e)

	slog.Info("session opened", "session_id", string(id), "session_key", string(sess.SessionKey), "vendor", string(sess.Binding.Vendor))
	return e, nil
}

// supervise runs the slot's worker, restarting it after crashes until the
// retry policy gives up or the slot is closed.
func (s *Supervisor) supervise(ctx context.Context, e *supervised) {
	defer s.wg.Done()
	defer close(e.done)
	defer s.forget(e)

	failures := 0
	for {
		w := e.current()
		started := time.Now()
		err := s.runWorker(ctx, w)
		if ctx.Err() != nil {
			// Close or Stop: finish the interrupted turn so its awaiter
			// returns and its admission slot is released.
			if turnID := w.InFlight(); turnID != "" {
				s.rt.Abandon(context.WithoutCancel(ctx), e.id, turnID, "session closed during the turn")
			}
			return
		}

		var crash *crashError
		if errors.As(err, &crash) && crash.turnID != "" {
			s.rt.Abandon(ctx, e.id, crash.turnID, crash.Error())
		}

		if time.Since(started) > s.retry.MaxDelay {
			failures = 0
		}
		failures++
		if !s.retry.ShouldRetry(err, failures) {
			slog.Error("session worker not restarted", "session_id", string(e.id), "failures", failures, "error", err)
			return
		}

		delay := s.retry.NextDelay(failures)
		slog.Warn("restarting session worker", "session_id", string(e.id), "attempt", failures, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		e.replace(s.rt.NewWorker(e.id, e.binding))
	}
}

func (s *Supervisor) runWorker(ctx context.Context, w *runtime.Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session worker panicked", "session_id", string(w.ID()), "panic", r, "stack", string(debug.Stack()))
			err = &crashError{turnID: w.InFlight(), value: r}
		}
	}()
	return w.Run(ctx)
}

func (s *Supervisor) forget(e *supervised) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[e.id] == e {
		delete(s.workers, e.id)
	}
}

// Close stops the session's worker. The session and its transcript stay
// in the store and the next Send reopens it.
func (s *Supervisor) Close(id types.SessionID) error {
	s.mu.Lock()
	e, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	e.cancel()
	<-e.done
	slog.Info("session closed", "session_id", string(id))
	return nil
}

// State reports the loop state of the session's worker. Sessions without
// a running worker are idle.
func (s *Supervisor) State(id types.SessionID) runtime.State {
	s.mu.Lock()
	e, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return runtime.StateIdle
	}
	return e.current().State()
}

// Running returns the ids of sessions with a live worker.
func (s *Supervisor) Running() []types.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]types.SessionID, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	return ids
}

// History returns the message history of an open or stored session.
func (s *Supervisor) History(ctx context.Context, id types.SessionID) ([]llm.Message, error) {
	e, err := s.ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.current().History(ctx)
}
