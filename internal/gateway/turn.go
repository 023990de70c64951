package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/llmgate/internal/events"
	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

// pending tracks one accepted turn until its processing_complete arrives.
// It holds an admission slot and a bus subscription for that long.
type pending struct {
	turnID types.TurnID
	sub    *events.Subscription
	once   sync.Once
	admit  *admission
}

func (p *pending) finish() {
	p.once.Do(func() {
		p.sub.Close()
		p.admit.release()
	})
}

// Send submits text to the session and returns once the worker accepted
// the turn. The reply arrives as a processing_complete event on the bus.
func (s *Supervisor) Send(ctx context.Context, id types.SessionID, text string) (types.TurnID, error) {
	p, err := s.start(ctx, id, text)
	if err != nil {
		return "", err
	}
	go s.await(s.ctx, p)
	return p.turnID, nil
}

// SendAndWait submits text and blocks until the turn completes. The
// returned event carries the final (possibly degraded) assistant message.
func (s *Supervisor) SendAndWait(ctx context.Context, id types.SessionID, text string) (events.Event, error) {
	p, err := s.start(ctx, id, text)
	if err != nil {
		return events.Event{}, err
	}
	return s.await(ctx, p)
}

// HandleInbound routes a message from an inbound channel: it opens the
// session for the event's key with the default binding and sends the text.
func (s *Supervisor) HandleInbound(ctx context.Context, event *types.InboundEvent) (types.TurnID, error) {
	id, err := s.Open(ctx, event.SessionKey, s.binding)
	if err != nil {
		return "", err
	}
	return s.Send(ctx, id, event.Text)
}

func (s *Supervisor) start(ctx context.Context, id types.SessionID, text string) (*pending, error) {
	e, err := s.ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	if w := e.current(); w.InFlight() != "" {
		return nil, fmt.Errorf("%w: session %s", llm.ErrDuplicateTurn, id)
	}
	if err := s.admit.acquire(ctx); err != nil {
		return nil, err
	}

	// Subscribe before submitting so the completion cannot be missed.
	p := &pending{sub: s.bus.Subscribe(id, 64), admit: s.admit}
	turnID, err := e.current().Submit(ctx, text)
	if err != nil {
		p.finish()
		return nil, err
	}
	p.turnID = turnID
	s.recordTurn(ctx, id, turnID)
	return p, nil
}

// await waits for p's processing_complete. If ctx ends first, the slot
// stays held by a background waiter until the turn really finishes.
func (s *Supervisor) await(ctx context.Context, p *pending) (events.Event, error) {
	for {
		select {
		case ev, ok := <-p.sub.C:
			if !ok {
				p.finish()
				return events.Event{}, ErrSessionClosed
			}
			if ev.Kind == events.KindProcessingComplete && ev.TurnID == p.turnID {
				p.finish()
				return ev, nil
			}
		case <-ctx.Done():
			if ctx != s.ctx {
				go s.await(s.ctx, p)
			} else {
				p.finish()
			}
			return events.Event{}, ctx.Err()
		}
	}
}

func (s *Supervisor) recordTurn(ctx context.Context, id types.SessionID, turnID types.TurnID) {
	if err := s.sessions.RecordTurn(ctx, id, turnID); err != nil {
		slog.Warn("record turn", "session_id", string(id), "turn_id", string(turnID), "error", err)
	}
}

// route delivers finished replies of channel-owned sessions.
func (s *Supervisor) route(sub *events.Subscription) {
	defer s.wg.Done()
	defer sub.Close()
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind != events.KindProcessingComplete {
				continue
			}
			s.deliver(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) deliver(ev events.Event) {
	key, ok := s.keyOf(ev.SessionID)
	if !ok || !s.delivery.Handles(key) {
		return
	}
	err := s.retry.Execute(s.ctx, func() error {
		return s.delivery.Deliver(s.ctx, key, ev.Text)
	})
	if err != nil {
		slog.Error("delivery failed", "session_id", string(ev.SessionID), "session_key", string(key), "error", err)
	}
}

func (s *Supervisor) keyOf(id types.SessionID) (types.SessionKey, bool) {
	s.mu.Lock()
	e, ok := s.workers[id]
	s.mu.Unlock()
	if ok {
		return e.key, true
	}
	sess, err := s.sessions.Get(s.ctx, id)
	if err != nil {
		return "", false
	}
	return sess.SessionKey, true
}

