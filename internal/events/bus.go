package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/llmgate/internal/types"
)

// DefaultCompleteWait bounds how long Publish waits for a slow subscriber to
// take a processing_complete event.
const DefaultCompleteWait = time.Second

// Bus fans events out to subscribers. Intermediate events are dropped for a
// subscriber whose buffer is full; processing_complete is waited for up to
// CompleteWait so turn results are not lost to a momentarily slow reader.
type Bus struct {
	mu           sync.RWMutex
	subs         map[*Subscription]struct{}
	CompleteWait time.Duration
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs:         make(map[*Subscription]struct{}),
		CompleteWait: DefaultCompleteWait,
	}
}

// Subscription receives events for one session, or for all sessions when
// created with an empty session id.
type Subscription struct {
	C <-chan Event

	ch        chan Event
	sessionID types.SessionID
	bus       *Bus
	once      sync.Once

	// mu guards sends on ch against Close. done unblocks a waiting sender
	// before Close takes the write lock.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(sessionID types.SessionID, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, sessionID: sessionID, bus: b, done: make(chan struct{})}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// Publish delivers ev to every matching subscriber. The subscriber set is
// copied under the lock; delivery, including the processing_complete wait,
// happens outside it.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	ev = stamp(ev)

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.sessionID != "" && s.sessionID != ev.SessionID {
			continue
		}
		targets = append(targets, s)
	}
	wait := b.CompleteWait
	b.mu.RUnlock()

	for _, s := range targets {
		s.deliver(ctx, cloneEvent(ev), wait)
	}
}

func (s *Subscription) deliver(ctx context.Context, ev Event, wait time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
		return
	default:
	}
	if ev.Kind != KindProcessingComplete {
		slog.Debug("dropping event for slow subscriber", "session_id", string(ev.SessionID), "kind", string(ev.Kind))
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.ch <- ev:
	case <-timer.C:
		slog.Warn("subscriber missed processing_complete", "session_id", string(ev.SessionID), "turn_id", string(ev.TurnID))
	case <-s.done:
	case <-ctx.Done():
	}
}
