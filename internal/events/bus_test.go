package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/llmgate/pkg/llm"
)

func TestBusRoutesBySession(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("a", 4)
	all := bus.Subscribe("", 4)
	defer a.Close()
	defer all.Close()

	bus.Publish(context.Background(), Event{Kind: KindThinking, SessionID: "a"})
	bus.Publish(context.Background(), Event{Kind: KindThinking, SessionID: "b"})

	ev := <-a.C
	assert.Equal(t, "a", string(ev.SessionID))
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.At.IsZero())
	assert.Len(t, a.C, 0)
	assert.Len(t, all.C, 2)
}

func TestBusDropsChunksForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("s", 1)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), Event{Kind: KindStreamChunk, SessionID: "s", Text: "x"})
	}
	assert.Len(t, sub.C, 1)
}

func TestBusWaitsForProcessingComplete(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("s", 1)
	defer sub.Close()

	bus.Publish(context.Background(), Event{Kind: KindStreamChunk, SessionID: "s"})

	done := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), Event{Kind: KindProcessingComplete, SessionID: "s",
			Message: &llm.Message{Role: llm.RoleAssistant, Content: "hi"}})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	first := <-sub.C
	assert.Equal(t, KindStreamChunk, first.Kind)

	select {
	case ev := <-sub.C:
		assert.Equal(t, KindProcessingComplete, ev.Kind)
		require.NotNil(t, ev.Message)
		assert.Equal(t, "hi", ev.Message.Content)
	case <-time.After(time.Second):
		t.Fatal("processing_complete was dropped")
	}
	<-done
}

func TestBusCompleteWaitBounded(t *testing.T) {
	bus := NewBus()
	bus.CompleteWait = 20 * time.Millisecond
	sub := bus.Subscribe("s", 1)
	defer sub.Close()

	bus.Publish(context.Background(), Event{Kind: KindStreamChunk, SessionID: "s"})
	start := time.Now()
	bus.Publish(context.Background(), Event{Kind: KindProcessingComplete, SessionID: "s"})
	assert.Less(t, time.Since(start), time.Second)
}

func TestBusSubscribeNotBlockedByCompleteWait(t *testing.T) {
	bus := NewBus()
	bus.CompleteWait = 2 * time.Second
	slow := bus.Subscribe("s", 1)
	defer slow.Close()

	bus.Publish(context.Background(), Event{Kind: KindStreamChunk, SessionID: "s"})
	published := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), Event{Kind: KindProcessingComplete, SessionID: "s"})
		close(published)
	}()
	time.Sleep(20 * time.Millisecond)

	subscribed := make(chan *Subscription, 1)
	go func() { subscribed <- bus.Subscribe("other", 1) }()
	select {
	case other := <-subscribed:
		other.Close()
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Subscribe blocked behind a slow subscriber")
	}

	// Closing the slow subscriber releases the waiting publisher.
	slow.Close()
	select {
	case <-published:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Publish kept waiting on a closed subscriber")
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("s", 1)
	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok)
	bus.Publish(context.Background(), Event{Kind: KindThinking, SessionID: "s"})
}

func TestRecorderAndFanout(t *testing.T) {
	r1, r2 := NewRecorder(), NewRecorder()
	sink := Fanout{r1, r2, Discard}

	msg := &llm.Message{Role: llm.RoleAssistant, Content: "x"}
	sink.Publish(context.Background(), Event{Kind: KindToolCallStart, Tool: &ToolInfo{Name: "read_file"}})
	sink.Publish(context.Background(), Event{Kind: KindProcessingComplete, Message: msg})
	msg.Content = "mutated"

	assert.Equal(t, []Kind{KindToolCallStart, KindProcessingComplete}, r1.Kinds())
	evs := r2.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, "x", evs[1].Message.Content)
}
