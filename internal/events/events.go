// Package events carries per-session status events from session workers to
// whoever is listening.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

// Kind names an event.
type Kind string

const (
	KindThinking           Kind = "thinking"
	KindStreamChunk        Kind = "stream_chunk"
	KindToolCallStart      Kind = "tool_call_start"
	KindToolCallEnd        Kind = "tool_call_end"
	KindProcessingComplete Kind = "processing_complete"
)

// ToolInfo describes a tool call in tool_call_start and tool_call_end events.
type ToolInfo struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Output    string          `json:"output,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Event is one status update for a session.
type Event struct {
	ID         types.EventID   `json:"id"`
	Kind       Kind            `json:"kind"`
	SessionID  types.SessionID `json:"session_id"`
	TurnID     types.TurnID    `json:"turn_id,omitempty"`
	At         time.Time       `json:"at"`
	Text       string          `json:"text,omitempty"`
	Tool       *ToolInfo       `json:"tool,omitempty"`
	Message    *llm.Message    `json:"message,omitempty"`
	Degraded   bool            `json:"degraded,omitempty"`
	ErrorClass llm.Class       `json:"error_class,omitempty"`
}

// Sink receives events. Publish must not block for long and has no result:
// publishers never depend on anyone listening.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// Fanout publishes to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, s := range f {
		s.Publish(ctx, ev)
	}
}

func stamp(ev Event) Event {
	if ev.ID == "" {
		ev.ID = types.NewEventID()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	return ev
}

func cloneEvent(in Event) Event {
	out := in
	if in.Message != nil {
		msg := *in.Message
		msg.ToolCalls = append([]llm.ToolCall(nil), in.Message.ToolCalls...)
		out.Message = &msg
	}
	if in.Tool != nil {
		tool := *in.Tool
		out.Tool = &tool
	}
	return out
}
