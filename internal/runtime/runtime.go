// Package runtime runs conversation turns: one single-goroutine worker per
// session drives the think/act loop against a vendor stream.
package runtime

import (
	"context"
	"log/slog"

	"github.com/user/llmgate/internal/events"
	"github.com/user/llmgate/internal/history"
	"github.com/user/llmgate/internal/provider"
	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

// DefaultMaxToolRounds bounds acting→thinking round trips within one turn.
const DefaultMaxToolRounds = 10

// Provider prepares vendor clients and streams completions.
type Provider interface {
	Prepare(ctx context.Context, b types.Binding, sessionID types.SessionID) (*provider.Prepared, error)
	Stream(ctx context.Context, p *provider.Prepared, req llm.ChatRequest) (<-chan llm.StreamEvent, error)
}

// Runtime holds what every session worker shares.
type Runtime struct {
	provider    Provider
	tools       *Registry
	sink        events.Sink
	transcripts types.TranscriptStore
	engine      *history.Engine
	prompt      *history.Prompt
	maxRounds   int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithHistory sets the history budget engine. Without one the whole history
// is sent.
func WithHistory(e *history.Engine) Option {
	return func(rt *Runtime) { rt.engine = e }
}

// WithPrompt sets the system prompt template.
func WithPrompt(p *history.Prompt) Option {
	return func(rt *Runtime) { rt.prompt = p }
}

// WithMaxToolRounds bounds tool round trips per turn.
func WithMaxToolRounds(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.maxRounds = n
		}
	}
}

// New creates a Runtime with the given dependencies.
func New(p Provider, tools *Registry, sink events.Sink, transcripts types.TranscriptStore, opts ...Option) *Runtime {
	if tools == nil {
		tools = NewRegistry()
	}
	if sink == nil {
		sink = events.Discard
	}
	rt := &Runtime{
		provider:    p,
		tools:       tools,
		sink:        sink,
		transcripts: transcripts,
		maxRounds:   DefaultMaxToolRounds,
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.engine == nil {
		rt.engine = history.New(nil, 0, 0)
	}
	return rt
}

// Sink returns the event sink workers publish to.
func (rt *Runtime) Sink() events.Sink { return rt.sink }

func (rt *Runtime) systemPrompt(sessionID types.SessionID, b types.Binding, model string) string {
	if rt.prompt == nil {
		return ""
	}
	text, err := rt.prompt.Render(history.PromptData{
		SessionID: string(sessionID),
		Vendor:    string(b.Vendor),
		Model:     model,
		Tools:     rt.tools.Names(),
	})
	if err != nil {
		return ""
	}
	return text
}

// Abandon closes out a turn whose worker died before finishing it. The
// degraded reply is persisted so the restarted worker sees a well-formed
// history, then processing_complete is published for the turn.
func (rt *Runtime) Abandon(ctx context.Context, id types.SessionID, turnID types.TurnID, cause string) {
	msg := llm.Message{Role: llm.RoleAssistant, Content: DegradedText(llm.ClassInternal, cause)}
	if rt.transcripts != nil {
		if err := rt.transcripts.Append(ctx, id, msg); err != nil {
			slog.Warn("persist abandoned turn", "session_id", string(id), "error", err)
		}
	}
	rt.sink.Publish(ctx, events.Event{
		Kind:       events.KindProcessingComplete,
		SessionID:  id,
		TurnID:     turnID,
		Text:       msg.Content,
		Message:    &msg,
		Degraded:   true,
		ErrorClass: llm.ClassInternal,
	})
}
