package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/llmgate/internal/events"
	"github.com/user/llmgate/internal/provider"
	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

// State is the loop state of a session worker.
type State string

const (
	StateIdle     State = "idle"
	StateThinking State = "thinking"
	StateActing   State = "acting"
)

// ErrWorkerStopped is returned by Submit after the worker has exited.
var ErrWorkerStopped = errors.New("session worker stopped")

type submission struct {
	text  string
	reply chan submitResult
}

type submitResult struct {
	turnID types.TurnID
	err    error
}

type toolResult struct {
	call    llm.ToolCall
	output  string
	isError bool
}

type toolBatch struct {
	turnID  types.TurnID
	results []toolResult
}

// turn is the state of the in-flight turn. It only exists between an
// accepted submission and its processing_complete.
type turn struct {
	id        types.TurnID
	prepared  *provider.Prepared
	stream    <-chan llm.StreamEvent
	cancel    context.CancelFunc
	text      strings.Builder
	calls     []llm.ToolCall
	pending   llm.Message // assistant tool-call message awaiting its results
	markers   []string
	rounds    int
	startedAt time.Time
}

// Worker owns one session. All history and loop state is touched only by
// the goroutine running Run; other goroutines talk to it through channels.
type Worker struct {
	rt      *Runtime
	id      types.SessionID
	binding types.Binding

	mailbox   chan submission
	snapshots chan chan []llm.Message
	toolDone  chan toolBatch
	done      chan struct{}
	doneOnce  sync.Once

	state    atomic.Value // State
	inflight atomic.Value // types.TurnID

	history []llm.Message
	turn    *turn
}

// NewWorker creates a worker for session id. Call Run to start it.
func (rt *Runtime) NewWorker(id types.SessionID, binding types.Binding) *Worker {
	w := &Worker{
		rt:        rt,
		id:        id,
		binding:   binding,
		mailbox:   make(chan submission),
		snapshots: make(chan chan []llm.Message),
		toolDone:  make(chan toolBatch, 1),
		done:      make(chan struct{}),
	}
	w.state.Store(StateIdle)
	w.inflight.Store(types.TurnID(""))
	return w
}

// ID returns the session id.
func (w *Worker) ID() types.SessionID { return w.id }

// State returns the current loop state.
func (w *Worker) State() State { return w.state.Load().(State) }

// InFlight returns the id of the running turn, or "" when idle.
func (w *Worker) InFlight() types.TurnID { return w.inflight.Load().(types.TurnID) }

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Submit hands a user message to the worker. It returns llm.ErrDuplicateTurn
// while another turn is in flight. The turn itself completes asynchronously
// with a processing_complete event.
func (w *Worker) Submit(ctx context.Context, text string) (types.TurnID, error) {
	reply := make(chan submitResult, 1)
	select {
	case w.mailbox <- submission{text: text, reply: reply}:
	case <-w.done:
		return "", ErrWorkerStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-reply:
		return res.turnID, res.err
	case <-w.done:
		return "", ErrWorkerStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// History returns a copy of the message history.
func (w *Worker) History(ctx context.Context) ([]llm.Message, error) {
	reply := make(chan []llm.Message, 1)
	select {
	case w.snapshots <- reply:
	case <-w.done:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case msgs := <-reply:
		return msgs, nil
	case <-w.done:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run loads the persisted transcript and processes submissions until ctx is
// cancelled. Panics are not recovered here; the supervisor does that.
func (w *Worker) Run(ctx context.Context) error {
	defer w.doneOnce.Do(func() { close(w.done) })
	defer func() {
		if w.turn != nil && w.turn.cancel != nil {
			w.turn.cancel()
		}
	}()

	if w.rt.transcripts != nil {
		msgs, err := w.rt.transcripts.Load(ctx, w.id)
		if err != nil {
			return fmt.Errorf("load transcript: %w", err)
		}
		w.history = msgs
	}
	slog.Debug("session worker started", "session_id", string(w.id), "messages", len(w.history))

	for {
		var stream <-chan llm.StreamEvent
		if w.turn != nil {
			stream = w.turn.stream
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case sub := <-w.mailbox:
			sub.reply <- w.accept(ctx, sub.text)

		case reply := <-w.snapshots:
			reply <- append([]llm.Message(nil), w.history...)

		case ev, ok := <-stream:
			if !ok {
				w.onStreamClosed(ctx)
				continue
			}
			w.onStreamEvent(ctx, ev)

		case batch := <-w.toolDone:
			if w.turn == nil || batch.turnID != w.turn.id {
				continue
			}
			w.onToolsDone(ctx, batch.results)
		}
	}
}

func (w *Worker) setState(s State) {
	w.state.Store(s)
}

func (w *Worker) accept(ctx context.Context, text string) submitResult {
	if w.turn != nil || w.State() != StateIdle {
		return submitResult{err: fmt.Errorf("%w: session %s", llm.ErrDuplicateTurn, w.id)}
	}

	if err := w.appendHistory(ctx, llm.Message{Role: llm.RoleUser, Content: text}); err != nil {
		return submitResult{err: err}
	}
	t := &turn{id: types.NewTurnID(), startedAt: time.Now()}
	w.turn = t
	w.inflight.Store(t.id)

	slog.Info("turn accepted", "session_id", string(w.id), "turn_id", string(t.id))
	w.think(ctx)
	return submitResult{turnID: t.id}
}

// think starts a streaming request over the current history.
func (w *Worker) think(ctx context.Context) {
	t := w.turn
	w.setState(StateThinking)
	w.publish(ctx, events.Event{Kind: events.KindThinking})

	t.text.Reset()
	t.calls = nil

	prepared, err := w.rt.provider.Prepare(ctx, w.binding, w.id)
	if err != nil {
		w.degrade(ctx, llm.StreamErrorFrom(err))
		return
	}
	t.prepared = prepared

	system := w.rt.systemPrompt(w.id, w.binding, prepared.Model)
	req := llm.ChatRequest{
		System:    system,
		Messages:  w.rt.engine.Fit(system, w.history),
		Tools:     w.rt.tools.Definitions(),
		SessionID: string(w.id),
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ch, err := w.rt.provider.Stream(streamCtx, prepared, req)
	if err != nil {
		cancel()
		w.degrade(ctx, llm.StreamErrorFrom(err))
		return
	}
	t.stream = ch
	t.cancel = cancel
}

func (w *Worker) stopStream() {
	t := w.turn
	if t.cancel != nil {
		t.cancel()
	}
	t.stream = nil
	t.cancel = nil
}

func (w *Worker) onStreamEvent(ctx context.Context, ev llm.StreamEvent) {
	t := w.turn
	switch ev := ev.(type) {
	case llm.TextDelta:
		t.text.WriteString(ev.Text)
		w.publish(ctx, events.Event{Kind: events.KindStreamChunk, Text: ev.Text})

	case llm.ToolCallRequested:
		t.calls = append(t.calls, ev.Calls...)

	case llm.Done:
		w.stopStream()
		if len(t.calls) > 0 {
			w.act(ctx)
			return
		}
		w.finish(ctx, llm.Message{Role: llm.RoleAssistant, Content: w.finalText(t.text.String())}, "")

	case llm.StreamError:
		w.stopStream()
		w.degrade(ctx, ev)
	}
}

func (w *Worker) onStreamClosed(ctx context.Context) {
	t := w.turn
	w.stopStream()
	// Some normalizers deliver tool calls and close without a separate Done.
	if len(t.calls) > 0 {
		w.act(ctx)
		return
	}
	w.degrade(ctx, llm.StreamError{Kind: llm.KindRequestError, Detail: "stream closed before completion"})
}

// act runs the assistant's tool calls on a helper goroutine, one after
// another in request order. The tool-call message joins the history together
// with its results in onToolsDone.
func (w *Worker) act(ctx context.Context) {
	t := w.turn
	if t.rounds >= w.rt.maxRounds {
		slog.Warn("tool round limit reached", "session_id", string(w.id), "turn_id", string(t.id), "rounds", t.rounds)
		text := w.finalText(fmt.Sprintf("Stopped after %d tool rounds without a final answer.", t.rounds))
		w.finish(ctx, llm.Message{Role: llm.RoleAssistant, Content: text}, llm.ClassProtocol)
		return
	}
	t.rounds++
	w.setState(StateActing)

	calls := append([]llm.ToolCall(nil), t.calls...)
	recorded := make([]llm.ToolCall, len(calls))
	for i, call := range calls {
		recorded[i] = call
		if !llm.IsObject(call.Arguments) {
			slog.Warn("malformed tool call arguments", "session_id", string(w.id), "tool", call.Name, "call_id", call.ID)
			recorded[i].Arguments = json.RawMessage(`{}`)
		}
	}
	t.pending = llm.Message{Role: llm.RoleAssistant, Content: t.text.String(), ToolCalls: recorded}

	// Tools see the arguments as streamed so malformed ones fail as
	// ErrInvalidToolCallFormat results.
	go w.runTools(ctx, t.id, calls)
}

func (w *Worker) runTools(ctx context.Context, turnID types.TurnID, calls []llm.ToolCall) {
	results := make([]toolResult, 0, len(calls))
	for _, call := range calls {
		w.publish(ctx, events.Event{Kind: events.KindToolCallStart, TurnID: turnID,
			Tool: &events.ToolInfo{CallID: call.ID, Name: call.Name, Arguments: call.Arguments}})

		output, err := w.execute(ctx, call)
		res := toolResult{call: call, output: output}
		if err != nil {
			res.output = err.Error()
			res.isError = true
		}
		results = append(results, res)

		w.publish(ctx, events.Event{Kind: events.KindToolCallEnd, TurnID: turnID,
			Tool: &events.ToolInfo{CallID: call.ID, Name: call.Name, Output: res.output, IsError: res.isError}})
	}

	select {
	case w.toolDone <- toolBatch{turnID: turnID, results: results}:
	case <-ctx.Done():
	}
}

// execute runs one tool call. A panicking tool becomes an error result.
func (w *Worker) execute(ctx context.Context, call llm.ToolCall) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "session_id", string(w.id), "tool", call.Name, "panic", r)
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()
	return w.rt.tools.Execute(ctx, call)
}

func (w *Worker) onToolsDone(ctx context.Context, results []toolResult) {
	t := w.turn
	followups := make([]llm.Message, 0, len(results))
	for _, res := range results {
		name, callID := res.call.Name, res.call.ID
		if tr := t.prepared.Translator; tr != nil {
			frag, err := tr.ToFollowup(name, callID, res.output, res.isError)
			if err != nil {
				slog.Warn("translate tool result", "tool", name, "error", err)
			} else {
				name, callID = frag.Name, frag.CallID
			}
		}
		followups = append(followups, llm.Message{
			Role:       llm.RoleTool,
			Content:    res.output,
			ToolCallID: callID,
			Name:       name,
			IsError:    res.isError,
		})
		if res.isError {
			t.markers = append(t.markers, fmt.Sprintf("✗ %s: %s", name, firstLine(res.output)))
		} else {
			t.markers = append(t.markers, "✓ "+name)
		}
	}
	round := append([]llm.Message{t.pending}, followups...)
	t.pending = llm.Message{}
	if err := w.appendHistory(ctx, round...); err != nil {
		w.degrade(ctx, llm.StreamErrorFrom(err))
		return
	}
	w.think(ctx)
}

// finalText prefixes the tool markers of this turn to text.
func (w *Worker) finalText(text string) string {
	t := w.turn
	if len(t.markers) == 0 {
		return text
	}
	head := strings.Join(t.markers, "\n")
	if text == "" {
		return head
	}
	return head + "\n\n" + text
}

// degrade ends the turn with an assistant message describing the failure.
func (w *Worker) degrade(ctx context.Context, se llm.StreamError) {
	class := se.Class()
	slog.Warn("turn degraded", "session_id", string(w.id), "turn_id", string(w.turn.id), "class", string(class), "error", se.String())
	text := w.finalText(DegradedText(class, se.String()))
	w.finish(ctx, llm.Message{Role: llm.RoleAssistant, Content: text}, class)
}

// DegradedText is the assistant message shown in place of a failed reply.
func DegradedText(class llm.Class, detail string) string {
	return fmt.Sprintf("Request failed (%s error): %s", class, detail)
}

func (w *Worker) finish(ctx context.Context, msg llm.Message, class llm.Class) {
	t := w.turn
	if t.cancel != nil {
		t.cancel()
	}
	if err := w.appendHistory(ctx, msg); err != nil {
		// Keep the live conversation well formed even though the transcript
		// is missing the reply.
		w.history = append(w.history, msg)
	}
	w.turn = nil
	w.inflight.Store(types.TurnID(""))
	w.setState(StateIdle)

	slog.Info("turn complete", "session_id", string(w.id), "turn_id", string(t.id),
		"rounds", t.rounds, "degraded", class != "", "duration", time.Since(t.startedAt))
	w.rt.sink.Publish(ctx, events.Event{
		Kind:       events.KindProcessingComplete,
		SessionID:  w.id,
		TurnID:     t.id,
		Text:       msg.Content,
		Message:    &msg,
		Degraded:   class != "",
		ErrorClass: class,
	})
}

// appendHistory persists msgs, then adds them to the history. Nothing is
// added when persisting fails.
func (w *Worker) appendHistory(ctx context.Context, msgs ...llm.Message) error {
	if w.rt.transcripts != nil {
		if err := w.rt.transcripts.Append(ctx, w.id, msgs...); err != nil {
			slog.Warn("persist transcript", "session_id", string(w.id), "error", err)
			return fmt.Errorf("persist transcript: %w", err)
		}
	}
	w.history = append(w.history, msgs...)
	return nil
}

func (w *Worker) publish(ctx context.Context, ev events.Event) {
	ev.SessionID = w.id
	if ev.TurnID == "" && w.turn != nil {
		ev.TurnID = w.turn.id
	}
	w.rt.sink.Publish(ctx, ev)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
