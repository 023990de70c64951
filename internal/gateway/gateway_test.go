package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/llmgate/internal/delivery"
	"github.com/user/llmgate/internal/events"
	"github.com/user/llmgate/internal/provider"
	"github.com/user/llmgate/internal/runtime"
	"github.com/user/llmgate/internal/state"
	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
	"github.com/user/llmgate/pkg/llm/anthropic"
)

// echoProvider replies "echo: <last user text>". A user text of "panic"
// crashes the calling worker; "hold" blocks until release is closed.
type echoProvider struct {
	release chan struct{}
}

func (p *echoProvider) Prepare(_ context.Context, b types.Binding, _ types.SessionID) (*provider.Prepared, error) {
	return &provider.Prepared{
		Config:     provider.ClientConfig{Vendor: b.Vendor, Mode: llm.AuthAPIKey},
		Translator: anthropic.Translator{},
		Model:      "test",
	}, nil
}

func (p *echoProvider) Stream(ctx context.Context, _ *provider.Prepared, req llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	last := req.Messages[len(req.Messages)-1].Content
	if last == "panic" {
		panic("worker defect")
	}
	ch := make(chan llm.StreamEvent, 2)
	go func() {
		defer close(ch)
		if last == "hold" {
			select {
			case <-p.release:
			case <-ctx.Done():
				return
			}
		}
		ch <- llm.TextDelta{Text: "echo: " + last}
		ch <- llm.Done{}
	}()
	return ch, nil
}

type fixture struct {
	sup         *Supervisor
	bus         *events.Bus
	sessions    *state.SessionStore
	transcripts *state.TranscriptStore
	provider    *echoProvider
}

var testBinding = types.Binding{Vendor: llm.VendorAnthropic, AuthSession: "default"}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		bus:         events.NewBus(),
		sessions:    state.NewSessionStore(dir),
		transcripts: state.NewTranscriptStore(dir),
		provider:    &echoProvider{release: make(chan struct{})},
	}
	rt := runtime.New(f.provider, nil, f.bus, f.transcripts)
	opts = append([]Option{
		WithRetryPolicy(&RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: 10 * time.Millisecond}),
		WithDefaultBinding(testBinding),
	}, opts...)
	f.sup = New(rt, f.sessions, f.bus, opts...)
	f.sup.Start(context.Background())
	t.Cleanup(f.sup.Stop)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSupervisorSendAndWait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.sup.Open(ctx, "api:test", testBinding)
	if err != nil {
		t.Fatal(err)
	}

	ev, err := f.sup.SendAndWait(ctx, id, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != events.KindProcessingComplete || ev.Message == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Message.Content != "echo: hello" {
		t.Errorf("expected echo reply, got %q", ev.Message.Content)
	}
	if f.sup.State(id) != runtime.StateIdle {
		t.Errorf("expected idle, got %s", f.sup.State(id))
	}

	sess, err := f.sessions.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Turns != 1 || sess.LastTurnID != ev.TurnID {
		t.Errorf("expected turn recorded on session, got turns=%d last=%s", sess.Turns, sess.LastTurnID)
	}
}

func TestSupervisorOpenReusesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.sup.Open(ctx, "api:same", testBinding)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.sup.Open(ctx, "api:same", types.Binding{Vendor: llm.VendorOpenAI})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("expected the same session, got %s and %s", a, b)
	}
	if n := len(f.sup.Running()); n != 1 {
		t.Errorf("expected 1 running worker, got %d", n)
	}

	fresh, err := f.sup.Open(ctx, "", testBinding)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == a {
		t.Error("expected empty key to open a new session")
	}
}

func TestSupervisorDuplicateTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.sup.Open(ctx, "api:dup", testBinding)
	if err != nil {
		t.Fatal(err)
	}

	first, err := f.sup.Send(ctx, id, "hold")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.sup.Send(ctx, id, "again"); !errors.Is(err, llm.ErrDuplicateTurn) {
		t.Fatalf("expected ErrDuplicateTurn, got %v", err)
	}

	sub := f.bus.Subscribe(id, 16)
	defer sub.Close()
	close(f.provider.release)

	select {
	case ev := <-sub.C:
		for ev.Kind != events.KindProcessingComplete {
			ev = <-sub.C
		}
		if ev.TurnID != first {
			t.Errorf("expected completion for %s, got %s", first, ev.TurnID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("turn never completed")
	}

	history, err := f.sup.History(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("expected one user and one assistant message, got %d", len(history))
	}
	if !f.sup.WaitIdle(time.Second) {
		t.Error("expected admission slots to be released")
	}
}

func TestSupervisorRestartsCrashedWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.sup.Open(ctx, "api:crash", testBinding)
	if err != nil {
		t.Fatal(err)
	}

	sub := f.bus.Subscribe(id, 16)
	defer sub.Close()

	// The worker dies before it can reply to the submit.
	if _, err := f.sup.SendAndWait(ctx, id, "panic"); !errors.Is(err, runtime.ErrWorkerStopped) {
		t.Fatalf("expected ErrWorkerStopped, got %v", err)
	}

	var ev events.Event
	timeout := time.After(5 * time.Second)
	for ev.Kind != events.KindProcessingComplete {
		select {
		case ev = <-sub.C:
		case <-timeout:
			t.Fatal("no completion for the abandoned turn")
		}
	}
	if !ev.Degraded || ev.ErrorClass != llm.ClassInternal {
		t.Errorf("expected degraded internal completion, got %+v", ev)
	}
	if !strings.Contains(ev.Message.Content, "worker defect") {
		t.Errorf("expected crash detail in reply, got %q", ev.Message.Content)
	}

	// The restarted worker reloads the transcript and serves new turns.
	var reply events.Event
	waitFor(t, "restarted worker", func() bool {
		reply, err = f.sup.SendAndWait(ctx, id, "after")
		return err == nil
	})
	if reply.Message.Content != "echo: after" {
		t.Errorf("expected echo after restart, got %q", reply.Message.Content)
	}

	msgs, err := f.transcripts.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", len(msgs))
	}
	if msgs[0].Content != "panic" || msgs[1].Role != llm.RoleAssistant {
		t.Errorf("unexpected transcript head: %+v", msgs[:2])
	}
}

func TestSupervisorCrashIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad, err := f.sup.Open(ctx, "api:bad", testBinding)
	if err != nil {
		t.Fatal(err)
	}
	good, err := f.sup.Open(ctx, "api:good", testBinding)
	if err != nil {
		t.Fatal(err)
	}

	_, _ = f.sup.Send(ctx, bad, "panic")
	ev, err := f.sup.SendAndWait(ctx, good, "fine")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Message.Content != "echo: fine" {
		t.Errorf("expected healthy session to reply, got %q", ev.Message.Content)
	}
}

func TestSupervisorClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.sup.Open(ctx, "api:close", testBinding)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.sup.Close(id); err != nil {
		t.Fatal(err)
	}
	if len(f.sup.Running()) != 0 {
		t.Error("expected no running workers after Close")
	}
	if err := f.sup.Close(id); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}

	// Send reopens from the store.
	ev, err := f.sup.SendAndWait(ctx, id, "back")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Message.Content != "echo: back" {
		t.Errorf("unexpected reply %q", ev.Message.Content)
	}
}

func TestSupervisorCloseMidTurnReleasesSlot(t *testing.T) {
	f := newFixture(t, WithMaxConcurrent(1))
	ctx := context.Background()
	a, err := f.sup.Open(ctx, "api:a", testBinding)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.sup.Open(ctx, "api:b", testBinding)
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		ev  events.Event
		err error
	}
	held := make(chan result, 1)
	go func() {
		ev, err := f.sup.SendAndWait(ctx, a, "hold")
		held <- result{ev, err}
	}()
	waitFor(t, "turn on a", func() bool { return f.sup.State(a) != runtime.StateIdle })

	if err := f.sup.Close(a); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-held:
		if r.err != nil {
			t.Fatalf("expected the interrupted turn to complete, got %v", r.err)
		}
		if !r.ev.Degraded || !strings.Contains(r.ev.Message.Content, "session closed") {
			t.Errorf("expected degraded reply, got %+v", r.ev.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("awaiter of the closed session never returned")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ev, err := f.sup.SendAndWait(waitCtx, b, "next")
	if err != nil {
		t.Fatalf("admission slot still held: %v", err)
	}
	if ev.Message.Content != "echo: next" {
		t.Errorf("unexpected reply %q", ev.Message.Content)
	}

	history, err := f.sup.History(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[1].Role != llm.RoleAssistant {
		t.Errorf("expected user and degraded assistant message, got %+v", history)
	}
}

func TestSupervisorNotStarted(t *testing.T) {
	dir := t.TempDir()
	sup := New(runtime.New(&echoProvider{}, nil, nil, nil), state.NewSessionStore(dir), events.NewBus())
	if _, err := sup.Open(context.Background(), "api:x", testBinding); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestSupervisorUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.sup.Send(context.Background(), "missing", "hi")
	if !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSupervisorHandleInboundDelivers(t *testing.T) {
	reg := delivery.NewRegistry()
	var (
		mu  sync.Mutex
		got []string
	)
	reg.Register("telegram:", func(_ context.Context, key types.SessionKey, message string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(key)+"|"+message)
		return nil
	})
	f := newFixture(t, WithDelivery(reg))

	_, err := f.sup.HandleInbound(context.Background(), &types.InboundEvent{
		Source:     "telegram",
		SessionKey: types.NewSessionKey("telegram", "1", "2"),
		UserID:     "1",
		Text:       "hi",
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	if got[0] != "telegram:1:2|echo: hi" {
		t.Errorf("unexpected delivery %q", got[0])
	}
}
