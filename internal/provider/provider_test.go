package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
	"github.com/user/llmgate/pkg/llm/anthropic"
	"github.com/user/llmgate/pkg/llm/framing"
	"github.com/user/llmgate/pkg/llm/google"
	"github.com/user/llmgate/pkg/llm/openai"
)

type fakeAuth struct {
	material map[llm.Vendor]llm.AuthMaterial
	err      error
}

func (f fakeAuth) ResolveMode(_ context.Context, vendor llm.Vendor, _ string) (llm.AuthMode, error) {
	if f.err != nil {
		return "", f.err
	}
	m, ok := f.material[vendor]
	if !ok {
		return "", llm.ErrNotFound
	}
	return m.Mode, nil
}

func (f fakeAuth) MaterializeMode(_ context.Context, vendor llm.Vendor, mode llm.AuthMode, _ string) (llm.AuthMaterial, error) {
	if f.err != nil {
		return llm.AuthMaterial{}, f.err
	}
	m, ok := f.material[vendor]
	if !ok || m.Mode != mode {
		return llm.AuthMaterial{}, llm.ErrNotFound
	}
	return m, nil
}

func testRegistry() *Registry {
	return NewRegistry(anthropic.New(), openai.New(), google.New(google.FormatJSONL))
}

func newTestFactory(auth Materializer, settings map[llm.Vendor]VendorSettings) *Factory {
	return NewFactory(testRegistry(), auth, settings, "test")
}

func collect(t *testing.T, ch <-chan llm.StreamEvent) []llm.StreamEvent {
	t.Helper()
	var out []llm.StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("stream did not close; got %d events", len(out))
			return nil
		}
	}
}

func TestFactoryBuildHeaderOrder(t *testing.T) {
	f := newTestFactory(fakeAuth{material: map[llm.Vendor]llm.AuthMaterial{
		llm.VendorAnthropic: {Mode: llm.AuthAPIKey, APIKey: "sk-ant-test"},
	}}, nil)

	cfg, err := f.Build(context.Background(), llm.VendorAnthropic, "", "default")
	require.NoError(t, err)

	assert.Equal(t, llm.AuthAPIKey, cfg.Mode)
	assert.Equal(t, anthropic.DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, "pool:anthropic", cfg.PoolID)
	assert.Equal(t, []llm.Header{
		{Name: "x-api-key", Value: "sk-ant-test"},
		{Name: "anthropic-version", Value: anthropic.APIVersion},
		{Name: "anthropic-beta", Value: anthropic.DefaultBeta},
		{Name: "user-agent", Value: "llmgate/test"},
		{Name: "content-type", Value: "application/json"},
	}, cfg.Headers)

	v, ok := cfg.Header("X-API-Key")
	assert.True(t, ok)
	assert.Equal(t, "sk-ant-test", v)
}

func TestFactoryBuildErrors(t *testing.T) {
	ctx := context.Background()
	f := newTestFactory(fakeAuth{material: map[llm.Vendor]llm.AuthMaterial{
		llm.VendorOpenAI: {Mode: llm.AuthOAuth, AccessToken: "tok"},
		llm.VendorGoogle: {Mode: llm.AuthAPIKey},
	}}, nil)

	_, err := f.Build(ctx, llm.Vendor("mistral"), llm.AuthAPIKey, "default")
	assert.True(t, errors.Is(err, llm.ErrInvalidProvider))

	_, err = f.Build(ctx, llm.VendorGoogle, llm.AuthOAuth, "default")
	assert.True(t, errors.Is(err, llm.ErrInvalidProvider))

	_, err = f.Build(ctx, llm.VendorOpenAI, "", "default")
	assert.True(t, errors.Is(err, llm.ErrMissingOrgID))

	_, err = f.Build(ctx, llm.VendorGoogle, "", "default")
	assert.True(t, errors.Is(err, llm.ErrMissingAPIKey))

	_, err = f.Build(ctx, llm.VendorAnthropic, "", "default")
	assert.True(t, errors.Is(err, llm.ErrNotFound))

	expired := newTestFactory(fakeAuth{err: fmt.Errorf("refresh: %w", llm.ErrExpired)}, nil)
	_, err = expired.Build(ctx, llm.VendorAnthropic, llm.AuthOAuth, "default")
	assert.True(t, errors.Is(err, llm.ErrExpired))
}

func TestFactoryBaseURLOverride(t *testing.T) {
	f := newTestFactory(fakeAuth{material: map[llm.Vendor]llm.AuthMaterial{
		llm.VendorOpenAI: {Mode: llm.AuthOAuth, AccessToken: "tok", AccountID: "acct"},
	}}, map[llm.Vendor]VendorSettings{llm.VendorOpenAI: {BaseURL: "http://proxy.local/"}})

	cfg, err := f.Build(context.Background(), llm.VendorOpenAI, llm.AuthOAuth, "default")
	require.NoError(t, err)
	assert.Equal(t, "http://proxy.local", cfg.BaseURL)
	acct, _ := cfg.Header("chatgpt-account-id")
	assert.Equal(t, "acct", acct)
}

func newStreamer(trace bool) *Streamer {
	reg := testRegistry()
	return NewStreamer(reg, NewPools(reg.Vendors(), nil), trace)
}

func anthropicConfig(url string) ClientConfig {
	return ClientConfig{
		Vendor:  llm.VendorAnthropic,
		Mode:    llm.AuthAPIKey,
		BaseURL: url,
		PoolID:  PoolID(llm.VendorAnthropic),
		Headers: []llm.Header{
			{Name: "x-api-key", Value: "sk-test"},
			{Name: "anthropic-version", Value: anthropic.APIVersion},
			{Name: "user-agent", Value: "llmgate/test"},
			{Name: "content-type", Value: "application/json"},
		},
	}
}

const anthropicHappySSE = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\"}}\n\n" +
	"event: content_block_start\n" +
	"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
	"event: ping\n" +
	"data: {\"type\":\"ping\"}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n" +
	"event: content_block_stop\n" +
	"data: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n" +
	"event: message_stop\n" +
	"data: {\"type\":\"message_stop\"}\n\n"

func TestStreamSSE(t *testing.T) {
	var gotUA, gotKey, gotVersion, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotKey = r.Header.Get("X-Api-Key")
		gotVersion = r.Header.Get("Anthropic-Version")
		gotPath = r.URL.Path
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, anthropicHappySSE)
	}))
	defer srv.Close()

	ch, err := newStreamer(true).Stream(context.Background(), anthropicConfig(srv.URL),
		llm.HTTPRequest{Method: http.MethodPost, Path: anthropic.MessagesPath, Body: []byte(`{}`)}, time.Second)
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, []llm.StreamEvent{
		llm.TextDelta{Text: "Hel"},
		llm.TextDelta{Text: "lo"},
		llm.Done{StopReason: "end_turn"},
	}, events)
	assert.Equal(t, "llmgate/test", gotUA)
	assert.Equal(t, "sk-test", gotKey)
	assert.Equal(t, anthropic.APIVersion, gotVersion)
	assert.Equal(t, anthropic.MessagesPath, gotPath)
}

func TestStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "overloaded")
	}))
	defer srv.Close()

	ch, err := newStreamer(false).Stream(context.Background(), anthropicConfig(srv.URL),
		llm.HTTPRequest{Path: anthropic.MessagesPath, Body: []byte(`{}`)}, time.Second)
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, llm.StreamError{Kind: llm.KindHTTPError, Status: 500, Body: "overloaded"}, events[0])
	assert.Equal(t, `HttpError{status: 500, body: "overloaded"}`, events[0].(llm.StreamError).String())
}

// brokenAdapter is the Anthropic adapter with a normalizer that panics on
// the first frame.
type brokenAdapter struct{ llm.Adapter }

func (brokenAdapter) Normalizer(llm.AuthMode) llm.StreamNormalizer { return brokenNormalizer{} }

type brokenNormalizer struct{}

func (brokenNormalizer) Normalize(framing.Frame) []llm.StreamEvent { panic("index out of range") }
func (brokenNormalizer) Finish() []llm.StreamEvent                 { return nil }

func TestStreamNormalizerPanicBecomesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, anthropicHappySSE)
	}))
	defer srv.Close()

	reg := NewRegistry(brokenAdapter{anthropic.New()})
	streamer := NewStreamer(reg, NewPools(reg.Vendors(), nil), false)
	ch, err := streamer.Stream(context.Background(), anthropicConfig(srv.URL),
		llm.HTTPRequest{Path: anthropic.MessagesPath, Body: []byte(`{}`)}, time.Second)
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	se, ok := events[0].(llm.StreamError)
	require.True(t, ok)
	assert.Equal(t, llm.KindInternal, se.Kind)
	assert.Contains(t, se.Detail, "index out of range")
}

func TestStreamTimeoutEmitsExactlyOnce(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	ch, err := newStreamer(false).Stream(context.Background(), anthropicConfig(srv.URL),
		llm.HTTPRequest{Path: anthropic.MessagesPath, Body: []byte(`{}`)}, 100*time.Millisecond)
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, llm.KindTimeout, events[0].(llm.StreamError).Kind)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestStreamFramesKeepStreamAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 6; i++ {
			_, _ = io.WriteString(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
			flusher.Flush()
			time.Sleep(50 * time.Millisecond)
		}
		_, _ = io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	ch, err := newStreamer(false).Stream(context.Background(), anthropicConfig(srv.URL),
		llm.HTTPRequest{Path: anthropic.MessagesPath, Body: []byte(`{}`)}, 200*time.Millisecond)
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, llm.Done{}, events[0])
}

func TestStreamRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	ch, err := newStreamer(false).Stream(context.Background(), anthropicConfig(url),
		llm.HTTPRequest{Path: anthropic.MessagesPath, Body: []byte(`{}`)}, time.Second)
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	se := events[0].(llm.StreamError)
	assert.Equal(t, llm.KindRequestError, se.Kind)
	assert.Equal(t, llm.ClassTransport, se.Class())
}

func TestStreamTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"par\"}}\n\n")
	}))
	defer srv.Close()

	ch, err := newStreamer(false).Stream(context.Background(), anthropicConfig(srv.URL),
		llm.HTTPRequest{Path: anthropic.MessagesPath, Body: []byte(`{}`)}, time.Second)
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, llm.TextDelta{Text: "par"}, events[0])
	assert.Equal(t, llm.KindProtocol, events[1].(llm.StreamError).Kind)
}

func TestStreamUnknownPool(t *testing.T) {
	cfg := anthropicConfig("http://127.0.0.1:1")
	cfg.PoolID = "pool:nope"
	_, err := newStreamer(false).Stream(context.Background(), cfg, llm.HTTPRequest{Path: "/"}, time.Second)
	assert.True(t, errors.Is(err, llm.ErrInvalidProvider))
}

func TestClientStreamGoogleJSONL(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Goog-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"candidates":[{"content":{"role":"model","parts":[{"text":"Hi"}]}}]}`+"\n"+
			`,{"candidates":[{"content":{"role":"model","parts":[{"text":" there"}]},"finishReason":"STOP"}]}]`)
	}))
	defer srv.Close()

	reg := testRegistry()
	auth := fakeAuth{material: map[llm.Vendor]llm.AuthMaterial{llm.VendorGoogle: {Mode: llm.AuthAPIKey, APIKey: "AIza"}}}
	factory := NewFactory(reg, auth, map[llm.Vendor]VendorSettings{
		llm.VendorGoogle: {BaseURL: srv.URL, Model: "gemini-2.5-flash"},
	}, "test")
	client := NewClient(reg, factory, NewStreamer(reg, NewPools(reg.Vendors(), nil), false), time.Second)

	prepared, err := client.Prepare(context.Background(), types.Binding{Vendor: llm.VendorGoogle, AuthSession: "default"}, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", prepared.Model)

	ch, err := client.Stream(context.Background(), prepared, llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
	})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, "Hi there", llm.Collect(events))
	assert.Equal(t, llm.Done{StopReason: "STOP"}, events[len(events)-1])
	assert.Equal(t, "/v1beta/models/gemini-2.5-flash:streamGenerateContent", gotPath)
	assert.Equal(t, "AIza", gotKey)
}

func TestPoolAcquireBoundsConcurrency(t *testing.T) {
	pools := NewPools([]llm.Vendor{llm.VendorAnthropic}, map[llm.Vendor]PoolConfig{
		llm.VendorAnthropic: {MaxConnections: 1},
	})
	pool, err := pools.Get(PoolID(llm.VendorAnthropic))
	require.NoError(t, err)

	release, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.Error(t, err)

	release()
	release2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestRegistry(t *testing.T) {
	reg := testRegistry()
	assert.Equal(t, []llm.Vendor{llm.VendorAnthropic, llm.VendorGoogle, llm.VendorOpenAI}, reg.Vendors())
	assert.Len(t, reg.AuthProviders(), 3)
	_, err := reg.Adapter("mistral")
	assert.True(t, errors.Is(err, llm.ErrInvalidProvider))
}
