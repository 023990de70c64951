package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/user/llmgate/pkg/llm"
	"github.com/user/llmgate/pkg/llm/framing"
)

const (
	// DefaultTimeout is how long a stream may go without any frame.
	DefaultTimeout = 45 * time.Second

	maxErrorBody = 64 << 10
)

// Streamer issues streaming requests and normalizes their responses.
type Streamer struct {
	registry *Registry
	pools    *Pools
	trace    bool
}

// NewStreamer creates a Streamer. With trace set every raw frame is logged at
// debug level.
func NewStreamer(registry *Registry, pools *Pools, trace bool) *Streamer {
	return &Streamer{registry: registry, pools: pools, trace: trace}
}

// Stream sends req and returns its events. The channel always ends with
// exactly one terminal event (Done or StreamError) unless ctx is cancelled,
// and is closed afterwards. If no frame arrives for timeout, a single
// Timeout error is emitted and the request is abandoned.
func (s *Streamer) Stream(ctx context.Context, cfg ClientConfig, req llm.HTTPRequest, timeout time.Duration) (<-chan llm.StreamEvent, error) {
	adapter, err := s.registry.Adapter(cfg.Vendor)
	if err != nil {
		return nil, err
	}
	pool, err := s.pools.Get(cfg.PoolID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := newHTTPRequest(ctx, cfg, req)
	if err != nil {
		cancel()
		return nil, err
	}

	p := &producer{
		vendor:   cfg.Vendor,
		pool:     pool,
		req:      httpReq,
		norm:     adapter.Normalizer(cfg.Mode),
		trace:    s.trace,
		events:   make(chan llm.StreamEvent),
		progress: make(chan struct{}, 1),
	}
	out := make(chan llm.StreamEvent, 16)

	go p.run(ctx)
	go watch(ctx, cancel, p, out, timeout)
	return out, nil
}

func newHTTPRequest(ctx context.Context, cfg ClientConfig, req llm.HTTPRequest) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	url := req.Path
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = cfg.BaseURL + url
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	applyHeaders(httpReq, cfg.Headers)
	return httpReq, nil
}

// applyHeaders sets headers under their exact names. User-Agent goes through
// the canonical key because net/http only honors it there.
func applyHeaders(r *http.Request, headers []llm.Header) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "user-agent") {
			r.Header.Set("User-Agent", h.Value)
			continue
		}
		r.Header[h.Name] = []string{h.Value}
	}
}

// watch forwards producer events to out and enforces the idle timeout.
func watch(ctx context.Context, cancel context.CancelFunc, p *producer, out chan<- llm.StreamEvent, timeout time.Duration) {
	defer close(out)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	reset := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)
	}

	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if llm.IsTerminal(ev) {
				return
			}
			reset()
		case <-p.progress:
			reset()
		case <-timer.C:
			slog.Warn("stream idle timeout", "vendor", p.vendor, "timeout", timeout)
			select {
			case out <- llm.StreamError{Kind: llm.KindTimeout, Detail: fmt.Sprintf("no event within %s", timeout)}:
			case <-ctx.Done():
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// producer runs the HTTP exchange on its own goroutine and hands events to
// the watcher one at a time.
type producer struct {
	vendor   llm.Vendor
	pool     *Pool
	req      *http.Request
	norm     llm.StreamNormalizer
	trace    bool
	events   chan llm.StreamEvent
	progress chan struct{}
}

func (p *producer) emit(ctx context.Context, ev llm.StreamEvent) bool {
	select {
	case p.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *producer) alive() {
	select {
	case p.progress <- struct{}{}:
	default:
	}
}

func (p *producer) run(ctx context.Context) {
	defer close(p.events)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stream normalizer panicked", "vendor", p.vendor, "panic", r, "stack", string(debug.Stack()))
			p.emit(ctx, llm.StreamError{Kind: llm.KindInternal, Detail: fmt.Sprintf("normalizer panicked: %v", r)})
		}
	}()

	release, err := p.pool.Acquire(ctx)
	if err != nil {
		p.emit(ctx, llm.StreamError{Kind: llm.KindRequestError, Detail: err.Error()})
		return
	}
	defer release()

	resp, err := p.pool.Client().Do(p.req)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("stream request failed", "vendor", p.vendor, "error", err)
		}
		p.emit(ctx, llm.StreamError{Kind: llm.KindRequestError, Detail: err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Warn("vendor returned error status", "vendor", p.vendor, "status", resp.StatusCode)
		p.emit(ctx, llm.StreamError{Kind: llm.KindHTTPError, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))})
		return
	}

	reader := framing.NewReader(resp.Header.Get("Content-Type"), resp.Body)
	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			for _, ev := range p.norm.Finish() {
				if !p.emit(ctx, ev) {
					return
				}
			}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var syntax *json.SyntaxError
			kind := llm.KindRequestError
			if errors.As(err, &syntax) {
				kind = llm.KindProtocol
			}
			p.emit(ctx, llm.StreamError{Kind: kind, Detail: err.Error()})
			return
		}

		p.alive()
		if p.trace {
			slog.Debug("stream frame", "vendor", p.vendor, "event", frame.Event, "data", frame.Data)
		}
		for _, ev := range p.norm.Normalize(frame) {
			if !p.emit(ctx, ev) {
				return
			}
			if llm.IsTerminal(ev) {
				return
			}
		}
	}
}
