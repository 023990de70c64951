package provider

import (
	"context"
	"time"

	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

// Prepared is a client resolved for one session binding: the client config,
// the vendor's translators and the effective model limits.
type Prepared struct {
	Config     ClientConfig
	Translator llm.ToolTranslator
	Requests   llm.RequestBuilder
	Model      string
	MaxTokens  int
	SessionID  string
}

// Client ties the factory and streamer together for the agent loop.
type Client struct {
	registry *Registry
	factory  *Factory
	streamer *Streamer
	timeout  time.Duration
}

// NewClient creates a Client. timeout is the per-request idle timeout.
func NewClient(registry *Registry, factory *Factory, streamer *Streamer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{registry: registry, factory: factory, streamer: streamer, timeout: timeout}
}

// Prepare builds a client for b. Credentials are materialized on every call
// so a token refreshed in between is picked up.
func (c *Client) Prepare(ctx context.Context, b types.Binding, sessionID types.SessionID) (*Prepared, error) {
	cfg, err := c.factory.build(ctx, b.Vendor, b.AuthMode, b.AuthSession, string(sessionID))
	if err != nil {
		return nil, err
	}
	adapter, err := c.registry.Adapter(b.Vendor)
	if err != nil {
		return nil, err
	}
	s := c.factory.Settings(b.Vendor)
	model := b.Model
	if model == "" {
		model = s.Model
	}
	return &Prepared{
		Config:     cfg,
		Translator: adapter.Translator(cfg.Mode),
		Requests:   adapter.Requests(cfg.Mode),
		Model:      model,
		MaxTokens:  s.MaxTokens,
		SessionID:  string(sessionID),
	}, nil
}

// Stream encodes req for the prepared vendor and streams the response.
func (c *Client) Stream(ctx context.Context, p *Prepared, req llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	if req.Model == "" {
		req.Model = p.Model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = p.MaxTokens
	}
	if req.SessionID == "" {
		req.SessionID = p.SessionID
	}
	httpReq, err := p.Requests.BuildRequest(req)
	if err != nil {
		return nil, err
	}
	return c.streamer.Stream(ctx, p.Config, httpReq, c.timeout)
}
