// Package google adapts the Gemini generateContent streaming API.
package google

import (
	"github.com/user/llmgate/pkg/llm"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// StreamFormat selects how Gemini streams a response.
type StreamFormat string

const (
	FormatSSE   StreamFormat = "sse"
	FormatJSONL StreamFormat = "jsonl"
)

// Adapter implements llm.Adapter for Gemini.
type Adapter struct {
	format StreamFormat
	newID  func() string
}

// New returns a Gemini adapter streaming in the given format ("" means SSE).
func New(format StreamFormat) *Adapter {
	if format == "" {
		format = FormatSSE
	}
	return &Adapter{format: format, newID: newCallID}
}

var _ llm.Adapter = (*Adapter)(nil)

func (a *Adapter) Vendor() llm.Vendor                           { return llm.VendorGoogle }
func (a *Adapter) Auth() llm.AuthProvider                       { return authProvider{} }
func (a *Adapter) Client() llm.ClientBuilder                    { return clientBuilder{} }
func (a *Adapter) Translator(llm.AuthMode) llm.ToolTranslator   { return Translator{} }
func (a *Adapter) Requests(llm.AuthMode) llm.RequestBuilder     { return requestBuilder{format: a.format} }
func (a *Adapter) Normalizer(llm.AuthMode) llm.StreamNormalizer { return NewNormalizer(a.newID) }

type authProvider struct{}

func (authProvider) Modes() []llm.AuthMode     { return []llm.AuthMode{llm.AuthAPIKey} }
func (authProvider) OAuth() *llm.OAuthEndpoint { return nil }

type clientBuilder struct{}

func (clientBuilder) DefaultBaseURL(llm.AuthMode) string { return DefaultBaseURL }

func (clientBuilder) Headers(mode llm.AuthMode, m llm.AuthMaterial, opts llm.ClientOptions) ([]llm.Header, error) {
	if mode != llm.AuthAPIKey {
		return nil, llm.ErrInvalidProvider
	}
	if m.APIKey == "" {
		return nil, llm.ErrMissingAPIKey
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "llmgate"
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return []llm.Header{
		{Name: "x-goog-api-key", Value: m.APIKey},
		{Name: "x-goog-api-client", Value: "llmgate/" + version},
		{Name: "user-agent", Value: ua},
		{Name: "content-type", Value: "application/json"},
	}, nil
}
