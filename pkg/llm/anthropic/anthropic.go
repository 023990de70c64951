// Package anthropic adapts the Anthropic Messages API.
package anthropic

import (
	"strings"

	"github.com/user/llmgate/pkg/llm"
)

const (
	DefaultBaseURL = "https://api.anthropic.com"
	APIVersion     = "2023-06-01"
	DefaultBeta    = "fine-grained-tool-streaming-2025-05-14"
	OAuthBeta      = "oauth-2025-04-20"
	MessagesPath   = "/v1/messages"

	defaultMaxTokens = 4096
)

// Adapter implements llm.Adapter for Anthropic.
type Adapter struct{}

// New returns the Anthropic adapter.
func New() *Adapter { return &Adapter{} }

var _ llm.Adapter = (*Adapter)(nil)

func (a *Adapter) Vendor() llm.Vendor                           { return llm.VendorAnthropic }
func (a *Adapter) Auth() llm.AuthProvider                       { return authProvider{} }
func (a *Adapter) Client() llm.ClientBuilder                    { return clientBuilder{} }
func (a *Adapter) Translator(llm.AuthMode) llm.ToolTranslator   { return Translator{} }
func (a *Adapter) Requests(llm.AuthMode) llm.RequestBuilder     { return requestBuilder{} }
func (a *Adapter) Normalizer(llm.AuthMode) llm.StreamNormalizer { return NewNormalizer() }

type authProvider struct{}

func (authProvider) Modes() []llm.AuthMode {
	return []llm.AuthMode{llm.AuthOAuth, llm.AuthAPIKey}
}

func (authProvider) OAuth() *llm.OAuthEndpoint {
	return &llm.OAuthEndpoint{
		AuthorizeURL: "https://claude.ai/oauth/authorize",
		TokenURL:     "https://console.anthropic.com/v1/oauth/token",
		RedirectURI:  "https://console.anthropic.com/oauth/code/callback",
		Scopes:       []string{"org:create_api_key", "user:profile", "user:inference"},
	}
}

type clientBuilder struct{}

func (clientBuilder) DefaultBaseURL(llm.AuthMode) string { return DefaultBaseURL }

// Headers returns, in order: the credential header, anthropic-version,
// anthropic-beta, user-agent, x-app (oauth only) and content-type.
func (clientBuilder) Headers(mode llm.AuthMode, m llm.AuthMaterial, opts llm.ClientOptions) ([]llm.Header, error) {
	betas := opts.Betas
	if len(betas) == 0 {
		betas = []string{DefaultBeta}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "llmgate"
	}

	switch mode {
	case llm.AuthAPIKey:
		if m.APIKey == "" {
			return nil, llm.ErrMissingAPIKey
		}
		return []llm.Header{
			{Name: "x-api-key", Value: m.APIKey},
			{Name: "anthropic-version", Value: APIVersion},
			{Name: "anthropic-beta", Value: strings.Join(betas, ",")},
			{Name: "user-agent", Value: ua},
			{Name: "content-type", Value: "application/json"},
		}, nil
	case llm.AuthOAuth:
		if m.AccessToken == "" {
			return nil, llm.ErrMissingAPIKey
		}
		return []llm.Header{
			{Name: "authorization", Value: "Bearer " + m.AccessToken},
			{Name: "anthropic-version", Value: APIVersion},
			{Name: "anthropic-beta", Value: strings.Join(append(append([]string(nil), betas...), OAuthBeta), ",")},
			{Name: "user-agent", Value: ua},
			{Name: "x-app", Value: "cli"},
			{Name: "content-type", Value: "application/json"},
		}, nil
	default:
		return nil, llm.ErrInvalidProvider
	}
}
