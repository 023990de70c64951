// Package openai adapts OpenAI: Chat Completions for API keys and the
// Responses backend for ChatGPT OAuth tokens.
package openai

import (
	"github.com/user/llmgate/pkg/llm"
)

const (
	DefaultBaseURL      = "https://api.openai.com"
	DefaultOAuthBaseURL = "https://chatgpt.com/backend-api/codex"
	ChatPath            = "/v1/chat/completions"
	ResponsesPath       = "/responses"
	Originator          = "llmgate"
)

// Adapter implements llm.Adapter for OpenAI. The auth mode picks the API
// flavour: api_key speaks Chat Completions, oauth speaks Responses.
type Adapter struct{}

// New returns the OpenAI adapter.
func New() *Adapter { return &Adapter{} }

var _ llm.Adapter = (*Adapter)(nil)

func (a *Adapter) Vendor() llm.Vendor        { return llm.VendorOpenAI }
func (a *Adapter) Auth() llm.AuthProvider    { return authProvider{} }
func (a *Adapter) Client() llm.ClientBuilder { return clientBuilder{} }

func (a *Adapter) Translator(mode llm.AuthMode) llm.ToolTranslator {
	if mode == llm.AuthOAuth {
		return ResponsesTranslator{}
	}
	return ChatTranslator{}
}

func (a *Adapter) Requests(mode llm.AuthMode) llm.RequestBuilder {
	if mode == llm.AuthOAuth {
		return responsesBuilder{}
	}
	return chatBuilder{}
}

func (a *Adapter) Normalizer(mode llm.AuthMode) llm.StreamNormalizer {
	if mode == llm.AuthOAuth {
		return NewResponsesNormalizer()
	}
	return NewChatNormalizer()
}

type authProvider struct{}

func (authProvider) Modes() []llm.AuthMode {
	return []llm.AuthMode{llm.AuthOAuth, llm.AuthAPIKey}
}

func (authProvider) OAuth() *llm.OAuthEndpoint {
	return &llm.OAuthEndpoint{
		AuthorizeURL: "https://auth.openai.com/oauth/authorize",
		TokenURL:     "https://auth.openai.com/oauth/token",
		RedirectURI:  "http://localhost:1455/auth/callback",
		Scopes:       []string{"openid", "profile", "email", "offline_access"},
	}
}

type clientBuilder struct{}

func (clientBuilder) DefaultBaseURL(mode llm.AuthMode) string {
	if mode == llm.AuthOAuth {
		return DefaultOAuthBaseURL
	}
	return DefaultBaseURL
}

func (clientBuilder) Headers(mode llm.AuthMode, m llm.AuthMaterial, opts llm.ClientOptions) ([]llm.Header, error) {
	ua := opts.UserAgent
	if ua == "" {
		ua = "llmgate"
	}

	switch mode {
	case llm.AuthAPIKey:
		if m.APIKey == "" {
			return nil, llm.ErrMissingAPIKey
		}
		headers := []llm.Header{{Name: "authorization", Value: "Bearer " + m.APIKey}}
		if opts.OrgID != "" {
			headers = append(headers, llm.Header{Name: "openai-organization", Value: opts.OrgID})
		}
		return append(headers,
			llm.Header{Name: "user-agent", Value: ua},
			llm.Header{Name: "content-type", Value: "application/json"},
		), nil
	case llm.AuthOAuth:
		if m.AccessToken == "" {
			return nil, llm.ErrMissingAPIKey
		}
		account := m.AccountID
		if account == "" {
			account = opts.OrgID
		}
		if account == "" {
			return nil, llm.ErrMissingOrgID
		}
		version := opts.Version
		if version == "" {
			version = "dev"
		}
		headers := []llm.Header{
			{Name: "authorization", Value: "Bearer " + m.AccessToken},
			{Name: "chatgpt-account-id", Value: account},
			{Name: "openai-beta", Value: "responses=experimental"},
			{Name: "originator", Value: Originator},
			{Name: "version", Value: version},
			{Name: "user-agent", Value: ua},
		}
		if opts.SessionID != "" {
			headers = append(headers, llm.Header{Name: "session_id", Value: opts.SessionID})
		}
		return append(headers, llm.Header{Name: "content-type", Value: "application/json"}), nil
	default:
		return nil, llm.ErrInvalidProvider
	}
}
