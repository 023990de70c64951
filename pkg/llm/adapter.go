package llm

import (
	"encoding/json"

	"github.com/user/llmgate/pkg/llm/framing"
)

// AuthProvider describes which auth modes a vendor supports and where its
// OAuth endpoints live.
type AuthProvider interface {
	// Modes lists supported modes in resolution preference order.
	Modes() []AuthMode
	// OAuth returns the default OAuth endpoint, or nil when the vendor has none.
	OAuth() *OAuthEndpoint
}

// OAuthEndpoint is the authorization server a vendor uses.
type OAuthEndpoint struct {
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// ClientBuilder produces the endpoint and ordered header set for one mode.
type ClientBuilder interface {
	DefaultBaseURL(mode AuthMode) string
	Headers(mode AuthMode, m AuthMaterial, opts ClientOptions) ([]Header, error)
}

// StreamNormalizer turns vendor frames into stream events. A normalizer
// holds the state of one response and is not reused.
type StreamNormalizer interface {
	Normalize(frame framing.Frame) []StreamEvent
	// Finish is called once the body is exhausted without a terminal event.
	Finish() []StreamEvent
}

// ToolTranslator maps between neutral tool types and a vendor's wire shapes.
type ToolTranslator interface {
	DeclareTools(tools []ToolDefinition) (json.RawMessage, error)
	ToFollowup(name, callID, output string, isError bool) (Fragment, error)
}

// RequestBuilder encodes a chat request for the vendor endpoint.
type RequestBuilder interface {
	BuildRequest(req ChatRequest) (HTTPRequest, error)
}

// Adapter bundles the per-vendor components.
type Adapter interface {
	Vendor() Vendor
	Auth() AuthProvider
	Client() ClientBuilder
	Translator(mode AuthMode) ToolTranslator
	Requests(mode AuthMode) RequestBuilder
	Normalizer(mode AuthMode) StreamNormalizer
}

// SupportsMode reports whether p lists mode.
func SupportsMode(p AuthProvider, mode AuthMode) bool {
	for _, m := range p.Modes() {
		if m == mode {
			return true
		}
	}
	return false
}
