package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Vendor identifies an upstream LLM API family.
type Vendor string

const (
	VendorAnthropic Vendor = "anthropic"
	VendorOpenAI    Vendor = "openai"
	VendorGoogle    Vendor = "google"
)

// Vendors lists every vendor the gateway knows how to talk to.
var Vendors = []Vendor{VendorAnthropic, VendorOpenAI, VendorGoogle}

// ParseVendor validates a vendor name.
func ParseVendor(s string) (Vendor, error) {
	v := Vendor(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Vendors {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidProvider, s)
}

// AuthMode selects how requests to a vendor are authorized.
type AuthMode string

const (
	AuthAPIKey AuthMode = "api_key"
	AuthOAuth  AuthMode = "oauth"
)

// ParseAuthMode validates an auth mode name. The empty string is allowed and
// means "resolve from stored credentials".
func ParseAuthMode(s string) (AuthMode, error) {
	switch m := AuthMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", AuthAPIKey, AuthOAuth:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown auth mode %q", ErrInvalidProvider, s)
	}
}

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Name is the tool name on role=tool messages.
	Name    string `json:"name,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Args decodes the call arguments as a JSON object. Anything other than an
// object (or an empty payload) is an ErrInvalidToolCallFormat.
func (c ToolCall) Args() (map[string]any, error) {
	raw := bytes.TrimSpace(c.Arguments)
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return nil, fmt.Errorf("%w: tool %q arguments are not a JSON object", ErrInvalidToolCallFormat, c.Name)
	}
	return args, nil
}

// ToolDefinition describes a tool offered to the model. Parameters is a JSON
// schema carried verbatim to the vendor.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Header is one request header. Vendors that validate headers care about
// both the exact name and the position in the list.
type Header struct {
	Name  string
	Value string
}

// AuthMaterial is what a request needs to be authorized.
type AuthMaterial struct {
	Mode        AuthMode
	APIKey      string
	AccessToken string
	// AccountID is the vendor account or organization tied to an OAuth token.
	AccountID string
}

// ClientOptions carries per-vendor settings that shape headers and endpoints.
type ClientOptions struct {
	BaseURL   string
	OrgID     string
	Betas     []string
	UserAgent string
	Version   string
	SessionID string
}

// ChatRequest is a vendor-neutral completion request.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
	SessionID string
}

// HTTPRequest is a vendor request ready to be streamed. Path is resolved
// against the client's base URL unless it is already absolute.
type HTTPRequest struct {
	Method string
	Path   string
	Body   json.RawMessage
}

// Fragment is a translated tool result. Wire is what goes on the vendor
// request; Name and CallID keep the neutral identity for vendors whose wire
// shape omits one of them.
type Fragment struct {
	Name   string
	CallID string
	Wire   json.RawMessage
}

// MarshalJSON encodes v without HTML escaping so raw schemas and argument
// payloads keep their bytes.
func MarshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// IsObject reports whether raw is a well-formed JSON object.
func IsObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{' && json.Valid(raw)
}

// ObjectArguments returns raw when it is a JSON object, or "{}".
func ObjectArguments(raw json.RawMessage) json.RawMessage {
	if !IsObject(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}

// ObjectOrEmpty returns raw when it holds something, or "{}".
func ObjectOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
