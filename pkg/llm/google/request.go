package google

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/user/llmgate/pkg/llm"
)

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolDeclaration struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type content struct {
	Role  string            `json:"role,omitempty"`
	Parts []json.RawMessage `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             json.RawMessage   `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

// Translator maps tools to functionDeclarations and results to
// functionResponse parts.
type Translator struct{}

func (Translator) DeclareTools(tools []llm.ToolDefinition) (json.RawMessage, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	decls := make([]functionDeclaration, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: tool without a name", llm.ErrInvalidToolCallFormat)
		}
		decls = append(decls, functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return llm.MarshalJSON([]toolDeclaration{{FunctionDeclarations: decls}})
}

func (Translator) ToFollowup(name, callID, output string, isError bool) (llm.Fragment, error) {
	if name == "" {
		return llm.Fragment{}, fmt.Errorf("%w: tool result without a name", llm.ErrInvalidToolCallFormat)
	}
	resp := map[string]any{"name": name}
	if isError {
		resp["error"] = output
	} else {
		resp["content"] = output
	}
	wire, err := llm.MarshalJSON(part{FunctionResponse: &functionResponse{ID: callIDForWire(callID), Name: name, Response: resp}})
	if err != nil {
		return llm.Fragment{}, err
	}
	return llm.Fragment{Name: name, CallID: callID, Wire: wire}, nil
}

type requestBuilder struct {
	format StreamFormat
}

func (b requestBuilder) BuildRequest(req llm.ChatRequest) (llm.HTTPRequest, error) {
	if req.Model == "" {
		return llm.HTTPRequest{}, fmt.Errorf("%w: gemini requests need a model", llm.ErrInvalidProvider)
	}
	tr := Translator{}
	tools, err := tr.DeclareTools(req.Tools)
	if err != nil {
		return llm.HTTPRequest{}, err
	}

	body := generateRequest{Tools: tools}
	systemParts := []json.RawMessage{}
	addSystem := func(text string) error {
		raw, err := llm.MarshalJSON(part{Text: text})
		if err == nil {
			systemParts = append(systemParts, raw)
		}
		return err
	}
	if req.System != "" {
		if err := addSystem(req.System); err != nil {
			return llm.HTTPRequest{}, err
		}
	}

	pendingResults := -1
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if err := addSystem(m.Content); err != nil {
				return llm.HTTPRequest{}, err
			}
			continue
		case llm.RoleTool:
			frag, err := tr.ToFollowup(m.Name, m.ToolCallID, m.Content, m.IsError)
			if err != nil {
				return llm.HTTPRequest{}, err
			}
			if pendingResults < 0 {
				body.Contents = append(body.Contents, content{Role: "user"})
				pendingResults = len(body.Contents) - 1
			}
			body.Contents[pendingResults].Parts = append(body.Contents[pendingResults].Parts, frag.Wire)
			continue
		case llm.RoleAssistant:
			var parts []json.RawMessage
			if m.Content != "" {
				raw, err := llm.MarshalJSON(part{Text: m.Content})
				if err != nil {
					return llm.HTTPRequest{}, err
				}
				parts = append(parts, raw)
			}
			for _, call := range m.ToolCalls {
				raw, err := llm.MarshalJSON(part{FunctionCall: &functionCall{
					ID:   callIDForWire(call.ID),
					Name: call.Name,
					Args: llm.ObjectArguments(call.Arguments),
				}})
				if err != nil {
					return llm.HTTPRequest{}, err
				}
				parts = append(parts, raw)
			}
			if len(parts) > 0 {
				body.Contents = append(body.Contents, content{Role: "model", Parts: parts})
			}
		default:
			raw, err := llm.MarshalJSON(part{Text: m.Content})
			if err != nil {
				return llm.HTTPRequest{}, err
			}
			body.Contents = append(body.Contents, content{Role: "user", Parts: []json.RawMessage{raw}})
		}
		pendingResults = -1
	}
	if len(systemParts) > 0 {
		body.SystemInstruction = &content{Parts: systemParts}
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &generationConfig{MaxOutputTokens: req.MaxTokens}
	}

	raw, err := llm.MarshalJSON(body)
	if err != nil {
		return llm.HTTPRequest{}, err
	}
	path := "/v1beta/models/" + url.PathEscape(req.Model) + ":streamGenerateContent"
	if b.format != FormatJSONL {
		path += "?alt=sse"
	}
	return llm.HTTPRequest{Method: http.MethodPost, Path: path, Body: raw}, nil
}
