package openai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/user/llmgate/pkg/llm"
	"github.com/user/llmgate/pkg/llm/framing"
)

// responsesRequest is the Responses API request body.
type responsesRequest struct {
	Model             string            `json:"model"`
	Instructions      string            `json:"instructions,omitempty"`
	Input             []json.RawMessage `json:"input"`
	Tools             json.RawMessage   `json:"tools,omitempty"`
	ToolChoice        string            `json:"tool_choice,omitempty"`
	ParallelToolCalls bool              `json:"parallel_tool_calls"`
	Stream            bool              `json:"stream"`
	Store             bool              `json:"store"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict"`
}

type inputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// inputItem covers message, function_call and function_call_output items.
type inputItem struct {
	Type      string         `json:"type"`
	Role      string         `json:"role,omitempty"`
	Content   []inputContent `json:"content,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments string         `json:"arguments,omitempty"`
	Output    *string        `json:"output,omitempty"`
}

// ResponsesTranslator declares flat function tools and builds
// function_call_output items.
type ResponsesTranslator struct{}

func (ResponsesTranslator) DeclareTools(tools []llm.ToolDefinition) (json.RawMessage, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]responsesTool, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: tool without a name", llm.ErrInvalidToolCallFormat)
		}
		out = append(out, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  llm.ObjectOrEmpty(t.Parameters),
		})
	}
	return llm.MarshalJSON(out)
}

func (ResponsesTranslator) ToFollowup(name, callID, output string, isError bool) (llm.Fragment, error) {
	if callID == "" {
		return llm.Fragment{}, fmt.Errorf("%w: tool result for %q has no call id", llm.ErrInvalidToolCallFormat, name)
	}
	if isError {
		output = "error: " + output
	}
	wire, err := llm.MarshalJSON(inputItem{Type: "function_call_output", CallID: callID, Output: &output})
	if err != nil {
		return llm.Fragment{}, err
	}
	return llm.Fragment{Name: name, CallID: callID, Wire: wire}, nil
}

type responsesBuilder struct{}

func (responsesBuilder) BuildRequest(req llm.ChatRequest) (llm.HTTPRequest, error) {
	tr := ResponsesTranslator{}
	tools, err := tr.DeclareTools(req.Tools)
	if err != nil {
		return llm.HTTPRequest{}, err
	}

	instructions := req.System
	input := make([]json.RawMessage, 0, len(req.Messages))
	add := func(item inputItem) error {
		raw, err := llm.MarshalJSON(item)
		if err != nil {
			return err
		}
		input = append(input, raw)
		return nil
	}
	for _, m := range req.Messages {
		var err error
		switch m.Role {
		case llm.RoleSystem:
			if instructions != "" {
				instructions += "\n\n"
			}
			instructions += m.Content
		case llm.RoleTool:
			var frag llm.Fragment
			frag, err = tr.ToFollowup(m.Name, m.ToolCallID, m.Content, m.IsError)
			if err == nil {
				input = append(input, frag.Wire)
			}
		case llm.RoleAssistant:
			if m.Content != "" {
				err = add(inputItem{Type: "message", Role: "assistant", Content: []inputContent{{Type: "output_text", Text: m.Content}}})
			}
			for _, call := range m.ToolCalls {
				if err != nil {
					break
				}
				err = add(inputItem{
					Type:      "function_call",
					CallID:    call.ID,
					Name:      call.Name,
					Arguments: string(llm.ObjectArguments(call.Arguments)),
				})
			}
		default:
			err = add(inputItem{Type: "message", Role: "user", Content: []inputContent{{Type: "input_text", Text: m.Content}}})
		}
		if err != nil {
			return llm.HTTPRequest{}, err
		}
	}

	body := responsesRequest{
		Model:        req.Model,
		Instructions: instructions,
		Input:        input,
		Tools:        tools,
		Stream:       true,
	}
	if len(tools) > 0 {
		body.ToolChoice = "auto"
	}
	raw, err := llm.MarshalJSON(body)
	if err != nil {
		return llm.HTTPRequest{}, err
	}
	return llm.HTTPRequest{Method: http.MethodPost, Path: ResponsesPath, Body: raw}, nil
}

type responsesEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Item  *struct {
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item"`
	Response *struct {
		Status string `json:"status"`
		Error  *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		IncompleteDetails *struct {
			Reason string `json:"reason"`
		} `json:"incomplete_details"`
	} `json:"response"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponsesNormalizer converts Responses API stream items.
type ResponsesNormalizer struct {
	calls    []llm.ToolCall
	finished bool
}

// NewResponsesNormalizer returns a normalizer for one response.
func NewResponsesNormalizer() *ResponsesNormalizer {
	return &ResponsesNormalizer{}
}

func (n *ResponsesNormalizer) Normalize(frame framing.Frame) []llm.StreamEvent {
	if n.finished {
		return nil
	}
	var ev responsesEvent
	if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
		slog.Debug("openai: dropping undecodable responses item", "event", frame.Event, "error", err)
		return nil
	}
	if ev.Type == "" {
		ev.Type = frame.Event
	}

	switch ev.Type {
	case "response.output_text.delta":
		if ev.Delta != "" {
			return []llm.StreamEvent{llm.TextDelta{Text: ev.Delta}}
		}
	case "response.output_item.done":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			n.calls = append(n.calls, llm.ToolCall{
				ID:        ev.Item.CallID,
				Name:      ev.Item.Name,
				Arguments: llm.ObjectOrEmpty(json.RawMessage(ev.Item.Arguments)),
			})
		}
	case "response.completed", "response.incomplete":
		n.finished = true
		reason := "completed"
		if ev.Response != nil && ev.Response.IncompleteDetails != nil {
			reason = ev.Response.IncompleteDetails.Reason
		}
		var out []llm.StreamEvent
		if len(n.calls) > 0 {
			out = append(out, llm.ToolCallRequested{Calls: n.calls})
		}
		return append(out, llm.Done{StopReason: reason})
	case "response.failed":
		n.finished = true
		detail := "response failed"
		if ev.Response != nil && ev.Response.Error != nil {
			detail = ev.Response.Error.Code + ": " + ev.Response.Error.Message
		}
		return []llm.StreamEvent{llm.StreamError{Kind: llm.KindVendor, Detail: detail}}
	case "error":
		n.finished = true
		return []llm.StreamEvent{llm.StreamError{Kind: llm.KindVendor, Detail: ev.Code + ": " + ev.Message}}
	}
	return nil
}

func (n *ResponsesNormalizer) Finish() []llm.StreamEvent {
	if n.finished {
		return nil
	}
	n.finished = true
	return []llm.StreamEvent{llm.StreamError{Kind: llm.KindProtocol, Detail: "stream ended before response.completed"}}
}
