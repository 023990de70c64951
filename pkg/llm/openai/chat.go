package openai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/user/llmgate/pkg/llm"
	"github.com/user/llmgate/pkg/llm/framing"
)

// chatRequest is the Chat Completions request body. Tools stay raw so schemas
// reach the wire untouched.
type chatRequest struct {
	Model         string                         `json:"model"`
	Messages      []openai.ChatCompletionMessage `json:"messages"`
	Tools         json.RawMessage                `json:"tools,omitempty"`
	ToolChoice    string                         `json:"tool_choice,omitempty"`
	MaxTokens     int                            `json:"max_completion_tokens,omitempty"`
	Stream        bool                           `json:"stream"`
	StreamOptions *openai.StreamOptions          `json:"stream_options,omitempty"`
}

// ChatTranslator declares function tools and builds role=tool messages.
type ChatTranslator struct{}

func (ChatTranslator) DeclareTools(tools []llm.ToolDefinition) (json.RawMessage, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: tool without a name", llm.ErrInvalidToolCallFormat)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  llm.ObjectOrEmpty(t.Parameters),
			},
		})
	}
	return llm.MarshalJSON(out)
}

func (ChatTranslator) ToFollowup(name, callID, output string, isError bool) (llm.Fragment, error) {
	if callID == "" {
		return llm.Fragment{}, fmt.Errorf("%w: tool result for %q has no call id", llm.ErrInvalidToolCallFormat, name)
	}
	// Chat Completions has no error flag on tool messages.
	if isError && !strings.HasPrefix(output, "error") {
		output = "error: " + output
	}
	wire, err := llm.MarshalJSON(openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    output,
		Name:       name,
		ToolCallID: callID,
	})
	if err != nil {
		return llm.Fragment{}, err
	}
	return llm.Fragment{Name: name, CallID: callID, Wire: wire}, nil
}

type chatBuilder struct{}

func (chatBuilder) BuildRequest(req llm.ChatRequest) (llm.HTTPRequest, error) {
	tr := ChatTranslator{}
	tools, err := tr.DeclareTools(req.Tools)
	if err != nil {
		return llm.HTTPRequest{}, err
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleTool:
			frag, err := tr.ToFollowup(m.Name, m.ToolCallID, m.Content, m.IsError)
			if err != nil {
				return llm.HTTPRequest{}, err
			}
			var msg openai.ChatCompletionMessage
			if err := json.Unmarshal(frag.Wire, &msg); err != nil {
				return llm.HTTPRequest{}, err
			}
			msgs = append(msgs, msg)
		case llm.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, call := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(llm.ObjectArguments(call.Arguments)),
					},
				})
			}
			msgs = append(msgs, msg)
		default:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
		}
	}

	body := chatRequest{
		Model:         req.Model,
		Messages:      msgs,
		Tools:         tools,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if len(tools) > 0 {
		body.ToolChoice = "auto"
	}
	raw, err := llm.MarshalJSON(body)
	if err != nil {
		return llm.HTTPRequest{}, err
	}
	return llm.HTTPRequest{Method: http.MethodPost, Path: ChatPath, Body: raw}, nil
}

type chatToolCall struct {
	id   string
	name string
	args strings.Builder
}

// ChatNormalizer converts data-only Chat Completions chunks. Tool call
// fragments are accumulated by index; the stream ends with "[DONE]".
type ChatNormalizer struct {
	calls      map[int]*chatToolCall
	stopReason string
	finished   bool
}

// NewChatNormalizer returns a normalizer for one response.
func NewChatNormalizer() *ChatNormalizer {
	return &ChatNormalizer{calls: make(map[int]*chatToolCall)}
}

func (n *ChatNormalizer) Normalize(frame framing.Frame) []llm.StreamEvent {
	if n.finished {
		return nil
	}
	data := strings.TrimSpace(frame.Data)
	if data == "[DONE]" {
		return n.finish()
	}

	var errEnv openai.ErrorResponse
	if err := json.Unmarshal([]byte(data), &errEnv); err == nil && errEnv.Error != nil {
		n.finished = true
		return []llm.StreamEvent{llm.StreamError{Kind: llm.KindVendor, Detail: errEnv.Error.Message}}
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		slog.Debug("openai: dropping undecodable chunk", "error", err)
		return nil
	}

	var out []llm.StreamEvent
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			out = append(out, llm.TextDelta{Text: choice.Delta.Content})
		}
		for pos, tc := range choice.Delta.ToolCalls {
			idx := pos
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := n.calls[idx]
			if !ok {
				call = &chatToolCall{}
				n.calls[idx] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			n.stopReason = string(choice.FinishReason)
		}
	}
	return out
}

func (n *ChatNormalizer) finish() []llm.StreamEvent {
	n.finished = true
	var out []llm.StreamEvent
	if len(n.calls) > 0 {
		idx := make([]int, 0, len(n.calls))
		for i := range n.calls {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		calls := make([]llm.ToolCall, 0, len(idx))
		for _, i := range idx {
			c := n.calls[i]
			calls = append(calls, llm.ToolCall{
				ID:        c.id,
				Name:      c.name,
				Arguments: llm.ObjectOrEmpty(json.RawMessage(c.args.String())),
			})
		}
		out = append(out, llm.ToolCallRequested{Calls: calls})
	}
	return append(out, llm.Done{StopReason: n.stopReason})
}

// Finish accepts a body that ended after a finish_reason but without the
// "[DONE]" sentinel; anything shorter is a protocol error.
func (n *ChatNormalizer) Finish() []llm.StreamEvent {
	if n.finished {
		return nil
	}
	if n.stopReason != "" {
		return n.finish()
	}
	n.finished = true
	return []llm.StreamEvent{llm.StreamError{Kind: llm.KindProtocol, Detail: "stream ended without finish_reason"}}
}
