package anthropic

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/user/llmgate/pkg/llm"
)

type message struct {
	Role    string            `json:"role"`
	Content []json.RawMessage `json:"content"`
}

type messagesRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []message       `json:"messages"`
	Tools     json.RawMessage `json:"tools,omitempty"`
	Stream    bool            `json:"stream"`
}

type requestBuilder struct{}

func (requestBuilder) BuildRequest(req llm.ChatRequest) (llm.HTTPRequest, error) {
	tr := Translator{}
	tools, err := tr.DeclareTools(req.Tools)
	if err != nil {
		return llm.HTTPRequest{}, err
	}

	system := []string{}
	if req.System != "" {
		system = append(system, req.System)
	}
	var msgs []message
	// pendingResults is the index of the user message collecting tool_result
	// blocks, or -1.
	pendingResults := -1
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
			continue
		case llm.RoleTool:
			frag, err := tr.ToFollowup(m.Name, m.ToolCallID, m.Content, m.IsError)
			if err != nil {
				return llm.HTTPRequest{}, err
			}
			if pendingResults < 0 {
				msgs = append(msgs, message{Role: "user"})
				pendingResults = len(msgs) - 1
			}
			msgs[pendingResults].Content = append(msgs[pendingResults].Content, frag.Wire)
			continue
		case llm.RoleAssistant:
			blocks, err := assistantBlocks(m)
			if err != nil {
				return llm.HTTPRequest{}, err
			}
			msgs = append(msgs, message{Role: "assistant", Content: blocks})
		default:
			block, err := textBlock(m.Content)
			if err != nil {
				return llm.HTTPRequest{}, err
			}
			msgs = append(msgs, message{Role: "user", Content: []json.RawMessage{block}})
		}
		pendingResults = -1
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body, err := llm.MarshalJSON(messagesRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    strings.Join(system, "\n\n"),
		Messages:  msgs,
		Tools:     tools,
		Stream:    true,
	})
	if err != nil {
		return llm.HTTPRequest{}, err
	}
	return llm.HTTPRequest{Method: http.MethodPost, Path: MessagesPath, Body: body}, nil
}

func assistantBlocks(m llm.Message) ([]json.RawMessage, error) {
	var blocks []json.RawMessage
	if m.Content != "" {
		b, err := textBlock(m.Content)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	for _, call := range m.ToolCalls {
		b, err := llm.MarshalJSON(contentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Name,
			Input: llm.ObjectArguments(call.Arguments),
		})
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if len(blocks) == 0 {
		b, err := textBlock(" ")
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func textBlock(text string) (json.RawMessage, error) {
	return llm.MarshalJSON(contentBlock{Type: "text", Text: text})
}
