package anthropic

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/user/llmgate/pkg/llm"
	"github.com/user/llmgate/pkg/llm/framing"
)

type streamEnvelope struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type  string          `json:"type"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type pendingToolUse struct {
	id      string
	name    string
	initial json.RawMessage
	partial strings.Builder
}

// Normalizer converts Messages API SSE frames. Tool input arrives as
// input_json_delta fragments per content block index and is released as one
// ToolCallRequested just before Done.
type Normalizer struct {
	blocks     map[int]*pendingToolUse
	calls      []llm.ToolCall
	stopReason string
	finished   bool
}

// NewNormalizer returns a normalizer for one response.
func NewNormalizer() *Normalizer {
	return &Normalizer{blocks: make(map[int]*pendingToolUse)}
}

func (n *Normalizer) Normalize(frame framing.Frame) []llm.StreamEvent {
	if n.finished {
		return nil
	}
	var env streamEnvelope
	if err := json.Unmarshal([]byte(frame.Data), &env); err != nil {
		slog.Debug("anthropic: dropping undecodable frame", "event", frame.Event, "error", err)
		return nil
	}
	if env.Type == "" {
		env.Type = frame.Event
	}

	switch env.Type {
	case "content_block_start":
		if env.ContentBlock != nil && env.ContentBlock.Type == "tool_use" {
			n.blocks[env.Index] = &pendingToolUse{
				id:      env.ContentBlock.ID,
				name:    env.ContentBlock.Name,
				initial: env.ContentBlock.Input,
			}
		}
	case "content_block_delta":
		if env.Delta == nil {
			return nil
		}
		switch env.Delta.Type {
		case "text_delta":
			if env.Delta.Text != "" {
				return []llm.StreamEvent{llm.TextDelta{Text: env.Delta.Text}}
			}
		case "input_json_delta":
			if b, ok := n.blocks[env.Index]; ok {
				b.partial.WriteString(env.Delta.PartialJSON)
			}
		}
	case "content_block_stop":
		n.closeBlock(env.Index)
	case "message_delta":
		if env.Delta != nil && env.Delta.StopReason != "" {
			n.stopReason = env.Delta.StopReason
		}
	case "message_stop":
		return n.finish()
	case "error":
		n.finished = true
		detail := "stream error"
		if env.Error != nil {
			detail = env.Error.Type + ": " + env.Error.Message
		}
		return []llm.StreamEvent{llm.StreamError{Kind: llm.KindVendor, Detail: detail}}
	}
	return nil
}

func (n *Normalizer) closeBlock(index int) {
	b, ok := n.blocks[index]
	if !ok {
		return
	}
	delete(n.blocks, index)
	args := json.RawMessage(b.partial.String())
	if len(strings.TrimSpace(b.partial.String())) == 0 {
		args = llm.ObjectOrEmpty(b.initial)
	}
	n.calls = append(n.calls, llm.ToolCall{ID: b.id, Name: b.name, Arguments: args})
}

func (n *Normalizer) finish() []llm.StreamEvent {
	n.finished = true
	// Blocks left open by the server are closed in index order.
	if len(n.blocks) > 0 {
		idx := make([]int, 0, len(n.blocks))
		for i := range n.blocks {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			n.closeBlock(i)
		}
	}
	var out []llm.StreamEvent
	if len(n.calls) > 0 {
		out = append(out, llm.ToolCallRequested{Calls: n.calls})
	}
	return append(out, llm.Done{StopReason: n.stopReason})
}

// Finish reports a stream cut before message_stop.
func (n *Normalizer) Finish() []llm.StreamEvent {
	if n.finished {
		return nil
	}
	n.finished = true
	return []llm.StreamEvent{llm.StreamError{Kind: llm.KindProtocol, Detail: "stream ended before message_stop"}}
}
