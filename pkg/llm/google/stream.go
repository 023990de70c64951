package google

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/user/llmgate/pkg/llm"
	"github.com/user/llmgate/pkg/llm/framing"
)

// syntheticPrefix marks call ids minted locally because Gemini sent none.
const syntheticPrefix = "gcall_"

func newCallID() string { return syntheticPrefix + uuid.NewString() }

// callIDForWire drops locally minted ids so Gemini never sees an id it did
// not issue.
func callIDForWire(id string) string {
	if strings.HasPrefix(id, syntheticPrefix) {
		return ""
	}
	return id
}

type streamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string        `json:"text"`
				Thought      bool          `json:"thought"`
				FunctionCall *functionCall `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Normalizer converts generateContent chunks. Gemini has no end-of-stream
// event, so Done is emitted when the body ends.
type Normalizer struct {
	newID        func() string
	calls        []llm.ToolCall
	finishReason string
	sawContent   bool
	finished     bool
}

// NewNormalizer returns a normalizer that names id-less calls with newID.
func NewNormalizer(newID func() string) *Normalizer {
	if newID == nil {
		newID = newCallID
	}
	return &Normalizer{newID: newID}
}

func (n *Normalizer) Normalize(frame framing.Frame) []llm.StreamEvent {
	if n.finished {
		return nil
	}
	var chunk streamChunk
	if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
		slog.Debug("google: dropping undecodable chunk", "error", err)
		return nil
	}
	if chunk.Error != nil {
		n.finished = true
		return []llm.StreamEvent{llm.StreamError{Kind: llm.KindVendor, Detail: chunk.Error.Status + ": " + chunk.Error.Message}}
	}
	if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
		n.finished = true
		return []llm.StreamEvent{llm.StreamError{Kind: llm.KindVendor, Detail: "prompt blocked: " + chunk.PromptFeedback.BlockReason}}
	}

	if len(chunk.Candidates) == 0 {
		return nil
	}
	// Only the first candidate is used.
	cand := chunk.Candidates[0]
	n.sawContent = true
	var out []llm.StreamEvent
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			id := p.FunctionCall.ID
			if id == "" {
				id = n.newID()
			}
			n.calls = append(n.calls, llm.ToolCall{
				ID:        id,
				Name:      p.FunctionCall.Name,
				Arguments: llm.ObjectOrEmpty(p.FunctionCall.Args),
			})
		case p.Text != "" && !p.Thought:
			out = append(out, llm.TextDelta{Text: p.Text})
		}
	}
	if cand.FinishReason != "" {
		n.finishReason = cand.FinishReason
	}
	return out
}

func (n *Normalizer) Finish() []llm.StreamEvent {
	if n.finished {
		return nil
	}
	n.finished = true
	if !n.sawContent {
		return []llm.StreamEvent{llm.StreamError{Kind: llm.KindProtocol, Detail: "stream ended without candidates"}}
	}
	var out []llm.StreamEvent
	if len(n.calls) > 0 {
		out = append(out, llm.ToolCallRequested{Calls: n.calls})
	}
	return append(out, llm.Done{StopReason: n.finishReason})
}
