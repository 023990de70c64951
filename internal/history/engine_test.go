package history

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/llmgate/pkg/llm"
)

// wordCounter counts whitespace-separated words.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func words(n int) string { return strings.TrimSpace(strings.Repeat("w ", n)) }

func TestFitKeepsEverythingUnderBudget(t *testing.T) {
	e := New(wordCounter{}, 1000, 100)
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "hi there"},
	}
	assert.Equal(t, msgs, e.Fit("sys", msgs))
}

func TestFitDropsOldest(t *testing.T) {
	// Each message costs 10 words + 4 overhead = 14.
	e := New(wordCounter{}, 50, 0)
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: words(10)},
		{Role: llm.RoleAssistant, Content: words(10)},
		{Role: llm.RoleUser, Content: words(10)},
		{Role: llm.RoleAssistant, Content: words(10)},
		{Role: llm.RoleUser, Content: "last"},
	}
	got := e.Fit("", msgs)
	require.NotEmpty(t, got)
	assert.Equal(t, llm.RoleUser, got[0].Role)
	assert.Equal(t, "last", got[len(got)-1].Content)
	assert.Less(t, len(got), len(msgs))
}

func TestFitKeepsToolPairsTogether(t *testing.T) {
	e := New(wordCounter{}, 40, 0)
	call := llm.ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)}
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: words(20)},
		{Role: llm.RoleUser, Content: "read a"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
		{Role: llm.RoleTool, ToolCallID: "c1", Name: "read_file", Content: words(5)},
		{Role: llm.RoleAssistant, Content: "done"},
	}
	got := e.Fit("", msgs)

	for i, m := range got {
		if m.Role == llm.RoleTool {
			require.Greater(t, i, 0)
			assert.NotEmpty(t, got[i-1].ToolCalls, "tool result separated from its call")
		}
	}
	assert.Equal(t, "read a", got[0].Content)
}

func TestFitAlwaysKeepsLastMessage(t *testing.T) {
	e := New(wordCounter{}, 10, 5)
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "old"},
		{Role: llm.RoleUser, Content: words(100)},
	}
	got := e.Fit(words(50), msgs)
	require.Len(t, got, 1)
	assert.Equal(t, words(100), got[0].Content)
}

func TestFitNeverOpensWithToolRound(t *testing.T) {
	e := New(wordCounter{}, 30, 0)
	call := llm.ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)}
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "old"},
		{Role: llm.RoleAssistant, Content: "ok"},
		{Role: llm.RoleUser, Content: "read a"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
		{Role: llm.RoleTool, ToolCallID: "c1", Name: "read_file", Content: words(25)},
	}
	got := e.Fit("", msgs)
	require.NotEmpty(t, got)
	assert.Equal(t, llm.RoleUser, got[0].Role)
	assert.Equal(t, "read a", got[0].Content)
	assert.Len(t, got, 3)

	// Trailing assistant units after the window are dropped too.
	msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: words(3)})
	got = e.Fit("", msgs)
	assert.Equal(t, llm.RoleUser, got[0].Role)
}

func TestFitDisabled(t *testing.T) {
	e := New(wordCounter{}, 0, 0)
	msgs := []llm.Message{{Role: llm.RoleUser, Content: words(1000)}, {Role: llm.RoleUser, Content: "x"}}
	assert.Equal(t, msgs, e.Fit("", msgs))
}

func TestCountIncludesToolCalls(t *testing.T) {
	e := New(wordCounter{}, 0, 0)
	plain := e.Count(llm.Message{Role: llm.RoleAssistant, Content: "a b"})
	withCall := e.Count(llm.Message{Role: llm.RoleAssistant, Content: "a b", ToolCalls: []llm.ToolCall{{Name: "read_file", Arguments: json.RawMessage(`{"path": "x"}`)}}})
	assert.Equal(t, perMessageOverhead+2, plain)
	assert.Greater(t, withCall, plain)
}

func TestPromptRender(t *testing.T) {
	p, err := NewPrompt("")
	require.NoError(t, err)
	out, err := p.Render(PromptData{SessionID: "s-1", Vendor: "anthropic", Model: "claude", Tools: []string{"read_file", "list_directory"}})
	require.NoError(t, err)
	assert.Contains(t, out, "Session: s-1")
	assert.Contains(t, out, "anthropic/claude")
	assert.Contains(t, out, "read_file, list_directory")

	out, err = p.Render(PromptData{SessionID: "s-2"})
	require.NoError(t, err)
	assert.NotContains(t, out, "## Tools")

	_, err = NewPrompt("{{.Broken")
	assert.Error(t, err)
}
