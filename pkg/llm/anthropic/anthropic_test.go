package anthropic

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/llmgate/pkg/llm"
	"github.com/user/llmgate/pkg/llm/framing"
)

func TestHeaders_APIKey(t *testing.T) {
	headers, err := clientBuilder{}.Headers(llm.AuthAPIKey,
		llm.AuthMaterial{Mode: llm.AuthAPIKey, APIKey: "sk-ant-test"},
		llm.ClientOptions{UserAgent: "llmgate/1.0"})
	require.NoError(t, err)

	assert.Equal(t, []llm.Header{
		{Name: "x-api-key", Value: "sk-ant-test"},
		{Name: "anthropic-version", Value: "2023-06-01"},
		{Name: "anthropic-beta", Value: DefaultBeta},
		{Name: "user-agent", Value: "llmgate/1.0"},
		{Name: "content-type", Value: "application/json"},
	}, headers)
}

func TestHeaders_OAuth(t *testing.T) {
	headers, err := clientBuilder{}.Headers(llm.AuthOAuth,
		llm.AuthMaterial{Mode: llm.AuthOAuth, AccessToken: "tok"},
		llm.ClientOptions{UserAgent: "llmgate/1.0", Betas: []string{"a", "b"}})
	require.NoError(t, err)

	assert.Equal(t, []llm.Header{
		{Name: "authorization", Value: "Bearer tok"},
		{Name: "anthropic-version", Value: "2023-06-01"},
		{Name: "anthropic-beta", Value: "a,b," + OAuthBeta},
		{Name: "user-agent", Value: "llmgate/1.0"},
		{Name: "x-app", Value: "cli"},
		{Name: "content-type", Value: "application/json"},
	}, headers)
}

func TestHeaders_MissingKey(t *testing.T) {
	_, err := clientBuilder{}.Headers(llm.AuthAPIKey, llm.AuthMaterial{}, llm.ClientOptions{})
	assert.True(t, errors.Is(err, llm.ErrMissingAPIKey))
}

func TestTranslator_RoundTrip(t *testing.T) {
	params := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","x-extra":"<kept>"}},"required":["path"]}`)
	tr := Translator{}

	decl, err := tr.DeclareTools([]llm.ToolDefinition{{Name: "read_file", Description: "Read a file", Parameters: params}})
	require.NoError(t, err)

	var decoded []struct {
		Name        string          `json:"name"`
		InputSchema json.RawMessage `json:"input_schema"`
	}
	require.NoError(t, json.Unmarshal(decl, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "read_file", decoded[0].Name)
	assert.Equal(t, string(params), string(decoded[0].InputSchema))

	frag, err := tr.ToFollowup("read_file", "toolu_01", "contents", false)
	require.NoError(t, err)
	assert.Equal(t, "read_file", frag.Name)
	assert.Equal(t, "toolu_01", frag.CallID)

	var block map[string]any
	require.NoError(t, json.Unmarshal(frag.Wire, &block))
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "toolu_01", block["tool_use_id"])
	assert.Equal(t, "contents", block["content"])
}

func TestBuildRequest_GroupsToolResults(t *testing.T) {
	req, err := requestBuilder{}.BuildRequest(llm.ChatRequest{
		Model:  "claude-sonnet-4-5",
		System: "be brief",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "read two files"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
				{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)},
				{ID: "c2", Name: "read_file", Arguments: json.RawMessage(`{"path":"b"}`)},
			}},
			{Role: llm.RoleTool, ToolCallID: "c1", Name: "read_file", Content: "A"},
			{Role: llm.RoleTool, ToolCallID: "c2", Name: "read_file", Content: "nope", IsError: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, MessagesPath, req.Path)

	var body struct {
		System   string `json:"system"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string           `json:"role"`
			Content []map[string]any `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "be brief", body.System)
	assert.True(t, body.Stream)
	require.Len(t, body.Messages, 3)

	assert.Equal(t, "assistant", body.Messages[1].Role)
	require.Len(t, body.Messages[1].Content, 2)
	assert.Equal(t, "tool_use", body.Messages[1].Content[0]["type"])
	assert.Equal(t, map[string]any{"path": "a"}, body.Messages[1].Content[0]["input"])

	results := body.Messages[2]
	assert.Equal(t, "user", results.Role)
	require.Len(t, results.Content, 2)
	assert.Equal(t, "c1", results.Content[0]["tool_use_id"])
	assert.Equal(t, "c2", results.Content[1]["tool_use_id"])
	assert.Equal(t, true, results.Content[1]["is_error"])
}

func TestBuildRequest_TruncatedToolArguments(t *testing.T) {
	req, err := requestBuilder{}.BuildRequest(llm.ChatRequest{
		Model: "claude-sonnet-4-5",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "read it"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
				{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":`)},
			}},
			{Role: llm.RoleTool, ToolCallID: "c1", Name: "read_file", Content: "invalid tool call format", IsError: true},
			{Role: llm.RoleUser, Content: "hello again"},
		},
	})
	require.NoError(t, err)

	var body struct {
		Messages []struct {
			Content []map[string]any `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	require.GreaterOrEqual(t, len(body.Messages), 2)
	assert.Equal(t, map[string]any{}, body.Messages[1].Content[0]["input"])
}

func feed(n llm.StreamNormalizer, frames []framing.Frame) []llm.StreamEvent {
	var out []llm.StreamEvent
	for _, f := range frames {
		out = append(out, n.Normalize(f)...)
	}
	return out
}

func TestNormalizer_TextAndToolUse(t *testing.T) {
	frames := []framing.Frame{
		{Event: "message_start", Data: `{"type":"message_start","message":{"id":"msg_1"}}`},
		{Event: "content_block_start", Data: `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`},
		{Event: "ping", Data: `{"type":"ping"}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"look."}}`},
		{Event: "content_block_stop", Data: `{"type":"content_block_stop","index":0}`},
		{Event: "content_block_start", Data: `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"read_file","input":{}}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"notes.txt\"}"}}`},
		{Event: "content_block_stop", Data: `{"type":"content_block_stop","index":1}`},
		{Event: "message_delta", Data: `{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`},
		{Event: "message_stop", Data: `{"type":"message_stop"}`},
	}

	events := feed(NewNormalizer(), frames)

	require.Len(t, events, 4)
	assert.Equal(t, "Let me look.", llm.Collect(events))
	calls, ok := events[2].(llm.ToolCallRequested)
	require.True(t, ok)
	require.Len(t, calls.Calls, 1)
	assert.Equal(t, "toolu_1", calls.Calls[0].ID)
	assert.Equal(t, "read_file", calls.Calls[0].Name)
	assert.JSONEq(t, `{"path":"notes.txt"}`, string(calls.Calls[0].Arguments))
	assert.Equal(t, llm.Done{StopReason: "tool_use"}, events[3])
}

func TestNormalizer_ErrorEvent(t *testing.T) {
	n := NewNormalizer()
	events := feed(n, []framing.Frame{
		{Event: "error", Data: `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
		{Event: "message_stop", Data: `{"type":"message_stop"}`},
	})

	require.Len(t, events, 1)
	se, ok := events[0].(llm.StreamError)
	require.True(t, ok)
	assert.Equal(t, llm.KindVendor, se.Kind)
	assert.Contains(t, se.Detail, "overloaded_error")
	assert.Nil(t, n.Finish())
}

func TestNormalizer_TruncatedStream(t *testing.T) {
	n := NewNormalizer()
	feed(n, []framing.Frame{{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`}})

	events := n.Finish()

	require.Len(t, events, 1)
	assert.Equal(t, llm.KindProtocol, events[0].(llm.StreamError).Kind)
}

func TestNormalizer_DropsUndecodableFrames(t *testing.T) {
	events := feed(NewNormalizer(), []framing.Frame{{Event: "message", Data: "not json"}})
	assert.Empty(t, events)
}
