package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/user/llmgate/pkg/llm"
)

type toolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// contentBlock covers every block type this adapter sends.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Translator maps tools to tool_use declarations and results to
// tool_result blocks.
type Translator struct{}

func (Translator) DeclareTools(tools []llm.ToolDefinition) (json.RawMessage, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	decls := make([]toolDeclaration, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: tool without a name", llm.ErrInvalidToolCallFormat)
		}
		decls = append(decls, toolDeclaration{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: llm.ObjectOrEmpty(t.Parameters),
		})
	}
	return llm.MarshalJSON(decls)
}

// ToFollowup builds a tool_result block. The block has no tool name on the
// wire; the fragment keeps it.
func (Translator) ToFollowup(name, callID, output string, isError bool) (llm.Fragment, error) {
	if callID == "" {
		return llm.Fragment{}, fmt.Errorf("%w: tool result for %q has no call id", llm.ErrInvalidToolCallFormat, name)
	}
	wire, err := llm.MarshalJSON(contentBlock{
		Type:      "tool_result",
		ToolUseID: callID,
		Content:   output,
		IsError:   isError,
	})
	if err != nil {
		return llm.Fragment{}, err
	}
	return llm.Fragment{Name: name, CallID: callID, Wire: wire}, nil
}
