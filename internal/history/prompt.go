package history

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// DefaultPrompt is the built-in system prompt template. It uses Go
// text/template syntax with PromptData fields.
const DefaultPrompt = `You are a helpful assistant reached through llmgate.

## Current Context

- Time: {{.Time}}
- Session: {{.SessionID}}
- Model: {{.Vendor}}/{{.Model}}
{{- if .Tools}}

## Tools

You can call these tools: {{.ToolList}}.
Use them when they help answer the question. A tool result that starts with
"error:" failed; explain what happened and try another approach.
{{- end}}

## Response Style

- Be concise and direct.
- Use markdown when it helps readability.
`

// PromptData is the input of the system prompt template.
type PromptData struct {
	Time      string
	SessionID string
	Vendor    string
	Model     string
	Tools     []string
}

// ToolList joins the tool names for display.
func (d PromptData) ToolList() string { return strings.Join(d.Tools, ", ") }

// Prompt renders system prompts from a template.
type Prompt struct {
	tmpl *template.Template
	now  func() time.Time
}

// NewPrompt parses text, or DefaultPrompt when text is empty.
func NewPrompt(text string) (*Prompt, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultPrompt
	}
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}
	return &Prompt{tmpl: tmpl, now: time.Now}, nil
}

// Render executes the template. Time is filled in when empty.
func (p *Prompt) Render(data PromptData) (string, error) {
	if data.Time == "" {
		data.Time = p.now().Format(time.RFC3339)
	}
	var b strings.Builder
	if err := p.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return b.String(), nil
}
