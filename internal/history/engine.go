// internal/history/engine.go
package history

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/llmgate/pkg/llm"
)

// perMessageOverhead approximates the role and framing tokens vendors add
// around each message.
const perMessageOverhead = 4

// Counter counts tokens in a string.
type Counter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// NewTiktokenCounter returns a counter for model, falling back to
// cl100k_base for models tiktoken does not know. Counts for non-OpenAI
// vendors are approximate.
func NewTiktokenCounter(model string) (Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return tiktokenCounter{enc: enc}, nil
}

// Engine keeps conversation history inside a token budget.
type Engine struct {
	counter   Counter
	maxTokens int
	reserve   int
}

// New creates an engine. maxTokens is the model's context window and reserve
// the part of it kept free for the response. maxTokens <= 0 disables
// trimming.
func New(counter Counter, maxTokens, reserve int) *Engine {
	return &Engine{counter: counter, maxTokens: maxTokens, reserve: reserve}
}

// Count returns the approximate token cost of msg.
func (e *Engine) Count(msg llm.Message) int {
	n := perMessageOverhead + e.counter.Count(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += e.counter.Count(tc.Name)
		n += e.counter.Count(string(tc.Arguments))
	}
	return n
}

// Fit returns the newest suffix of msgs that fits the budget left after
// system. An assistant message with tool calls is kept or dropped together
// with its tool results and the last message is always kept. The result opens
// with a user message whenever msgs contains one, even if that user message
// falls outside the budget.
func (e *Engine) Fit(system string, msgs []llm.Message) []llm.Message {
	if e.maxTokens <= 0 || len(msgs) == 0 {
		return msgs
	}
	budget := e.maxTokens - e.reserve - e.counter.Count(system)

	units := group(msgs)
	used := 0
	start := len(units) - 1
	used += e.unitCost(msgs, units[start])
	for start > 0 {
		cost := e.unitCost(msgs, units[start-1])
		if used+cost > budget {
			break
		}
		used += cost
		start--
	}

	// Vendors expect the conversation to open with a user message. When the
	// window holds none, reach back to the prompt that opened the turn.
	first := start
	for first < len(units) && msgs[units[first].from].Role != llm.RoleUser {
		first++
	}
	if first == len(units) {
		first = start
		for i := start - 1; i >= 0; i-- {
			if msgs[units[i].from].Role == llm.RoleUser {
				first = i
				break
			}
		}
	}
	return msgs[units[first].from:]
}

type unit struct{ from, to int }

// group splits msgs into units that must be kept or dropped together.
func group(msgs []llm.Message) []unit {
	var units []unit
	for i := 0; i < len(msgs); {
		j := i + 1
		if msgs[i].Role == llm.RoleAssistant && len(msgs[i].ToolCalls) > 0 {
			for j < len(msgs) && msgs[j].Role == llm.RoleTool {
				j++
			}
		}
		units = append(units, unit{from: i, to: j})
		i = j
	}
	return units
}

func (e *Engine) unitCost(msgs []llm.Message, u unit) int {
	n := 0
	for _, m := range msgs[u.from:u.to] {
		n += e.Count(m)
	}
	return n
}
