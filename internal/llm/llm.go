// Package llm abstracts chat-completion providers behind a small interface
// so callers can be tested against fakes.
package llm

import "context"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes a callable tool the model may use during generation.
// Execute receives the raw JSON arguments and returns the tool output that
// is fed back into the conversation.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Execute     func(ctx context.Context, arguments string) (string, error)
}

// Request is a single generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONMode    bool
	Tools       []Tool
}

// Response is the final content after any tool rounds have resolved.
type Response struct {
	Text         string
	FinishReason string
	ToolRounds   int
}

// Provider generates chat completions. Implementations resolve tool calls
// internally and return only the final assistant message.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
}
