// Package agent runs conversational turns against an LLM provider, routing
// any tool use through the credential-injecting invocation layer.
package agent

import (
	"context"
	"encoding/json"
)

// Message is one entry in a model conversation.
type Message struct {
	// Role is "user" or "assistant".
	Role string

	Content string

	// ToolCalls are tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolResults carry executed tool output back on a user message.
	ToolResults []ToolResult
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of an executed tool call.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string

	// Schema is the JSON Schema for the tool's input.
	Schema json.RawMessage
}

// CompletionRequest is one model call.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Completion is a full, non-streamed model response.
type Completion struct {
	Text      string
	ToolCalls []ToolCall

	// StopReason is the provider's termination reason, "tool_use" when the
	// model wants tools executed before it can finish.
	StopReason string
}

// Provider is an LLM backend.
type Provider interface {
	// Name returns the provider identifier used for logging.
	Name() string

	// Complete runs one model call to completion.
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}
