// Package llm provides the language-model client abstraction and its
// provider implementations.
package llm

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	IsError    bool       `json:"is_error,omitempty"`     // Tool response reports a failure
}

// ToolCall represents a tool call requested by the model. Arguments are
// kept as raw JSON so the tool registry can validate them against the
// declared schema before anything is executed.
type ToolCall struct {
	ID        string          `json:"id,omitempty"` // Provider-assigned ID (required by Anthropic for tool_result correlation)
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ChatResponse is the unified response from any LLM provider.
// Wire format conversion happens at provider boundaries.
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	Duration time.Duration
}

// Role constants used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// levelTrace mirrors config.LevelTrace for wire-level request logging
// without importing config.
const levelTrace = slog.Level(-8)
