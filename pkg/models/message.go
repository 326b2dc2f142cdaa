// Package models contains the shared data types exchanged between the
// Cerise runtime components: dialogue messages, memory records, knowledge
// triples, skills, agents, and provider responses.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool execution request produced by an LLM provider.
type ToolCall struct {
	// ID is the provider-assigned call identifier, echoed back in the
	// matching tool message.
	ID string `json:"id"`

	// Name is the tool name as advertised in the tool schema.
	Name string `json:"name"`

	// Arguments is the raw JSON argument object.
	Arguments json.RawMessage `json:"arguments"`
}

// Message is a single turn in a conversation.
//
// Role values: "system", "user", "assistant", "tool". Tool messages carry
// the ToolCallID of the call they answer; assistant messages may carry
// ToolCalls the runtime must execute.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Session is an in-memory conversation. Sessions are created on first
// message and are not persisted across process restarts.
type Session struct {
	ID        string         `json:"id"`
	Messages  []*Message     `json:"messages"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Append adds a message to the session history.
func (s *Session) Append(msg *Message) {
	s.Messages = append(s.Messages, msg)
}

// Usage reports token consumption for a single provider call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResponse is the unified response shape returned by LLM providers.
type ChatResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	Usage        Usage      `json:"usage"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}
