package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation transcript. Insertion order is
// semantically significant: TOOL messages immediately follow the ASSISTANT
// message whose tool_call_id they answer.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls holds the outstanding calls of a RoleAssistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasToolCalls reports whether this assistant message requested tools.
func (m *Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// ToolCall is an LLM-issued request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// Index is the position of the call within its assistant turn.
	Index int `json:"index"`
}

// ToolResult is the outcome of executing a single tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`

	// Invoked reports whether the tool itself ran. Unknown tools,
	// over-budget calls, and rejected calls never invoke the tool.
	Invoked bool `json:"invoked"`
}

// SystemMessage builds a system message with the current timestamp.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, CreatedAt: time.Now()}
}

// UserMessage builds a user message attributed to userID.
func UserMessage(content, userID string) Message {
	return Message{Role: RoleUser, Content: content, UserID: userID, CreatedAt: time.Now()}
}

// AssistantMessage builds an assistant message attributed to userID.
func AssistantMessage(content, userID string) Message {
	return Message{Role: RoleAssistant, Content: content, UserID: userID, CreatedAt: time.Now()}
}

// ToolMessage builds a tool reply for the given call.
func ToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, CreatedAt: time.Now()}
}
