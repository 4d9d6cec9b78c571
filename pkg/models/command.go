// Package models defines the shared data model for the Arc Reactor agent
// runtime: commands, results, messages, tool specifications, summaries,
// approvals, and metric events.
package models

import "encoding/json"

// ResponseFormat selects the shape of the terminal agent response.
type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
	FormatYAML ResponseFormat = "yaml"
)

// Well-known metadata keys carried on AgentCommand.Metadata.
const (
	MetaSessionID = "session_id"
	MetaChannel   = "channel"
	MetaTenantID  = "tenant_id"
)

// MediaAttachment is an inline media input (image, audio, document).
type MediaAttachment struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// AgentCommand is the immutable input of one engine execution.
// The engine never mutates a command after Execute is called.
type AgentCommand struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt"`

	// Model overrides the configured default model when set.
	Model string `json:"model,omitempty"`

	UserID string `json:"user_id,omitempty"`

	// MaxToolCalls overrides the configured cap when > 0.
	MaxToolCalls int `json:"max_tool_calls,omitempty"`

	ResponseFormat ResponseFormat `json:"response_format,omitempty"`

	// ResponseSchema is a JSON Schema document the terminal response must
	// satisfy when ResponseFormat is json.
	ResponseSchema string `json:"response_schema,omitempty"`

	Media []MediaAttachment `json:"media,omitempty"`

	// ConversationHistory, when non-nil, replaces store-loaded history.
	ConversationHistory []Message `json:"conversation_history,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// SessionID returns the session key from metadata, or "".
func (c *AgentCommand) SessionID() string { return c.Metadata[MetaSessionID] }

// Channel returns the originating channel from metadata, or "".
func (c *AgentCommand) Channel() string { return c.Metadata[MetaChannel] }

// TenantID returns the tenant from metadata, or "".
func (c *AgentCommand) TenantID() string { return c.Metadata[MetaTenantID] }

// Meta returns a metadata value, or "" when absent.
func (c *AgentCommand) Meta(key string) string { return c.Metadata[key] }

// RawArgs converts arbitrary tool arguments to JSON for transport.
func RawArgs(v any) json.RawMessage {
	switch t := v.(type) {
	case json.RawMessage:
		return t
	case []byte:
		return json.RawMessage(t)
	case string:
		return json.RawMessage(t)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return json.RawMessage("null")
		}
		return data
	}
}
