package models

import "time"

// EventType identifies the kind of metric event.
type EventType string

const (
	EventAgentExecution EventType = "agent.execution"
	EventToolCall       EventType = "tool.call"
	EventGuard          EventType = "guard"
	EventTokenUsage     EventType = "token.usage"
	EventSession        EventType = "session"
	EventHitl           EventType = "hitl"
	EventMcpHealth      EventType = "mcp.health"
)

// MetricEvent is the tagged union published to the metric ring buffer.
// Exactly one of the payload pointers is set, matching Type.
type MetricEvent struct {
	Type      EventType `json:"type"`
	TenantID  string    `json:"tenant_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	AgentExecution *AgentExecutionEvent `json:"agent_execution,omitempty"`
	ToolCall       *ToolCallEvent       `json:"tool_call,omitempty"`
	Guard          *GuardEvent          `json:"guard,omitempty"`
	TokenUsage     *TokenUsageEvent     `json:"token_usage,omitempty"`
	Session        *SessionEvent        `json:"session,omitempty"`
	Hitl           *HitlEvent           `json:"hitl,omitempty"`
	McpHealth      *McpHealthEvent      `json:"mcp_health,omitempty"`
}

// AgentExecutionEvent records the outcome of one engine execution.
type AgentExecutionEvent struct {
	Success    bool      `json:"success"`
	ErrorCode  ErrorCode `json:"error_code,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	ToolCalls  int       `json:"tool_calls"`
	DurationMs int64     `json:"duration_ms"`
}

// ToolCallEvent records one tool invocation.
type ToolCallEvent struct {
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	ErrorKind  string `json:"error_kind,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// GuardEvent records a guard pipeline decision.
type GuardEvent struct {
	Stage    string `json:"stage"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
	Category string `json:"category,omitempty"`
}

// TokenUsageEvent records token consumption of one LLM call.
type TokenUsageEvent struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// SessionEvent records conversation persistence activity.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"` // loaded | saved | summarized | summary_failed
	Messages  int    `json:"messages"`
}

// HitlEvent records a human-in-the-loop wait.
type HitlEvent struct {
	ToolName string `json:"tool_name"`
	Approved bool   `json:"approved"`
	WaitMs   int64  `json:"wait_ms"`

	// Reason carries the rejection reason when Approved is false.
	Reason string `json:"reason,omitempty"`
}

// McpHealthEvent records a remote tool server health transition.
type McpHealthEvent struct {
	Server string `json:"server"`
	Status string `json:"status"`
}

// NewMetricEvent stamps the common envelope fields.
func NewMetricEvent(t EventType, tenantID, runID string) MetricEvent {
	return MetricEvent{Type: t, TenantID: tenantID, RunID: runID, Timestamp: time.Now()}
}
