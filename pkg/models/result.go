package models

import "time"

// ErrorCode is the closed set of user-visible error kinds.
type ErrorCode string

const (
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrGuardRejected      ErrorCode = "GUARD_REJECTED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrCancelled          ErrorCode = "CANCELLED"
	ErrContextTooLong     ErrorCode = "CONTEXT_TOO_LONG"
	ErrTool               ErrorCode = "TOOL_ERROR"
	ErrCircuitBreakerOpen ErrorCode = "CIRCUIT_BREAKER_OPEN"
	ErrInvalidResponse    ErrorCode = "INVALID_RESPONSE"
	ErrQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrUnknown            ErrorCode = "UNKNOWN"
)

// TokenUsage aggregates token counts across all LLM calls of one execution.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from a single call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// AgentResult is the single outcome of one Execute call.
// Success is true iff ErrorCode is empty and Content is set.
type AgentResult struct {
	Success      bool       `json:"success"`
	Content      string     `json:"content,omitempty"`
	ErrorCode    ErrorCode  `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ToolsUsed    []string   `json:"tools_used,omitempty"`
	TokenUsage   TokenUsage `json:"token_usage"`
	DurationMs   int64      `json:"duration_ms"`
}

// Failure builds a failed result with the given code and message.
func Failure(code ErrorCode, message string, started time.Time) *AgentResult {
	return &AgentResult{
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: message,
		DurationMs:   time.Since(started).Milliseconds(),
	}
}
