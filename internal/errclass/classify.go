// Package errclass maps errors and error payloads onto the closed set of
// user-visible error codes and the tool error kind labels.
package errclass

import (
	"context"
	"errors"
	"strings"

	"github.com/arclabs/arcreactor/internal/infra"
	"github.com/arclabs/arcreactor/pkg/models"
)

// Tool error kind labels recorded on tool spans and events.
const (
	KindTimeout          = "TimeoutException"
	KindConnection       = "ConnectionException"
	KindPermissionDenied = "PermissionDenied"
	KindRuntime          = "RuntimeException"
)

// Code classifies err into an ErrorCode. Cancellation maps to CANCELLED,
// deadline expiry to TIMEOUT; everything else falls through keyword
// classification to UNKNOWN.
func Code(err error) models.ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return models.ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrTimeout
	case errors.Is(err, infra.ErrCircuitOpen):
		return models.ErrCircuitBreakerOpen
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return models.ErrRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return models.ErrTimeout
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return models.ErrUnauthorized
	case strings.Contains(msg, "context length") || strings.Contains(msg, "context window"):
		return models.ErrContextTooLong
	default:
		return models.ErrUnknown
	}
}

// ToolKind classifies a tool error message by keyword.
func ToolKind(message string) string {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "connection"):
		return KindConnection
	case strings.Contains(msg, "permission"):
		return KindPermissionDenied
	default:
		return KindRuntime
	}
}

// Transient reports whether err is worth retrying: rate limits, timeouts,
// 5xx responses, and connection resets. Cancellation is never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if infra.IsPermanent(err) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "429",
		"timeout", "timed out",
		"500", "502", "503", "504", "overloaded",
		"connection reset", "connection refused", "broken pipe", "eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
