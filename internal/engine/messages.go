package engine

import "github.com/arclabs/arcreactor/pkg/models"

// MessageResolver maps an error code to the text shown to the end user.
// Adapters can replace it to localize or rephrase failures.
type MessageResolver func(code models.ErrorCode) string

var defaultMessages = map[models.ErrorCode]string{
	models.ErrRateLimited:        "You are sending requests too quickly. Please wait a moment and try again.",
	models.ErrGuardRejected:      "Your request could not be processed.",
	models.ErrTimeout:            "The request took too long to complete. Please try again.",
	models.ErrCancelled:          "The request was cancelled.",
	models.ErrContextTooLong:     "The conversation is too long to continue. Please start a new session.",
	models.ErrTool:               "A tool failed while handling your request. Please try again.",
	models.ErrCircuitBreakerOpen: "A downstream service is temporarily unavailable. Please try again shortly.",
	models.ErrInvalidResponse:    "The assistant could not produce a valid response. Please try again.",
	models.ErrQuotaExceeded:      "Your monthly usage limit has been reached.",
	models.ErrUnauthorized:       "You are not authorized to perform this action.",
	models.ErrUnknown:            "Something went wrong. Please try again.",
}

// DefaultMessages resolves codes to the built-in English texts.
func DefaultMessages(code models.ErrorCode) string {
	if msg, ok := defaultMessages[code]; ok {
		return msg
	}
	return defaultMessages[models.ErrUnknown]
}
