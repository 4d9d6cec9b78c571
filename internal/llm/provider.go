// Package llm abstracts chat model providers behind a single interface
// with both buffered and streaming completion paths.
package llm

import (
	"context"

	"github.com/arclabs/arcreactor/pkg/models"
)

// ChatRequest is a single model call.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Messages     []models.Message
	Tools        []models.ToolSpec
	Temperature  float32
	MaxTokens    int
}

// ChatResponse is a buffered completion.
type ChatResponse struct {
	Content    string
	ToolCalls  []models.ToolCall
	Usage      models.TokenUsage
	StopReason string
}

// Chunk is one fragment of a streaming completion. Exactly one terminal
// chunk is emitted: Done true on success, Err set on failure.
type Chunk struct {
	Text     string
	ToolCall *models.ToolCall
	Usage    *models.TokenUsage
	Done     bool
	Err      error
}

// Provider is a chat model backend.
type Provider interface {
	// Name is the stable lowercase provider identifier.
	Name() string

	// Complete performs a buffered completion.
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream performs a streaming completion. The channel is closed
	// after the terminal chunk.
	Stream(ctx context.Context, req *ChatRequest) (<-chan Chunk, error)
}
