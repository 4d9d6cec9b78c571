package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/arclabs/arcreactor/pkg/models"
)

// AnthropicProvider backs chat completions with the Anthropic Messages API.
//
// Unlike OpenAI, the system prompt travels outside the message array, and
// tool results are content blocks of user messages.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a provider. baseURL is optional.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	out := &ChatResponse{
		StopReason: string(resp.StopReason),
		Usage: models.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: json.RawMessage(variant.Input),
				Index: len(out.ToolCalls),
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)

		var currentTool *models.ToolCall
		var toolInput strings.Builder
		var usage models.TokenUsage
		toolIndex := 0

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.PromptTokens = int(start.Message.Usage.InputTokens)

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					toolInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						chunks <- Chunk{Text: delta.Text}
					}
				case "input_json_delta":
					toolInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if currentTool != nil {
					currentTool.Input = json.RawMessage(toolInput.String())
					currentTool.Index = toolIndex
					toolIndex++
					chunks <- Chunk{ToolCall: currentTool}
					currentTool = nil
				}

			case "message_delta":
				delta := event.AsMessageDelta()
				if delta.Usage.OutputTokens > 0 {
					usage.CompletionTokens = int(delta.Usage.OutputTokens)
				}

			case "message_stop":
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				u := usage
				chunks <- Chunk{Usage: &u, Done: true}
				return
			}
		}
		if err := stream.Err(); err != nil {
			chunks <- Chunk{Err: fmt.Errorf("anthropic: %w", err)}
			return
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		u := usage
		chunks <- Chunk{Usage: &u, Done: true}
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *ChatRequest) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	for _, spec := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: toolInputSchema(spec.InputSchema),
			},
		})
	}
	return params, nil
}

func toolInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	out := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = props
	}
	switch required := schema["required"].(type) {
	case []string:
		out.Required = required
	case []any:
		for _, r := range required {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

// convertMessages maps the transcript into Anthropic's alternating format.
// System entries are dropped here; they travel in params.System. Tool
// replies become tool_result blocks inside user messages.
func (p *AnthropicProvider) convertMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			// Inline prior system context as a user turn so it is not
			// silently lost.
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			out = append(out, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}
