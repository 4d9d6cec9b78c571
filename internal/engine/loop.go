package engine

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/arclabs/arcreactor/internal/conversation"
	"github.com/arclabs/arcreactor/internal/errclass"
	"github.com/arclabs/arcreactor/internal/hooks"
	"github.com/arclabs/arcreactor/internal/infra"
	"github.com/arclabs/arcreactor/internal/llm"
	"github.com/arclabs/arcreactor/internal/observability"
	"github.com/arclabs/arcreactor/internal/schema"
	"github.com/arclabs/arcreactor/internal/tokens"
	"github.com/arclabs/arcreactor/internal/tools"
	"github.com/arclabs/arcreactor/pkg/models"
)

const maxLLMErrorLen = 500

// runLoop drives the ReAct iterations: call the model, dispatch any tool
// calls, and repeat until a terminal reply. The loop performs at most
// maxToolCalls+1 model calls, plus one repair call for structured output.
func (e *Engine) runLoop(ctx context.Context, cmd *models.AgentCommand, run *hooks.Context, history []models.Message) *models.AgentResult {
	started := run.StartedAt

	model := cmd.Model
	if model == "" {
		model = e.cfg.LLM.DefaultModel
	}
	provider, err := e.deps.Providers.ForModel(model)
	if err != nil {
		return e.failure(models.ErrUnknown, "no model provider available", started)
	}
	est := tokens.NewEstimator(model)

	selected := e.selectTools(ctx, cmd)
	available := make(map[string]toolEntry, len(selected))
	specs := make([]models.ToolSpec, 0, len(selected))
	for _, t := range selected {
		spec := t.Spec()
		available[spec.Name] = toolEntry{tool: t, spec: spec}
		specs = append(specs, spec)
	}

	maxCalls := cmd.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = e.cfg.Agent.MaxToolCalls
	}
	var used atomic.Int32

	systemPrompt := cmd.SystemPrompt
	budget := e.cfg.Agent.MaxContextWindowTokens - est.Estimate(systemPrompt) - e.cfg.Agent.MaxOutputTokens

	msgs := append(append([]models.Message{}, history...),
		models.UserMessage(cmd.UserPrompt, cmd.UserID))

	var usage models.TokenUsage
	var toolsUsed []string
	repaired := false

	for {
		if err := ctx.Err(); err != nil {
			return e.failure(errclass.Code(err), "", started)
		}

		msgs = conversation.Trim(msgs, est, budget)
		if !conversation.Fits(msgs, est, budget) {
			return e.failure(models.ErrContextTooLong, "", started)
		}

		req := &llm.ChatRequest{
			Model:        model,
			SystemPrompt: systemPrompt,
			Messages:     msgs,
			Temperature:  e.cfg.Agent.Temperature,
			MaxTokens:    e.cfg.Agent.MaxOutputTokens,
		}
		if int(used.Load()) < maxCalls {
			req.Tools = specs
		}

		resp, err := infra.Retry(ctx, e.retry, func(ctx context.Context) (*llm.ChatResponse, error) {
			return provider.Complete(ctx, req)
		})
		if err != nil {
			return e.failure(errclass.Code(err),
				observability.TruncateError(err.Error(), maxLLMErrorLen), started)
		}
		usage.Add(resp.Usage)
		e.emitTokenUsage(run, model, resp.Usage)

		if len(resp.ToolCalls) > 0 {
			assistant := models.AssistantMessage(resp.Content, cmd.UserID)
			assistant.ToolCalls = resp.ToolCalls
			msgs = append(msgs, assistant)

			results := e.executeTools(ctx, run, resp.ToolCalls, available, &used, maxCalls)
			for i, call := range resp.ToolCalls {
				msgs = append(msgs, models.ToolMessage(call.ID, results[i].Content))
				if results[i].Invoked {
					toolsUsed = append(toolsUsed, call.Name)
				}
			}
			continue
		}

		content := resp.Content
		if cmd.ResponseFormat == models.FormatJSON || cmd.ResponseFormat == models.FormatYAML {
			verr := schema.Validate(cmd.ResponseFormat, json.RawMessage(cmd.ResponseSchema), content)
			if verr != nil {
				if repaired {
					return e.failure(models.ErrInvalidResponse,
						observability.TruncateError(verr.Error(), maxLLMErrorLen), started)
				}
				repaired = true
				msgs = append(msgs,
					models.AssistantMessage(content, cmd.UserID),
					models.UserMessage(schema.RepairPrompt(cmd.ResponseFormat, verr), cmd.UserID))
				continue
			}
		}

		return &models.AgentResult{
			Success:    true,
			Content:    content,
			ToolsUsed:  toolsUsed,
			TokenUsage: usage,
			DurationMs: time.Since(started).Milliseconds(),
		}
	}
}

type toolEntry struct {
	tool tools.Tool
	spec models.ToolSpec
}

// selectTools resolves the toolset exposed to this request. Selection
// failures degrade to the full set; the per-request cap always applies.
func (e *Engine) selectTools(ctx context.Context, cmd *models.AgentCommand) []tools.Tool {
	if e.deps.Tools == nil {
		return nil
	}
	available := e.deps.Tools.List()
	if e.deps.Selector != nil {
		selected, err := e.deps.Selector.Select(ctx, cmd.UserPrompt, available)
		if err == nil {
			available = selected
		} else {
			e.logger.Warn("tool selection failed, exposing all tools", "error", err)
		}
	}
	if limit := e.cfg.Agent.MaxToolsPerRequest; limit > 0 && len(available) > limit {
		available = available[:limit]
	}
	return available
}

func (e *Engine) emitTokenUsage(run *hooks.Context, model string, usage models.TokenUsage) {
	if e.deps.Emitter == nil || usage.TotalTokens == 0 {
		return
	}
	event := models.NewMetricEvent(models.EventTokenUsage, run.TenantID, run.RunID)
	event.TokenUsage = &models.TokenUsageEvent{
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
	e.deps.Emitter.Emit(event)
}
