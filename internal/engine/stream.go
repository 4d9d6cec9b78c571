package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arclabs/arcreactor/internal/conversation"
	"github.com/arclabs/arcreactor/internal/errclass"
	"github.com/arclabs/arcreactor/internal/hooks"
	"github.com/arclabs/arcreactor/internal/llm"
	"github.com/arclabs/arcreactor/internal/observability"
	"github.com/arclabs/arcreactor/internal/tokens"
	"github.com/arclabs/arcreactor/pkg/models"
)

// StreamEventType tags one element of a streaming execution.
type StreamEventType string

const (
	StreamText      StreamEventType = "text"
	StreamToolStart StreamEventType = "tool_start"
	StreamToolEnd   StreamEventType = "tool_end"
	StreamError     StreamEventType = "error"
)

// StreamEvent is one fragment or marker of a streaming execution.
type StreamEvent struct {
	Type StreamEventType

	// Text is the fragment text, the tool name, or the error message,
	// depending on Type.
	Text string
}

// Marker renders the event in its wire form: raw text for fragments,
// "<type>:<payload>" for typed markers.
func (ev StreamEvent) Marker() string {
	if ev.Type == StreamText {
		return ev.Text
	}
	return string(ev.Type) + ":" + ev.Text
}

// ExecuteStream runs one command and streams its output. The returned
// channel is finite and single-use: it closes after the terminal event.
// Producer-side failures emit exactly one error marker before closing.
func (e *Engine) ExecuteStream(ctx context.Context, cmd *models.AgentCommand) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go e.streamRun(ctx, cmd, out)
	return out
}

func (e *Engine) streamRun(ctx context.Context, cmd *models.AgentCommand, out chan<- StreamEvent) {
	defer close(out)
	started := time.Now()

	// Validation needs a complete response; streaming cannot provide one.
	if cmd.ResponseFormat == models.FormatJSON || cmd.ResponseFormat == models.FormatYAML {
		emit(ctx, out, StreamEvent{Type: StreamError,
			Text: "structured response formats are not supported when streaming"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout())
	defer cancel()

	if err := e.limiter.Acquire(ctx, 1); err != nil {
		emit(ctx, out, StreamEvent{Type: StreamError, Text: e.messages(errclass.Code(err))})
		return
	}
	defer e.limiter.Release(1)

	run := hooks.NewContext(uuid.New().String(), cmd)
	run.StartedAt = started

	fail := func(result *models.AgentResult) {
		result.DurationMs = time.Since(started).Milliseconds()
		emit(ctx, out, StreamEvent{Type: StreamError, Text: result.ErrorMessage})
		e.finish(ctx, cmd, run, result)
	}

	if e.deps.Guards != nil && e.cfg.GuardEnabled() {
		screened, err := e.deps.Guards.Run(ctx, cmd)
		if err != nil {
			fail(e.failure(errclass.Code(err), "", started))
			return
		}
		if !screened.Allowed {
			fail(e.failure(screened.Code, screened.Reason, started))
			return
		}
		run.UserPrompt = cmd.UserPrompt
	}

	decision, err := e.deps.Hooks.RunBeforeAgentStart(ctx, run)
	if err != nil {
		fail(e.failure(errclass.Code(err), err.Error(), started))
		return
	}
	if decision.Action == hooks.ActionReject {
		code := decision.Code
		if code == "" {
			code = models.ErrGuardRejected
		}
		fail(e.failure(code, decision.Reason, started))
		return
	}

	history, err := e.loadHistory(ctx, cmd)
	if err != nil {
		fail(e.failure(errclass.Code(err), "", started))
		return
	}

	result := e.streamLoop(ctx, cmd, run, history, out)
	result.DurationMs = time.Since(started).Milliseconds()

	if result.Success && e.deps.Conversations != nil {
		e.deps.Conversations.SaveStreamingHistory(context.WithoutCancel(ctx), cmd, result.Content)
	}
	e.finish(ctx, cmd, run, result)
}

// streamLoop is the streaming ReAct loop: fragments flow out as the model
// emits them; tool turns are bracketed with start and end markers.
func (e *Engine) streamLoop(ctx context.Context, cmd *models.AgentCommand, run *hooks.Context, history []models.Message, out chan<- StreamEvent) *models.AgentResult {
	started := run.StartedAt

	model := cmd.Model
	if model == "" {
		model = e.cfg.LLM.DefaultModel
	}
	provider, err := e.deps.Providers.ForModel(model)
	if err != nil {
		return e.streamFailure(ctx, out, models.ErrUnknown, "no model provider available", started)
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

	budget := e.cfg.Agent.MaxContextWindowTokens - est.Estimate(cmd.SystemPrompt) - e.cfg.Agent.MaxOutputTokens
	msgs := append(append([]models.Message{}, history...),
		models.UserMessage(cmd.UserPrompt, cmd.UserID))

	var usage models.TokenUsage
	var toolsUsed []string

	for {
		if err := ctx.Err(); err != nil {
			return e.streamFailure(ctx, out, errclass.Code(err), "", started)
		}

		msgs = conversation.Trim(msgs, est, budget)
		if !conversation.Fits(msgs, est, budget) {
			return e.streamFailure(ctx, out, models.ErrContextTooLong, "", started)
		}

		req := &llm.ChatRequest{
			Model:        model,
			SystemPrompt: cmd.SystemPrompt,
			Messages:     msgs,
			Temperature:  e.cfg.Agent.Temperature,
			MaxTokens:    e.cfg.Agent.MaxOutputTokens,
		}
		if int(used.Load()) < maxCalls {
			req.Tools = specs
		}

		chunks, err := provider.Stream(ctx, req)
		if err != nil {
			return e.streamFailure(ctx, out, errclass.Code(err),
				observability.TruncateError(err.Error(), maxLLMErrorLen), started)
		}

		var text strings.Builder
		var calls []models.ToolCall
		var streamErr error
		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				streamErr = chunk.Err
			case chunk.Text != "":
				text.WriteString(chunk.Text)
				emit(ctx, out, StreamEvent{Type: StreamText, Text: chunk.Text})
			case chunk.ToolCall != nil:
				calls = append(calls, *chunk.ToolCall)
			case chunk.Usage != nil:
				usage.Add(*chunk.Usage)
				e.emitTokenUsage(run, model, *chunk.Usage)
			}
		}
		if streamErr != nil {
			return e.streamFailure(ctx, out, errclass.Code(streamErr),
				observability.TruncateError(streamErr.Error(), maxLLMErrorLen), started)
		}

		if len(calls) > 0 {
			assistant := models.AssistantMessage(text.String(), cmd.UserID)
			assistant.ToolCalls = calls
			msgs = append(msgs, assistant)

			for _, call := range calls {
				emit(ctx, out, StreamEvent{Type: StreamToolStart, Text: call.Name})
			}
			results := e.executeTools(ctx, run, calls, available, &used, maxCalls)
			for i, call := range calls {
				msgs = append(msgs, models.ToolMessage(call.ID, results[i].Content))
				if results[i].Invoked {
					toolsUsed = append(toolsUsed, call.Name)
				}
				emit(ctx, out, StreamEvent{Type: StreamToolEnd, Text: call.Name})
			}
			continue
		}

		return &models.AgentResult{
			Success:    true,
			Content:    text.String(),
			ToolsUsed:  toolsUsed,
			TokenUsage: usage,
			DurationMs: time.Since(started).Milliseconds(),
		}
	}
}

func (e *Engine) streamFailure(ctx context.Context, out chan<- StreamEvent, code models.ErrorCode, reason string, started time.Time) *models.AgentResult {
	result := e.failure(code, reason, started)
	emit(ctx, out, StreamEvent{Type: StreamError, Text: result.ErrorMessage})
	return result
}

// emit sends without blocking past cancellation; a cancelled consumer
// simply stops receiving.
func emit(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
