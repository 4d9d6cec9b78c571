// Package engine executes agent commands: guard screening, lifecycle
// hooks, the ReAct loop with tool orchestration, and conversation
// persistence, bounded by a global concurrency limit and a request
// timeout.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arclabs/arcreactor/internal/approval"
	"github.com/arclabs/arcreactor/internal/config"
	"github.com/arclabs/arcreactor/internal/conversation"
	"github.com/arclabs/arcreactor/internal/errclass"
	"github.com/arclabs/arcreactor/internal/guard"
	"github.com/arclabs/arcreactor/internal/hooks"
	"github.com/arclabs/arcreactor/internal/infra"
	"github.com/arclabs/arcreactor/internal/llm"
	"github.com/arclabs/arcreactor/internal/metrics"
	"github.com/arclabs/arcreactor/internal/observability"
	"github.com/arclabs/arcreactor/internal/quota"
	"github.com/arclabs/arcreactor/internal/tools"
	"github.com/arclabs/arcreactor/pkg/models"
)

// Deps are the collaborators an engine executes with. Guards, approvals,
// conversations, quota, and emitter are optional.
type Deps struct {
	Guards        *guard.Pipeline
	Hooks         *hooks.Chain
	Providers     *llm.Registry
	Tools         *tools.Registry
	Selector      tools.Selector
	Approvals     *approval.Manager
	Conversations *conversation.Manager
	Quota         *quota.Enforcer
	Emitter       metrics.Sink
	Messages      MessageResolver
	Logger        *slog.Logger
}

// Engine is the agent runtime entry point.
type Engine struct {
	cfg      *config.Config
	deps     Deps
	limiter  *infra.Semaphore
	retry    *infra.RetryConfig
	logger   *slog.Logger
	messages MessageResolver
}

// New creates an engine from config and collaborators.
func New(cfg *config.Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	resolver := deps.Messages
	if resolver == nil {
		resolver = DefaultMessages
	}
	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		limiter:  infra.NewSemaphore(int64(cfg.Agent.MaxConcurrentRequests)),
		retry:    retryConfig(cfg.Retry),
		logger:   logger,
		messages: resolver,
	}
	if deps.Guards != nil && deps.Emitter != nil {
		deps.Guards.Decided = func(stage string, allowed bool) {
			event := models.NewMetricEvent(models.EventGuard, "", "")
			event.Guard = &models.GuardEvent{Stage: stage, Allowed: allowed}
			deps.Emitter.Emit(event)
		}
	}
	return e
}

func retryConfig(cfg config.RetryConfig) *infra.RetryConfig {
	return &infra.RetryConfig{
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   time.Duration(cfg.InitialDelayMs) * time.Millisecond,
		Multiplier:     cfg.Multiplier,
		MaxDelay:       time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		JitterFraction: 0.1,
		RetryIf:        errclass.Transient,
	}
}

// Execute runs one command to completion and returns its result. The
// result is never nil; failures are encoded in the error code.
func (e *Engine) Execute(ctx context.Context, cmd *models.AgentCommand) *models.AgentResult {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout())
	defer cancel()

	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return e.failure(errclass.Code(err), "", started)
	}
	defer e.limiter.Release(1)

	run := hooks.NewContext(uuid.New().String(), cmd)
	run.StartedAt = started
	e.logger.Info("execution started",
		"run_id", run.RunID,
		"user_id", run.UserID,
		"tenant_id", run.TenantID,
		"session_id", run.SessionID,
	)

	result := e.executeGuarded(ctx, cmd, run)
	result.DurationMs = time.Since(started).Milliseconds()

	e.finish(ctx, cmd, run, result)
	return result
}

// executeGuarded runs the pre-flight gates and the loop. The caller owns
// duration stamping and teardown.
func (e *Engine) executeGuarded(ctx context.Context, cmd *models.AgentCommand, run *hooks.Context) *models.AgentResult {
	started := run.StartedAt

	if e.deps.Guards != nil && e.cfg.GuardEnabled() {
		screened, err := e.deps.Guards.Run(ctx, cmd)
		if err != nil {
			return e.failure(errclass.Code(err), "", started)
		}
		if !screened.Allowed {
			e.logger.Warn("request rejected by guard",
				"run_id", run.RunID, "stage", screened.Stage, "reason", screened.Reason)
			return e.failure(screened.Code, screened.Reason, started)
		}
		// The unicode stage may have rewritten the prompt.
		run.UserPrompt = cmd.UserPrompt
	}

	decision, err := e.deps.Hooks.RunBeforeAgentStart(ctx, run)
	if err != nil {
		return e.failure(errclass.Code(err), err.Error(), started)
	}
	if decision.Action == hooks.ActionReject {
		code := decision.Code
		if code == "" {
			code = models.ErrGuardRejected
		}
		return e.failure(code, decision.Reason, started)
	}

	history, err := e.loadHistory(ctx, cmd)
	if err != nil {
		return e.failure(errclass.Code(err), "", started)
	}

	result := e.runLoop(ctx, cmd, run, history)

	if result.Success && e.deps.Conversations != nil {
		e.deps.Conversations.SaveHistory(context.WithoutCancel(ctx), cmd, result)
	}
	return result
}

func (e *Engine) loadHistory(ctx context.Context, cmd *models.AgentCommand) ([]models.Message, error) {
	if e.deps.Conversations == nil {
		return cmd.ConversationHistory, nil
	}
	return e.deps.Conversations.LoadHistory(ctx, cmd)
}

// finish records quota spend and runs the completion hooks. It runs on
// every path, including cancellation.
func (e *Engine) finish(ctx context.Context, cmd *models.AgentCommand, run *hooks.Context, result *models.AgentResult) {
	ctx = context.WithoutCancel(ctx)

	if e.deps.Quota != nil && result.TokenUsage.TotalTokens > 0 {
		e.deps.Quota.Record(ctx, cmd.TenantID(), int64(result.TokenUsage.TotalTokens))
	}

	if err := e.deps.Hooks.RunAfterAgentComplete(ctx, run, result); err != nil {
		e.logger.Warn("completion hooks failed", "run_id", run.RunID, "error", err)
	}

	e.logger.Info("execution finished",
		"run_id", run.RunID,
		"success", result.Success,
		"error_code", string(result.ErrorCode),
		"tools_used", len(result.ToolsUsed),
		"duration_ms", result.DurationMs,
	)
}

// failure builds a failed result, resolving the user-facing message from
// the code when no specific reason is available.
func (e *Engine) failure(code models.ErrorCode, reason string, started time.Time) *models.AgentResult {
	if code == "" {
		code = models.ErrUnknown
	}
	if reason == "" {
		reason = e.messages(code)
	}
	return models.Failure(code, reason, started)
}
