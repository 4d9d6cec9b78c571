// Package hooks runs lifecycle hooks around agent executions and tool
// calls. Hooks at a point run sequentially in ascending order; a hook
// error is logged and skipped unless the hook opts into FailOnError.
// Cancellation always propagates.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/arclabs/arcreactor/pkg/models"
)

// Context carries per-execution state shared by all hooks of one run. The
// engine owns it for the lifetime of the execution.
type Context struct {
	RunID      string
	UserID     string
	TenantID   string
	SessionID  string
	UserPrompt string
	Channel    string
	StartedAt  time.Time

	// Metadata is mutable scratch space shared across the run's hooks.
	Metadata map[string]string
}

// NewContext builds the hook context for one execution of cmd.
func NewContext(runID string, cmd *models.AgentCommand) *Context {
	return &Context{
		RunID:      runID,
		UserID:     cmd.UserID,
		TenantID:   cmd.TenantID(),
		SessionID:  cmd.SessionID(),
		UserPrompt: cmd.UserPrompt,
		Channel:    cmd.Channel(),
		StartedAt:  time.Now(),
		Metadata:   make(map[string]string),
	}
}

// ToolCallContext scopes one tool invocation within a run. Meta is local
// to the call; concurrent tool calls never share it.
type ToolCallContext struct {
	Run *Context

	CallID   string
	ToolName string
	Args     json.RawMessage
	Spec     *models.ToolSpec

	Meta map[string]string
}

// Action is the outcome kind of a before-hook.
type Action int

const (
	ActionContinue Action = iota
	ActionReject
	ActionAwaitApproval
)

// Decision is the outcome of a before-hook.
type Decision struct {
	Action Action
	Reason string
	Code   models.ErrorCode

	// ApprovalID identifies the pending approval to wait on when Action
	// is ActionAwaitApproval.
	ApprovalID string
}

// Continue allows the chain to proceed.
func Continue() Decision { return Decision{Action: ActionContinue} }

// Reject stops the chain with a reason and error code.
func Reject(reason string, code models.ErrorCode) Decision {
	return Decision{Action: ActionReject, Reason: reason, Code: code}
}

// AwaitApproval suspends the tool call until the approval resolves.
func AwaitApproval(id string) Decision {
	return Decision{Action: ActionAwaitApproval, ApprovalID: id}
}

// Hook is the common surface of all lifecycle hooks.
type Hook interface {
	Name() string

	// Order positions the hook within its lifecycle point; lower runs
	// first.
	Order() int

	// FailOnError aborts the execution when the hook errors. The default
	// posture is fail-open: log and continue.
	FailOnError() bool
}

// BeforeAgentStart runs before any model or tool call.
type BeforeAgentStart interface {
	Hook
	BeforeAgentStart(ctx context.Context, run *Context) (Decision, error)
}

// BeforeToolCall runs before each tool invocation.
type BeforeToolCall interface {
	Hook
	BeforeToolCall(ctx context.Context, call *ToolCallContext) (Decision, error)
}

// AfterToolCall runs after each tool invocation, success or failure.
type AfterToolCall interface {
	Hook
	AfterToolCall(ctx context.Context, call *ToolCallContext, result *models.ToolResult) error
}

// AfterAgentComplete runs once per execution, even when it failed.
type AfterAgentComplete interface {
	Hook
	AfterAgentComplete(ctx context.Context, run *Context, result *models.AgentResult) error
}

// Chain dispatches registered hooks per lifecycle point.
type Chain struct {
	beforeStart []BeforeAgentStart
	beforeTool  []BeforeToolCall
	afterTool   []AfterToolCall
	afterAgent  []AfterAgentComplete
	logger      *slog.Logger
}

// NewChain creates an empty chain.
func NewChain(logger *slog.Logger) *Chain {
	return &Chain{logger: logger}
}

// Register adds a hook to every lifecycle point it implements.
func (c *Chain) Register(h Hook) {
	if bs, ok := h.(BeforeAgentStart); ok {
		c.beforeStart = append(c.beforeStart, bs)
		sort.SliceStable(c.beforeStart, func(i, j int) bool {
			return c.beforeStart[i].Order() < c.beforeStart[j].Order()
		})
	}
	if bt, ok := h.(BeforeToolCall); ok {
		c.beforeTool = append(c.beforeTool, bt)
		sort.SliceStable(c.beforeTool, func(i, j int) bool {
			return c.beforeTool[i].Order() < c.beforeTool[j].Order()
		})
	}
	if at, ok := h.(AfterToolCall); ok {
		c.afterTool = append(c.afterTool, at)
		sort.SliceStable(c.afterTool, func(i, j int) bool {
			return c.afterTool[i].Order() < c.afterTool[j].Order()
		})
	}
	if aa, ok := h.(AfterAgentComplete); ok {
		c.afterAgent = append(c.afterAgent, aa)
		sort.SliceStable(c.afterAgent, func(i, j int) bool {
			return c.afterAgent[i].Order() < c.afterAgent[j].Order()
		})
	}
}

// RunBeforeAgentStart runs the start hooks in order. The first rejection
// stops the chain.
func (c *Chain) RunBeforeAgentStart(ctx context.Context, run *Context) (Decision, error) {
	for _, h := range c.beforeStart {
		decision, err := h.BeforeAgentStart(ctx, run)
		if err != nil {
			if abort, aerr := c.hookError(ctx, h, "before_agent_start", err); abort {
				return Decision{}, aerr
			}
			continue
		}
		if decision.Action == ActionReject {
			return decision, nil
		}
	}
	return Continue(), nil
}

// RunBeforeToolCall runs the tool gate hooks in order. The first
// rejection or pending approval stops the chain.
func (c *Chain) RunBeforeToolCall(ctx context.Context, call *ToolCallContext) (Decision, error) {
	for _, h := range c.beforeTool {
		decision, err := h.BeforeToolCall(ctx, call)
		if err != nil {
			if abort, aerr := c.hookError(ctx, h, "before_tool_call", err); abort {
				return Decision{}, aerr
			}
			continue
		}
		if decision.Action != ActionContinue {
			return decision, nil
		}
	}
	return Continue(), nil
}

// RunAfterToolCall runs the tool teardown hooks in order.
func (c *Chain) RunAfterToolCall(ctx context.Context, call *ToolCallContext, result *models.ToolResult) error {
	for _, h := range c.afterTool {
		if err := h.AfterToolCall(ctx, call, result); err != nil {
			if abort, aerr := c.hookError(ctx, h, "after_tool_call", err); abort {
				return aerr
			}
		}
	}
	return nil
}

// RunAfterAgentComplete runs the completion hooks in order. The engine
// calls it on every execution path, including failures.
func (c *Chain) RunAfterAgentComplete(ctx context.Context, run *Context, result *models.AgentResult) error {
	for _, h := range c.afterAgent {
		if err := h.AfterAgentComplete(ctx, run, result); err != nil {
			if abort, aerr := c.hookError(ctx, h, "after_agent_complete", err); abort {
				return aerr
			}
		}
	}
	return nil
}

// hookError decides whether a hook error aborts the chain. Cancellation
// always does; otherwise FailOnError decides.
func (c *Chain) hookError(ctx context.Context, h Hook, point string, err error) (bool, error) {
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	if h.FailOnError() {
		return true, fmt.Errorf("hook %s at %s: %w", h.Name(), point, err)
	}
	c.logger.Warn("hook failed, continuing",
		"hook", h.Name(),
		"point", point,
		"error", err,
	)
	return false, nil
}
