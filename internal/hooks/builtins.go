package hooks

import (
	"context"
	"fmt"
	"slices"

	"github.com/arclabs/arcreactor/internal/approval"
	"github.com/arclabs/arcreactor/internal/quota"
	"github.com/arclabs/arcreactor/pkg/models"
)

// Built-in hook orders. Custom hooks slot anywhere between them.
const (
	OrderQuota          = 5
	OrderToolPolicy     = 50
	OrderApprovalPolicy = 60
	OrderTracing        = 199
	OrderMetrics        = 200
)

// QuotaHook rejects executions for tenants over their monthly token
// budget. Tenancy is read from the command metadata; commands without a
// tenant pass through.
type QuotaHook struct {
	enforcer *quota.Enforcer
}

// NewQuotaHook wraps the enforcer as a start hook.
func NewQuotaHook(enforcer *quota.Enforcer) *QuotaHook {
	return &QuotaHook{enforcer: enforcer}
}

func (h *QuotaHook) Name() string      { return "quota" }
func (h *QuotaHook) Order() int        { return OrderQuota }
func (h *QuotaHook) FailOnError() bool { return false }

func (h *QuotaHook) BeforeAgentStart(ctx context.Context, run *Context) (Decision, error) {
	if run.TenantID == "" {
		return Continue(), nil
	}
	ok, err := h.enforcer.Allow(ctx, run.TenantID)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Reject("monthly token quota exceeded", models.ErrQuotaExceeded), nil
	}
	return Continue(), nil
}

// ToolPolicyHook rejects write-category tools on configured channels.
type ToolPolicyHook struct {
	denyChannels []string
}

// NewToolPolicyHook creates the channel policy gate.
func NewToolPolicyHook(denyChannels []string) *ToolPolicyHook {
	return &ToolPolicyHook{denyChannels: denyChannels}
}

func (h *ToolPolicyHook) Name() string      { return "tool_policy" }
func (h *ToolPolicyHook) Order() int        { return OrderToolPolicy }
func (h *ToolPolicyHook) FailOnError() bool { return false }

func (h *ToolPolicyHook) BeforeToolCall(_ context.Context, call *ToolCallContext) (Decision, error) {
	if call.Spec == nil || call.Spec.Category != "write" {
		return Continue(), nil
	}
	if slices.Contains(h.denyChannels, call.Run.Channel) {
		reason := fmt.Sprintf("write tool %q is not allowed on channel %q", call.ToolName, call.Run.Channel)
		return Reject(reason, models.ErrUnauthorized), nil
	}
	return Continue(), nil
}

// ApprovalPolicyHook routes gated tools through human approval. A tool is
// gated when its spec requires approval or its name is on the configured
// list.
type ApprovalPolicyHook struct {
	manager   *approval.Manager
	toolNames []string
}

// NewApprovalPolicyHook creates the approval gate.
func NewApprovalPolicyHook(manager *approval.Manager, toolNames []string) *ApprovalPolicyHook {
	return &ApprovalPolicyHook{manager: manager, toolNames: toolNames}
}

func (h *ApprovalPolicyHook) Name() string      { return "approval_policy" }
func (h *ApprovalPolicyHook) Order() int        { return OrderApprovalPolicy }
func (h *ApprovalPolicyHook) FailOnError() bool { return true }

func (h *ApprovalPolicyHook) BeforeToolCall(ctx context.Context, call *ToolCallContext) (Decision, error) {
	if !h.gated(call) {
		return Continue(), nil
	}
	pending, err := h.manager.Request(ctx, call.ToolName, call.Args,
		call.Run.UserID, call.Run.SessionID, call.Run.UserPrompt)
	if err != nil {
		return Decision{}, fmt.Errorf("request approval for %s: %w", call.ToolName, err)
	}
	return AwaitApproval(pending.ID), nil
}

func (h *ApprovalPolicyHook) gated(call *ToolCallContext) bool {
	if call.Spec != nil && call.Spec.RequiresApproval {
		return true
	}
	return slices.Contains(h.toolNames, call.ToolName)
}
