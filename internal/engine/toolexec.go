package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arclabs/arcreactor/internal/hooks"
	"github.com/arclabs/arcreactor/internal/infra"
	"github.com/arclabs/arcreactor/internal/observability"
	"github.com/arclabs/arcreactor/pkg/models"
)

// toolParallelism bounds concurrent tool calls within one request.
const toolParallelism = 4

// hitlThreshold is the wall-time overshoot past tool duration that marks
// a call as having waited on a human.
const hitlThreshold = 100 * time.Millisecond

const maxToolErrorLen = 500

// executeTools runs one assistant turn's tool calls in parallel and
// returns their results in call order. One failing call never cancels its
// peers; parent cancellation cancels all of them.
func (e *Engine) executeTools(ctx context.Context, run *hooks.Context, calls []models.ToolCall, available map[string]toolEntry, used *atomic.Int32, maxCalls int) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	sem := infra.NewSemaphore(toolParallelism)

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = failedResult(call.ID, "Error: "+err.Error(), err.Error(), 0)
				return
			}
			defer sem.Release(1)
			results[i] = e.executeOne(ctx, run, call, available, used, maxCalls)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Engine) executeOne(ctx context.Context, run *hooks.Context, call models.ToolCall, available map[string]toolEntry, used *atomic.Int32, maxCalls int) models.ToolResult {
	entry, ok := available[call.Name]
	if !ok {
		return failedResult(call.ID, fmt.Sprintf("Error: Tool '%s' not found", call.Name), "tool not found", 0)
	}
	if !reserveToolBudget(used, maxCalls) {
		return failedResult(call.ID, "Error: Tool call rejected: tool call budget exhausted", "tool call budget exhausted", 0)
	}

	wallStart := time.Now()
	tctx := &hooks.ToolCallContext{
		Run:      run,
		CallID:   call.ID,
		ToolName: call.Name,
		Args:     call.Input,
		Spec:     &entry.spec,
		Meta:     make(map[string]string),
	}

	result := e.gateAndInvoke(ctx, tctx, entry)

	e.detectHitlWait(tctx, &result, time.Since(wallStart))

	if err := e.deps.Hooks.RunAfterToolCall(context.WithoutCancel(ctx), tctx, &result); err != nil {
		e.logger.Warn("after-tool hooks failed",
			"run_id", run.RunID, "tool", call.Name, "error", err)
	}
	return result
}

// gateAndInvoke runs the before-tool hook chain, waits out any pending
// approval, and invokes the tool under its timeout.
func (e *Engine) gateAndInvoke(ctx context.Context, tctx *hooks.ToolCallContext, entry toolEntry) models.ToolResult {
	decision, err := e.deps.Hooks.RunBeforeToolCall(ctx, tctx)
	if err != nil {
		msg := observability.TruncateError(err.Error(), maxToolErrorLen)
		return failedResult(tctx.CallID, "Error: Tool call rejected: "+msg, msg, 0)
	}

	switch decision.Action {
	case hooks.ActionReject:
		return failedResult(tctx.CallID, "Error: Tool call rejected: "+decision.Reason, decision.Reason, 0)

	case hooks.ActionAwaitApproval:
		resolved, err := e.deps.Approvals.Await(ctx, decision.ApprovalID)
		if err != nil {
			msg := observability.TruncateError(err.Error(), maxToolErrorLen)
			return failedResult(tctx.CallID, "Error: Tool call rejected: "+msg, msg, 0)
		}
		switch resolved.Status {
		case models.ApprovalApproved:
			if len(resolved.ModifiedArgs) > 0 {
				tctx.Args = resolved.ModifiedArgs
			}
		case models.ApprovalRejected:
			reason := resolved.Reason
			if reason == "" {
				reason = "rejected by approver"
			}
			return failedResult(tctx.CallID,
				"Rejected: "+observability.TruncateError(reason, maxToolErrorLen), reason, 0)
		default:
			return failedResult(tctx.CallID, "Error: Tool call rejected: approval timed out", "approval timed out", 0)
		}
	}

	return e.invoke(ctx, tctx, entry)
}

func (e *Engine) invoke(ctx context.Context, tctx *hooks.ToolCallContext, entry toolEntry) models.ToolResult {
	timeout := e.cfg.ToolCallTimeout()
	if entry.spec.Timeout > 0 {
		timeout = entry.spec.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	output, err := entry.tool.Execute(callCtx, tctx.Args)
	duration := time.Since(started).Milliseconds()

	if err != nil {
		msg := observability.TruncateError(err.Error(), maxToolErrorLen)
		result := failedResult(tctx.CallID, "Error: "+msg, msg, duration)
		result.Invoked = true
		return result
	}
	return models.ToolResult{
		ToolCallID: tctx.CallID,
		Content:    output,
		Success:    true,
		DurationMs: duration,
		Invoked:    true,
	}
}

// reserveToolBudget claims one slot of the per-request tool budget.
// Parallel calls within one turn race for the remaining slots, so the
// claim must be a compare-and-swap, not a read followed by an add.
func reserveToolBudget(used *atomic.Int32, maxCalls int) bool {
	for {
		n := used.Load()
		if int(n) >= maxCalls {
			return false
		}
		if used.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// detectHitlWait tags a call whose wall time exceeded the tool's own
// duration, which means it sat waiting on a human decision.
func (e *Engine) detectHitlWait(tctx *hooks.ToolCallContext, result *models.ToolResult, wall time.Duration) {
	delta := wall - time.Duration(result.DurationMs)*time.Millisecond
	if delta <= hitlThreshold {
		return
	}
	tctx.Meta[hooks.MetaHitlRequired] = "true"
	tctx.Meta[hooks.MetaHitlWaitMs] = strconv.FormatInt(delta.Milliseconds(), 10)

	approved := !strings.HasPrefix(result.Content, "Rejected") &&
		!strings.HasPrefix(result.Content, "Error: Tool call rejected")
	tctx.Meta[hooks.MetaHitlApproved] = strconv.FormatBool(approved)
	if !approved {
		tctx.Meta[hooks.MetaHitlReason] = observability.TruncateError(result.Error, maxToolErrorLen)
	}
}

func failedResult(callID, content, errMsg string, durationMs int64) models.ToolResult {
	return models.ToolResult{
		ToolCallID: callID,
		Content:    content,
		Success:    false,
		Error:      errMsg,
		DurationMs: durationMs,
	}
}
