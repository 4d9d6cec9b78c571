package hooks

import (
	"context"
	"strconv"

	"github.com/arclabs/arcreactor/internal/errclass"
	"github.com/arclabs/arcreactor/internal/metrics"
	"github.com/arclabs/arcreactor/pkg/models"
)

// Tool call metadata keys set by the orchestrator when a call waited on a
// human decision.
const (
	MetaHitlRequired = "hitl.required"
	MetaHitlWaitMs   = "hitl.wait_ms"
	MetaHitlApproved = "hitl.approved"
	MetaHitlReason   = "hitl.reason"
)

// MetricsHook publishes execution and tool events to the metric ring.
// It never returns an error; a full ring drops the event.
type MetricsHook struct {
	emitter metrics.Sink
}

// NewMetricsHook creates the hook over the shared emitter.
func NewMetricsHook(emitter metrics.Sink) *MetricsHook {
	return &MetricsHook{emitter: emitter}
}

func (h *MetricsHook) Name() string      { return "metrics" }
func (h *MetricsHook) Order() int        { return OrderMetrics }
func (h *MetricsHook) FailOnError() bool { return false }

func (h *MetricsHook) AfterToolCall(_ context.Context, call *ToolCallContext, result *models.ToolResult) error {
	event := models.NewMetricEvent(models.EventToolCall, call.Run.TenantID, call.Run.RunID)
	payload := &models.ToolCallEvent{
		ToolName:   call.ToolName,
		Success:    result.Success,
		DurationMs: result.DurationMs,
	}
	if !result.Success {
		payload.ErrorKind = errclass.ToolKind(result.Error)
	}
	event.ToolCall = payload
	h.emitter.Emit(event)

	if call.Meta[MetaHitlRequired] == "true" {
		hitl := models.NewMetricEvent(models.EventHitl, call.Run.TenantID, call.Run.RunID)
		waitMs, _ := strconv.ParseInt(call.Meta[MetaHitlWaitMs], 10, 64)
		hitl.Hitl = &models.HitlEvent{
			ToolName: call.ToolName,
			Approved: call.Meta[MetaHitlApproved] == "true",
			WaitMs:   waitMs,
			Reason:   call.Meta[MetaHitlReason],
		}
		h.emitter.Emit(hitl)
	}
	return nil
}

func (h *MetricsHook) AfterAgentComplete(_ context.Context, run *Context, result *models.AgentResult) error {
	event := models.NewMetricEvent(models.EventAgentExecution, run.TenantID, run.RunID)
	event.AgentExecution = &models.AgentExecutionEvent{
		Success:    result.Success,
		ErrorCode:  result.ErrorCode,
		Channel:    run.Channel,
		ToolCalls:  len(result.ToolsUsed),
		DurationMs: result.DurationMs,
	}
	h.emitter.Emit(event)
	return nil
}
