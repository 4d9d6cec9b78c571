package hooks

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arclabs/arcreactor/internal/observability"
	"github.com/arclabs/arcreactor/pkg/models"
)

const maxSpanErrorLen = 500

// TracingHook opens a span per execution and per tool call, tagging each
// with run, tenant, and outcome attributes.
type TracingHook struct {
	tracer trace.Tracer

	// Open spans keyed by run ID, or run ID + "/" + call ID for tools.
	spans sync.Map
}

// NewTracingHook creates the hook on the module tracer.
func NewTracingHook() *TracingHook {
	return &TracingHook{tracer: observability.Tracer()}
}

func (h *TracingHook) Name() string      { return "tracing" }
func (h *TracingHook) Order() int        { return OrderTracing }
func (h *TracingHook) FailOnError() bool { return false }

func (h *TracingHook) BeforeAgentStart(ctx context.Context, run *Context) (Decision, error) {
	_, span := h.tracer.Start(ctx, "agent.execute",
		trace.WithAttributes(
			attribute.String("run.id", run.RunID),
			attribute.String("tenant.id", run.TenantID),
			attribute.String("channel", run.Channel),
		))
	h.spans.Store(run.RunID, span)
	return Continue(), nil
}

func (h *TracingHook) AfterAgentComplete(_ context.Context, run *Context, result *models.AgentResult) error {
	span := h.take(run.RunID)
	if span == nil {
		return nil
	}
	span.SetAttributes(
		attribute.Bool("success", result.Success),
		attribute.Int("tools.used", len(result.ToolsUsed)),
		attribute.Int("tokens.total", result.TokenUsage.TotalTokens),
	)
	if !result.Success {
		span.SetStatus(codes.Error, string(result.ErrorCode))
		span.SetAttributes(attribute.String("error.message",
			observability.TruncateError(result.ErrorMessage, maxSpanErrorLen)))
	}
	span.End()
	return nil
}

func (h *TracingHook) BeforeToolCall(ctx context.Context, call *ToolCallContext) (Decision, error) {
	_, span := h.tracer.Start(ctx, "tool.call",
		trace.WithAttributes(
			attribute.String("run.id", call.Run.RunID),
			attribute.String("tenant.id", call.Run.TenantID),
			attribute.String("tool.name", call.ToolName),
		))
	h.spans.Store(call.Run.RunID+"/"+call.CallID, span)
	return Continue(), nil
}

func (h *TracingHook) AfterToolCall(_ context.Context, call *ToolCallContext, result *models.ToolResult) error {
	span := h.take(call.Run.RunID + "/" + call.CallID)
	if span == nil {
		return nil
	}
	span.SetAttributes(
		attribute.Bool("success", result.Success),
		attribute.Int64("duration.ms", result.DurationMs),
	)
	if !result.Success {
		span.SetStatus(codes.Error, "tool failed")
		span.SetAttributes(attribute.String("error.message",
			observability.TruncateError(result.Error, maxSpanErrorLen)))
	}
	span.End()
	return nil
}

func (h *TracingHook) take(key string) trace.Span {
	v, ok := h.spans.LoadAndDelete(key)
	if !ok {
		return nil
	}
	return v.(trace.Span)
}
