// Package metrics moves events from hot paths to the Prometheus sink via
// a lock-free ring buffer. Emitting never blocks the caller; a single
// drainer goroutine applies events to the collectors and accounts for
// drops.
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/arclabs/arcreactor/internal/infra"
	"github.com/arclabs/arcreactor/internal/observability"
	"github.com/arclabs/arcreactor/pkg/models"
)

// Sink accepts metric events. Emit reports whether the event was
// accepted; implementations must never block.
type Sink interface {
	Emit(event models.MetricEvent) bool
}

// Emitter publishes metric events. Safe for concurrent use; a full
// buffer drops the event rather than blocking.
type Emitter struct {
	ring *infra.Ring[models.MetricEvent]
}

// NewEmitter creates an emitter over a ring of at least the given
// capacity.
func NewEmitter(capacity int) *Emitter {
	return &Emitter{ring: infra.NewRing[models.MetricEvent](capacity)}
}

// Emit offers an event to the buffer. Returns false when it was dropped.
func (e *Emitter) Emit(event models.MetricEvent) bool {
	return e.ring.Publish(event)
}

// Dropped returns the total number of dropped events.
func (e *Emitter) Dropped() uint64 { return e.ring.Dropped() }

// Drainer is the single consumer of the emitter's ring. It applies each
// event to the Prometheus sink and mirrors the drop counter.
type Drainer struct {
	emitter  *Emitter
	sink     *observability.Metrics
	interval time.Duration
	logger   *slog.Logger

	lastDropped uint64
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// NewDrainer creates a drainer polling at the given interval.
func NewDrainer(emitter *Emitter, sink *observability.Metrics, interval time.Duration, logger *slog.Logger) *Drainer {
	return &Drainer{
		emitter:  emitter,
		sink:     sink,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the drain goroutine.
func (d *Drainer) Start() {
	go d.run()
}

// Stop drains remaining events and waits for the goroutine to exit.
func (d *Drainer) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *Drainer) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			d.sweep()
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

// sweep applies every buffered event and reconciles the drop counter.
func (d *Drainer) sweep() {
	for {
		event, ok := d.emitter.ring.Poll()
		if !ok {
			break
		}
		d.apply(event)
	}

	if dropped := d.emitter.Dropped(); dropped > d.lastDropped {
		delta := dropped - d.lastDropped
		d.lastDropped = dropped
		d.sink.EventsDropped.Add(float64(delta))
		d.logger.Warn("metric events dropped", "count", delta)
	}
}

func (d *Drainer) apply(event models.MetricEvent) {
	switch event.Type {
	case models.EventAgentExecution:
		if p := event.AgentExecution; p != nil {
			status := "success"
			if !p.Success {
				status = string(p.ErrorCode)
			}
			d.sink.AgentExecutions.WithLabelValues(event.TenantID, status).Inc()
			d.sink.AgentDuration.WithLabelValues(event.TenantID).Observe(float64(p.DurationMs) / 1000)
		}

	case models.EventToolCall:
		if p := event.ToolCall; p != nil {
			status := "success"
			if !p.Success {
				status = "error"
			}
			d.sink.ToolCalls.WithLabelValues(p.ToolName, status).Inc()
			d.sink.ToolDuration.WithLabelValues(p.ToolName).Observe(float64(p.DurationMs) / 1000)
		}

	case models.EventGuard:
		if p := event.Guard; p != nil {
			decision := "allowed"
			if !p.Allowed {
				decision = "rejected"
			}
			d.sink.GuardDecisions.WithLabelValues(p.Stage, decision).Inc()
		}

	case models.EventTokenUsage:
		if p := event.TokenUsage; p != nil {
			d.sink.TokensUsed.WithLabelValues(event.TenantID, p.Model, "prompt").Add(float64(p.PromptTokens))
			d.sink.TokensUsed.WithLabelValues(event.TenantID, p.Model, "completion").Add(float64(p.CompletionTokens))
		}

	case models.EventHitl:
		if p := event.Hitl; p != nil {
			outcome := "rejected"
			if p.Approved {
				outcome = "approved"
			}
			d.sink.HitlWaits.WithLabelValues(p.ToolName, outcome).Inc()
		}

	case models.EventMcpHealth:
		if p := event.McpHealth; p != nil {
			d.sink.McpServerStatus.WithLabelValues(p.Server).Set(mcpStatusValue(p.Status))
		}
	}
}

func mcpStatusValue(status string) float64 {
	switch status {
	case "pending":
		return 0
	case "connected":
		return 1
	case "failed":
		return 2
	case "disconnected":
		return 3
	default:
		return 2
	}
}
