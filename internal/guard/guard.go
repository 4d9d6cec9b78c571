// Package guard screens inbound commands before any model call.
//
// Stages run in ascending priority order and the pipeline is fail-closed:
// a stage error rejects the request rather than letting it through.
// Built-in stages occupy priorities 1-5; custom stages register at 10 or
// above.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/arclabs/arcreactor/internal/config"
	"github.com/arclabs/arcreactor/internal/infra"
	"github.com/arclabs/arcreactor/pkg/models"
)

// MinCustomPriority is the lowest priority a registered stage may use.
const MinCustomPriority = 10

// Decision is the outcome of a single stage.
type Decision struct {
	Allowed bool
	// Reason is the user-facing rejection message.
	Reason string
	// Code overrides the default GUARD_REJECTED error code.
	Code models.ErrorCode
}

// Allow is the decision every passing stage returns.
func Allow() Decision { return Decision{Allowed: true} }

// Reject builds a rejection with the default guard error code.
func Reject(reason string) Decision {
	return Decision{Reason: reason, Code: models.ErrGuardRejected}
}

// Guard is one pipeline stage.
type Guard interface {
	Name() string
	Priority() int
	// Check inspects and may rewrite the command. Returning an error is
	// treated as a rejection unless it is the context's error.
	Check(ctx context.Context, cmd *models.AgentCommand) (Decision, error)
}

// Result is the pipeline outcome. Stage names the rejecting stage when
// Allowed is false.
type Result struct {
	Allowed bool
	Stage   string
	Reason  string
	Code    models.ErrorCode
}

// Pipeline runs guards in priority order.
type Pipeline struct {
	mu     sync.RWMutex
	guards []Guard
	logger *slog.Logger

	// Decided is invoked per stage with its outcome, for metric events.
	Decided func(stage string, allowed bool)
}

// NewPipeline assembles the built-in stages from config.
func NewPipeline(cfg config.GuardConfig, limiter *infra.SlidingWindowLimiter, logger *slog.Logger) *Pipeline {
	p := &Pipeline{logger: logger}

	if limiter != nil {
		p.guards = append(p.guards, &rateLimitGuard{limiter: limiter})
	}
	p.guards = append(p.guards, &lengthGuard{minRunes: cfg.MinInputLength, maxRunes: cfg.MaxInputLength})
	if cfg.InjectionDetection == nil || *cfg.InjectionDetection {
		p.guards = append(p.guards, newInjectionGuard())
	}
	if cfg.UnicodeSanitization == nil || *cfg.UnicodeSanitization {
		p.guards = append(p.guards, &unicodeGuard{maxInvisibleRatio: cfg.MaxZeroWidthRatio})
	}
	p.guards = append(p.guards, newClassificationGuard())

	p.sortLocked()
	return p
}

// Register adds a custom stage. Priorities below MinCustomPriority are
// reserved for built-ins.
func (p *Pipeline) Register(g Guard) error {
	if g.Priority() < MinCustomPriority {
		return fmt.Errorf("guard %q: custom priority must be >= %d, got %d", g.Name(), MinCustomPriority, g.Priority())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.guards = append(p.guards, g)
	p.sortLocked()
	return nil
}

func (p *Pipeline) sortLocked() {
	sort.SliceStable(p.guards, func(i, j int) bool {
		return p.guards[i].Priority() < p.guards[j].Priority()
	})
}

// Run checks cmd against every stage in order. The returned error is
// non-nil only for context cancellation; every other failure mode is a
// rejection in the Result.
func (p *Pipeline) Run(ctx context.Context, cmd *models.AgentCommand) (Result, error) {
	p.mu.RLock()
	guards := make([]Guard, len(p.guards))
	copy(guards, p.guards)
	p.mu.RUnlock()

	for _, g := range guards {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		decision, err := g.Check(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			// Fail closed on stage errors.
			if p.logger != nil {
				p.logger.Warn("guard stage failed", "stage", g.Name(), "error", err)
			}
			p.notify(g.Name(), false)
			return Result{
				Stage:  g.Name(),
				Reason: "request could not be screened",
				Code:   models.ErrGuardRejected,
			}, nil
		}

		if !decision.Allowed {
			code := decision.Code
			if code == "" {
				code = models.ErrGuardRejected
			}
			p.notify(g.Name(), false)
			return Result{Stage: g.Name(), Reason: decision.Reason, Code: code}, nil
		}
		p.notify(g.Name(), true)
	}

	return Result{Allowed: true}, nil
}

func (p *Pipeline) notify(stage string, allowed bool) {
	if p.Decided != nil {
		p.Decided(stage, allowed)
	}
}
