package guard

import (
	"context"

	"github.com/arclabs/arcreactor/internal/infra"
	"github.com/arclabs/arcreactor/pkg/models"
)

// rateLimitGuard enforces per-user sliding window limits. Rejected
// requests still count toward the window.
type rateLimitGuard struct {
	limiter *infra.SlidingWindowLimiter
}

func (g *rateLimitGuard) Name() string  { return "rate_limit" }
func (g *rateLimitGuard) Priority() int { return 1 }

func (g *rateLimitGuard) Check(_ context.Context, cmd *models.AgentCommand) (Decision, error) {
	key := cmd.UserID
	if key == "" {
		key = cmd.SessionID()
	}
	if !g.limiter.Allow(key) {
		return Decision{
			Reason: "rate limit exceeded, please slow down",
			Code:   models.ErrRateLimited,
		}, nil
	}
	return Allow(), nil
}
