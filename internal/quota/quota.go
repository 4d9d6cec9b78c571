// Package quota enforces monthly per-tenant token budgets across three
// layers: a process-local counter, a shared Redis cache, and a durable
// store. Infrastructure failure never blocks a request; only a definitive
// over-limit answer does.
package quota

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arclabs/arcreactor/internal/config"
	"github.com/arclabs/arcreactor/internal/infra"
)

// PeriodKey is the usage key for a tenant in the UTC month of now.
func PeriodKey(tenantID string, now time.Time) string {
	return tenantID + ":" + now.UTC().Format("2006-01")
}

// Enforcer answers "may this tenant spend more tokens this month".
type Enforcer struct {
	cfg      config.QuotaConfig
	cache    *redis.Client
	store    UsageStore
	breakers *infra.CircuitBreakerRegistry
	logger   *slog.Logger
	now      func() time.Time

	local sync.Map // period key → *atomic.Int64
}

// NewEnforcer creates an enforcer. cache and store are each optional;
// layers that are absent are skipped.
func NewEnforcer(cfg config.QuotaConfig, cache *redis.Client, store UsageStore, breakers *infra.CircuitBreakerRegistry, logger *slog.Logger) *Enforcer {
	return &Enforcer{
		cfg:      cfg,
		cache:    cache,
		store:    store,
		breakers: breakers,
		logger:   logger,
		now:      time.Now,
	}
}

// Allow reports whether the tenant is within its monthly budget. The
// layers are consulted cheapest first; an unreachable layer falls through
// to the next, and a request is denied only on a definitive over-limit.
func (e *Enforcer) Allow(ctx context.Context, tenantID string) (bool, error) {
	if !e.cfg.Enabled {
		return true, nil
	}
	limit := e.limit(tenantID)
	if limit <= 0 {
		return true, nil
	}
	key := PeriodKey(tenantID, e.now())

	if e.localCount(key) >= limit {
		return false, nil
	}

	if e.cache != nil {
		cb := e.breakers.Get("quota:redis")
		used, err := infra.ExecuteWithResult(cb, ctx, func(ctx context.Context) (int64, error) {
			used, err := e.cache.Get(ctx, "quota:"+key).Int64()
			if err == redis.Nil {
				return 0, nil
			}
			return used, err
		})
		if err != nil {
			e.logger.Warn("quota cache unavailable, falling through", "error", err)
		} else if used >= limit {
			return false, nil
		} else {
			return true, nil
		}
	}

	if e.store != nil {
		cb := e.breakers.Get("quota:store")
		used, err := infra.ExecuteWithResult(cb, ctx, func(ctx context.Context) (int64, error) {
			return e.store.Get(ctx, key)
		})
		if err != nil {
			// Fail open: quota infrastructure must not take down the
			// request path.
			e.logger.Warn("quota store unavailable, allowing request", "error", err)
			return true, nil
		}
		if used >= limit {
			return false, nil
		}
	}

	return true, nil
}

// Record adds spent tokens to every reachable layer. Failures are logged
// and do not propagate.
func (e *Enforcer) Record(ctx context.Context, tenantID string, tokens int64) {
	if !e.cfg.Enabled || tokens <= 0 {
		return
	}
	key := PeriodKey(tenantID, e.now())

	e.counter(key).Add(tokens)

	if e.cache != nil {
		cb := e.breakers.Get("quota:redis")
		err := cb.Execute(ctx, func(ctx context.Context) error {
			pipe := e.cache.Pipeline()
			pipe.IncrBy(ctx, "quota:"+key, tokens)
			// Two months covers the period plus clock skew.
			pipe.Expire(ctx, "quota:"+key, 62*24*time.Hour)
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil {
			e.logger.Warn("quota cache record failed", "key", key, "error", err)
		}
	}

	if e.store != nil {
		cb := e.breakers.Get("quota:store")
		err := cb.Execute(ctx, func(ctx context.Context) error {
			_, err := e.store.Add(ctx, key, tokens)
			return err
		})
		if err != nil {
			e.logger.Warn("quota store record failed", "key", key, "error", err)
		}
	}
}

// Usage returns the best-effort current usage for a tenant this month.
func (e *Enforcer) Usage(ctx context.Context, tenantID string) (int64, error) {
	key := PeriodKey(tenantID, e.now())
	if e.store != nil {
		used, err := e.store.Get(ctx, key)
		if err == nil {
			return used, nil
		}
	}
	return e.localCount(key), nil
}

func (e *Enforcer) limit(tenantID string) int64 {
	if limit, ok := e.cfg.TenantLimits[tenantID]; ok {
		return limit
	}
	return e.cfg.DefaultMonthlyTokens
}

func (e *Enforcer) counter(key string) *atomic.Int64 {
	if v, ok := e.local.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := e.local.LoadOrStore(key, &atomic.Int64{})
	return v.(*atomic.Int64)
}

func (e *Enforcer) localCount(key string) int64 {
	if v, ok := e.local.Load(key); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// NewRedisClient builds the cache client from config, or nil when no
// address is configured.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
