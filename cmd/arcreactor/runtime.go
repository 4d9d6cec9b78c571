package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/arclabs/arcreactor/internal/approval"
	"github.com/arclabs/arcreactor/internal/config"
	"github.com/arclabs/arcreactor/internal/conversation"
	"github.com/arclabs/arcreactor/internal/engine"
	"github.com/arclabs/arcreactor/internal/guard"
	"github.com/arclabs/arcreactor/internal/hooks"
	"github.com/arclabs/arcreactor/internal/infra"
	"github.com/arclabs/arcreactor/internal/llm"
	"github.com/arclabs/arcreactor/internal/mcp"
	"github.com/arclabs/arcreactor/internal/memory"
	"github.com/arclabs/arcreactor/internal/metrics"
	"github.com/arclabs/arcreactor/internal/observability"
	"github.com/arclabs/arcreactor/internal/quota"
	"github.com/arclabs/arcreactor/internal/tools"
	"github.com/arclabs/arcreactor/pkg/models"
)

// runtime holds every assembled component of a running server plus the
// teardown order.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	engine    *engine.Engine
	approvals *approval.Manager
	registry  *prometheus.Registry
	mcpMgr    *mcp.Manager
	drainer   *metrics.Drainer

	closers []func()
}

// buildRuntime wires config into a live engine: metrics pipeline, storage,
// model providers, tool registry, MCP servers, guard pipeline, and the
// hook chain.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := observability.NewMetrics(promReg)
	rt.registry = promReg

	emitter := metrics.NewEmitter(cfg.Metrics.RingSize)
	drainer := metrics.NewDrainer(emitter, sink, cfg.Metrics.DrainInterval, logger)
	drainer.Start()
	rt.drainer = drainer
	rt.closers = append(rt.closers, drainer.Stop)

	breakers := infra.NewCircuitBreakerRegistry(infra.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitConfig.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.CircuitConfig.ResetTimeoutMs) * time.Millisecond,
		HalfOpenMaxCalls: cfg.CircuitConfig.HalfOpenMaxCalls,
	})

	messageStore, summaryStore, approvalStore, usageStore, err := rt.buildStores()
	if err != nil {
		rt.Close()
		return nil, err
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}

	var enforcer *quota.Enforcer
	if cfg.Quota.Enabled {
		cache := quota.NewRedisClient(cfg.Quota.Redis)
		if cache != nil {
			rt.closers = append(rt.closers, func() { _ = cache.Close() })
		}
		enforcer = quota.NewEnforcer(cfg.Quota, cache, usageStore, breakers, logger)
	}

	registry := tools.NewRegistry(logger)

	mcpMgr := mcp.NewManager(cfg.MCP, breakers, logger)
	mcpMgr.StatusChanged = func(server string, status mcp.ServerStatus) {
		event := models.NewMetricEvent(models.EventMcpHealth, "", "")
		event.McpHealth = &models.McpHealthEvent{Server: server, Status: status.String()}
		emitter.Emit(event)
	}
	if err := mcpMgr.Start(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("start mcp servers: %w", err)
	}
	rt.mcpMgr = mcpMgr
	rt.closers = append(rt.closers, mcpMgr.Stop)
	mcpMgr.RegisterTools(registry)

	var embedder tools.Embedder
	if cfg.Tools.SelectionStrategy == "semantic" && cfg.LLM.OpenAI.APIKey != "" {
		embedder = tools.NewOpenAIEmbedder(cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.BaseURL, cfg.Tools.EmbeddingModel)
	}
	selector := tools.NewSelector(cfg.Tools.SelectionStrategy, cfg.Agent.MaxToolsPerRequest,
		cfg.Tools.SemanticThreshold, cfg.Tools.SemanticTopK, embedder, logger)

	approvals := approval.NewManager(approvalStore, cfg.ApprovalTimeout(), logger)
	rt.approvals = approvals

	var summarizer conversation.SummaryService
	if cfg.Conversation.Summary.Enabled {
		model := cfg.LLM.SummaryModel
		if model == "" {
			model = cfg.LLM.DefaultModel
		}
		provider, err := providers.ForModel(model)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("summary model: %w", err)
		}
		summarizer = conversation.NewLLMSummarizer(provider, model,
			cfg.Conversation.Summary.MaxNarrativeTokens, logger)
	}
	conversations := conversation.NewManager(messageStore, summaryStore, summarizer,
		cfg.Agent.MaxConversationTurns, cfg.Conversation.Summary, emitter, logger)

	limiter := infra.NewSlidingWindowLimiter(cfg.Guard.RequestsPerMinute, cfg.Guard.RequestsPerHour)
	guards := guard.NewPipeline(cfg.Guard, limiter, logger)

	chain := hooks.NewChain(logger)
	if enforcer != nil {
		chain.Register(hooks.NewQuotaHook(enforcer))
	}
	if len(cfg.Tools.WriteToolDenyChannels) > 0 {
		chain.Register(hooks.NewToolPolicyHook(cfg.Tools.WriteToolDenyChannels))
	}
	if cfg.Approval.Enabled {
		chain.Register(hooks.NewApprovalPolicyHook(approvals, cfg.Approval.ToolNames))
	}
	chain.Register(hooks.NewTracingHook())
	chain.Register(hooks.NewMetricsHook(emitter))

	rt.engine = engine.New(cfg, engine.Deps{
		Guards:        guards,
		Hooks:         chain,
		Providers:     providers,
		Tools:         registry,
		Selector:      selector,
		Approvals:     approvals,
		Conversations: conversations,
		Quota:         enforcer,
		Emitter:       emitter,
		Logger:        logger,
	})
	return rt, nil
}

// buildStores selects the persistence backend. The SQLite backend shares
// one database file across messages, approvals, and quota usage.
func (rt *runtime) buildStores() (memory.MessageStore, memory.SummaryStore, approval.Store, quota.UsageStore, error) {
	cfg := rt.cfg
	if cfg.Storage.Backend != "sqlite" {
		store := memory.NewInMemoryStore(cfg.Conversation.MaxMessagesPerSession)
		return store, store.Summaries(), approval.NewMemoryStore(), quota.NewMemoryUsageStore(), nil
	}

	store, err := memory.NewSQLiteStore(cfg.Storage.Path, cfg.Conversation.MaxMessagesPerSession)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open message store: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = store.Close() })

	approvalStore, err := approval.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open approval store: %w", err)
	}

	usageStore, err := quota.NewSQLiteUsageStore(cfg.Storage.Path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open quota store: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = usageStore.Close() })

	return store, store.Summaries(), approvalStore, usageStore, nil
}

// buildProviders registers every provider with credentials. The default
// follows the configured default model's family.
func buildProviders(cfg *config.Config) (*llm.Registry, error) {
	registry := llm.NewRegistry()
	registered := 0

	if cfg.LLM.OpenAI.APIKey != "" {
		registry.Register(llm.NewOpenAIProvider(cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.BaseURL))
		registered++
	}
	if cfg.LLM.Anthropic.APIKey != "" {
		registry.Register(llm.NewAnthropicProvider(cfg.LLM.Anthropic.APIKey, cfg.LLM.Anthropic.BaseURL))
		registered++
	}
	if registered == 0 {
		return nil, fmt.Errorf("no llm provider configured: set llm.openai.api_key or llm.anthropic.api_key")
	}
	return registry, nil
}

// Close tears components down in reverse build order.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
