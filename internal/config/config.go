// Package config defines the runtime configuration and its loader.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the agent runtime.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Guard         GuardConfig         `yaml:"guard"`
	Tools         ToolsConfig         `yaml:"tools"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Quota         QuotaConfig         `yaml:"quota"`
	LLM           LLMConfig           `yaml:"llm"`
	MCP           MCPConfig           `yaml:"mcp"`
	Storage       StorageConfig       `yaml:"storage"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
	CircuitConfig CircuitBreakerBlock `yaml:"circuit_breaker"`
	Retry         RetryConfig         `yaml:"retry"`
}

// AgentConfig bounds a single agent execution.
type AgentConfig struct {
	// MaxToolCalls caps tool invocations per execution. Default: 10.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// MaxToolsPerRequest caps the tool specs exposed to the model on a
	// single request. Default: 20.
	MaxToolsPerRequest int `yaml:"max_tools_per_request"`

	// Temperature for model sampling. Default: 0.3.
	Temperature float32 `yaml:"temperature"`

	// MaxOutputTokens reserved for the model reply. Default: 4096.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// MaxContextWindowTokens is the model context budget. Default: 128000.
	MaxContextWindowTokens int `yaml:"max_context_window_tokens"`

	// MaxConversationTurns is the verbatim history tail loaded per
	// request. Default: 10.
	MaxConversationTurns int `yaml:"max_conversation_turns"`

	// MaxConcurrentRequests caps in-flight executions. Default: 20.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`

	// RequestTimeoutMs bounds a whole execution including the wait for a
	// concurrency slot. Default: 30000.
	RequestTimeoutMs int `yaml:"request_timeout_ms"`

	// ToolCallTimeoutMs bounds a single tool call when the tool spec does
	// not carry its own timeout. Default: 15000.
	ToolCallTimeoutMs int `yaml:"tool_call_timeout_ms"`
}

// GuardConfig configures the input guard pipeline.
type GuardConfig struct {
	// Enabled toggles the whole pipeline. Default: true.
	Enabled *bool `yaml:"enabled"`

	// RequestsPerMinute per-user rate limit. Default: 10.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// RequestsPerHour per-user rate limit. Default: 100.
	RequestsPerHour int `yaml:"requests_per_hour"`

	// MinInputLength in runes. Default: 1.
	MinInputLength int `yaml:"min_input_length"`

	// MaxInputLength in runes. Default: 10000.
	MaxInputLength int `yaml:"max_input_length"`

	// InjectionDetection toggles the prompt injection stage. Default: true.
	InjectionDetection *bool `yaml:"injection_detection"`

	// UnicodeSanitization toggles NFKC normalization and invisible
	// character screening. Default: true.
	UnicodeSanitization *bool `yaml:"unicode_sanitization"`

	// MaxZeroWidthRatio rejects input when invisible characters exceed
	// this fraction. Default: 0.1.
	MaxZeroWidthRatio float64 `yaml:"max_zero_width_ratio"`
}

// ToolsConfig configures tool selection.
type ToolsConfig struct {
	// SelectionStrategy is one of "all", "keyword", "semantic".
	// Default: all.
	SelectionStrategy string `yaml:"selection_strategy"`

	// SemanticThreshold is the minimum cosine similarity for the
	// semantic strategy. Default: 0.3.
	SemanticThreshold float64 `yaml:"semantic_threshold"`

	// SemanticTopK caps tools returned by the semantic strategy.
	// Default: 10.
	SemanticTopK int `yaml:"semantic_top_k"`

	// EmbeddingModel used by the semantic strategy.
	EmbeddingModel string `yaml:"embedding_model"`

	// WriteToolDenyChannels lists channels on which write-category tools
	// are rejected.
	WriteToolDenyChannels []string `yaml:"write_tool_deny_channels"`
}

// ApprovalConfig configures human-in-the-loop tool approval.
type ApprovalConfig struct {
	// Enabled toggles approval gating. Default: false.
	Enabled bool `yaml:"enabled"`

	// TimeoutMs bounds the wait for a human decision. Default: 300000.
	TimeoutMs int `yaml:"timeout_ms"`

	// ToolNames lists tools that always require approval, in addition to
	// tools whose spec sets requires_approval.
	ToolNames []string `yaml:"tool_names"`
}

// ConversationConfig configures history loading and summarization.
type ConversationConfig struct {
	// MaxMessagesPerSession caps stored messages per session; the oldest
	// are trimmed. Default: 200.
	MaxMessagesPerSession int `yaml:"max_messages_per_session"`

	Summary SummaryConfig `yaml:"summary"`
}

// SummaryConfig configures hierarchical summarization.
type SummaryConfig struct {
	// Enabled toggles summarization. Default: false.
	Enabled bool `yaml:"enabled"`

	// TriggerMessageCount is the session length at which summarization
	// starts. Default: 20.
	TriggerMessageCount int `yaml:"trigger_message_count"`

	// RecentMessageCount is the verbatim tail kept out of the summary.
	// Default: 10.
	RecentMessageCount int `yaml:"recent_message_count"`

	// MaxNarrativeTokens bounds the narrative layer. Default: 500.
	MaxNarrativeTokens int `yaml:"max_narrative_tokens"`

	// Model used for summarization; empty means the agent default.
	Model string `yaml:"model"`
}

// LLMConfig selects model providers and the default model.
type LLMConfig struct {
	// DefaultModel used when a command does not name one.
	// Default: gpt-4o-mini.
	DefaultModel string `yaml:"default_model"`

	// SummaryModel used by the conversation summarizer; empty means
	// DefaultModel.
	SummaryModel string `yaml:"summary_model"`

	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig holds credentials for one model provider. An empty API
// key disables the provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// QuotaConfig configures monthly per-tenant token quotas.
type QuotaConfig struct {
	// Enabled toggles quota enforcement. Default: false.
	Enabled bool `yaml:"enabled"`

	// DefaultMonthlyTokens applies to tenants without an explicit limit.
	// Zero means unlimited.
	DefaultMonthlyTokens int64 `yaml:"default_monthly_tokens"`

	// TenantLimits overrides per tenant ID.
	TenantLimits map[string]int64 `yaml:"tenant_limits"`

	// Redis configures the shared usage cache. Empty address disables
	// the cache layer.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig points at the usage cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MCPConfig configures remote tool servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`

	// HealthCheckInterval between server pings. Default: 30s.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// ReconnectBaseDelay is the first reconnect backoff step. Default: 1s.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`

	// ReconnectMaxDelay caps reconnect backoff. Default: 60s.
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
}

// MCPServerConfig describes one remote tool server.
type MCPServerConfig struct {
	Name string `yaml:"name"`

	// Transport is "stdio" or "http". Default: stdio when Command is
	// set, http when URL is set.
	Transport string `yaml:"transport"`

	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite". Default: memory.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Default: arcreactor.db.
	Path string `yaml:"path"`
}

// MetricsConfig configures the metric event pipeline.
type MetricsConfig struct {
	// RingSize is the event buffer capacity, rounded up to a power of
	// two. Default: 4096.
	RingSize int `yaml:"ring_size"`

	// Drainers is the number of drain goroutines. The ring supports a
	// single consumer; values above 1 are rejected. Default: 1.
	Drainers int `yaml:"drainers"`

	// DrainInterval between poll sweeps when the ring is idle.
	// Default: 100ms.
	DrainInterval time.Duration `yaml:"drain_interval"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`

	// Format is "json" or "text". Default: json.
	Format string `yaml:"format"`

	// AddSource includes file:line in records. Default: false.
	AddSource bool `yaml:"add_source"`
}

// CircuitBreakerBlock configures breakers for model and infra calls.
type CircuitBreakerBlock struct {
	// FailureThreshold consecutive failures before opening. Default: 5.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeoutMs before an open breaker admits a trial call.
	// Default: 30000.
	ResetTimeoutMs int `yaml:"reset_timeout_ms"`

	// HalfOpenMaxCalls trial calls admitted while half-open. Default: 1.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
}

// RetryConfig configures retries on transient model errors.
type RetryConfig struct {
	// MaxAttempts including the first call. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelayMs before the first retry. Default: 1000.
	InitialDelayMs int `yaml:"initial_delay_ms"`

	// Multiplier applied to the delay per retry. Default: 2.0.
	Multiplier float64 `yaml:"multiplier"`

	// MaxDelayMs caps the backoff delay. Default: 10000.
	MaxDelayMs int `yaml:"max_delay_ms"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func boolPtr(b bool) *bool { return &b }

func (c *Config) applyDefaults() {
	if c.Agent.MaxToolCalls <= 0 {
		c.Agent.MaxToolCalls = 10
	}
	if c.Agent.MaxToolsPerRequest <= 0 {
		c.Agent.MaxToolsPerRequest = 20
	}
	if c.Agent.Temperature <= 0 {
		c.Agent.Temperature = 0.3
	}
	if c.Agent.MaxOutputTokens <= 0 {
		c.Agent.MaxOutputTokens = 4096
	}
	if c.Agent.MaxContextWindowTokens <= 0 {
		c.Agent.MaxContextWindowTokens = 128000
	}
	if c.Agent.MaxConversationTurns <= 0 {
		c.Agent.MaxConversationTurns = 10
	}
	if c.Agent.MaxConcurrentRequests <= 0 {
		c.Agent.MaxConcurrentRequests = 20
	}
	if c.Agent.RequestTimeoutMs <= 0 {
		c.Agent.RequestTimeoutMs = 30000
	}
	if c.Agent.ToolCallTimeoutMs <= 0 {
		c.Agent.ToolCallTimeoutMs = 15000
	}

	if c.Guard.Enabled == nil {
		c.Guard.Enabled = boolPtr(true)
	}
	if c.Guard.RequestsPerMinute <= 0 {
		c.Guard.RequestsPerMinute = 10
	}
	if c.Guard.RequestsPerHour <= 0 {
		c.Guard.RequestsPerHour = 100
	}
	if c.Guard.MinInputLength <= 0 {
		c.Guard.MinInputLength = 1
	}
	if c.Guard.MaxInputLength <= 0 {
		c.Guard.MaxInputLength = 10000
	}
	if c.Guard.InjectionDetection == nil {
		c.Guard.InjectionDetection = boolPtr(true)
	}
	if c.Guard.UnicodeSanitization == nil {
		c.Guard.UnicodeSanitization = boolPtr(true)
	}
	if c.Guard.MaxZeroWidthRatio <= 0 {
		c.Guard.MaxZeroWidthRatio = 0.1
	}

	if c.Tools.SelectionStrategy == "" {
		c.Tools.SelectionStrategy = "all"
	}
	if c.Tools.SemanticThreshold <= 0 {
		c.Tools.SemanticThreshold = 0.3
	}
	if c.Tools.SemanticTopK <= 0 {
		c.Tools.SemanticTopK = 10
	}
	if c.Tools.EmbeddingModel == "" {
		c.Tools.EmbeddingModel = "text-embedding-3-small"
	}

	if c.Approval.TimeoutMs <= 0 {
		c.Approval.TimeoutMs = 300000
	}

	if c.Conversation.MaxMessagesPerSession <= 0 {
		c.Conversation.MaxMessagesPerSession = 200
	}
	if c.Conversation.Summary.TriggerMessageCount <= 0 {
		c.Conversation.Summary.TriggerMessageCount = 20
	}
	if c.Conversation.Summary.RecentMessageCount <= 0 {
		c.Conversation.Summary.RecentMessageCount = 10
	}
	if c.Conversation.Summary.MaxNarrativeTokens <= 0 {
		c.Conversation.Summary.MaxNarrativeTokens = 500
	}

	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = "gpt-4o-mini"
	}

	if c.MCP.HealthCheckInterval <= 0 {
		c.MCP.HealthCheckInterval = 30 * time.Second
	}
	if c.MCP.ReconnectBaseDelay <= 0 {
		c.MCP.ReconnectBaseDelay = time.Second
	}
	if c.MCP.ReconnectMaxDelay <= 0 {
		c.MCP.ReconnectMaxDelay = 60 * time.Second
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "arcreactor.db"
	}

	if c.Metrics.RingSize <= 0 {
		c.Metrics.RingSize = 4096
	}
	if c.Metrics.Drainers <= 0 {
		c.Metrics.Drainers = 1
	}
	if c.Metrics.DrainInterval <= 0 {
		c.Metrics.DrainInterval = 100 * time.Millisecond
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.CircuitConfig.FailureThreshold <= 0 {
		c.CircuitConfig.FailureThreshold = 5
	}
	if c.CircuitConfig.ResetTimeoutMs <= 0 {
		c.CircuitConfig.ResetTimeoutMs = 30000
	}
	if c.CircuitConfig.HalfOpenMaxCalls <= 0 {
		c.CircuitConfig.HalfOpenMaxCalls = 1
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelayMs <= 0 {
		c.Retry.InitialDelayMs = 1000
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = 10000
	}
}

// Validate checks invariants that defaulting cannot repair.
func (c *Config) Validate() error {
	switch c.Tools.SelectionStrategy {
	case "all", "keyword", "semantic":
	default:
		return fmt.Errorf("tools.selection_strategy: unknown strategy %q", c.Tools.SelectionStrategy)
	}

	switch c.Storage.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}

	// The metric ring is single-consumer; a second drainer would corrupt
	// the head sequence.
	if c.Metrics.Drainers > 1 {
		return fmt.Errorf("metrics.drainers: ring buffer supports a single drainer, got %d", c.Metrics.Drainers)
	}

	if c.Guard.MaxZeroWidthRatio > 1 {
		return fmt.Errorf("guard.max_zero_width_ratio: must be in (0, 1], got %v", c.Guard.MaxZeroWidthRatio)
	}

	for i, srv := range c.MCP.Servers {
		if srv.Name == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		if srv.Command == "" && srv.URL == "" {
			return fmt.Errorf("mcp.servers[%d] (%s): command or url is required", i, srv.Name)
		}
	}

	if c.Conversation.Summary.RecentMessageCount >= c.Conversation.Summary.TriggerMessageCount {
		return fmt.Errorf("conversation.summary: recent_message_count (%d) must be below trigger_message_count (%d)",
			c.Conversation.Summary.RecentMessageCount, c.Conversation.Summary.TriggerMessageCount)
	}

	return nil
}

// GuardEnabled reports whether the guard pipeline runs.
func (c *Config) GuardEnabled() bool {
	return c.Guard.Enabled == nil || *c.Guard.Enabled
}

// RequestTimeout returns the execution deadline as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Agent.RequestTimeoutMs) * time.Millisecond
}

// ToolCallTimeout returns the default per-tool deadline as a duration.
func (c *Config) ToolCallTimeout() time.Duration {
	return time.Duration(c.Agent.ToolCallTimeoutMs) * time.Millisecond
}

// ApprovalTimeout returns the human decision deadline as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutMs) * time.Millisecond
}

// TenantLimit returns the monthly token limit for a tenant, falling back
// to the default. Zero means unlimited.
func (c *Config) TenantLimit(tenantID string) int64 {
	if limit, ok := c.Quota.TenantLimits[tenantID]; ok {
		return limit
	}
	return c.Quota.DefaultMonthlyTokens
}
