package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arclabs/arcreactor/internal/approval"
	"github.com/arclabs/arcreactor/internal/config"
	"github.com/arclabs/arcreactor/internal/conversation"
	"github.com/arclabs/arcreactor/internal/guard"
	"github.com/arclabs/arcreactor/internal/hooks"
	"github.com/arclabs/arcreactor/internal/llm"
	"github.com/arclabs/arcreactor/internal/memory"
	"github.com/arclabs/arcreactor/internal/observability"
	"github.com/arclabs/arcreactor/internal/tools"
	"github.com/arclabs/arcreactor/pkg/models"
)

// scriptedProvider replays a fixed sequence of completions. Once the
// script runs out it answers with a plain terminal reply.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []scriptStep
	requests []*llm.ChatRequest
}

type scriptStep struct {
	resp *llm.ChatResponse
	err  error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.script) == 0 {
		return &llm.ChatResponse{Content: "done", Usage: models.TokenUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}}, nil
	}
	step := p.script[0]
	p.script = p.script[1:]
	return step.resp, step.err
}

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.Chunk, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan llm.Chunk, len(resp.ToolCalls)+4)
	go func() {
		defer close(out)
		if resp.Content != "" {
			for _, word := range strings.SplitAfter(resp.Content, " ") {
				out <- llm.Chunk{Text: word}
			}
		}
		for i := range resp.ToolCalls {
			out <- llm.Chunk{ToolCall: &resp.ToolCalls[i]}
		}
		if resp.Usage.TotalTokens > 0 {
			usage := resp.Usage
			out <- llm.Chunk{Usage: &usage}
		}
		out <- llm.Chunk{Done: true}
	}()
	return out, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) *llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

type stubTool struct {
	spec models.ToolSpec
	fn   func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *stubTool) Spec() models.ToolSpec { return t.spec }

func (t *stubTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if t.fn == nil {
		return "ok", nil
	}
	return t.fn(ctx, args)
}

func toolCallResponse(calls ...models.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		ToolCalls: calls,
		Usage:     models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LLM.DefaultModel = "test-model"
	cfg.Retry.InitialDelayMs = 1
	cfg.Retry.MaxDelayMs = 2
	return cfg
}

type engineFixture struct {
	engine   *Engine
	provider *scriptedProvider
	store    *memory.InMemoryStore
	chain    *hooks.Chain
	apprMgr  *approval.Manager
}

func newFixture(t *testing.T, cfg *config.Config, provider *scriptedProvider, toolList []tools.Tool, extraHooks ...hooks.Hook) *engineFixture {
	t.Helper()
	logger := observability.NopLogger()

	providers := llm.NewRegistry()
	providers.Register(provider)

	registry := tools.NewRegistry(logger)
	for _, tl := range toolList {
		registry.Register(tl)
	}

	store := memory.NewInMemoryStore(cfg.Conversation.MaxMessagesPerSession)
	convo := conversation.NewManager(store, store.Summaries(), nil,
		cfg.Agent.MaxConversationTurns, cfg.Conversation.Summary, nil, logger)

	apprMgr := approval.NewManager(approval.NewMemoryStore(), cfg.ApprovalTimeout(), logger)

	chain := hooks.NewChain(logger)
	for _, h := range extraHooks {
		chain.Register(h)
	}

	eng := New(cfg, Deps{
		Guards:        guard.NewPipeline(cfg.Guard, nil, logger),
		Hooks:         chain,
		Providers:     providers,
		Tools:         registry,
		Selector:      &tools.AllSelector{Limit: cfg.Agent.MaxToolsPerRequest},
		Approvals:     apprMgr,
		Conversations: convo,
		Logger:        logger,
	})
	return &engineFixture{engine: eng, provider: provider, store: store, chain: chain, apprMgr: apprMgr}
}

func weatherTool() *stubTool {
	return &stubTool{
		spec: models.ToolSpec{
			Name:        "get_weather",
			Description: "Current weather for a city",
			Category:    "search",
		},
		fn: func(_ context.Context, args json.RawMessage) (string, error) {
			return "sunny, 21C", nil
		},
	}
}

func TestExecute_SimpleCompletion(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{resp: &llm.ChatResponse{Content: "hello there", Usage: models.TokenUsage{PromptTokens: 8, CompletionTokens: 3, TotalTokens: 11}}},
	}}
	f := newFixture(t, testConfig(), provider, nil)

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "hi"})
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.Content != "hello there" {
		t.Errorf("content = %q", result.Content)
	}
	if result.ErrorCode != "" {
		t.Errorf("success result must carry no error code, got %q", result.ErrorCode)
	}
	if result.TokenUsage.TotalTokens != 11 {
		t.Errorf("usage = %+v, want 11 total", result.TokenUsage)
	}
	if provider.callCount() != 1 {
		t.Errorf("llm calls = %d, want 1", provider.callCount())
	}
}

func TestExecute_ToolLoop(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(models.ToolCall{ID: "c1", Name: "get_weather", Input: []byte(`{"city":"Oslo"}`)})},
		{resp: &llm.ChatResponse{Content: "It is sunny in Oslo."}},
	}}
	f := newFixture(t, testConfig(), provider, []tools.Tool{weatherTool()})

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "weather in Oslo?"})
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0] != "get_weather" {
		t.Errorf("tools used = %v", result.ToolsUsed)
	}

	// The second model call must see the assistant tool turn and its reply.
	second := f.provider.request(1)
	n := len(second.Messages)
	if n < 2 {
		t.Fatalf("second request has %d messages", n)
	}
	if !second.Messages[n-2].HasToolCalls() {
		t.Errorf("penultimate message = %+v, want assistant tool turn", second.Messages[n-2])
	}
	last := second.Messages[n-1]
	if last.Role != models.RoleTool || last.Content != "sunny, 21C" || last.ToolCallID != "c1" {
		t.Errorf("last message = %+v, want the tool reply", last)
	}
}

func TestExecute_ToolCapForcesTerminalReply(t *testing.T) {
	cfg := testConfig()
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(models.ToolCall{ID: "c1", Name: "get_weather", Input: []byte(`{}`)})},
		{resp: &llm.ChatResponse{Content: "final"}},
	}}
	f := newFixture(t, cfg, provider, []tools.Tool{weatherTool()})

	result := f.engine.Execute(context.Background(), &models.AgentCommand{
		UserPrompt:   "weather",
		MaxToolCalls: 1,
	})
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if provider.callCount() != 2 {
		t.Fatalf("llm calls = %d, want maxToolCalls+1 = 2", provider.callCount())
	}
	if len(f.provider.request(0).Tools) == 0 {
		t.Error("first call must expose tools")
	}
	if len(f.provider.request(1).Tools) != 0 {
		t.Error("call after the cap must expose no tools")
	}
}

func TestExecute_UnknownToolProducesErrorResult(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(models.ToolCall{ID: "c1", Name: "nope", Input: []byte(`{}`)})},
		{resp: &llm.ChatResponse{Content: "recovered"}},
	}}
	f := newFixture(t, testConfig(), provider, []tools.Tool{weatherTool()})

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "hi"})
	if !result.Success {
		t.Fatalf("result = %+v, want success after recovery", result)
	}
	second := f.provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Content != "Error: Tool 'nope' not found" {
		t.Errorf("tool reply = %q, want the not-found error string", last.Content)
	}
	if len(result.ToolsUsed) != 0 {
		t.Errorf("tools used = %v, unknown tool never ran", result.ToolsUsed)
	}
}

func TestExecute_ParallelCallsRespectBudget(t *testing.T) {
	var invocations atomic.Int32
	counting := &stubTool{
		spec: models.ToolSpec{Name: "get_weather", Description: "Current weather"},
		fn: func(context.Context, json.RawMessage) (string, error) {
			invocations.Add(1)
			return "sunny", nil
		},
	}
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(
			models.ToolCall{ID: "c1", Name: "get_weather", Input: []byte(`{}`), Index: 0},
			models.ToolCall{ID: "c2", Name: "get_weather", Input: []byte(`{}`), Index: 1},
			models.ToolCall{ID: "c3", Name: "get_weather", Input: []byte(`{}`), Index: 2},
		)},
		{resp: &llm.ChatResponse{Content: "done"}},
	}}
	f := newFixture(t, testConfig(), provider, []tools.Tool{counting})

	result := f.engine.Execute(context.Background(), &models.AgentCommand{
		UserPrompt:   "weather",
		MaxToolCalls: 1,
	})
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if len(result.ToolsUsed) != 1 {
		t.Errorf("tools used = %v, want exactly the one budgeted call", result.ToolsUsed)
	}
	if n := invocations.Load(); n != 1 {
		t.Errorf("tool invocations = %d, want 1", n)
	}
}

func TestExecute_GuardRejection(t *testing.T) {
	cfg := testConfig()
	cfg.Guard.MaxInputLength = 10
	provider := &scriptedProvider{}
	f := newFixture(t, cfg, provider, nil)

	result := f.engine.Execute(context.Background(), &models.AgentCommand{
		UserPrompt: strings.Repeat("long prompt ", 10),
	})
	if result.Success {
		t.Fatal("oversized prompt must be rejected")
	}
	if result.ErrorCode != models.ErrGuardRejected {
		t.Errorf("error code = %q, want GUARD_REJECTED", result.ErrorCode)
	}
	if provider.callCount() != 0 {
		t.Error("guard rejection must happen before any model call")
	}
}

func TestExecute_HookRejectionCarriesCode(t *testing.T) {
	provider := &scriptedProvider{}
	rejecting := &policyHook{decision: hooks.Reject("tenant over budget", models.ErrQuotaExceeded)}
	f := newFixture(t, testConfig(), provider, nil, rejecting)

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "hi"})
	if result.Success || result.ErrorCode != models.ErrQuotaExceeded {
		t.Errorf("result = %+v, want QUOTA_EXCEEDED rejection", result)
	}
	if provider.callCount() != 0 {
		t.Error("hook rejection must happen before any model call")
	}
}

type policyHook struct {
	decision hooks.Decision
}

func (h *policyHook) Name() string      { return "policy" }
func (h *policyHook) Order() int        { return 10 }
func (h *policyHook) FailOnError() bool { return false }
func (h *policyHook) BeforeAgentStart(context.Context, *hooks.Context) (hooks.Decision, error) {
	return h.decision, nil
}

func TestExecute_TransientErrorRetried(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{err: errors.New("connection reset by peer")},
		{resp: &llm.ChatResponse{Content: "after retry"}},
	}}
	f := newFixture(t, testConfig(), provider, nil)

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "hi"})
	if !result.Success || result.Content != "after retry" {
		t.Fatalf("result = %+v, want success after retry", result)
	}
	if provider.callCount() != 2 {
		t.Errorf("llm calls = %d, want 2", provider.callCount())
	}
}

func TestExecute_PermanentErrorNotRetried(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{err: errors.New("invalid request: bad schema")},
	}}
	f := newFixture(t, testConfig(), provider, nil)

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "hi"})
	if result.Success {
		t.Fatal("permanent model error must fail the execution")
	}
	if provider.callCount() != 1 {
		t.Errorf("llm calls = %d, want 1 (no retry)", provider.callCount())
	}
}

func TestExecute_SchemaRepairSucceeds(t *testing.T) {
	schemaDoc := `{"type":"object","required":["city"],"properties":{"city":{"type":"string"}}}`
	provider := &scriptedProvider{script: []scriptStep{
		{resp: &llm.ChatResponse{Content: `{"town":"Oslo"}`}},
		{resp: &llm.ChatResponse{Content: `{"city":"Oslo"}`}},
	}}
	f := newFixture(t, testConfig(), provider, nil)

	result := f.engine.Execute(context.Background(), &models.AgentCommand{
		UserPrompt:     "where?",
		ResponseFormat: models.FormatJSON,
		ResponseSchema: schemaDoc,
	})
	if !result.Success {
		t.Fatalf("result = %+v, want success after one repair", result)
	}
	if provider.callCount() != 2 {
		t.Errorf("llm calls = %d, want 2", provider.callCount())
	}
	repair := f.provider.request(1)
	last := repair.Messages[len(repair.Messages)-1]
	if last.Role != models.RoleUser || !strings.Contains(last.Content, "not valid JSON") {
		t.Errorf("repair turn = %+v, want corrective user message", last)
	}
}

func TestExecute_SecondInvalidResponseFails(t *testing.T) {
	schemaDoc := `{"type":"object","required":["city"]}`
	provider := &scriptedProvider{script: []scriptStep{
		{resp: &llm.ChatResponse{Content: `not json`}},
		{resp: &llm.ChatResponse{Content: `still not json`}},
	}}
	f := newFixture(t, testConfig(), provider, nil)

	result := f.engine.Execute(context.Background(), &models.AgentCommand{
		UserPrompt:     "where?",
		ResponseFormat: models.FormatJSON,
		ResponseSchema: schemaDoc,
	})
	if result.Success || result.ErrorCode != models.ErrInvalidResponse {
		t.Errorf("result = %+v, want INVALID_RESPONSE", result)
	}
	if provider.callCount() != 2 {
		t.Errorf("llm calls = %d, want exactly one repair attempt", provider.callCount())
	}
}

func TestExecute_SavesConversation(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{resp: &llm.ChatResponse{Content: "saved reply"}},
	}}
	f := newFixture(t, testConfig(), provider, nil)

	cmd := &models.AgentCommand{
		UserPrompt: "remember me",
		UserID:     "u1",
		Metadata:   map[string]string{models.MetaSessionID: "s1"},
	}
	result := f.engine.Execute(context.Background(), cmd)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}

	msgs, err := f.store.Get(context.Background(), "s1")
	if err != nil || len(msgs) != 2 {
		t.Fatalf("stored = %v, %v; want user + assistant", msgs, err)
	}
	if msgs[0].Content != "remember me" || msgs[1].Content != "saved reply" {
		t.Errorf("stored turn = %v", msgs)
	}
}

func TestExecute_FailureSavesNothing(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{err: errors.New("invalid request")},
	}}
	f := newFixture(t, testConfig(), provider, nil)

	cmd := &models.AgentCommand{
		UserPrompt: "hi",
		Metadata:   map[string]string{models.MetaSessionID: "s1"},
	}
	if result := f.engine.Execute(context.Background(), cmd); result.Success {
		t.Fatal("expected failure")
	}
	msgs, _ := f.store.Get(context.Background(), "s1")
	if len(msgs) != 0 {
		t.Errorf("stored = %v, want nothing after failure", msgs)
	}
}

func TestExecute_ContextTooLongAfterTrim(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.MaxContextWindowTokens = 60
	cfg.Agent.MaxOutputTokens = 10
	provider := &scriptedProvider{}
	f := newFixture(t, cfg, provider, nil)

	// The user message itself cannot be trimmed away, so the budget can
	// never be met.
	result := f.engine.Execute(context.Background(), &models.AgentCommand{
		UserPrompt: strings.Repeat("gigantic prompt ", 200),
	})
	if result.Success || result.ErrorCode != models.ErrContextTooLong {
		t.Errorf("result = %+v, want CONTEXT_TOO_LONG", result)
	}
	if provider.callCount() != 0 {
		t.Error("overflow must be detected before any model call")
	}
}

func TestExecute_CancellationMapsToCancelled(t *testing.T) {
	provider := &scriptedProvider{}
	f := newFixture(t, testConfig(), provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := f.engine.Execute(ctx, &models.AgentCommand{UserPrompt: "hi"})
	if result.Success || result.ErrorCode != models.ErrCancelled {
		t.Errorf("result = %+v, want CANCELLED", result)
	}
}

func TestExecute_ParallelToolsKeepCallOrder(t *testing.T) {
	slow := &stubTool{
		spec: models.ToolSpec{Name: "slow", Description: "slow tool"},
		fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return "slow done", nil
		},
	}
	fast := &stubTool{
		spec: models.ToolSpec{Name: "fast", Description: "fast tool"},
		fn: func(context.Context, json.RawMessage) (string, error) {
			return "fast done", nil
		},
	}
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(
			models.ToolCall{ID: "c1", Name: "slow", Input: []byte(`{}`), Index: 0},
			models.ToolCall{ID: "c2", Name: "fast", Input: []byte(`{}`), Index: 1},
		)},
		{resp: &llm.ChatResponse{Content: "both done"}},
	}}
	f := newFixture(t, testConfig(), provider, []tools.Tool{slow, fast})

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "run both"})
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}

	// Replies append in call order even though fast finished first.
	second := f.provider.request(1)
	n := len(second.Messages)
	if second.Messages[n-2].ToolCallID != "c1" || second.Messages[n-1].ToolCallID != "c2" {
		t.Errorf("tool replies out of call order: %v, %v",
			second.Messages[n-2].ToolCallID, second.Messages[n-1].ToolCallID)
	}
	if result.ToolsUsed[0] != "slow" || result.ToolsUsed[1] != "fast" {
		t.Errorf("tools used = %v, want call order", result.ToolsUsed)
	}
}

func TestExecute_ToolFailureContained(t *testing.T) {
	failing := &stubTool{
		spec: models.ToolSpec{Name: "broken", Description: "always fails"},
		fn: func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New("backend unavailable")
		},
	}
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(
			models.ToolCall{ID: "c1", Name: "broken", Input: []byte(`{}`)},
			models.ToolCall{ID: "c2", Name: "get_weather", Input: []byte(`{}`)},
		)},
		{resp: &llm.ChatResponse{Content: "handled"}},
	}}
	f := newFixture(t, testConfig(), provider, []tools.Tool{failing, weatherTool()})

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "go"})
	if !result.Success {
		t.Fatalf("one failing tool must not fail the run: %+v", result)
	}
	second := f.provider.request(1)
	n := len(second.Messages)
	if !strings.HasPrefix(second.Messages[n-2].Content, "Error: ") {
		t.Errorf("failed tool reply = %q, want error string", second.Messages[n-2].Content)
	}
	if second.Messages[n-1].Content != "sunny, 21C" {
		t.Errorf("peer tool reply = %q, want its normal output", second.Messages[n-1].Content)
	}
}
