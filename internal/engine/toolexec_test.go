package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arclabs/arcreactor/internal/hooks"
	"github.com/arclabs/arcreactor/internal/llm"
	"github.com/arclabs/arcreactor/internal/tools"
	"github.com/arclabs/arcreactor/pkg/models"
)

// resolvePending watches the approval store and resolves the first
// pending request with the given decision.
func resolvePending(t *testing.T, f *engineFixture, resolve func(id string) error) *sync.WaitGroup {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case <-deadline:
				t.Error("no pending approval appeared")
				return
			default:
			}
			pending, err := f.apprMgr.ListPending(context.Background())
			if err == nil && len(pending) > 0 {
				if err := resolve(pending[0].ID); err != nil {
					t.Errorf("resolve: %v", err)
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	return &wg
}

func gatedTool(got *json.RawMessage) *stubTool {
	return &stubTool{
		spec: models.ToolSpec{
			Name:             "send_email",
			Description:      "Sends an email",
			RequiresApproval: true,
		},
		fn: func(_ context.Context, args json.RawMessage) (string, error) {
			*got = args
			return "sent", nil
		},
	}
}

func TestExecute_ApprovalApprovedWithModifiedArgs(t *testing.T) {
	var got json.RawMessage
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(models.ToolCall{ID: "c1", Name: "send_email", Input: []byte(`{"to":"a@b.c"}`)})},
		{resp: &llm.ChatResponse{Content: "email sent"}},
	}}
	f := newFixture(t, testConfig(), provider, []tools.Tool{gatedTool(&got)})
	f.chain.Register(hooks.NewApprovalPolicyHook(f.apprMgr, nil))

	wg := resolvePending(t, f, func(id string) error {
		return f.apprMgr.Approve(context.Background(), id, json.RawMessage(`{"to":"d@e.f"}`), "alice")
	})

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "send it"})
	wg.Wait()

	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if string(got) != `{"to":"d@e.f"}` {
		t.Errorf("tool args = %s, want the modified arguments", got)
	}
}

func TestExecute_ApprovalRejected(t *testing.T) {
	var got json.RawMessage
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(models.ToolCall{ID: "c1", Name: "send_email", Input: []byte(`{}`)})},
		{resp: &llm.ChatResponse{Content: "understood"}},
	}}
	f := newFixture(t, testConfig(), provider, []tools.Tool{gatedTool(&got)})
	f.chain.Register(hooks.NewApprovalPolicyHook(f.apprMgr, nil))

	wg := resolvePending(t, f, func(id string) error {
		return f.apprMgr.Reject(context.Background(), id, "not on my watch", "alice")
	})

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "send it"})
	wg.Wait()

	if !result.Success {
		t.Fatalf("a rejected tool call must not fail the run: %+v", result)
	}
	if got != nil {
		t.Error("rejected tool must never execute")
	}
	second := f.provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if !strings.HasPrefix(last.Content, "Rejected: ") || !strings.Contains(last.Content, "not on my watch") {
		t.Errorf("tool reply = %q, want rejection with reason", last.Content)
	}
}

func TestExecute_ApprovalTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.TimeoutMs = 30
	var got json.RawMessage
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(models.ToolCall{ID: "c1", Name: "send_email", Input: []byte(`{}`)})},
		{resp: &llm.ChatResponse{Content: "timed out"}},
	}}
	f := newFixture(t, cfg, provider, []tools.Tool{gatedTool(&got)})
	f.chain.Register(hooks.NewApprovalPolicyHook(f.apprMgr, nil))

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "send it"})
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if got != nil {
		t.Error("timed out tool must never execute")
	}
	second := f.provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "approval timed out") {
		t.Errorf("tool reply = %q, want timeout rejection", last.Content)
	}
}

func TestExecute_ToolTimeoutEnforced(t *testing.T) {
	cfg := testConfig()
	slow := &stubTool{
		spec: models.ToolSpec{
			Name:        "slow",
			Description: "never finishes in time",
			Timeout:     20 * time.Millisecond,
		},
		fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
			select {
			case <-time.After(2 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(models.ToolCall{ID: "c1", Name: "slow", Input: []byte(`{}`)})},
		{resp: &llm.ChatResponse{Content: "moved on"}},
	}}
	f := newFixture(t, cfg, provider, []tools.Tool{slow})

	start := time.Now()
	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "go"})
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("execution took %v, tool timeout did not bite", elapsed)
	}
	second := f.provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if !strings.HasPrefix(last.Content, "Error: ") {
		t.Errorf("tool reply = %q, want timeout error", last.Content)
	}
}

func TestExecute_HitlWaitTagged(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.TimeoutMs = 60000

	var got json.RawMessage
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(models.ToolCall{ID: "c1", Name: "send_email", Input: []byte(`{}`)})},
		{resp: &llm.ChatResponse{Content: "done"}},
	}}
	f := newFixture(t, cfg, provider, []tools.Tool{gatedTool(&got)})
	f.chain.Register(hooks.NewApprovalPolicyHook(f.apprMgr, nil))

	var meta map[string]string
	f.chain.Register(&metaCaptureHook{meta: &meta})

	wg := resolvePending(t, f, func(id string) error {
		time.Sleep(150 * time.Millisecond)
		return f.apprMgr.Approve(context.Background(), id, nil, "alice")
	})

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "send it"})
	wg.Wait()

	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if meta[hooks.MetaHitlRequired] != "true" {
		t.Fatalf("meta = %v, want hitl.required", meta)
	}
	if meta[hooks.MetaHitlApproved] != "true" {
		t.Errorf("meta = %v, want hitl.approved true", meta)
	}
}

func TestExecute_HitlRejectionTaggedWithReason(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.TimeoutMs = 60000

	var got json.RawMessage
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(models.ToolCall{ID: "c1", Name: "send_email", Input: []byte(`{}`)})},
		{resp: &llm.ChatResponse{Content: "understood"}},
	}}
	f := newFixture(t, cfg, provider, []tools.Tool{gatedTool(&got)})
	f.chain.Register(hooks.NewApprovalPolicyHook(f.apprMgr, nil))

	var meta map[string]string
	f.chain.Register(&metaCaptureHook{meta: &meta})

	wg := resolvePending(t, f, func(id string) error {
		time.Sleep(150 * time.Millisecond)
		return f.apprMgr.Reject(context.Background(), id, "not on my watch", "alice")
	})

	result := f.engine.Execute(context.Background(), &models.AgentCommand{UserPrompt: "send it"})
	wg.Wait()

	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if meta[hooks.MetaHitlApproved] != "false" {
		t.Fatalf("meta = %v, want hitl.approved false", meta)
	}
	if !strings.Contains(meta[hooks.MetaHitlReason], "not on my watch") {
		t.Errorf("meta reason = %q, want the rejection reason", meta[hooks.MetaHitlReason])
	}
}

type metaCaptureHook struct {
	meta *map[string]string
}

func (h *metaCaptureHook) Name() string      { return "meta_capture" }
func (h *metaCaptureHook) Order() int        { return 500 }
func (h *metaCaptureHook) FailOnError() bool { return false }
func (h *metaCaptureHook) AfterToolCall(_ context.Context, call *hooks.ToolCallContext, _ *models.ToolResult) error {
	*h.meta = call.Meta
	return nil
}
