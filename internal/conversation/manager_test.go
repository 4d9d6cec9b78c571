package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arclabs/arcreactor/internal/config"
	"github.com/arclabs/arcreactor/internal/memory"
	"github.com/arclabs/arcreactor/internal/observability"
	"github.com/arclabs/arcreactor/pkg/models"
)

type stubSummarizer struct {
	calls   atomic.Int32
	err     error
	summary *models.ConversationSummary
}

func (s *stubSummarizer) Summarize(ctx context.Context, sessionID string, msgs []models.Message, covered int) (*models.ConversationSummary, error) {
	s.calls.Add(1)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	out := *s.summary
	out.SessionID = sessionID
	out.SummarizedUpToIndex = covered
	return &out, nil
}

func summaryCfg(enabled bool) config.SummaryConfig {
	return config.SummaryConfig{
		Enabled:             enabled,
		TriggerMessageCount: 20,
		RecentMessageCount:  10,
		MaxNarrativeTokens:  500,
	}
}

func seedSession(t *testing.T, store memory.MessageStore, sessionID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		var msg models.Message
		if i%2 == 0 {
			msg = models.UserMessage(fmt.Sprintf("question %d", i), "u1")
		} else {
			msg = models.AssistantMessage(fmt.Sprintf("answer %d", i), "u1")
		}
		if err := store.AddMessage(ctx, sessionID, msg); err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}
}

func sessionCmd(sessionID string) *models.AgentCommand {
	return &models.AgentCommand{
		UserPrompt: "latest question",
		UserID:     "u1",
		Metadata:   map[string]string{models.MetaSessionID: sessionID},
	}
}

func TestLoadHistory_ExplicitHistoryWins(t *testing.T) {
	store := memory.NewInMemoryStore(200)
	seedSession(t, store, "s1", 6)
	m := NewManager(store, store.Summaries(), nil, 10, summaryCfg(false), nil, observability.NopLogger())

	explicit := []models.Message{models.UserMessage("only this", "u1")}
	cmd := sessionCmd("s1")
	cmd.ConversationHistory = explicit

	got, err := m.LoadHistory(context.Background(), cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Content != "only this" {
		t.Errorf("history = %v, want the explicit one untouched", got)
	}
}

func TestLoadHistory_NoSessionStartsFresh(t *testing.T) {
	store := memory.NewInMemoryStore(200)
	m := NewManager(store, store.Summaries(), nil, 10, summaryCfg(false), nil, observability.NopLogger())

	got, err := m.LoadHistory(context.Background(), &models.AgentCommand{UserPrompt: "hi"})
	if err != nil || got != nil {
		t.Errorf("sessionless load = %v, %v; want nil history", got, err)
	}
}

func TestLoadHistory_TakeLastWindowWhenSummaryDisabled(t *testing.T) {
	store := memory.NewInMemoryStore(200)
	seedSession(t, store, "s1", 30)
	m := NewManager(store, store.Summaries(), nil, 10, summaryCfg(false), nil, observability.NopLogger())

	got, err := m.LoadHistory(context.Background(), sessionCmd("s1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("window = %d messages, want maxConversationTurns*2 = 20", len(got))
	}
	if got[0].Content != "question 10" {
		t.Errorf("window starts at %q, want question 10", got[0].Content)
	}
}

func TestLoadHistory_BelowTriggerSkipsSummary(t *testing.T) {
	store := memory.NewInMemoryStore(200)
	seedSession(t, store, "s1", 18)
	sum := &stubSummarizer{summary: &models.ConversationSummary{Narrative: "n"}}
	m := NewManager(store, store.Summaries(), sum, 10, summaryCfg(true), nil, observability.NopLogger())

	got, err := m.LoadHistory(context.Background(), sessionCmd("s1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 18 {
		t.Errorf("window = %d messages, want all 18", len(got))
	}
	if sum.calls.Load() != 0 {
		t.Error("summarizer must not run below the trigger threshold")
	}
}

func TestLoadHistory_HierarchicalLayers(t *testing.T) {
	store := memory.NewInMemoryStore(200)
	seedSession(t, store, "s1", 32)

	facts := make([]models.SummaryFact, 8)
	for i := range facts {
		facts[i] = models.SummaryFact{
			Key:      fmt.Sprintf("fact_%d", i),
			Value:    fmt.Sprintf("value_%d", i),
			Category: models.FactGeneral,
		}
	}
	sum := &stubSummarizer{summary: &models.ConversationSummary{
		Narrative: "they discussed the weather",
		Facts:     facts,
	}}
	m := NewManager(store, store.Summaries(), sum, 10, summaryCfg(true), nil, observability.NopLogger())

	got, err := m.LoadHistory(context.Background(), sessionCmd("s1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 12 {
		t.Fatalf("history = %d messages, want 2 system + 10 recent", len(got))
	}
	if got[0].Role != models.RoleSystem || !strings.HasPrefix(got[0].Content, "Conversation Facts:\n") {
		t.Errorf("layer 1 = %+v, want facts header", got[0])
	}
	if !strings.Contains(got[0].Content, "fact_3=value_3") {
		t.Errorf("facts layer missing key=value line: %q", got[0].Content)
	}
	if got[1].Role != models.RoleSystem || !strings.HasPrefix(got[1].Content, "Conversation Summary:\n") {
		t.Errorf("layer 2 = %+v, want narrative header", got[1])
	}
	if got[2].Content != "question 22" {
		t.Errorf("recent layer starts at %q, want question 22", got[2].Content)
	}

	// A second load with no new messages hits the cached summary.
	if _, err := m.LoadHistory(context.Background(), sessionCmd("s1")); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if sum.calls.Load() != 1 {
		t.Errorf("summarizer calls = %d, want 1 (cache hit on second load)", sum.calls.Load())
	}
}

func TestLoadHistory_EmptyLayersOmitted(t *testing.T) {
	store := memory.NewInMemoryStore(200)
	seedSession(t, store, "s1", 32)
	sum := &stubSummarizer{summary: &models.ConversationSummary{Narrative: "just prose"}}
	m := NewManager(store, store.Summaries(), sum, 10, summaryCfg(true), nil, observability.NopLogger())

	got, err := m.LoadHistory(context.Background(), sessionCmd("s1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 11 {
		t.Fatalf("history = %d messages, want narrative + 10 recent", len(got))
	}
	if !strings.HasPrefix(got[0].Content, "Conversation Summary:\n") {
		t.Errorf("first message = %q, want narrative layer only", got[0].Content)
	}
}

func TestLoadHistory_SummaryFailureFallsBack(t *testing.T) {
	store := memory.NewInMemoryStore(200)
	seedSession(t, store, "s1", 32)
	sum := &stubSummarizer{err: errors.New("model down")}
	m := NewManager(store, store.Summaries(), sum, 10, summaryCfg(true), nil, observability.NopLogger())

	got, err := m.LoadHistory(context.Background(), sessionCmd("s1"))
	if err != nil {
		t.Fatalf("summary failure must not fail the load: %v", err)
	}
	if len(got) != 20 {
		t.Errorf("fallback window = %d messages, want 20", len(got))
	}
	for _, msg := range got {
		if msg.Role == models.RoleSystem {
			t.Errorf("fallback window must not contain summary layers: %+v", msg)
		}
	}
}

func TestLoadHistory_CancellationPropagates(t *testing.T) {
	store := memory.NewInMemoryStore(200)
	seedSession(t, store, "s1", 32)
	sum := &stubSummarizer{summary: &models.ConversationSummary{Narrative: "n"}}
	m := NewManager(store, store.Summaries(), sum, 10, summaryCfg(true), nil, observability.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.LoadHistory(ctx, sessionCmd("s1"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSaveHistory_AppendsUserThenAssistant(t *testing.T) {
	store := memory.NewInMemoryStore(200)
	m := NewManager(store, store.Summaries(), nil, 10, summaryCfg(false), nil, observability.NopLogger())
	ctx := context.Background()

	cmd := sessionCmd("s1")
	m.SaveHistory(ctx, cmd, &models.AgentResult{Success: true, Content: "the answer"})

	msgs, err := store.Get(ctx, "s1")
	if err != nil || len(msgs) != 2 {
		t.Fatalf("stored = %v, %v; want user + assistant", msgs, err)
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "latest question" {
		t.Errorf("first = %+v, want the user prompt", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "the answer" {
		t.Errorf("second = %+v, want the assistant reply", msgs[1])
	}
	if msgs[0].UserID != "u1" || msgs[1].UserID != "u1" {
		t.Error("both messages must carry the command's user id")
	}
}

func TestSaveHistory_FailureSavesNothing(t *testing.T) {
	store := memory.NewInMemoryStore(200)
	m := NewManager(store, store.Summaries(), nil, 10, summaryCfg(false), nil, observability.NopLogger())
	ctx := context.Background()

	m.SaveHistory(ctx, sessionCmd("s1"), &models.AgentResult{
		Success: false, ErrorCode: models.ErrTimeout,
	})

	msgs, _ := store.Get(ctx, "s1")
	if len(msgs) != 0 {
		t.Errorf("stored = %v, want nothing after a failed execution", msgs)
	}
}

func TestSaveStreamingHistory_Appends(t *testing.T) {
	store := memory.NewInMemoryStore(200)
	m := NewManager(store, store.Summaries(), nil, 10, summaryCfg(false), nil, observability.NopLogger())
	ctx := context.Background()

	m.SaveStreamingHistory(ctx, sessionCmd("s1"), "streamed reply")
	msgs, _ := store.Get(ctx, "s1")
	if len(msgs) != 2 || msgs[1].Content != "streamed reply" {
		t.Errorf("stored = %v, want user + streamed assistant reply", msgs)
	}
}

func TestLoadHistory_ReadYourWrites(t *testing.T) {
	store := memory.NewInMemoryStore(200)
	m := NewManager(store, store.Summaries(), nil, 10, summaryCfg(false), nil, observability.NopLogger())
	ctx := context.Background()

	cmd := sessionCmd("s1")
	m.SaveHistory(ctx, cmd, &models.AgentResult{Success: true, Content: "turn one"})

	got, err := m.LoadHistory(ctx, sessionCmd("s1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[1].Content != "turn one" {
		t.Errorf("next load = %v, want the previous turn visible", got)
	}
	if got[0].CreatedAt.After(time.Now()) {
		t.Error("timestamps must not be in the future")
	}
}
