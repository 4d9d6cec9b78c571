package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arclabs/arcreactor/internal/config"
	"github.com/arclabs/arcreactor/internal/infra"
	"github.com/arclabs/arcreactor/internal/memory"
	"github.com/arclabs/arcreactor/internal/metrics"
	"github.com/arclabs/arcreactor/pkg/models"
)

// Layer headers of the hierarchical history.
const (
	factsHeader     = "Conversation Facts:\n"
	narrativeHeader = "Conversation Summary:\n"
)

// Manager loads conversation history for a command and persists completed
// turns. Store and summarizer are each optional; without a store every
// request starts fresh.
type Manager struct {
	store      memory.MessageStore
	summaries  memory.SummaryStore
	summarizer SummaryService

	turns   int
	summary config.SummaryConfig
	emitter metrics.Sink
	logger  *slog.Logger

	// refreshes deduplicates concurrent summary recomputes per session
	// and target index.
	refreshes infra.Group[string, *models.ConversationSummary]
}

// NewManager creates a manager. emitter may be nil to disable session
// events.
func NewManager(store memory.MessageStore, summaries memory.SummaryStore, summarizer SummaryService, maxConversationTurns int, summaryCfg config.SummaryConfig, emitter metrics.Sink, logger *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		summaries:  summaries,
		summarizer: summarizer,
		turns:      maxConversationTurns,
		summary:    summaryCfg,
		emitter:    emitter,
		logger:     logger,
	}
}

// LoadHistory resolves the message list for one execution. An explicit
// history on the command wins; otherwise the stored session transcript is
// returned, compressed through the hierarchical summary once it outgrows
// the trigger threshold.
func (m *Manager) LoadHistory(ctx context.Context, cmd *models.AgentCommand) ([]models.Message, error) {
	if cmd.ConversationHistory != nil {
		return cmd.ConversationHistory, nil
	}
	sessionID := cmd.SessionID()
	if sessionID == "" || m.store == nil {
		return nil, nil
	}

	msgs, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("history load failed, starting fresh",
			"session_id", sessionID, "error", err)
		return nil, nil
	}
	m.emitSession(sessionID, cmd, "loaded", len(msgs))

	window := takeLast(msgs, m.turns*2)
	if !m.summary.Enabled || m.summarizer == nil || m.summaries == nil {
		return window, nil
	}
	if len(msgs) <= m.summary.TriggerMessageCount {
		return window, nil
	}

	summary, err := m.currentSummary(ctx, sessionID, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("summary refresh failed, falling back to recent window",
			"session_id", sessionID, "error", err)
		m.emitSession(sessionID, cmd, "summary_failed", len(msgs))
		return window, nil
	}

	return m.layered(summary, msgs), nil
}

// currentSummary returns the cached summary when it already covers the
// summarizable prefix, refreshing it otherwise. Concurrent refreshes for
// the same target collapse into one summarizer call.
func (m *Manager) currentSummary(ctx context.Context, sessionID string, msgs []models.Message) (*models.ConversationSummary, error) {
	target := len(msgs) - m.summary.RecentMessageCount

	cached, err := m.summaries.Get(ctx, sessionID)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == nil && cached != nil && cached.SummarizedUpToIndex >= target {
		return cached, nil
	}

	key := fmt.Sprintf("%s:%d", sessionID, target)
	summary, err, _ := m.refreshes.Do(key, func() (*models.ConversationSummary, error) {
		summary, err := m.summarizer.Summarize(ctx, sessionID, msgs[:target], target)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			summary.CreatedAt = cached.CreatedAt
		}
		if err := m.summaries.Save(ctx, summary); err != nil {
			m.logger.Warn("summary save failed",
				"session_id", sessionID, "error", err)
		}
		m.emitSession(sessionID, nil, "summarized", target)
		return summary, nil
	})
	return summary, err
}

// layered builds the 3-layer history: facts, narrative, recent verbatim.
// Empty layers are omitted.
func (m *Manager) layered(summary *models.ConversationSummary, msgs []models.Message) []models.Message {
	recent := takeLast(msgs, m.summary.RecentMessageCount)
	out := make([]models.Message, 0, len(recent)+2)

	if len(summary.Facts) > 0 {
		var b strings.Builder
		b.WriteString(factsHeader)
		for _, f := range summary.Facts {
			b.WriteString(f.Key)
			b.WriteString("=")
			b.WriteString(f.Value)
			b.WriteString("\n")
		}
		out = append(out, models.SystemMessage(strings.TrimRight(b.String(), "\n")))
	}
	if summary.Narrative != "" {
		out = append(out, models.SystemMessage(narrativeHeader+summary.Narrative))
	}
	return append(out, recent...)
}

// SaveHistory appends the completed turn: user prompt then assistant
// reply. Failed executions save nothing; storage errors are logged and
// swallowed.
func (m *Manager) SaveHistory(ctx context.Context, cmd *models.AgentCommand, result *models.AgentResult) {
	if result == nil || !result.Success {
		return
	}
	m.saveTurn(ctx, cmd, result.Content)
}

// SaveStreamingHistory appends a completed streaming turn.
func (m *Manager) SaveStreamingHistory(ctx context.Context, cmd *models.AgentCommand, finalContent string) {
	m.saveTurn(ctx, cmd, finalContent)
}

func (m *Manager) saveTurn(ctx context.Context, cmd *models.AgentCommand, content string) {
	sessionID := cmd.SessionID()
	if sessionID == "" || m.store == nil {
		return
	}
	if err := m.store.AddMessage(ctx, sessionID, models.UserMessage(cmd.UserPrompt, cmd.UserID)); err != nil {
		m.logger.Warn("history save failed", "session_id", sessionID, "error", err)
		return
	}
	if err := m.store.AddMessage(ctx, sessionID, models.AssistantMessage(content, cmd.UserID)); err != nil {
		m.logger.Warn("history save failed", "session_id", sessionID, "error", err)
		return
	}
	m.emitSession(sessionID, cmd, "saved", 2)
}

func (m *Manager) emitSession(sessionID string, cmd *models.AgentCommand, action string, count int) {
	if m.emitter == nil {
		return
	}
	tenant := ""
	if cmd != nil {
		tenant = cmd.TenantID()
	}
	event := models.NewMetricEvent(models.EventSession, tenant, "")
	event.Session = &models.SessionEvent{
		SessionID: sessionID,
		Action:    action,
		Messages:  count,
	}
	m.emitter.Emit(event)
}

func takeLast(msgs []models.Message, n int) []models.Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
