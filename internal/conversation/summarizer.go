// Package conversation loads and persists session transcripts, compresses
// long sessions into hierarchical summaries, and trims histories to a
// token budget.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arclabs/arcreactor/internal/llm"
	"github.com/arclabs/arcreactor/pkg/models"
)

// SummaryService compresses the covered prefix of a transcript into a
// narrative plus structured facts.
type SummaryService interface {
	Summarize(ctx context.Context, sessionID string, msgs []models.Message, covered int) (*models.ConversationSummary, error)
}

const summarizerSystemPrompt = `You compress conversation transcripts. Reply with a single JSON object:
{"narrative": "<prose summary>", "facts": [{"key": "<short key>", "value": "<value>", "category": "entity|numeric|state|decision|general"}]}
Keep the narrative under the requested token budget. Extract durable facts only: names, numbers, decisions, and state the conversation established.`

// LLMSummarizer produces summaries with a model call.
type LLMSummarizer struct {
	provider           llm.Provider
	model              string
	maxNarrativeTokens int
	logger             *slog.Logger
}

// NewLLMSummarizer creates a summarizer on the given provider and model.
func NewLLMSummarizer(provider llm.Provider, model string, maxNarrativeTokens int, logger *slog.Logger) *LLMSummarizer {
	return &LLMSummarizer{
		provider:           provider,
		model:              model,
		maxNarrativeTokens: maxNarrativeTokens,
		logger:             logger,
	}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, sessionID string, msgs []models.Message, covered int) (*models.ConversationSummary, error) {
	prompt := fmt.Sprintf("Narrative budget: %d tokens.\n\nTranscript:\n%s",
		s.maxNarrativeTokens, renderTranscript(msgs))

	resp, err := s.provider.Complete(ctx, &llm.ChatRequest{
		Model:        s.model,
		SystemPrompt: summarizerSystemPrompt,
		Messages:     []models.Message{models.UserMessage(prompt, "")},
		MaxTokens:    s.maxNarrativeTokens * 2,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize session %s: %w", sessionID, err)
	}

	now := time.Now()
	summary := &models.ConversationSummary{
		SessionID:           sessionID,
		SummarizedUpToIndex: covered,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	var parsed struct {
		Narrative string `json:"narrative"`
		Facts     []struct {
			Key      string `json:"key"`
			Value    string `json:"value"`
			Category string `json:"category"`
		} `json:"facts"`
	}
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &parsed); err != nil {
		// A malformed reply still summarizes; keep the prose as-is.
		s.logger.Warn("summary reply was not valid JSON, using raw text",
			"session_id", sessionID, "error", err)
		summary.Narrative = strings.TrimSpace(resp.Content)
		return summary, nil
	}

	summary.Narrative = strings.TrimSpace(parsed.Narrative)
	for _, f := range parsed.Facts {
		if f.Key == "" {
			continue
		}
		summary.Facts = append(summary.Facts, models.SummaryFact{
			Key:      f.Key,
			Value:    f.Value,
			Category: factCategory(f.Category),
		})
	}
	return summary, nil
}

func factCategory(s string) models.FactCategory {
	switch models.FactCategory(strings.ToLower(s)) {
	case models.FactEntity, models.FactNumeric, models.FactState, models.FactDecision:
		return models.FactCategory(strings.ToLower(s))
	default:
		return models.FactGeneral
	}
}

func renderTranscript(msgs []models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Content == "" && !m.HasToolCalls() {
			continue
		}
		b.WriteString(strings.ToUpper(string(m.Role)))
		b.WriteString(": ")
		b.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, " [called %s]", tc.Name)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
