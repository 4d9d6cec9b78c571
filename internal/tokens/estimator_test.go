package tokens

import (
	"testing"

	"github.com/arclabs/arcreactor/pkg/models"
)

func TestHeuristic_Empty(t *testing.T) {
	if got := Heuristic(""); got != 0 {
		t.Errorf("expected 0 for empty string, got %d", got)
	}
}

func TestHeuristic_Latin(t *testing.T) {
	// 20 ASCII chars ≈ 5 tokens at 4 chars/token.
	got := Heuristic("the quick brown fox!")
	if got < 4 || got > 6 {
		t.Errorf("expected ~5 tokens for 20 latin chars, got %d", got)
	}
}

func TestHeuristic_CJKDensity(t *testing.T) {
	latin := Heuristic("hello world")
	cjk := Heuristic("こんにちは世界、今日は")

	// 10 CJK runes should count near 10 tokens, far denser than the
	// same byte-length of Latin text.
	if cjk < 9 {
		t.Errorf("expected >=9 tokens for 10 CJK runes, got %d", cjk)
	}
	if cjk <= latin {
		t.Errorf("CJK text must be denser: cjk=%d latin=%d", cjk, latin)
	}
}

func TestEstimator_NeverZeroForNonEmpty(t *testing.T) {
	e := NewEstimator("unknown-model-v0")
	if got := e.Estimate("x"); got < 1 {
		t.Errorf("expected at least 1 token, got %d", got)
	}
}

func TestEstimator_MessagesIncludeFraming(t *testing.T) {
	e := NewEstimator("gpt-4o")
	msgs := []models.Message{
		models.UserMessage("hello", "u1"),
		models.AssistantMessage("hi there", ""),
	}
	single := e.Estimate("hello") + e.Estimate("hi there")
	total := e.EstimateMessages(msgs)
	if total <= single {
		t.Errorf("framing overhead missing: total=%d content-only=%d", total, single)
	}
}
