package conversation

import (
	"strings"
	"testing"

	"github.com/arclabs/arcreactor/internal/tokens"
	"github.com/arclabs/arcreactor/pkg/models"
)

func TestTrim_UnderBudgetUnchanged(t *testing.T) {
	est := tokens.NewEstimator("gpt-4o")
	msgs := []models.Message{
		models.UserMessage("short question", "u1"),
		models.AssistantMessage("short answer", "u1"),
	}
	got := Trim(msgs, est, 10000)
	if len(got) != 2 {
		t.Errorf("trimmed = %d messages, want all 2", len(got))
	}
}

func TestTrim_DropsOldestKeepsLastSystem(t *testing.T) {
	est := tokens.NewEstimator("gpt-4o")
	filler := strings.Repeat("lorem ipsum dolor sit amet ", 40)
	msgs := []models.Message{
		models.UserMessage(filler, "u1"),
		models.AssistantMessage(filler, "u1"),
		models.SystemMessage("Conversation Summary:\nthe gist"),
		models.UserMessage(filler, "u1"),
		models.AssistantMessage("final short answer", "u1"),
	}

	budget := est.EstimateMessages(msgs) - est.EstimateMessage(msgs[0])
	got := Trim(msgs, est, budget)

	if len(got) >= len(msgs) {
		t.Fatalf("trimmed = %d messages, want fewer than %d", len(got), len(msgs))
	}
	foundSystem := false
	for _, m := range got {
		if m.Role == models.RoleSystem {
			foundSystem = true
		}
	}
	if !foundSystem {
		t.Error("the last system message must survive trimming")
	}
	if got[len(got)-1].Content != "final short answer" {
		t.Error("the final message must survive trimming")
	}
	if got[0].Content == filler && got[0].Role == models.RoleUser && len(got) == len(msgs) {
		t.Error("oldest messages must be dropped first")
	}
}

func TestTrim_NeverSplitsToolGroup(t *testing.T) {
	est := tokens.NewEstimator("gpt-4o")
	filler := strings.Repeat("word ", 200)

	assistant := models.AssistantMessage("", "u1")
	assistant.ToolCalls = []models.ToolCall{{ID: "c1", Name: "get_weather", Input: []byte(`{"city":"Oslo"}`)}}

	msgs := []models.Message{
		assistant,
		models.ToolMessage("c1", filler),
		models.UserMessage("and now?", "u1"),
		models.AssistantMessage("done", "u1"),
	}

	// Budget forces the assistant+tool block out as a unit.
	budget := est.EstimateMessages(msgs) - 10
	got := Trim(msgs, est, budget)

	for i, m := range got {
		if m.Role == models.RoleTool {
			if i == 0 || !got[i-1].HasToolCalls() {
				t.Errorf("tool reply at %d is orphaned from its assistant message", i)
			}
		}
		if m.HasToolCalls() {
			if i+1 >= len(got) || got[i+1].Role != models.RoleTool {
				t.Errorf("assistant with tool calls at %d lost its tool reply", i)
			}
		}
	}
}

func TestFits_ProtectedOverflowDetected(t *testing.T) {
	est := tokens.NewEstimator("gpt-4o")
	msgs := []models.Message{
		models.UserMessage(strings.Repeat("unshrinkable ", 100), "u1"),
	}

	got := Trim(msgs, est, 20)
	if !Fits(msgs, est, 100000) {
		t.Error("generous budget must fit")
	}
	if Fits(got, est, 20) {
		t.Error("a lone protected message over budget must not report as fitting")
	}
}

func TestTrim_EmptyTranscript(t *testing.T) {
	est := tokens.NewEstimator("gpt-4o")
	if got := Trim(nil, est, 100); len(got) != 0 {
		t.Errorf("trim(nil) = %v, want empty", got)
	}
}
