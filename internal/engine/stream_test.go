package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/arclabs/arcreactor/internal/llm"
	"github.com/arclabs/arcreactor/internal/tools"
	"github.com/arclabs/arcreactor/pkg/models"
)

var errStreamDown = errors.New("model backend unavailable")

func collect(ch <-chan StreamEvent) []StreamEvent {
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestExecuteStream_TextFragments(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{resp: &llm.ChatResponse{Content: "hello streaming world"}},
	}}
	f := newFixture(t, testConfig(), provider, nil)

	events := collect(f.engine.ExecuteStream(context.Background(), &models.AgentCommand{UserPrompt: "hi"}))
	if len(events) == 0 {
		t.Fatal("no events")
	}
	var text strings.Builder
	for _, ev := range events {
		if ev.Type == StreamError {
			t.Fatalf("unexpected error event: %q", ev.Text)
		}
		if ev.Type == StreamText {
			text.WriteString(ev.Text)
		}
	}
	if text.String() != "hello streaming world" {
		t.Errorf("assembled text = %q", text.String())
	}
}

func TestExecuteStream_ToolMarkers(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{resp: toolCallResponse(models.ToolCall{ID: "c1", Name: "get_weather", Input: []byte(`{}`)})},
		{resp: &llm.ChatResponse{Content: "sunny"}},
	}}
	f := newFixture(t, testConfig(), provider, []tools.Tool{weatherTool()})

	events := collect(f.engine.ExecuteStream(context.Background(), &models.AgentCommand{UserPrompt: "weather"}))

	var markers []string
	for _, ev := range events {
		if ev.Type == StreamToolStart || ev.Type == StreamToolEnd {
			markers = append(markers, ev.Marker())
		}
	}
	if len(markers) != 2 || markers[0] != "tool_start:get_weather" || markers[1] != "tool_end:get_weather" {
		t.Errorf("markers = %v", markers)
	}

	last := events[len(events)-1]
	if last.Type != StreamText {
		t.Errorf("last event = %+v, want the final text", last)
	}
}

func TestExecuteStream_StructuredFormatRejectedBeforeModel(t *testing.T) {
	provider := &scriptedProvider{}
	f := newFixture(t, testConfig(), provider, nil)

	events := collect(f.engine.ExecuteStream(context.Background(), &models.AgentCommand{
		UserPrompt:     "hi",
		ResponseFormat: models.FormatJSON,
	}))
	if len(events) != 1 || events[0].Type != StreamError {
		t.Fatalf("events = %v, want exactly one error marker", events)
	}
	if provider.callCount() != 0 {
		t.Error("no model call may happen for streaming structured output")
	}
}

func TestExecuteStream_GuardRejectionEmitsOneError(t *testing.T) {
	cfg := testConfig()
	cfg.Guard.MaxInputLength = 5
	provider := &scriptedProvider{}
	f := newFixture(t, cfg, provider, nil)

	events := collect(f.engine.ExecuteStream(context.Background(), &models.AgentCommand{
		UserPrompt: "way too long for the configured limit",
	}))
	if len(events) != 1 || events[0].Type != StreamError {
		t.Fatalf("events = %v, want exactly one error marker", events)
	}
	if provider.callCount() != 0 {
		t.Error("guard rejection must precede any model call")
	}
}

func TestExecuteStream_SavesFinalContent(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{resp: &llm.ChatResponse{Content: "streamed answer"}},
	}}
	f := newFixture(t, testConfig(), provider, nil)

	cmd := &models.AgentCommand{
		UserPrompt: "hi",
		Metadata:   map[string]string{models.MetaSessionID: "s1"},
	}
	collect(f.engine.ExecuteStream(context.Background(), cmd))

	msgs, err := f.store.Get(context.Background(), "s1")
	if err != nil || len(msgs) != 2 {
		t.Fatalf("stored = %v, %v", msgs, err)
	}
	if msgs[1].Content != "streamed answer" {
		t.Errorf("assistant message = %q", msgs[1].Content)
	}
}

func TestExecuteStream_ProviderErrorEmitsTerminalError(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{err: errStreamDown},
	}}
	f := newFixture(t, testConfig(), provider, nil)

	events := collect(f.engine.ExecuteStream(context.Background(), &models.AgentCommand{UserPrompt: "hi"}))
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := events[len(events)-1]
	if last.Type != StreamError {
		t.Errorf("last event = %+v, want error marker", last)
	}
	errorCount := 0
	for _, ev := range events {
		if ev.Type == StreamError {
			errorCount++
		}
	}
	if errorCount != 1 {
		t.Errorf("error markers = %d, want exactly 1", errorCount)
	}
}
