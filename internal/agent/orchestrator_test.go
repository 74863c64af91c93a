package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/inreslabs/inres-agent/internal/llm"
	"github.com/inreslabs/inres-agent/internal/tools"
	"github.com/inreslabs/inres-agent/internal/transcript"
	"github.com/inreslabs/inres-agent/pkg/models"
)

func newOrchestrator(t *testing.T, h *harness, planner *fakeProvider, opts OrchestratorOptions) *Orchestrator {
	t.Helper()
	emit := func(ev *models.AgentEvent) { h.events = append(h.events, ev) }
	return NewOrchestrator(planner, h.engine, h.engine.dispatcher, h.tr, emit, nil, opts)
}

func TestRouteHeuristic(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	orch := newOrchestrator(t, h, &fakeProvider{}, OrchestratorOptions{
		ServerNames: []string{"grafana"},
	})

	cases := []struct {
		prompt string
		want   Path
	}{
		{"show me the open incidents", PathPlan},
		{"can you acknowledge INC-42?", PathPlan},
		{"what does grafana say", PathPlan},
		{"explain what a runbook is", PathStream},
		{"thanks, that helped", PathStream},
		// Keyword must match a whole token.
		{"the showroom is closed", PathStream},
	}
	for _, tc := range cases {
		if got := orch.Route(tc.prompt); got != tc.want {
			t.Errorf("Route(%q) = %s, want %s", tc.prompt, got, tc.want)
		}
	}
}

func TestRouteAlwaysPlan(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	orch := newOrchestrator(t, h, &fakeProvider{}, OrchestratorOptions{AlwaysPlan: true})

	if got := orch.Route("thanks"); got != PathPlan {
		t.Errorf("Route = %s, want plan", got)
	}
}

func TestRouteNoToolsAlwaysStreams(t *testing.T) {
	h := &harness{provider: &fakeProvider{}, tr: transcript.New()}
	dispatcher := tools.NewDispatcher(tools.NewRegistry(), nil, nil, nil)
	h.engine = NewEngine(h.provider, dispatcher, h.tr,
		func(ev *models.AgentEvent) { h.events = append(h.events, ev) },
		nil, EngineOptions{})
	orch := newOrchestrator(t, h, &fakeProvider{}, OrchestratorOptions{})

	if got := orch.Route("show me incident stats"); got != PathStream {
		t.Errorf("Route = %s, want stream with no tools", got)
	}
}

func TestPlannerTextOnly(t *testing.T) {
	streamer := &fakeProvider{}
	planner := &fakeProvider{results: []*llm.Result{
		{Text: "All quiet right now.", StopReason: "end_turn"},
	}}
	h := newHarness(t, streamer)
	orch := newOrchestrator(t, h, planner, OrchestratorOptions{
		AlwaysPlan:    true,
		PlanMaxTokens: 256,
	})

	text, outcome, path := orch.RunTurn(context.Background(), "any incidents?")

	if text != "All quiet right now." || outcome != OutcomeComplete || path != PathPlan {
		t.Errorf("text=%q outcome=%s path=%s", text, outcome, path)
	}
	assertEventTypes(t, h.eventTypes(), models.EventDelta, models.EventComplete)
	if h.tr.Len() != 2 {
		t.Errorf("transcript length = %d, want 2", h.tr.Len())
	}
	if len(streamer.streamRequests) != 0 {
		t.Error("text-only plan must not reach the streaming provider")
	}
	if got := planner.completeRequests[0].MaxTokens; got != 256 {
		t.Errorf("planner max tokens = %d, want 256", got)
	}
}

func TestPlannerToolPath(t *testing.T) {
	streamer := &fakeProvider{scripts: [][]*llm.Chunk{{
		{Text: "There are no open incidents."},
		{Done: true, StopReason: "end_turn"},
	}}}
	planner := &fakeProvider{results: []*llm.Result{{
		Text: "Checking.",
		ToolCalls: []models.ToolCall{
			{ID: "tu_1", Name: "get_incidents", Input: json.RawMessage(`{"status":"open"}`)},
		},
		StopReason: llm.StopReasonToolUse,
	}}}
	h := newHarness(t, streamer)
	orch := newOrchestrator(t, h, planner, OrchestratorOptions{AlwaysPlan: true})

	text, outcome, path := orch.RunTurn(context.Background(), "list open incidents")

	if text != "There are no open incidents." || outcome != OutcomeComplete || path != PathPlan {
		t.Errorf("text=%q outcome=%s path=%s", text, outcome, path)
	}
	assertEventTypes(t, h.eventTypes(),
		models.EventToolUse, models.EventToolResult, models.EventDelta, models.EventComplete)
	if len(h.tool.inputs) != 1 || h.tool.inputs[0] != `{"status":"open"}` {
		t.Errorf("tool inputs = %v", h.tool.inputs)
	}
	// user, assistant-with-tooluse, tool-results, assistant-text
	if h.tr.Len() != 4 {
		t.Errorf("transcript length = %d, want 4", h.tr.Len())
	}
	if h.tr.ValidateAndRepair() {
		t.Error("transcript needed repair after planner turn")
	}
}

func TestPlannerError(t *testing.T) {
	planner := &fakeProvider{completeErr: errors.New("overloaded")}
	h := newHarness(t, &fakeProvider{})
	orch := newOrchestrator(t, h, planner, OrchestratorOptions{AlwaysPlan: true})

	_, outcome, _ := orch.RunTurn(context.Background(), "list incidents")

	if outcome != OutcomeError {
		t.Fatalf("outcome = %s", outcome)
	}
	last := h.events[len(h.events)-1]
	if last.Type != models.EventError {
		t.Errorf("last event = %s", last.Type)
	}
	// User message stays for next turn's repair.
	if h.tr.Len() != 1 {
		t.Errorf("transcript length = %d, want 1", h.tr.Len())
	}
}
