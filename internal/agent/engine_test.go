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

// fakeProvider replays scripted responses. Each Stream call consumes the
// next chunk script; each Complete call consumes the next result.
type fakeProvider struct {
	scripts [][]*llm.Chunk
	results []*llm.Result

	streamErr   error
	completeErr error

	streamRequests   []*llm.Request
	completeRequests []*llm.Request

	onChunk func(*llm.Chunk)
}

func (f *fakeProvider) Stream(_ context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	f.streamRequests = append(f.streamRequests, req)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if len(f.scripts) == 0 {
		return nil, errors.New("fakeProvider: no script left")
	}
	script := f.scripts[0]
	f.scripts = f.scripts[1:]

	// Buffered so the producer never blocks when the engine stops reading
	// early (interrupt, stream error).
	ch := make(chan *llm.Chunk, len(script))
	go func() {
		defer close(ch)
		for _, chunk := range script {
			if f.onChunk != nil {
				f.onChunk(chunk)
			}
			ch <- chunk
		}
	}()
	return ch, nil
}

func (f *fakeProvider) Complete(_ context.Context, req *llm.Request) (*llm.Result, error) {
	f.completeRequests = append(f.completeRequests, req)
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	if len(f.results) == 0 {
		return nil, errors.New("fakeProvider: no result left")
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result, nil
}

// captureTool records executions and returns a fixed payload.
type captureTool struct {
	name    string
	reply   string
	isError bool
	inputs  []string
}

func (c *captureTool) Name() string            { return c.name }
func (c *captureTool) Description() string     { return "test tool" }
func (c *captureTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (c *captureTool) Execute(_ context.Context, params json.RawMessage) (*tools.Result, error) {
	c.inputs = append(c.inputs, string(params))
	return &tools.Result{Content: c.reply, IsError: c.isError}, nil
}

type harness struct {
	provider *fakeProvider
	engine   *Engine
	tr       *transcript.Transcript
	events   []*models.AgentEvent
	tool     *captureTool
}

func newHarness(t *testing.T, provider *fakeProvider) *harness {
	t.Helper()
	h := &harness{provider: provider, tr: transcript.New()}
	h.tool = &captureTool{name: "get_incidents", reply: "[]"}

	registry := tools.NewRegistry()
	registry.Register(h.tool)
	dispatcher := tools.NewDispatcher(registry, nil, nil, nil)

	h.engine = NewEngine(provider, dispatcher, h.tr,
		func(ev *models.AgentEvent) { h.events = append(h.events, ev) },
		nil, EngineOptions{SystemPrompt: "you are a test", MaxTokens: 100, MaxTurns: 5})
	return h
}

func (h *harness) eventTypes() []models.EventType {
	out := make([]models.EventType, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Type
	}
	return out
}

func assertEventTypes(t *testing.T, got []models.EventType, want ...models.EventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestDirectStreamTextOnly(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*llm.Chunk{{
		{Text: "hello "},
		{Text: "there"},
		{Done: true, StopReason: "end_turn"},
	}}}
	h := newHarness(t, provider)

	text, outcome := h.engine.Run(context.Background(), "hello")

	if text != "hello there" || outcome != OutcomeComplete {
		t.Errorf("text=%q outcome=%s", text, outcome)
	}
	assertEventTypes(t, h.eventTypes(),
		models.EventDelta, models.EventDelta, models.EventComplete)
	if h.tr.Len() != 2 {
		t.Errorf("transcript length = %d, want 2", h.tr.Len())
	}
}

func TestSingleToolCallTurn(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*llm.Chunk{
		{
			{ToolCall: &models.ToolCall{ID: "tu_1", Name: "get_incidents", Input: json.RawMessage(`{"limit":10}`)}},
			{Done: true, StopReason: llm.StopReasonToolUse},
		},
		{
			{Text: "no open incidents"},
			{Done: true, StopReason: "end_turn"},
		},
	}}
	h := newHarness(t, provider)

	text, outcome := h.engine.Run(context.Background(), "show me recent incidents")

	if text != "no open incidents" || outcome != OutcomeComplete {
		t.Errorf("text=%q outcome=%s", text, outcome)
	}
	assertEventTypes(t, h.eventTypes(),
		models.EventToolUse, models.EventToolResult, models.EventDelta, models.EventComplete)

	toolResult := h.events[1]
	if toolResult.ToolUseID != "tu_1" || toolResult.Content != "[]" {
		t.Errorf("tool_result = %+v", toolResult)
	}
	if toolResult.IsError == nil || *toolResult.IsError {
		t.Error("tool_result is_error should be present and false")
	}
	if len(h.tool.inputs) != 1 || h.tool.inputs[0] != `{"limit":10}` {
		t.Errorf("tool inputs = %v", h.tool.inputs)
	}

	// user, assistant-with-tooluse, tool-results, assistant-text
	if h.tr.Len() != 4 {
		t.Fatalf("transcript length = %d, want 4", h.tr.Len())
	}
	if h.tr.ValidateAndRepair() {
		t.Error("transcript needed repair after clean turn")
	}
}

func TestMalformedToolInputJSON(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*llm.Chunk{
		{
			{ToolCall: &models.ToolCall{ID: "tu_1", Name: "get_incidents", Input: json.RawMessage(`{"limit":`)}},
			{Done: true, StopReason: llm.StopReasonToolUse},
		},
		{
			{Text: "sorry about that"},
			{Done: true, StopReason: "end_turn"},
		},
	}}
	h := newHarness(t, provider)

	_, outcome := h.engine.Run(context.Background(), "show incidents")

	if outcome != OutcomeComplete {
		t.Fatalf("outcome = %s", outcome)
	}
	toolResult := h.events[1]
	if toolResult.Type != models.EventToolResult || toolResult.IsError == nil || !*toolResult.IsError {
		t.Fatalf("expected error tool_result, got %+v", toolResult)
	}
	if toolResult.ToolUseID != "tu_1" {
		t.Errorf("tool_use_id = %q", toolResult.ToolUseID)
	}
	if len(h.tool.inputs) != 0 {
		t.Error("tool must not execute on malformed input")
	}
	if h.tr.ValidateAndRepair() {
		t.Error("transcript needed repair after malformed input turn")
	}
}

func TestProviderErrorLeavesTranscript(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*llm.Chunk{{
		{Text: "partial"},
		{Error: errors.New("rate_limit: overloaded")},
	}}}
	h := newHarness(t, provider)

	text, outcome := h.engine.Run(context.Background(), "hi")

	if outcome != OutcomeError || text != "partial" {
		t.Errorf("text=%q outcome=%s", text, outcome)
	}
	last := h.events[len(h.events)-1]
	if last.Type != models.EventError {
		t.Errorf("last event = %s", last.Type)
	}
	// User message survives for next turn's repair.
	if h.tr.Len() != 1 {
		t.Errorf("transcript length = %d, want 1", h.tr.Len())
	}
}

func TestCorruptedTranscriptErrorClearsHistory(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*llm.Chunk{{
		{Error: errors.New("invalid request: tool_use ids without tool_result blocks")},
	}}}
	h := newHarness(t, provider)
	h.tr.AppendUserText("earlier")
	h.tr.AppendAssistantText("earlier reply")

	_, outcome := h.engine.Run(context.Background(), "hi")

	if outcome != OutcomeError {
		t.Fatalf("outcome = %s", outcome)
	}
	if h.tr.Len() != 0 {
		t.Errorf("transcript length = %d, want 0 after corruption clear", h.tr.Len())
	}
}

func TestInterruptMidStream(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, provider)

	count := 0
	provider.onChunk = func(*llm.Chunk) {
		count++
		if count == 4 {
			h.engine.Interrupt()
		}
	}
	provider.scripts = [][]*llm.Chunk{{
		{Text: "a"}, {Text: "b"}, {Text: "c"},
		{Text: "d"}, {Text: "e"},
		{Done: true, StopReason: "end_turn"},
	}}

	_, outcome := h.engine.Run(context.Background(), "long answer please")

	if outcome != OutcomeInterrupted {
		t.Fatalf("outcome = %s", outcome)
	}
	types := h.eventTypes()
	if types[len(types)-1] != models.EventInterrupted {
		t.Errorf("last event = %s, want interrupted", types[len(types)-1])
	}
	for _, ev := range h.events {
		if ev.Type == models.EventComplete {
			t.Error("complete must not follow interrupted")
		}
	}
	// Partial text was recorded so the next turn starts clean.
	if h.tr.ValidateAndRepair() {
		t.Error("transcript needed repair after interrupt")
	}
}

func TestRecursionCap(t *testing.T) {
	var scripts [][]*llm.Chunk
	for i := 0; i < 10; i++ {
		scripts = append(scripts, []*llm.Chunk{
			{ToolCall: &models.ToolCall{ID: "tu", Name: "get_incidents", Input: json.RawMessage(`{}`)}},
			{Done: true, StopReason: llm.StopReasonToolUse},
		})
	}
	provider := &fakeProvider{scripts: scripts}
	h := newHarness(t, provider)

	_, outcome := h.engine.Run(context.Background(), "loop forever")

	if outcome != OutcomeComplete {
		t.Fatalf("outcome = %s", outcome)
	}
	// MaxTurns=5: the fifth stream is the last one.
	if got := len(provider.streamRequests); got != 5 {
		t.Errorf("stream calls = %d, want 5", got)
	}
	if h.tr.ValidateAndRepair() {
		t.Error("transcript needed repair after capped recursion")
	}
}

func TestContinuationErrorEmitsInBandMessage(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*llm.Chunk{
		{
			{ToolCall: &models.ToolCall{ID: "tu_1", Name: "get_incidents", Input: json.RawMessage(`{}`)}},
			{Done: true, StopReason: llm.StopReasonToolUse},
		},
		{
			{Error: errors.New("overloaded")},
		},
	}}
	h := newHarness(t, provider)

	_, outcome := h.engine.Run(context.Background(), "show incidents")

	if outcome != OutcomeComplete {
		t.Fatalf("outcome = %s", outcome)
	}
	types := h.eventTypes()
	assertEventTypes(t, types,
		models.EventToolUse, models.EventToolResult, models.EventDelta, models.EventComplete)
	if h.events[2].Content != continuationErrorText {
		t.Errorf("continuation delta = %q", h.events[2].Content)
	}
	last := h.tr.Last()
	if last == nil || last.Content != continuationErrorText {
		t.Errorf("transcript last = %+v", last)
	}
}

func TestOnAppendObservesMessages(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*llm.Chunk{{
		{Text: "hi"},
		{Done: true, StopReason: "end_turn"},
	}}}
	h := newHarness(t, provider)

	var roles []models.Role
	h.engine.OnAppend = func(m *models.Message) { roles = append(roles, m.Role) }

	h.engine.Run(context.Background(), "hello")

	if len(roles) != 2 || roles[0] != models.RoleUser || roles[1] != models.RoleAssistant {
		t.Errorf("observed roles = %v", roles)
	}
}
