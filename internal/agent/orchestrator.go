package agent

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/inreslabs/inres-agent/internal/llm"
	"github.com/inreslabs/inres-agent/internal/tools"
	"github.com/inreslabs/inres-agent/internal/transcript"
	"github.com/inreslabs/inres-agent/pkg/models"
)

// planKeywords is the fixed vocabulary that sends a prompt down the planner
// path. Names of the session's external servers are added at build time.
var planKeywords = []string{
	"incident", "alert", "acknowledge", "resolve",
	"show", "list", "get", "fetch", "stats",
	"recent", "latest", "logs", "search",
}

// OrchestratorOptions configures the planner phase.
type OrchestratorOptions struct {
	// AlwaysPlan forces the planner path for every prompt.
	AlwaysPlan bool

	// SystemPrompt is prepended to the planning call.
	SystemPrompt string

	// PlanMaxTokens is the planning token budget. Default: 1024.
	PlanMaxTokens int

	// ServerNames are the session's external tool servers; each name joins
	// the planning vocabulary.
	ServerNames []string
}

// Orchestrator routes each turn down one of two paths: a cheap lexical
// check decides whether the prompt likely needs tools. Tool-free prompts go
// straight to the streaming engine; tool-looking prompts get one small
// non-streaming planning call first, its tool calls dispatched before the
// stream produces the user-visible answer.
type Orchestrator struct {
	planner    llm.Provider
	engine     *Engine
	dispatcher *tools.Dispatcher
	transcript *transcript.Transcript
	emit       func(*models.AgentEvent)
	logger     *slog.Logger
	opts       OrchestratorOptions

	keywords map[string]bool
}

// NewOrchestrator builds an orchestrator in front of an engine. planner may
// be a different provider than the engine's, typically a smaller budget on
// the same API.
func NewOrchestrator(planner llm.Provider, engine *Engine, dispatcher *tools.Dispatcher, tr *transcript.Transcript, emit func(*models.AgentEvent), logger *slog.Logger, opts OrchestratorOptions) *Orchestrator {
	if opts.PlanMaxTokens <= 0 {
		opts.PlanMaxTokens = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	keywords := make(map[string]bool, len(planKeywords)+len(opts.ServerNames))
	for _, kw := range planKeywords {
		keywords[kw] = true
	}
	for _, name := range opts.ServerNames {
		keywords[strings.ToLower(name)] = true
	}

	return &Orchestrator{
		planner:    planner,
		engine:     engine,
		dispatcher: dispatcher,
		transcript: tr,
		emit:       emit,
		logger:     logger.With("component", "orchestrator"),
		opts:       opts,
		keywords:   keywords,
	}
}

// Path is the route chosen for a prompt.
type Path string

const (
	PathPlan   Path = "plan"
	PathStream Path = "stream"
)

// Route decides the path for a prompt.
func (o *Orchestrator) Route(prompt string) Path {
	if o.opts.AlwaysPlan {
		return PathPlan
	}
	if o.dispatcher.TotalTools() == 0 {
		return PathStream
	}
	for _, word := range tokenize(prompt) {
		if o.keywords[word] {
			return PathPlan
		}
	}
	return PathStream
}

// Interrupt forwards cooperative cancellation to the engine.
func (o *Orchestrator) Interrupt() {
	o.engine.Interrupt()
}

// RunTurn executes one turn end to end. The terminal event has been emitted
// by the time it returns.
func (o *Orchestrator) RunTurn(ctx context.Context, prompt string) (string, Outcome, Path) {
	path := o.Route(prompt)
	if path == PathStream {
		text, outcome := o.engine.Run(ctx, prompt)
		return text, outcome, path
	}
	text, outcome := o.plan(ctx, prompt)
	return text, outcome, path
}

// plan runs the planner path: one non-streaming call, sequential tool
// dispatch, then the streaming engine for the user-visible answer.
func (o *Orchestrator) plan(ctx context.Context, prompt string) (string, Outcome) {
	o.engine.interrupted.Store(false)
	o.transcript.ValidateAndRepair()
	o.engine.appendUserText(prompt)

	req := &llm.Request{
		System:    o.opts.SystemPrompt,
		Messages:  o.transcript.Snapshot(),
		Tools:     o.dispatcher.Defs(),
		MaxTokens: o.opts.PlanMaxTokens,
	}
	result, err := o.planner.Complete(ctx, req)
	if err != nil {
		return "", o.engine.failTurn(err, 0)
	}

	// Text-only plan: the planner's answer is the answer.
	if len(result.ToolCalls) == 0 {
		o.engine.appendAssistantText(result.Text)
		if result.Text != "" {
			o.emit(models.DeltaEvent(result.Text))
		}
		o.emit(models.CompleteEvent())
		return result.Text, OutcomeComplete
	}

	pending := make([]models.ToolResult, 0, len(result.ToolCalls))
	calls := make([]models.ToolCall, 0, len(result.ToolCalls))
	for i := range result.ToolCalls {
		call, res := o.engine.runToolCall(ctx, &result.ToolCalls[i])
		calls = append(calls, call)
		pending = append(pending, res)
	}

	o.engine.appendAssistantBlocks(result.Text, calls)
	o.engine.appendToolResults(pending)

	// The stream sees the tool results as the latest user turn and answers
	// with full context.
	return o.engine.Continue(ctx)
}

// tokenize lowercases and splits a prompt into alphanumeric words.
func tokenize(prompt string) []string {
	return strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
