// Package agent implements the per-session turn machinery: the streaming
// turn engine and the hybrid orchestrator that sits in front of it.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/inreslabs/inres-agent/internal/llm"
	"github.com/inreslabs/inres-agent/internal/tools"
	"github.com/inreslabs/inres-agent/internal/transcript"
	"github.com/inreslabs/inres-agent/pkg/models"
)

// Outcome is how a turn ended. Exactly one terminal event per turn matches
// it on the wire.
type Outcome string

const (
	OutcomeComplete    Outcome = "complete"
	OutcomeError       Outcome = "error"
	OutcomeInterrupted Outcome = "interrupted"
)

// continuationErrorText keeps the transcript valid when the post-tool
// continuation call fails.
const continuationErrorText = "I encountered an error while processing the tool results. Please try again."

// EngineOptions configures one engine instance.
type EngineOptions struct {
	// SystemPrompt is prepended to every provider call.
	SystemPrompt string

	// MaxTokens is the streaming token budget. Default: 4096.
	MaxTokens int

	// MaxTurns caps tool-use recursion depth within one turn. Default: 10.
	MaxTurns int
}

// Engine owns a single turn: it drives one streaming provider call,
// dispatches tool calls inline, updates the transcript exactly once per
// sub-step, and recurses while the model keeps requesting tools. Events go
// to the session queue through emit in generation order; the engine never
// touches the socket.
type Engine struct {
	provider   llm.Provider
	dispatcher *tools.Dispatcher
	transcript *transcript.Transcript
	emit       func(*models.AgentEvent)
	logger     *slog.Logger
	opts       EngineOptions

	interrupted atomic.Bool

	// OnAppend, when set, observes every message the engine appends to the
	// transcript. Used for fire-and-forget persistence.
	OnAppend func(*models.Message)
}

// NewEngine creates an engine bound to one session's transcript and queue.
func NewEngine(provider llm.Provider, dispatcher *tools.Dispatcher, tr *transcript.Transcript, emit func(*models.AgentEvent), logger *slog.Logger, opts EngineOptions) *Engine {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider:   provider,
		dispatcher: dispatcher,
		transcript: tr,
		emit:       emit,
		logger:     logger.With("component", "engine"),
		opts:       opts,
	}
}

// Interrupt requests cooperative cancellation. The engine notices at the
// next provider event boundary; an in-flight tool call finishes first.
func (e *Engine) Interrupt() {
	e.interrupted.Store(true)
}

// Transcript exposes the engine's transcript to its owner.
func (e *Engine) Transcript() *transcript.Transcript {
	return e.transcript
}

// Run executes one full turn for a user prompt. The terminal event has been
// emitted by the time it returns.
func (e *Engine) Run(ctx context.Context, prompt string) (string, Outcome) {
	e.interrupted.Store(false)
	e.transcript.ValidateAndRepair()
	e.appendUserText(prompt)
	return e.finishTurn(e.stream(ctx, 0))
}

// Continue enters the streaming phase without a new user prompt. The caller
// has already updated the transcript; the model responds to whatever it
// holds, typically pending tool results. The interrupt flag carries over
// from the start of the turn.
func (e *Engine) Continue(ctx context.Context) (string, Outcome) {
	return e.finishTurn(e.stream(ctx, 0))
}

func (e *Engine) finishTurn(text string, outcome Outcome) (string, Outcome) {
	if outcome == OutcomeComplete {
		e.emit(models.CompleteEvent())
	}
	return text, outcome
}

// stream runs one provider call plus inline tool dispatch, recursing while
// the model stops for tool_use. depth counts recursion within the turn.
func (e *Engine) stream(ctx context.Context, depth int) (string, Outcome) {
	req := &llm.Request{
		System:    e.opts.SystemPrompt,
		Messages:  e.transcript.Snapshot(),
		Tools:     e.dispatcher.Defs(),
		MaxTokens: e.opts.MaxTokens,
	}

	chunks, err := e.provider.Stream(ctx, req)
	if err != nil {
		return "", e.failTurn(err, depth)
	}

	var text strings.Builder
	var calls []models.ToolCall
	var pending []models.ToolResult
	var stopReason string

	for chunk := range chunks {
		if e.interrupted.Load() {
			e.recordPartial(text.String(), calls, pending)
			e.emit(models.InterruptedEvent())
			return text.String(), OutcomeInterrupted
		}
		if ctx.Err() != nil {
			e.recordPartial(text.String(), calls, pending)
			e.emit(models.InterruptedEvent())
			return text.String(), OutcomeInterrupted
		}

		switch {
		case chunk.Error != nil:
			return text.String(), e.failTurn(chunk.Error, depth)

		case chunk.Text != "":
			text.WriteString(chunk.Text)
			e.emit(models.DeltaEvent(chunk.Text))

		case chunk.Thinking != "":
			e.emit(models.ThinkingEvent(chunk.Thinking))

		case chunk.ToolCall != nil:
			call, result := e.runToolCall(ctx, chunk.ToolCall)
			calls = append(calls, call)
			pending = append(pending, result)

		case chunk.Done:
			stopReason = chunk.StopReason
		}
	}

	if stopReason == llm.StopReasonToolUse && len(calls) > 0 {
		e.appendAssistantBlocks(text.String(), calls)
		e.appendToolResults(pending)

		if depth+1 >= e.opts.MaxTurns {
			e.logger.Warn("tool recursion cap reached", "depth", depth+1)
			return text.String(), OutcomeComplete
		}

		continued, outcome := e.stream(ctx, depth+1)
		if outcome == OutcomeError {
			// Keep the transcript valid and tell the user in-band.
			e.appendAssistantText(continuationErrorText)
			e.emit(models.DeltaEvent(continuationErrorText))
			return text.String(), OutcomeComplete
		}
		return text.String() + continued, outcome
	}

	if len(calls) > 0 {
		// Tools ran but the model did not stop for them. Record both sides
		// anyway so the id sets stay matched.
		e.appendAssistantBlocks(text.String(), calls)
		e.appendToolResults(pending)
	} else if text.Len() > 0 {
		e.appendAssistantText(text.String())
	}
	return text.String(), OutcomeComplete
}

// runToolCall validates the accumulated input, emits the tool_use and
// tool_result events, and dispatches through the tool dispatcher. Malformed
// input becomes an error result bound to the same id so the transcript
// invariant survives.
func (e *Engine) runToolCall(ctx context.Context, call *models.ToolCall) (models.ToolCall, models.ToolResult) {
	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	if !json.Valid(input) {
		normalized := models.ToolCall{ID: call.ID, Name: call.Name, Input: json.RawMessage(`{}`)}
		content := fmt.Sprintf("Error: Failed to parse tool input JSON: invalid input for tool %s", call.Name)
		e.emit(models.ToolUseEvent(call.ID, call.Name, normalized.Input))
		e.emit(models.ToolResultEvent(call.ID, content, true))
		return normalized, models.ToolResult{ToolCallID: call.ID, Content: content, IsError: true}
	}

	e.emit(models.ToolUseEvent(call.ID, call.Name, input))
	result := e.dispatcher.Execute(ctx, call.Name, input)
	e.emit(models.ToolResultEvent(call.ID, result.Content, result.IsError))

	return models.ToolCall{ID: call.ID, Name: call.Name, Input: input},
		models.ToolResult{ToolCallID: call.ID, Content: result.Content, IsError: result.IsError}
}

// recordPartial folds whatever the interrupted stream produced into the
// transcript so the next turn needs no repair.
func (e *Engine) recordPartial(text string, calls []models.ToolCall, pending []models.ToolResult) {
	if len(calls) > 0 {
		e.appendAssistantBlocks(text, calls)
		e.appendToolResults(pending)
		return
	}
	if text != "" {
		e.appendAssistantText(text)
	}
}

// failTurn applies the provider error policy. A provider rejection that
// names both tool_use and tool_result means the transcript itself is the
// problem; it gets cleared. Anything else leaves the transcript for the
// next turn's repair. Failures inside a recursive continuation (depth > 0)
// do not emit an error event; the outer frame reports in-band so a turn
// carries at most one terminal event.
func (e *Engine) failTurn(err error, depth int) Outcome {
	msg := err.Error()
	if strings.Contains(msg, "tool_use") && strings.Contains(msg, "tool_result") {
		e.logger.Warn("provider rejected transcript, clearing history", "error", err)
		e.transcript.Clear()
	} else {
		e.logger.Error("provider call failed", "error", err)
	}
	if depth == 0 {
		e.emit(models.ErrorEvent(msg))
	}
	return OutcomeError
}

func (e *Engine) appendUserText(content string) {
	e.transcript.AppendUserText(content)
	e.notifyAppend()
}

func (e *Engine) appendAssistantText(content string) {
	e.transcript.AppendAssistantText(content)
	e.notifyAppend()
}

func (e *Engine) appendAssistantBlocks(text string, calls []models.ToolCall) {
	e.transcript.AppendAssistantBlocks(text, calls)
	e.notifyAppend()
}

func (e *Engine) appendToolResults(results []models.ToolResult) {
	if e.transcript.AppendToolResults(results) {
		e.notifyAppend()
	}
}

func (e *Engine) notifyAppend() {
	if e.OnAppend == nil {
		return
	}
	if last := e.transcript.Last(); last != nil {
		e.OnAppend(last)
	}
}
