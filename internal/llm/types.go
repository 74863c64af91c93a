package llm

import (
	"context"
	"encoding/json"

	"github.com/inreslabs/inres-agent/pkg/models"
)

// StopReasonToolUse is the provider stop reason indicating the model paused
// to request tool execution.
const StopReasonToolUse = "tool_use"

// ToolDef describes one tool surfaced to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a completion request against the provider.
type Request struct {
	System    string
	Messages  []*models.Message
	Tools     []ToolDef
	MaxTokens int
}

// Chunk is one streaming event from the provider.
type Chunk struct {
	// Text is an incremental text delta.
	Text string

	// Thinking is an incremental thinking delta.
	Thinking string

	// ToolCall carries a complete tool_use block. Input holds the raw
	// accumulated JSON and may be malformed; callers must validate.
	ToolCall *models.ToolCall

	// Done marks the end of the stream; StopReason is set alongside it.
	Done       bool
	StopReason string

	// Error terminates the stream.
	Error error
}

// Result is the outcome of a non-streaming completion (planner path).
type Result struct {
	Text       string
	ToolCalls  []models.ToolCall
	StopReason string
}

// Provider is the LLM surface the engine and orchestrator consume.
type Provider interface {
	// Stream opens a streaming completion. The returned channel is closed
	// when the stream finishes or fails; the final chunk carries Done or
	// Error.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Complete issues a single non-streaming completion.
	Complete(ctx context.Context, req *Request) (*Result, error)
}
