// Package transcript maintains a provider-valid conversation history.
//
// The invariants enforced here mirror what the LLM API rejects: roles must
// alternate user/assistant (tool-result messages count as user), every
// assistant tool_use id must be answered by a tool_result in the immediately
// following message, and the id sets must match exactly. ValidateAndRepair
// patches any violation with synthetic tool results so the next provider call
// always succeeds.
package transcript

import (
	"time"

	"github.com/google/uuid"
	"github.com/inreslabs/inres-agent/pkg/models"
)

// InterruptedResultText is the synthetic content inserted for a tool_use that
// never received a result (crash, cancel, disconnect mid-dispatch).
const InterruptedResultText = "Tool execution was interrupted. Please try again."

// Transcript is an ordered, mutable conversation history. It is owned by a
// single session actor and is not safe for concurrent use.
type Transcript struct {
	messages []*models.Message
}

// New returns an empty transcript.
func New() *Transcript {
	return &Transcript{}
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	return len(t.messages)
}

// AppendUserText appends a user message with plain string content.
func (t *Transcript) AppendUserText(content string) {
	t.messages = append(t.messages, &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	})
}

// AppendAssistantText appends an assistant message with plain string content.
func (t *Transcript) AppendAssistantText(content string) {
	t.messages = append(t.messages, &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	})
}

// AppendAssistantBlocks appends an assistant message carrying the provider's
// final content blocks: accumulated text plus the tool calls in their original
// order.
func (t *Transcript) AppendAssistantBlocks(text string, calls []models.ToolCall) {
	t.messages = append(t.messages, &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   text,
		ToolCalls: calls,
		CreatedAt: time.Now(),
	})
}

// AppendToolResults appends a single tool-result message covering the given
// results. Returns false if results is empty; an empty tool message is never
// valid.
func (t *Transcript) AppendToolResults(results []models.ToolResult) bool {
	if len(results) == 0 {
		return false
	}
	t.messages = append(t.messages, &models.Message{
		ID:          uuid.NewString(),
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now(),
	})
	return true
}

// Last returns a deep copy of the most recent message, or nil when empty.
func (t *Transcript) Last() *models.Message {
	if len(t.messages) == 0 {
		return nil
	}
	return t.messages[len(t.messages)-1].Clone()
}

// Clear empties the transcript.
func (t *Transcript) Clear() {
	t.messages = nil
}

// Snapshot returns a deep copy of the history, safe to hand to a provider
// conversion layer or a planning phase.
func (t *Transcript) Snapshot() []*models.Message {
	out := make([]*models.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}

// ValidateAndRepair checks the transcript invariants and patches violations
// in place. For every assistant tool_use id not covered by the following
// message's tool_result set it inserts a synthetic result; stray tool-result
// messages with no preceding assistant tool_use are dropped. Returns true if
// anything changed.
func (t *Transcript) ValidateAndRepair() bool {
	repaired := false
	out := make([]*models.Message, 0, len(t.messages))

	for i := 0; i < len(t.messages); i++ {
		msg := t.messages[i]
		if msg == nil {
			repaired = true
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			out = append(out, msg)
			if len(msg.ToolCalls) == 0 {
				continue
			}

			// Collect ids this assistant turn expects answered.
			want := make(map[string]bool, len(msg.ToolCalls))
			order := make([]string, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue
				}
				want[call.ID] = true
				order = append(order, call.ID)
			}
			if len(want) == 0 {
				continue
			}

			var next *models.Message
			if i+1 < len(t.messages) {
				next = t.messages[i+1]
			}

			if next != nil && next.Role == models.RoleTool {
				// Keep only results for ids this turn owns, then fill gaps.
				kept := make([]models.ToolResult, 0, len(next.ToolResults))
				for _, res := range next.ToolResults {
					if want[res.ToolCallID] {
						delete(want, res.ToolCallID)
						kept = append(kept, res)
					} else {
						repaired = true
					}
				}
				for _, id := range order {
					if want[id] {
						kept = append(kept, syntheticResult(id))
						repaired = true
					}
				}
				next.ToolResults = kept
				out = append(out, next)
				i++
				continue
			}

			// No tool-result message follows: synthesize one, either at the
			// end or inserted before whatever came next.
			results := make([]models.ToolResult, 0, len(order))
			for _, id := range order {
				results = append(results, syntheticResult(id))
			}
			out = append(out, &models.Message{
				ID:          uuid.NewString(),
				Role:        models.RoleTool,
				ToolResults: results,
				CreatedAt:   time.Now(),
			})
			repaired = true

		case models.RoleTool:
			// A tool message only survives as the answer to the assistant
			// message handled above; reaching here means it is orphaned.
			repaired = true

		default:
			out = append(out, msg)
		}
	}

	t.messages = out
	return repaired
}

func syntheticResult(id string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: id,
		Content:    InterruptedResultText,
		IsError:    true,
	}
}
