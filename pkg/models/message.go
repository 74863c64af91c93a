package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool marks a message carrying tool results. The LLM provider has no
	// tool role; these messages are serialized as user messages at call time.
	RoleTool Role = "tool"
)

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one entry in a conversation transcript.
//
// An assistant message with a non-empty ToolCalls slice must be followed by a
// RoleTool message whose ToolResults cover the same tool call IDs. The
// transcript package enforces and repairs this.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	ToolCalls      []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult `json:"tool_results,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	copied := *m
	if len(m.ToolCalls) > 0 {
		copied.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			copied.ToolCalls[i] = tc
			if tc.Input != nil {
				copied.ToolCalls[i].Input = append(json.RawMessage(nil), tc.Input...)
			}
		}
	}
	if len(m.ToolResults) > 0 {
		copied.ToolResults = append([]ToolResult(nil), m.ToolResults...)
	}
	return &copied
}

// Conversation is the durable record backing one or more sessions.
type Conversation struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OrgID          string    `json:"org_id,omitempty"`
	ProjectID      string    `json:"project_id,omitempty"`
	Mode           string    `json:"mode,omitempty"`
	Title          string    `json:"title,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// User represents an authenticated user.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}
