package models

import "encoding/json"

// EventType identifies a server-to-client session event.
type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventDelta          EventType = "delta"
	EventThinking       EventType = "thinking"
	EventToolUse        EventType = "tool_use"
	EventToolResult     EventType = "tool_result"
	EventInterrupted    EventType = "interrupted"
	EventHistoryCleared EventType = "history_cleared"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
)

// AgentEvent is one frame on the session's output queue. Exactly one of
// complete / error / interrupted terminates a turn.
type AgentEvent struct {
	Type EventType `json:"type"`

	// session_created
	SessionID      string   `json:"session_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	AgentType      string   `json:"agent_type,omitempty"`
	MCPServers     []string `json:"mcp_servers,omitempty"`
	TotalTools     int      `json:"total_tools,omitempty"`

	// delta / thinking / tool_result payload
	Content string `json:"content,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   *bool  `json:"is_error,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Terminal reports whether this event ends a turn.
func (e *AgentEvent) Terminal() bool {
	switch e.Type {
	case EventComplete, EventError, EventInterrupted:
		return true
	}
	return false
}

// SessionCreatedEvent builds the first frame on a new session.
func SessionCreatedEvent(sessionID, conversationID, agentType string, mcpServers []string, totalTools int) *AgentEvent {
	return &AgentEvent{
		Type:           EventSessionCreated,
		SessionID:      sessionID,
		ConversationID: conversationID,
		AgentType:      agentType,
		MCPServers:     mcpServers,
		TotalTools:     totalTools,
	}
}

// DeltaEvent builds a text delta frame.
func DeltaEvent(content string) *AgentEvent {
	return &AgentEvent{Type: EventDelta, Content: content}
}

// ThinkingEvent builds a thinking delta frame.
func ThinkingEvent(content string) *AgentEvent {
	return &AgentEvent{Type: EventThinking, Content: content}
}

// ToolUseEvent builds a tool_use frame.
func ToolUseEvent(id, name string, input json.RawMessage) *AgentEvent {
	return &AgentEvent{Type: EventToolUse, ID: id, Name: name, Input: input}
}

// ToolResultEvent builds a tool_result frame. The is_error field is always
// serialized for this frame type.
func ToolResultEvent(toolUseID, content string, isError bool) *AgentEvent {
	return &AgentEvent{Type: EventToolResult, ToolUseID: toolUseID, Content: content, IsError: &isError}
}

// ErrorEvent builds an error frame.
func ErrorEvent(msg string) *AgentEvent {
	return &AgentEvent{Type: EventError, Error: msg}
}

// CompleteEvent builds the terminal complete frame.
func CompleteEvent() *AgentEvent {
	return &AgentEvent{Type: EventComplete}
}

// InterruptedEvent builds the terminal interrupted frame.
func InterruptedEvent() *AgentEvent {
	return &AgentEvent{Type: EventInterrupted}
}

// HistoryClearedEvent builds the history_cleared acknowledgement frame.
func HistoryClearedEvent() *AgentEvent {
	return &AgentEvent{Type: EventHistoryCleared}
}
