// Package mcp implements a client and subprocess pool for external tool
// servers speaking newline-delimited JSON-RPC 2.0 over stdio.
package mcp

import (
	"encoding/json"
	"strings"
)

// ProtocolVersion is the protocol revision sent in the initialize handshake.
const ProtocolVersion = "2024-11-05"

// ToolPrefix marks tool names that route to an external server. A full name
// is mcp__<server>__<tool>.
const ToolPrefix = "mcp__"

const toolSeparator = "__"

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no id, no response).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error member of a failed response.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Tool is a descriptor returned by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ServerConfig describes how to launch one external tool server.
type ServerConfig struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
}

// JoinToolName builds the prefixed name surfaced to the model.
func JoinToolName(server, tool string) string {
	return ToolPrefix + server + toolSeparator + tool
}

// SplitToolName parses a prefixed name back into (server, tool). ok is false
// when the name does not carry the external prefix or is malformed.
func SplitToolName(full string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(full, ToolPrefix)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, toolSeparator)
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// IsExternalTool reports whether a tool name routes to an external server.
func IsExternalTool(name string) bool {
	return strings.HasPrefix(name, ToolPrefix)
}
