package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/inreslabs/inres-agent/internal/mcp"
)

type fakeExternal struct {
	tools  []mcp.Tool
	calls  []string
	result string
	err    error
}

func (f *fakeExternal) Tools() []mcp.Tool { return f.tools }

func (f *fakeExternal) Call(_ context.Context, fullName string, _ json.RawMessage) (string, error) {
	f.calls = append(f.calls, fullName)
	return f.result, f.err
}

type echoTool struct{}

func (echoTool) Name() string             { return "echo" }
func (echoTool) Description() string      { return "echoes input" }
func (echoTool) Schema() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	return &Result{Content: string(params)}, nil
}

func TestDispatcherRoutesBuiltin(t *testing.T) {
	registry := NewRegistry()
	registry.Register(echoTool{})
	external := &fakeExternal{}
	d := NewDispatcher(registry, external, nil, nil)

	res := d.Execute(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	if res.IsError || res.Content != `{"a":1}` {
		t.Errorf("result = %+v", res)
	}
	if len(external.calls) != 0 {
		t.Errorf("external backend called for builtin tool: %v", external.calls)
	}
}

func TestDispatcherRoutesExternal(t *testing.T) {
	registry := NewRegistry()
	external := &fakeExternal{result: "dashboard json"}
	d := NewDispatcher(registry, external, nil, nil)

	res := d.Execute(context.Background(), "mcp__grafana__search", json.RawMessage(`{}`))
	if res.IsError || res.Content != "dashboard json" {
		t.Errorf("result = %+v", res)
	}
	if len(external.calls) != 1 || external.calls[0] != "mcp__grafana__search" {
		t.Errorf("external calls = %v", external.calls)
	}
}

func TestDispatcherExternalErrorBecomesResult(t *testing.T) {
	d := NewDispatcher(NewRegistry(), &fakeExternal{err: errors.New("server crashed")}, nil, nil)

	res := d.Execute(context.Background(), "mcp__grafana__search", nil)
	if !res.IsError || res.Content != "server crashed" {
		t.Errorf("result = %+v", res)
	}
}

func TestDispatcherNoExternalConfigured(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil, nil, nil)

	res := d.Execute(context.Background(), "mcp__grafana__search", nil)
	if !res.IsError {
		t.Error("expected error result with no external backend")
	}
}

func TestDispatcherUnknownBuiltin(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil, nil, nil)

	res := d.Execute(context.Background(), "nope", nil)
	if !res.IsError || res.Content != "tool not found: nope" {
		t.Errorf("result = %+v", res)
	}
}

func TestDefsMergeBuiltinAndExternal(t *testing.T) {
	registry := NewRegistry()
	registry.Register(echoTool{})
	external := &fakeExternal{tools: []mcp.Tool{
		{Name: "mcp__grafana__search", Description: "search dashboards"},
	}}
	d := NewDispatcher(registry, external, nil, nil)

	defs := d.Defs()
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	if defs[0].Name != "echo" || defs[1].Name != "mcp__grafana__search" {
		t.Errorf("def names = %s, %s", defs[0].Name, defs[1].Name)
	}
	// External tools without a schema get an empty object schema.
	if string(defs[1].InputSchema) != `{"type":"object"}` {
		t.Errorf("external schema = %s", defs[1].InputSchema)
	}
	if d.TotalTools() != 2 {
		t.Errorf("total tools = %d", d.TotalTools())
	}
}
