package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/inreslabs/inres-agent/internal/audit"
	"github.com/inreslabs/inres-agent/internal/llm"
	"github.com/inreslabs/inres-agent/internal/mcp"
	"github.com/inreslabs/inres-agent/internal/metrics"
)

// ExternalBackend is the pool handle surface the dispatcher needs. Satisfied
// by *mcp.Handle.
type ExternalBackend interface {
	Tools() []mcp.Tool
	Call(ctx context.Context, fullName string, args json.RawMessage) (string, error)
}

// Dispatcher routes tool calls by name: prefixed names go to the external
// tool server pool, everything else to the built-in registry. Every dispatch
// is bracketed by tool_requested / tool_executed audit events sharing a
// minted request id.
type Dispatcher struct {
	registry *Registry
	external ExternalBackend
	auditor  *audit.ActorLogger
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher. external, auditor, and metrics may be
// nil.
func NewDispatcher(registry *Registry, external ExternalBackend, auditor *audit.ActorLogger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		external: external,
		auditor:  auditor,
		metrics:  m,
	}
}

// Execute runs one tool call and returns its result. Failures never surface
// as an error return; they come back as error results so the turn can
// continue.
func (d *Dispatcher) Execute(ctx context.Context, name string, args json.RawMessage) *Result {
	route := "builtin"
	if mcp.IsExternalTool(name) {
		route = "external"
	}

	var requestID string
	if d.auditor != nil {
		requestID = d.auditor.ToolRequested(name, string(args))
	}

	start := time.Now()
	result := d.dispatch(ctx, name, args)
	elapsed := time.Since(start)

	if d.auditor != nil {
		d.auditor.ToolExecuted(name, requestID, elapsed, !result.IsError, result.Content)
	}
	if d.metrics != nil {
		outcome := "success"
		if result.IsError {
			outcome = "error"
		}
		d.metrics.ToolExecutions.WithLabelValues(route, name, outcome).Inc()
		d.metrics.ToolDuration.WithLabelValues(route).Observe(elapsed.Seconds())
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, args json.RawMessage) *Result {
	if mcp.IsExternalTool(name) {
		if d.external == nil {
			return &Result{Content: "no external tool servers configured", IsError: true}
		}
		content, err := d.external.Call(ctx, name, args)
		if err != nil {
			return &Result{Content: err.Error(), IsError: true}
		}
		return &Result{Content: content}
	}

	result, err := d.registry.Execute(ctx, name, args)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}
	}
	return result
}

// Defs returns the tool definitions surfaced to the model: built-ins plus
// the external union, external names already prefixed by the pool.
func (d *Dispatcher) Defs() []llm.ToolDef {
	var defs []llm.ToolDef
	for _, tool := range d.registry.List() {
		defs = append(defs, llm.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	if d.external != nil {
		for _, tool := range d.external.Tools() {
			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			defs = append(defs, llm.ToolDef{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
	}
	return defs
}

// TotalTools returns the number of tools the session exposes.
func (d *Dispatcher) TotalTools() int {
	return len(d.Defs())
}
