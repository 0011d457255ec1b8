// Package tools defines the callable tool surface exposed to the language
// model during a turn. Each [Tool] carries its model-facing schema together
// with the handler invoked when the model calls it. The [Registry] dispatches
// accumulated tool calls and converts every failure, including calls to
// unregistered tools, into an error payload the model can read, so a bad
// call never ends the session.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chillpanda/bamboo/pkg/types"
)

// DefaultTimeout bounds a tool call when the Tool declares no timeout of its
// own. Tool execution is synchronous from the turn driver's perspective, so
// an unbounded handler would stall the whole turn.
const DefaultTimeout = 10 * time.Second

// Tool is one callable function exposed to the model.
type Tool struct {
	// Definition is the tool's model-facing schema: name, description and
	// JSON Schema parameter specification.
	Definition types.ToolDefinition

	// Handler executes the tool with the raw JSON-encoded arguments and
	// returns a result string ready for insertion into the model context.
	// Implementations must be safe for concurrent use and must respect
	// context cancellation.
	Handler func(ctx context.Context, args string) (string, error)

	// Timeout is the hard deadline for one call. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Result holds the outcome of a single tool execution. When IsError is true,
// Content is a JSON error payload.
type Result struct {
	Content    string
	IsError    bool
	DurationMs int64
}

// Registry holds a session's tool set. Read-only after construction and safe
// for concurrent use.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry builds a registry from the given tools. Tool names must be
// non-empty and unique; every tool must carry a handler.
func NewRegistry(toolset ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(toolset))}
	for _, t := range toolset {
		name := t.Definition.Name
		if name == "" {
			return nil, errors.New("tools: tool with empty name")
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tools: tool %q has no handler", name)
		}
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", name)
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return r, nil
}

// Definitions returns the model-facing schemas in registration order.
func (r *Registry) Definitions() []types.ToolDefinition {
	defs := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Execute runs the named tool call and always returns a Result: handler
// errors, timeouts and unknown tool names become error payloads rather than
// Go errors, so the caller can hand every outcome straight back to the model
// as a tool message.
func (r *Registry) Execute(ctx context.Context, call types.ToolCall) Result {
	start := time.Now()

	t, ok := r.tools[call.Name]
	if !ok {
		slog.Warn("tools: call to unregistered tool", "tool", call.Name)
		return Result{
			Content:    errorPayload(fmt.Errorf("unknown tool %q", call.Name)),
			IsError:    true,
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := t.Handler(tctx, call.Arguments)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		slog.Warn("tools: execution failed",
			"tool", call.Name, "duration_ms", durationMs, "err", err)
		return Result{Content: errorPayload(err), IsError: true, DurationMs: durationMs}
	}

	slog.Debug("tools: executed", "tool", call.Name, "duration_ms", durationMs)
	return Result{Content: out, DurationMs: durationMs}
}

func errorPayload(err error) string {
	b, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
	return string(b)
}
