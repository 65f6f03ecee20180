// Package tools exposes pipeline operations as named JSON tool calls so an
// LLM agent can drive pricing the way a person drives the REST API.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-pricing/internal/audit"
	"github.com/kubilitics/kubilitics-pricing/internal/metrics"
)

var (
	ErrUnavailable = errors.New("tool not available")
	ErrReadOnly    = errors.New("destructive tools are disabled in read-only mode")
	ErrInvalidArgs = errors.New("invalid tool parameters")
)

// Param describes one tool parameter.
type Param struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// Definition is the published description of a tool.
type Definition struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Destructive bool             `json:"destructive"`
	Params      map[string]Param `json:"params"`
}

// Handler implements one tool.
type Handler interface {
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
	Validate(params map[string]interface{}) error
	Definition() Definition
}

// Stats counts tool calls.
type Stats struct {
	TotalRequests    int64            `json:"total_requests"`
	SuccessfulCalls  int64            `json:"successful_calls"`
	FailedCalls      int64            `json:"failed_calls"`
	ToolUsage        map[string]int64 `json:"tool_usage"`
	AverageLatencyMs float64          `json:"average_latency_ms"`
}

// Request is one tool call.
type Request struct {
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
}

// Response is the result of a tool call.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Registry holds the registered tools and runs calls against them.
type Registry struct {
	auditLog audit.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	enabled  map[string]bool
	readOnly bool
	stats    Stats
	latency  time.Duration
}

// NewRegistry creates an empty registry. A nil audit logger disables
// auditing of tool calls.
func NewRegistry(auditLog audit.Logger, readOnly bool) *Registry {
	return &Registry{
		auditLog: auditLog,
		handlers: make(map[string]Handler),
		enabled:  make(map[string]bool),
		readOnly: readOnly,
		stats:    Stats{ToolUsage: make(map[string]int64)},
	}
}

// Register adds h. Destructive tools start disabled in read-only mode.
func (r *Registry) Register(h Handler) error {
	def := h.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool definition has no name")
	}

	r.mu.Lock()
	if _, exists := r.handlers[def.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("tool handler already registered: %s", def.Name)
	}
	r.handlers[def.Name] = h
	r.enabled[def.Name] = !def.Destructive || !r.readOnly
	r.mu.Unlock()

	r.audit(context.Background(), audit.NewEvent(audit.EventToolRegistered).
		WithAction(def.Name).
		WithDescription(fmt.Sprintf("Registered tool: %s", def.Name)).
		WithResult(audit.ResultSuccess))
	return nil
}

// Execute runs request. The response is always non-nil; err repeats its
// failure for callers that branch on errors.
func (r *Registry) Execute(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	r.mu.Lock()
	r.stats.TotalRequests++
	r.stats.ToolUsage[req.Tool]++
	handler, ok := r.handlers[req.Tool]
	enabled := r.enabled[req.Tool]
	r.mu.Unlock()

	if !ok || !enabled {
		err := fmt.Errorf("%w: %s", ErrUnavailable, req.Tool)
		if ok && r.ReadOnly() && handler.Definition().Destructive {
			err = fmt.Errorf("%w: %s", ErrReadOnly, req.Tool)
		}
		r.finish(req.Tool, "unavailable", start, false)
		return &Response{Error: err.Error()}, err
	}

	correlationID := audit.GetCorrelationID(ctx)
	if correlationID == "" {
		correlationID = audit.GenerateCorrelationID()
		ctx = audit.WithCorrelationID(ctx, correlationID)
	}

	if req.Params == nil {
		req.Params = map[string]interface{}{}
	}
	if err := handler.Validate(req.Params); err != nil {
		r.finish(req.Tool, "invalid", start, false)
		r.audit(ctx, audit.NewEvent(audit.EventToolCalled).
			WithCorrelationID(correlationID).
			WithAction(req.Tool).
			WithDescription("Tool validation failed").
			WithError(err, "validation_failed").
			WithResult(audit.ResultFailure))
		return &Response{Error: fmt.Sprintf("validation failed: %v", err)}, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}

	result, err := handler.Execute(ctx, req.Params)
	if err != nil {
		r.finish(req.Tool, "failed", start, false)
		r.audit(ctx, audit.NewEvent(audit.EventToolCalled).
			WithCorrelationID(correlationID).
			WithAction(req.Tool).
			WithDescription("Tool execution failed").
			WithError(err, "execution_failed").
			WithDuration(time.Since(start)).
			WithResult(audit.ResultFailure))
		return &Response{Error: fmt.Sprintf("execution failed: %v", err)}, err
	}

	r.finish(req.Tool, "success", start, true)
	r.audit(ctx, audit.NewEvent(audit.EventToolCalled).
		WithCorrelationID(correlationID).
		WithAction(req.Tool).
		WithDescription("Tool executed successfully").
		WithDuration(time.Since(start)).
		WithResult(audit.ResultSuccess))
	return &Response{Success: true, Data: result}, nil
}

func (r *Registry) finish(tool, result string, start time.Time, ok bool) {
	metrics.ToolCallsTotal.WithLabelValues(tool, result).Inc()
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.stats.SuccessfulCalls++
	} else {
		r.stats.FailedCalls++
	}
	r.latency += time.Since(start)
	r.stats.AverageLatencyMs = float64(r.latency.Milliseconds()) / float64(r.stats.TotalRequests)
}

func (r *Registry) audit(ctx context.Context, ev *audit.Event) {
	if r.auditLog != nil {
		_ = r.auditLog.Log(ctx, ev)
	}
}

// List returns the enabled tools sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.handlers))
	for name, h := range r.handlers {
		if r.enabled[name] {
			defs = append(defs, h.Definition())
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Stats returns a copy of the call statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.stats
	out.ToolUsage = make(map[string]int64, len(r.stats.ToolUsage))
	for k, v := range r.stats.ToolUsage {
		out.ToolUsage[k] = v
	}
	return out
}

// Enable turns a registered tool on.
func (r *Registry) Enable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnavailable, name)
	}
	if h.Definition().Destructive && r.readOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	r.enabled[name] = true
	return nil
}

// Disable turns a tool off.
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[name] = false
}

// SetReadOnly switches read-only mode. Entering it disables every
// destructive tool; leaving it does not re-enable them.
func (r *Registry) SetReadOnly(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readOnly = on
	if !on {
		return
	}
	for name, h := range r.handlers {
		if h.Definition().Destructive {
			r.enabled[name] = false
		}
	}
}

// ReadOnly reports whether read-only mode is on.
func (r *Registry) ReadOnly() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readOnly
}

// Serve decodes a JSON request, runs it and encodes the response.
func (r *Registry) Serve(ctx context.Context, body []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid request JSON: %w", err)
	}
	resp, _ := r.Execute(ctx, &req)
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return out, nil
}
