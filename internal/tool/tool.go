package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/karen-arwen/orion/internal/events"
)

// EventSink receives events emitted by a tool during execution. The worker
// wraps the event store with idempotency-key dedupe before handing a sink to
// a tool, so a retried tool cannot double-apply its side effects.
type EventSink interface {
	Emit(ctx context.Context, ev events.Event) error
}

// Context carries the execution scope into a tool.
type Context struct {
	TenantID      string
	DecisionID    string
	CorrelationID string
	Actor         string
	Events        EventSink
}

// Result is what a tool produces. Events listed here are forwarded through
// the same deduplicating sink as events emitted mid-run.
type Result struct {
	Output map[string]interface{}
	Events []events.Event
}

// Tool is one registered capability, looked up by job type. Implementations
// may fail with any error; the worker maps failures to retry or dead-letter
// policy.
type Tool interface {
	Name() string
	Execute(ctx context.Context, tc Context, input map[string]interface{}) (*Result, error)
}

// Registry maps job types to tools. Safe for concurrent reads; Register
// should only be called at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate name to surface misconfiguration
// early.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic(fmt.Sprintf("tool registry: duplicate name %q", t.Name()))
	}
	r.tools[t.Name()] = t
}

// Get returns the tool for the given name, or false when none is registered.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}
