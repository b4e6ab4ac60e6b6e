package tool

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/karen-arwen/orion/internal/events"
)

// EchoTool returns its input unchanged. Useful for smoke tests and wiring
// checks.
type EchoTool struct{}

// Name implements Tool.
func (EchoTool) Name() string { return "echo" }

// Execute implements Tool.
func (EchoTool) Execute(_ context.Context, _ Context, input map[string]interface{}) (*Result, error) {
	return &Result{Output: map[string]interface{}{"echo": input}}, nil
}

// NoteTool records a note as a domain event.
type NoteTool struct{}

// Name implements Tool.
func (NoteTool) Name() string { return "note.create" }

// Execute implements Tool.
func (NoteTool) Execute(ctx context.Context, tc Context, input map[string]interface{}) (*Result, error) {
	noteID := uuid.New().String()
	text, _ := input["text"].(string)

	ev := events.Event{
		ID:          uuid.New().String(),
		AggregateID: noteID,
		Type:        "note.created",
		Timestamp:   time.Now().UTC(),
		Payload:     events.GenericPayload{"note_id": noteID, "text": text},
		Meta: events.Meta{
			Actor:          tc.Actor,
			Source:         "tool:note.create",
			DecisionID:     tc.DecisionID,
			CorrelationID:  tc.CorrelationID,
			IdempotencyKey: "note:" + tc.DecisionID,
		},
	}
	if err := tc.Events.Emit(ctx, ev); err != nil {
		return nil, err
	}

	return &Result{Output: map[string]interface{}{"note_id": noteID}}, nil
}

// DefaultRegistry builds the registry with the built-in tools.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(EchoTool{})
	r.Register(NoteTool{})
	return r
}
