package eventstore

import (
	"context"

	"github.com/karen-arwen/orion/internal/events"
)

// Store is the append-only domain event log. Events are never edited or
// deleted once appended.
type Store interface {
	// Append writes a single event. Persisted implementations treat the event
	// id as a natural idempotency key: re-appending an already-stored id is a
	// silent no-op. The in-memory implementation does not dedupe.
	Append(ctx context.Context, ev events.Event) error

	// AppendMany writes events in order with the same dedupe semantics as
	// Append.
	AppendMany(ctx context.Context, evs []events.Event) error

	// GetByAggregateID returns all events for one aggregate in chronological
	// order.
	GetByAggregateID(ctx context.Context, aggregateID string) ([]events.Event, error)

	// Query returns events matching the filter in chronological order.
	Query(ctx context.Context, f events.Filter) ([]events.Event, error)
}
