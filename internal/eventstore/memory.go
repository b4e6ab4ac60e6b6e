package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/karen-arwen/orion/internal/events"
)

// MemoryStore is a process-local event log used by tests and one-shot CLI
// runs. Unlike the persisted store it performs no id dedupe: appending the
// same event id twice stores it twice. Callers that need duplicate safety
// must use GormStore.
type MemoryStore struct {
	mu  sync.RWMutex
	log []events.Event
}

// NewMemoryStore creates an empty in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a single event, stamping id and timestamp if unset.
func (s *MemoryStore) Append(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, normalize(ev))
	return nil
}

// AppendMany stores events in order.
func (s *MemoryStore) AppendMany(_ context.Context, evs []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		s.log = append(s.log, normalize(ev))
	}
	return nil
}

// GetByAggregateID returns all events for the aggregate in chronological order.
func (s *MemoryStore) GetByAggregateID(ctx context.Context, aggregateID string) ([]events.Event, error) {
	return s.Query(ctx, events.Filter{AggregateID: aggregateID})
}

// Query returns matching events in chronological order.
func (s *MemoryStore) Query(_ context.Context, f events.Filter) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []events.Event
	for _, ev := range s.log {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	events.SortChronological(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Len reports how many events are stored. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

func normalize(ev events.Event) events.Event {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}
