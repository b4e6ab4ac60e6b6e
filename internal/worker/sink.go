package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/karen-arwen/orion/internal/events"
	"github.com/karen-arwen/orion/internal/eventstore"
)

// ErrMissingIdempotencyKey is returned outside production when an event
// reaches the sink with no idempotency key and none can be derived. In
// production the sink synthesizes a key and logs a warning instead, trading
// strictness for availability once deployed.
var ErrMissingIdempotencyKey = errors.New("event has no idempotency key and none can be derived")

// ErrAttemptHalted is returned once the attempt's lease is lost. Another
// worker may own the job by then, so nothing more may reach the event store
// from this attempt, including events a tool emits mid-run.
var ErrAttemptHalted = errors.New("attempt lost its lease, event emission refused")

// Sink deduplicates every event by idempotency key before forwarding it to
// the event store. The key is mapped to a deterministic event id, so the
// persisted store's primary-key no-op makes the dedupe hold across process
// restarts; an in-process set covers backends that do not dedupe ids.
type Sink struct {
	store      eventstore.Store
	jobID      string
	production bool
	halt       *atomic.Bool

	mu   sync.Mutex
	seen map[string]bool
}

// NewSink creates a sink scoped to one job attempt.
func NewSink(store eventstore.Store, jobID string, production bool) *Sink {
	return &Sink{
		store:      store,
		jobID:      jobID,
		production: production,
		seen:       make(map[string]bool),
	}
}

// HaltOn makes the sink refuse every further emission once the flag reports
// true. The worker points it at the attempt's lost-lease flag so tool-emitted
// events obey the same suppression as the processor's own checkpoints.
func (s *Sink) HaltOn(flag *atomic.Bool) {
	s.halt = flag
}

// Emit forwards the event unless its idempotency key was already applied.
func (s *Sink) Emit(ctx context.Context, ev events.Event) error {
	if s.halt != nil && s.halt.Load() {
		return errors.Wrapf(ErrAttemptHalted, "event type %s", ev.Type)
	}

	key := ev.Meta.IdempotencyKey
	if key == "" {
		switch {
		case s.jobID != "" && ev.Type != "":
			key = s.jobID + ":" + ev.Type
		case s.production:
			key = uuid.New().String()
			log.Warn().
				Str("event_type", ev.Type).
				Str("job_id", s.jobID).
				Msg("Event emitted without idempotency key, synthesized one")
		default:
			return errors.Wrapf(ErrMissingIdempotencyKey, "event type %s", ev.Type)
		}
	}
	ev.Meta.IdempotencyKey = key
	ev.ID = DeterministicEventID(key)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	applied := s.seen[key]
	if !applied {
		s.seen[key] = true
	}
	s.mu.Unlock()
	if applied {
		return nil
	}

	if err := s.store.Append(ctx, ev); err != nil {
		return errors.Wrapf(err, "failed to emit %s", ev.Type)
	}
	return nil
}

// DeterministicEventID maps an idempotency key to a stable event id.
func DeterministicEventID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}
