package worker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karen-arwen/orion/internal/events"
	"github.com/karen-arwen/orion/internal/eventstore"
)

func TestSinkDeduplicatesByKey(t *testing.T) {
	store := eventstore.NewMemoryStore()
	sink := NewSink(eventstore.ForTenant(store, "tenant-a"), "job-1", false)

	ev := events.Event{
		AggregateID: "job-1",
		Type:        "note.created",
		Payload:     events.GenericPayload{"n": 1},
		Meta:        events.Meta{IdempotencyKey: "note:dec-1"},
	}
	require.NoError(t, sink.Emit(context.Background(), ev))
	require.NoError(t, sink.Emit(context.Background(), ev))

	assert.Equal(t, 1, store.Len())
}

func TestSinkDerivesKeyFromJobAndType(t *testing.T) {
	store := eventstore.NewMemoryStore()
	sink := NewSink(eventstore.ForTenant(store, "tenant-a"), "job-1", false)

	require.NoError(t, sink.Emit(context.Background(), events.Event{
		AggregateID: "job-1",
		Type:        events.TypeJobStarted,
	}))

	evs, err := store.Query(context.Background(), events.Filter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "job-1:"+events.TypeJobStarted, evs[0].Meta.IdempotencyKey)
}

func TestSinkMissingKeyPolicy(t *testing.T) {
	store := eventstore.NewMemoryStore()

	// Development: underivable keys are an error.
	dev := NewSink(eventstore.ForTenant(store, "tenant-a"), "", false)
	err := dev.Emit(context.Background(), events.Event{AggregateID: "agg"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingIdempotencyKey)
	assert.Equal(t, 0, store.Len())

	// Production: a key is synthesized and the event goes through.
	prod := NewSink(eventstore.ForTenant(store, "tenant-a"), "", true)
	require.NoError(t, prod.Emit(context.Background(), events.Event{AggregateID: "agg", Type: "x"}))
	assert.Equal(t, 1, store.Len())
}

func TestSinkRefusesAfterHalt(t *testing.T) {
	store := eventstore.NewMemoryStore()
	sink := NewSink(eventstore.ForTenant(store, "tenant-a"), "job-1", false)

	var lost atomic.Bool
	sink.HaltOn(&lost)

	require.NoError(t, sink.Emit(context.Background(), events.Event{
		AggregateID: "job-1",
		Type:        "note.created",
		Meta:        events.Meta{IdempotencyKey: "note:1"},
	}))

	lost.Store(true)
	err := sink.Emit(context.Background(), events.Event{
		AggregateID: "job-1",
		Type:        "note.created",
		Meta:        events.Meta{IdempotencyKey: "note:2"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptHalted)
	assert.Equal(t, 1, store.Len())
}

func TestDeterministicEventID(t *testing.T) {
	a := DeterministicEventID("job-1:job.started")
	b := DeterministicEventID("job-1:job.started")
	c := DeterministicEventID("job-2:job.started")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
