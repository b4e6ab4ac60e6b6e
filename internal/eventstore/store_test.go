package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/karen-arwen/orion/internal/events"
)

func TestMemoryStoreQueryFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendMany(ctx, []events.Event{
		{
			ID:          "ev-1",
			AggregateID: "dec-1",
			Type:        events.TypeDecisionCreated,
			Timestamp:   base,
			Meta:        events.Meta{TenantID: "t1", DecisionID: "dec-1", CorrelationID: "corr-1"},
		},
		{
			ID:          "ev-2",
			AggregateID: "dec-1",
			Type:        events.TypeSystemNoAction,
			Timestamp:   base.Add(time.Second),
			Meta:        events.Meta{TenantID: "t1", DecisionID: "dec-1", CorrelationID: "corr-1"},
		},
		{
			ID:          "ev-3",
			AggregateID: "dec-2",
			Type:        events.TypeDecisionCreated,
			Timestamp:   base.Add(2 * time.Second),
			Meta:        events.Meta{TenantID: "t2", DecisionID: "dec-2"},
		},
	}))

	got, err := store.Query(ctx, events.Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = store.Query(ctx, events.Filter{Types: []string{events.TypeSystemNoAction}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "ev-2", got[0].ID)

	got, err = store.Query(ctx, events.Filter{CorrelationID: "corr-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "ev-1", got[0].ID)
}

func TestMemoryStoreOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Same timestamp: id breaks the tie. Appended out of order on purpose.
	require.NoError(t, store.Append(ctx, events.Event{ID: "b", Type: "x", Timestamp: ts}))
	require.NoError(t, store.Append(ctx, events.Event{ID: "a", Type: "x", Timestamp: ts}))
	require.NoError(t, store.Append(ctx, events.Event{ID: "c", Type: "x", Timestamp: ts.Add(-time.Second)}))

	got, err := store.Query(ctx, events.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "c", got[0].ID)
	require.Equal(t, "a", got[1].ID)
	require.Equal(t, "b", got[2].ID)
}

func TestMemoryStoreStampsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, events.Event{Type: "x"}))
	got, err := store.Query(ctx, events.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotEmpty(t, got[0].ID)
	require.False(t, got[0].Timestamp.IsZero())
}

func TestTenantStoreForcesScopeOnWrites(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	scoped := ForTenant(inner, "t1")

	// The caller "forgets" the tenant, and even lies about it.
	require.NoError(t, scoped.Append(ctx, events.Event{ID: "ev-1", Type: "x"}))
	require.NoError(t, scoped.Append(ctx, events.Event{ID: "ev-2", Type: "x", Meta: events.Meta{TenantID: "t2"}}))

	got, err := inner.Query(ctx, events.Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = inner.Query(ctx, events.Filter{TenantID: "t2"})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestTenantStoreCannotReadAcrossTenants(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.Append(ctx, events.Event{ID: "theirs", Type: "x", Meta: events.Meta{TenantID: "t2"}}))

	scoped := ForTenant(inner, "t1")

	// A filter naming the other tenant is overridden, not honored.
	got, err := scoped.Query(ctx, events.Filter{TenantID: "t2"})
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = scoped.GetByAggregateID(ctx, "theirs")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestGormStoreRequiresTenant(t *testing.T) {
	store := NewGormStore(nil)

	_, err := store.Query(context.Background(), events.Filter{})
	require.ErrorIs(t, err, ErrTenantRequired)

	err = store.Append(context.Background(), events.Event{ID: "ev-1", Type: "x"})
	require.ErrorIs(t, err, ErrTenantRequired)
}
