package eventstore

import (
	"context"

	"github.com/karen-arwen/orion/internal/events"
)

// TenantStore wraps a Store so every read and write is pinned to one tenant.
// Callers holding a TenantStore cannot observe or write another tenant's
// events even if they forget to set tenant ids themselves.
type TenantStore struct {
	inner    Store
	tenantID string
}

// ForTenant scopes a store to the given tenant.
func ForTenant(inner Store, tenantID string) *TenantStore {
	return &TenantStore{inner: inner, tenantID: tenantID}
}

// TenantID returns the tenant this store is pinned to.
func (s *TenantStore) TenantID() string {
	return s.tenantID
}

// Append forces the wrapper's tenant onto the event before writing.
func (s *TenantStore) Append(ctx context.Context, ev events.Event) error {
	ev.Meta.TenantID = s.tenantID
	return s.inner.Append(ctx, ev)
}

// AppendMany forces the wrapper's tenant onto every event before writing.
func (s *TenantStore) AppendMany(ctx context.Context, evs []events.Event) error {
	scoped := make([]events.Event, len(evs))
	for i, ev := range evs {
		ev.Meta.TenantID = s.tenantID
		scoped[i] = ev
	}
	return s.inner.AppendMany(ctx, scoped)
}

// GetByAggregateID reads one aggregate's events within the tenant.
func (s *TenantStore) GetByAggregateID(ctx context.Context, aggregateID string) ([]events.Event, error) {
	return s.inner.Query(ctx, events.Filter{TenantID: s.tenantID, AggregateID: aggregateID})
}

// Query overrides any caller-supplied tenant with the wrapper's tenant.
func (s *TenantStore) Query(ctx context.Context, f events.Filter) ([]events.Event, error) {
	f.TenantID = s.tenantID
	return s.inner.Query(ctx, f)
}
