package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/karen-arwen/orion/internal/events"
)

// ErrTenantRequired is returned by GormStore reads and writes that carry no
// tenant id. Tenant scoping is a store-level invariant for the persisted log.
var ErrTenantRequired = errors.New("event store: tenant id is required")

// EventRecord is the relational shape of a domain event. Inserts are no-ops
// on primary-key conflict, which makes the event id a natural idempotency key.
type EventRecord struct {
	ID            string    `gorm:"primaryKey"`
	TenantID      string    `gorm:"column:tenant_id;not null;index:idx_events_tenant_ts"`
	AggregateID   string    `gorm:"column:aggregate_id;index"`
	Type          string    `gorm:"not null;index"`
	Ts            time.Time `gorm:"column:ts;index:idx_events_tenant_ts"`
	DecisionID    string    `gorm:"column:decision_id;index"`
	CorrelationID string    `gorm:"column:correlation_id;index"`
	Payload       []byte    `gorm:"type:jsonb"`
	Meta          []byte    `gorm:"type:jsonb"`
}

// TableName maps the record to the events table.
func (EventRecord) TableName() string {
	return "events"
}

// GormStore is the persisted event log backed by Postgres via GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a persisted event store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Append writes a single event. Re-appending an id that is already stored is
// a silent no-op.
func (s *GormStore) Append(ctx context.Context, ev events.Event) error {
	return s.AppendMany(ctx, []events.Event{ev})
}

// AppendMany writes events in order inside one transaction.
func (s *GormStore) AppendMany(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}

	records := make([]EventRecord, 0, len(evs))
	for _, ev := range evs {
		rec, err := toRecord(ev)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error; err != nil {
			return errors.Wrap(err, "failed to append events")
		}
		return nil
	})
}

// GetByAggregateID returns all events for one aggregate. The persisted store
// cannot scope this by tenant on its own, so callers go through a tenant
// wrapper; a bare call returns ErrTenantRequired.
func (s *GormStore) GetByAggregateID(_ context.Context, _ string) ([]events.Event, error) {
	return nil, ErrTenantRequired
}

// Query returns matching events. TenantID is mandatory; the query fails
// rather than silently spanning tenants.
func (s *GormStore) Query(ctx context.Context, f events.Filter) ([]events.Event, error) {
	if f.TenantID == "" {
		return nil, ErrTenantRequired
	}

	q := s.db.WithContext(ctx).Model(&EventRecord{}).Where("tenant_id = ?", f.TenantID)
	if f.AggregateID != "" {
		q = q.Where("aggregate_id = ?", f.AggregateID)
	}
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", f.Types)
	}
	if f.DecisionID != "" {
		q = q.Where("decision_id = ?", f.DecisionID)
	}
	if f.CorrelationID != "" {
		q = q.Where("correlation_id = ?", f.CorrelationID)
	}
	if f.Since != nil {
		q = q.Where("ts >= ?", *f.Since)
	}
	if f.Until != nil {
		q = q.Where("ts <= ?", *f.Until)
	}
	q = q.Order("ts ASC").Order("id ASC")
	if f.Limit > 0 && len(f.Tags) == 0 {
		q = q.Limit(f.Limit)
	}

	var records []EventRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}

	out := make([]events.Event, 0, len(records))
	for _, rec := range records {
		ev, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		// Tags live inside meta, so tag filtering happens after decode.
		if len(f.Tags) > 0 && !(events.Filter{Tags: f.Tags}).Matches(ev) {
			continue
		}
		out = append(out, ev)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

type storedMeta struct {
	events.Meta
	Tags []string `json:"tags,omitempty"`
}

func toRecord(ev events.Event) (EventRecord, error) {
	if ev.Meta.TenantID == "" {
		return EventRecord{}, ErrTenantRequired
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := events.EncodePayload(ev.Payload)
	if err != nil {
		return EventRecord{}, err
	}
	meta, err := json.Marshal(storedMeta{Meta: ev.Meta, Tags: ev.Tags})
	if err != nil {
		return EventRecord{}, errors.Wrap(err, "failed to marshal event meta")
	}

	return EventRecord{
		ID:            ev.ID,
		TenantID:      ev.Meta.TenantID,
		AggregateID:   ev.AggregateID,
		Type:          ev.Type,
		Ts:            ev.Timestamp,
		DecisionID:    ev.Meta.DecisionID,
		CorrelationID: ev.Meta.CorrelationID,
		Payload:       payload,
		Meta:          meta,
	}, nil
}

func fromRecord(rec EventRecord) (events.Event, error) {
	var meta storedMeta
	if len(rec.Meta) > 0 {
		if err := json.Unmarshal(rec.Meta, &meta); err != nil {
			return events.Event{}, errors.Wrapf(err, "failed to unmarshal meta for event %s", rec.ID)
		}
	}
	payload, err := events.DecodePayload(rec.Type, rec.Payload)
	if err != nil {
		return events.Event{}, err
	}

	return events.Event{
		ID:          rec.ID,
		AggregateID: rec.AggregateID,
		Type:        rec.Type,
		Timestamp:   rec.Ts,
		Payload:     payload,
		Meta:        meta.Meta,
		Tags:        meta.Tags,
	}, nil
}
