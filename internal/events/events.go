package events

import (
	"sort"
	"time"
)

// Event types emitted by the pipeline.
const (
	TypeDecisionCreated          = "decision.created"
	TypeDecisionOptioned         = "decision.optioned"
	TypeDecisionSuggested        = "decision.suggested"
	TypeDecisionReadyToExecute   = "decision.ready_to_execute"
	TypeDecisionAwaitingApproval = "decision.awaiting_approval"
	TypeSystemNoAction           = "system.no_action"

	TypePermissionDecision = "permission.decision"
	TypeAuditRecorded      = "audit.recorded"

	TypeTrustUpdated = "trust.updated"
	TypeTrustMarker  = "trust.marker"

	TypeJobStarted             = "job.started"
	TypeJobSucceeded           = "job.succeeded"
	TypeJobFailed              = "job.failed"
	TypeJobRetried             = "job.retried"
	TypeJobCanceled            = "job.canceled"
	TypeJobDeadLetter          = "job.dead_letter"
	TypeJobRecovered           = "job.recovered"
	TypeJobAwaitingApproval    = "job.awaiting_approval"
	TypeJobDuplicateSuppressed = "job.duplicate_suppressed"
)

// Meta carries the correlation and attribution fields shared by every event.
type Meta struct {
	Actor          string `json:"actor"`
	Source         string `json:"source"`
	DecisionID     string `json:"decision_id,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	CausationID    string `json:"causation_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Event is a single immutable entry in the domain event log. Once appended to a
// store it is never edited or deleted; ordering is by Timestamp with ID as the
// tie-break.
type Event struct {
	ID          string    `json:"id"`
	AggregateID string    `json:"aggregate_id"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     Payload   `json:"payload,omitempty"`
	Meta        Meta      `json:"meta"`
	Tags        []string  `json:"tags,omitempty"`
}

// Filter selects events from a store. Zero fields match everything.
type Filter struct {
	TenantID      string
	AggregateID   string
	Types         []string
	DecisionID    string
	CorrelationID string
	Since         *time.Time
	Until         *time.Time
	Tags          []string
	Limit         int
}

// Matches reports whether the event satisfies every set field of the filter.
func (f Filter) Matches(e Event) bool {
	if f.TenantID != "" && e.Meta.TenantID != f.TenantID {
		return false
	}
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, e.Type) {
		return false
	}
	if f.DecisionID != "" && e.Meta.DecisionID != f.DecisionID {
		return false
	}
	if f.CorrelationID != "" && e.Meta.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	for _, tag := range f.Tags {
		if !contains(e.Tags, tag) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// SortChronological orders events by timestamp, breaking ties on ID so replay
// is deterministic.
func SortChronological(evs []Event) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].ID < evs[j].ID
		}
		return evs[i].Timestamp.Before(evs[j].Timestamp)
	})
}
