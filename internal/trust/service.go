package trust

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/karen-arwen/orion/internal/events"
	"github.com/karen-arwen/orion/internal/eventstore"
)

// Feedback reasons recorded on trust.updated events.
const (
	ReasonAccepted       = "decision.accepted"
	ReasonRejected       = "decision.rejected"
	ReasonImplicitRepeat = "implicit-repeat-no_action"
)

const (
	acceptDelta         = 0.10
	rejectDelta         = -0.15
	implicitRepeatDelta = -0.05
)

// defaultScores seeds domains that have never received feedback. Sensitive
// domains start low so the planner stays conservative there.
var defaultScores = map[string]float64{
	"finance":   0.3,
	"security":  0.3,
	"agenda":    0.6,
	"tasks":     0.6,
	"messaging": 0.5,
	"generic":   0.5,
}

const fallbackScore = 0.5

// Feedback is one explicit human signal about a decision in a domain.
type Feedback struct {
	Domain        string
	Accepted      bool
	DecisionID    string
	CorrelationID string
	Actor         string
}

// Service maintains the per-domain adaptive trust score. The live score is
// derived from the event log, not stored: it is the newScore of the latest
// trust.updated event for the domain, or the domain default.
type Service struct {
	store eventstore.Store
}

// NewService creates a trust service reading and writing the given store.
func NewService(store eventstore.Store) *Service {
	return &Service{store: store}
}

// DefaultScore returns the seed score for a domain.
func DefaultScore(domain string) float64 {
	if s, ok := defaultScores[domain]; ok {
		return s
	}
	return fallbackScore
}

// GetTrust returns the current score for a domain.
func (s *Service) GetTrust(ctx context.Context, domain string) (float64, error) {
	evs, err := s.store.Query(ctx, events.Filter{
		AggregateID: aggregateID(domain),
		Types:       []string{events.TypeTrustUpdated},
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read trust history for %s", domain)
	}
	if len(evs) == 0 {
		return DefaultScore(domain), nil
	}
	last, ok := evs[len(evs)-1].Payload.(events.TrustUpdatedPayload)
	if !ok {
		return 0, errors.Errorf("malformed trust event for %s", domain)
	}
	return last.NewScore, nil
}

// ApplyFeedback shifts a domain's score for an explicit accept or reject and
// records the change.
func (s *Service) ApplyFeedback(ctx context.Context, fb Feedback) (events.TrustUpdatedPayload, error) {
	delta, reason := rejectDelta, ReasonRejected
	if fb.Accepted {
		delta, reason = acceptDelta, ReasonAccepted
	}
	return s.shift(ctx, fb.Domain, delta, reason, fb.DecisionID, fb.CorrelationID, fb.Actor)
}

// RecomputeFromEvents rebuilds the whole score map from an ordered event
// list; the last trust.updated per domain wins. Used to reconstruct state
// without a snapshot store.
func (s *Service) RecomputeFromEvents(evs []events.Event) map[string]float64 {
	scores := make(map[string]float64)
	for _, ev := range evs {
		if ev.Type != events.TypeTrustUpdated {
			continue
		}
		if p, ok := ev.Payload.(events.TrustUpdatedPayload); ok {
			scores[p.Domain] = clamp(p.NewScore)
		}
	}
	return scores
}

// ImplicitRepeat identifies the correlation/domain pair eligible for the
// automatic no-action penalty.
type ImplicitRepeat struct {
	CorrelationID string
	Domain        string
}

// ApplyImplicitRepeatNoAction applies the one-shot penalty for a correlation
// that keeps ending in no_action for the same domain. It fires at most once
// per (correlation, domain) pair: a trust.marker event records consumption,
// so invoking this any number of times applies a single penalty. Returns
// true when the penalty was applied on this call.
func (s *Service) ApplyImplicitRepeatNoAction(ctx context.Context, ir ImplicitRepeat) (bool, error) {
	if ir.CorrelationID == "" || ir.Domain == "" {
		return false, nil
	}

	noActions, err := s.store.Query(ctx, events.Filter{
		CorrelationID: ir.CorrelationID,
		Types:         []string{events.TypeSystemNoAction},
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to scan no_action history")
	}
	qualifying := 0
	for _, ev := range noActions {
		if p, ok := ev.Payload.(events.DecisionFinalizedPayload); ok && p.Snapshot.Intent.Domain == ir.Domain {
			qualifying++
		}
	}
	if qualifying < 2 {
		return false, nil
	}

	markers, err := s.store.Query(ctx, events.Filter{
		CorrelationID: ir.CorrelationID,
		Types:         []string{events.TypeTrustMarker},
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to scan trust markers")
	}
	for _, ev := range markers {
		if p, ok := ev.Payload.(events.TrustMarkerPayload); ok &&
			p.Marker == ReasonImplicitRepeat && p.Domain == ir.Domain {
			return false, nil
		}
	}

	if _, err := s.shift(ctx, ir.Domain, implicitRepeatDelta, ReasonImplicitRepeat, "", ir.CorrelationID, "system"); err != nil {
		return false, err
	}

	marker := events.Event{
		ID:          uuid.New().String(),
		AggregateID: aggregateID(ir.Domain),
		Type:        events.TypeTrustMarker,
		Timestamp:   time.Now().UTC(),
		Payload: events.TrustMarkerPayload{
			Marker:        ReasonImplicitRepeat,
			Domain:        ir.Domain,
			CorrelationID: ir.CorrelationID,
		},
		Meta: events.Meta{
			Source:        "trust-service",
			CorrelationID: ir.CorrelationID,
		},
	}
	if err := s.store.Append(ctx, marker); err != nil {
		return false, errors.Wrap(err, "failed to record trust marker")
	}

	log.Info().
		Str("domain", ir.Domain).
		Str("correlation_id", ir.CorrelationID).
		Msg("Applied implicit repeat no-action trust penalty")
	return true, nil
}

func (s *Service) shift(ctx context.Context, domain string, delta float64, reason, decisionID, correlationID, actor string) (events.TrustUpdatedPayload, error) {
	old, err := s.GetTrust(ctx, domain)
	if err != nil {
		return events.TrustUpdatedPayload{}, err
	}

	payload := events.TrustUpdatedPayload{
		Domain:   domain,
		OldScore: old,
		NewScore: clamp(old + delta),
		Reason:   reason,
		Source:   "trust-service",
	}
	ev := events.Event{
		ID:          uuid.New().String(),
		AggregateID: aggregateID(domain),
		Type:        events.TypeTrustUpdated,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
		Meta: events.Meta{
			Actor:         actor,
			Source:        "trust-service",
			DecisionID:    decisionID,
			CorrelationID: correlationID,
		},
	}
	if err := s.store.Append(ctx, ev); err != nil {
		return events.TrustUpdatedPayload{}, errors.Wrapf(err, "failed to record trust update for %s", domain)
	}
	return payload, nil
}

func aggregateID(domain string) string {
	return "trust:" + domain
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
