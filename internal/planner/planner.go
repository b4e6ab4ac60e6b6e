package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/karen-arwen/orion/internal/events"
	"github.com/karen-arwen/orion/internal/eventstore"
	"github.com/karen-arwen/orion/internal/metrics"
	"github.com/karen-arwen/orion/internal/permission"
	"github.com/karen-arwen/orion/internal/trust"
)

// Decision modes, the terminal outcomes of one decision.
const (
	ModeSuggest        = "suggest"
	ModeNoAction       = "no_action"
	ModeReadyToExecute = "ready_to_execute"
)

// Option kinds generated for every decision.
const (
	OptionSuggest  = "suggest"
	OptionAct      = "act"
	OptionNoAction = "no_action_candidate"
)

const (
	lowTrustThreshold  = 0.4
	highTrustThreshold = 0.7
	repeatPenalty      = 40
)

var terminalTypes = []string{
	events.TypeDecisionSuggested,
	events.TypeDecisionReadyToExecute,
	events.TypeSystemNoAction,
}

// Request is one planner invocation.
type Request struct {
	Intent        events.Intent
	Actor         string
	DecisionID    string
	CorrelationID string
	Context       map[string]interface{}
}

// Planner runs the decision state machine: it assesses risk, generates
// options, consults policy and trust, and finalizes exactly one immutable
// snapshot per decision id.
type Planner struct {
	store eventstore.Store
	perm  *permission.Engine
	trust *trust.Service
	meter metrics.Collector
}

// New creates a planner over the given stores and services.
func New(store eventstore.Store, perm *permission.Engine, trustSvc *trust.Service) *Planner {
	return &Planner{store: store, perm: perm, trust: trustSvc, meter: metrics.NewNop()}
}

// WithMetrics attaches a collector counting finalized decisions by mode.
func (p *Planner) WithMetrics(m metrics.Collector) *Planner {
	p.meter = m
	return p
}

// Decide runs one decision to its terminal snapshot. Calling it again with
// the same decision id returns the existing snapshot without side effects.
// No step is locally retried: a store failure propagates and a later call
// re-runs the pipeline from scratch.
func (p *Planner) Decide(ctx context.Context, req Request) (*events.Snapshot, error) {
	if req.DecisionID == "" {
		req.DecisionID = uuid.New().String()
	}
	if req.CorrelationID == "" {
		req.CorrelationID = req.DecisionID
	}

	// Replay idempotency: a finalized decision is a read, not a re-decision.
	if snap, err := p.Finalized(ctx, req.DecisionID); err != nil {
		return nil, err
	} else if snap != nil {
		return snap, nil
	}

	if err := p.emit(ctx, req, events.TypeDecisionCreated, events.DecisionCreatedPayload{Intent: req.Intent}); err != nil {
		return nil, err
	}

	repeat, err := p.detectRepeat(ctx, req)
	if err != nil {
		return nil, err
	}

	risk := assessRisk(req.Intent)
	explain := []string{fmt.Sprintf("risk:%s", risk)}
	if repeat {
		explain = append(explain, "repeat-detected")
	}

	score, err := p.trust.GetTrust(ctx, req.Intent.Domain)
	if err != nil {
		return nil, err
	}

	options := generateOptions(req.Intent.Domain, repeat, score)
	if err := p.emit(ctx, req, events.TypeDecisionOptioned, events.DecisionOptionedPayload{Risk: risk, Options: options}); err != nil {
		return nil, err
	}

	dec, _, err := p.perm.Evaluate(ctx, permission.Request{
		Actor:         req.Actor,
		Domain:        req.Intent.Domain,
		Action:        req.Intent.Action,
		Risk:          risk,
		DecisionID:    req.DecisionID,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return nil, err
	}

	mode, explain := selectMode(dec, repeat, score, options, explain)

	snap := events.Snapshot{
		DecisionID:    req.DecisionID,
		CorrelationID: req.CorrelationID,
		Intent:        req.Intent,
		Risk:          dec.Risk,
		Options:       options,
		Permission: events.PermissionOutcome{
			Domain:           req.Intent.Domain,
			Action:           req.Intent.Action,
			Level:            string(dec.Level),
			Risk:             dec.Risk,
			Allowed:          dec.Allowed,
			RequiresApproval: dec.RequiresApproval,
			Reasons:          dec.Reasons,
		},
		Recommended: recommend(mode, options, repeat, score),
		Mode:        mode,
		Explain:     explain,
		Trust:       score,
	}

	if err := p.emit(ctx, req, terminalType(mode), events.DecisionFinalizedPayload{Snapshot: snap}); err != nil {
		return nil, err
	}

	p.meter.IncDecision(mode)
	log.Info().
		Str("decision_id", req.DecisionID).
		Str("domain", req.Intent.Domain).
		Str("mode", mode).
		Float64("trust", score).
		Msg("Decision finalized")

	// The only path that moves trust without explicit human feedback.
	if mode == ModeNoAction {
		if _, err := p.trust.ApplyImplicitRepeatNoAction(ctx, trust.ImplicitRepeat{
			CorrelationID: req.CorrelationID,
			Domain:        req.Intent.Domain,
		}); err != nil {
			return nil, err
		}
	}

	return &snap, nil
}

// Finalized returns the snapshot for an already-finalized decision, or nil.
func (p *Planner) Finalized(ctx context.Context, decisionID string) (*events.Snapshot, error) {
	evs, err := p.store.Query(ctx, events.Filter{DecisionID: decisionID, Types: terminalTypes})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up decision %s", decisionID)
	}
	if len(evs) == 0 {
		return nil, nil
	}
	payload, ok := evs[0].Payload.(events.DecisionFinalizedPayload)
	if !ok {
		return nil, errors.Errorf("decision %s has a malformed terminal event", decisionID)
	}
	snap := payload.Snapshot
	return &snap, nil
}

func (p *Planner) detectRepeat(ctx context.Context, req Request) (bool, error) {
	evs, err := p.store.Query(ctx, events.Filter{CorrelationID: req.CorrelationID, Types: terminalTypes})
	if err != nil {
		return false, errors.Wrap(err, "failed to scan correlation history")
	}
	for _, ev := range evs {
		if ev.Meta.DecisionID == req.DecisionID {
			continue
		}
		if p, ok := ev.Payload.(events.DecisionFinalizedPayload); ok && p.Snapshot.Intent.Type == req.Intent.Type {
			return true, nil
		}
	}
	return false, nil
}

func (p *Planner) emit(ctx context.Context, req Request, eventType string, payload events.Payload) error {
	ev := events.Event{
		ID:          uuid.New().String(),
		AggregateID: req.DecisionID,
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
		Meta: events.Meta{
			Actor:         req.Actor,
			Source:        "planner",
			DecisionID:    req.DecisionID,
			CorrelationID: req.CorrelationID,
		},
	}
	if err := p.store.Append(ctx, ev); err != nil {
		return errors.Wrapf(err, "failed to append %s", eventType)
	}
	return nil
}

// assessRisk resolves the declared risk, falling back to a domain table and
// then an action-name heuristic.
func assessRisk(intent events.Intent) string {
	if intent.Risk != "" {
		return intent.Risk
	}
	switch intent.Domain {
	case "finance", "security":
		return permission.RiskHigh
	case "messages":
		return permission.RiskMedium
	case "agenda", "tasks":
		return permission.RiskLow
	}
	action := strings.ToLower(intent.Action)
	if strings.Contains(action, "transfer") || strings.Contains(action, "payment") {
		return permission.RiskHigh
	}
	return permission.RiskMedium
}

func generateOptions(domain string, repeat bool, trustScore float64) []events.Option {
	suggestBase := 60
	if domain == "agenda" || domain == "tasks" {
		suggestBase = 80
	}

	opts := []events.Option{
		{Kind: OptionSuggest, Label: "Suggest to the user", Score: suggestBase},
		{Kind: OptionAct, Label: "Act autonomously", Score: suggestBase - 10},
		{Kind: OptionNoAction, Label: "Do nothing", Score: 30},
	}
	for i := range opts {
		if repeat {
			opts[i].Score -= repeatPenalty
			opts[i].Reason = "repeat-penalty"
		}
		if trustScore < lowTrustThreshold && opts[i].Kind == OptionAct {
			opts[i].Score -= 10
		}
		if trustScore > highTrustThreshold && opts[i].Kind != OptionNoAction {
			opts[i].Score += 5
		}
		if opts[i].Score < 0 {
			opts[i].Score = 0
		}
		if opts[i].Score > 100 {
			opts[i].Score = 100
		}
	}
	return opts
}

// selectMode maps the policy verdict to a mode, then applies the repeat and
// trust heuristics on top.
func selectMode(dec permission.Decision, repeat bool, trustScore float64, options []events.Option, explain []string) (string, []string) {
	var mode string
	switch {
	case dec.Level == permission.LevelDeny:
		mode = ModeNoAction
		explain = append(explain, "policy:deny")
	case dec.RequiresApproval:
		mode = ModeSuggest
		explain = append(explain, "policy:requires-approval")
	default:
		mode = ModeReadyToExecute
		explain = append(explain, "policy:allow")
	}

	if repeat && mode != ModeNoAction {
		if allNoAction(options) {
			mode = ModeNoAction
			explain = append(explain, "repeat-forced-no_action")
		} else if mode == ModeReadyToExecute {
			mode = ModeSuggest
			explain = append(explain, "repeat-degraded-to-suggest")
		}
	}

	if trustScore < lowTrustThreshold {
		explain = append(explain, "conservative:low-trust")
		if repeat {
			mode = ModeNoAction
			explain = append(explain, "low-trust-repeat-forced-no_action")
		}
	} else if trustScore > highTrustThreshold {
		explain = append(explain, "confidence-boost:high-trust")
	}

	return mode, explain
}

// recommend picks the option matching the final mode. A conservative forced
// no_action carries no recommendation at all.
func recommend(mode string, options []events.Option, repeat bool, trustScore float64) *events.Option {
	if mode == ModeNoAction && repeat && trustScore < lowTrustThreshold {
		return nil
	}
	want := map[string]string{
		ModeSuggest:        OptionSuggest,
		ModeReadyToExecute: OptionAct,
		ModeNoAction:       OptionNoAction,
	}[mode]
	for i := range options {
		if options[i].Kind == want {
			return &options[i]
		}
	}
	return nil
}

func terminalType(mode string) string {
	switch mode {
	case ModeNoAction:
		return events.TypeSystemNoAction
	case ModeSuggest:
		return events.TypeDecisionSuggested
	default:
		return events.TypeDecisionReadyToExecute
	}
}

func allNoAction(options []events.Option) bool {
	for _, o := range options {
		if o.Kind != OptionNoAction {
			return false
		}
	}
	return len(options) > 0
}
