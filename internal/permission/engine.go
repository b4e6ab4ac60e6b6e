package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/karen-arwen/orion/internal/events"
	"github.com/karen-arwen/orion/internal/eventstore"
)

// Level is a policy verdict for a (domain, action) pair.
type Level string

const (
	LevelAllow           Level = "allow"
	LevelDeny            Level = "deny"
	LevelRequireApproval Level = "require-approval"
)

// Risk ladder, low < medium < high.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

var riskRank = map[string]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}

// MaxRisk returns the higher of two risk levels. Unknown values rank lowest.
func MaxRisk(a, b string) string {
	if riskRank[b] > riskRank[a] {
		return b
	}
	if _, ok := riskRank[a]; !ok {
		if _, ok := riskRank[b]; ok {
			return b
		}
		return RiskMedium
	}
	return a
}

// Rule grants or withholds one action within a domain. Action "*" matches any
// action in the domain.
type Rule struct {
	Domain      string `yaml:"domain" json:"domain"`
	Action      string `yaml:"action" json:"action"`
	Level       Level  `yaml:"level" json:"level"`
	Risk        string `yaml:"risk,omitempty" json:"risk,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Provider supplies the current rule list. Implemented by RuleSet and by the
// hot-reloading Loader.
type Provider interface {
	Rules() []Rule
}

// RuleSet is a static, in-memory rule list.
type RuleSet []Rule

// Rules implements Provider.
func (rs RuleSet) Rules() []Rule {
	return rs
}

// Request asks whether an actor may perform an action.
type Request struct {
	Actor         string
	Domain        string
	Action        string
	Risk          string
	Reasons       []string
	DecisionID    string
	CorrelationID string
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Allowed          bool
	RequiresApproval bool
	Level            Level
	Risk             string
	Reasons          []string
	Rule             *Rule
}

// Engine evaluates policy requests against the current rule list. Every
// evaluation writes a permission.decision event and a companion audit record
// to the event log; the trail itself is the audit source of truth, so
// evaluation is never a pure function.
type Engine struct {
	rules Provider
	store eventstore.Store
}

// NewEngine creates a policy engine writing its trail to the given store.
func NewEngine(rules Provider, store eventstore.Store) *Engine {
	return &Engine{rules: rules, store: store}
}

// Evaluate resolves the request to a decision and appends the audit trail.
// Rule selection order: exact (domain, action), then (domain, "*"), then an
// implicit require-approval default at medium risk.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, events.Event, error) {
	rule := e.match(req.Domain, req.Action)

	dec := Decision{
		Level:   LevelRequireApproval,
		Risk:    MaxRisk(orMedium(req.Risk), RiskMedium),
		Reasons: append([]string(nil), req.Reasons...),
	}
	if rule != nil {
		dec.Level = rule.Level
		dec.Rule = rule
		dec.Risk = orMedium(req.Risk)
		if rule.Risk != "" {
			dec.Risk = MaxRisk(dec.Risk, rule.Risk)
			dec.Reasons = append(dec.Reasons, fmt.Sprintf("policy-%s:%s", rule.Domain, rule.Action))
		}
	}
	dec.Allowed = dec.Level == LevelAllow
	dec.RequiresApproval = dec.Level == LevelRequireApproval

	ev, err := e.appendTrail(ctx, req, dec)
	if err != nil {
		return Decision{}, events.Event{}, err
	}

	log.Debug().
		Str("domain", req.Domain).
		Str("action", req.Action).
		Str("level", string(dec.Level)).
		Str("risk", dec.Risk).
		Msg("Permission evaluated")

	return dec, ev, nil
}

func (e *Engine) match(domain, action string) *Rule {
	rules := e.rules.Rules()
	for i := range rules {
		if rules[i].Domain == domain && rules[i].Action == action {
			return &rules[i]
		}
	}
	for i := range rules {
		if rules[i].Domain == domain && rules[i].Action == "*" {
			return &rules[i]
		}
	}
	return nil
}

func (e *Engine) appendTrail(ctx context.Context, req Request, dec Decision) (events.Event, error) {
	now := time.Now().UTC()
	ev := events.Event{
		ID:          uuid.New().String(),
		AggregateID: req.DecisionID,
		Type:        events.TypePermissionDecision,
		Timestamp:   now,
		Payload: events.PermissionDecisionPayload{
			Outcome: events.PermissionOutcome{
				Domain:           req.Domain,
				Action:           req.Action,
				Level:            string(dec.Level),
				Risk:             dec.Risk,
				Allowed:          dec.Allowed,
				RequiresApproval: dec.RequiresApproval,
				Reasons:          dec.Reasons,
			},
		},
		Meta: events.Meta{
			Actor:         req.Actor,
			Source:        "permission-engine",
			DecisionID:    req.DecisionID,
			CorrelationID: req.CorrelationID,
		},
	}
	audit := events.Event{
		ID:          uuid.New().String(),
		AggregateID: req.DecisionID,
		Type:        events.TypeAuditRecorded,
		Timestamp:   now,
		Payload: events.AuditPayload{
			Status: auditStatus(dec),
			Domain: req.Domain,
			Action: req.Action,
			Actor:  req.Actor,
		},
		Meta: events.Meta{
			Actor:         req.Actor,
			Source:        "permission-engine",
			DecisionID:    req.DecisionID,
			CorrelationID: req.CorrelationID,
			CausationID:   ev.ID,
		},
	}

	if err := e.store.AppendMany(ctx, []events.Event{ev, audit}); err != nil {
		return events.Event{}, errors.Wrap(err, "failed to append permission trail")
	}
	return ev, nil
}

func auditStatus(dec Decision) string {
	switch {
	case dec.Allowed:
		return "success"
	case dec.RequiresApproval:
		return "requires-approval"
	default:
		return "denied"
	}
}

func orMedium(risk string) string {
	if risk == "" {
		return RiskMedium
	}
	return risk
}
