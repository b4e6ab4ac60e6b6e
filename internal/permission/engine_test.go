package permission

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/karen-arwen/orion/internal/events"
	"github.com/karen-arwen/orion/internal/eventstore"
)

func newEngine(rules []Rule) (*Engine, *eventstore.MemoryStore) {
	store := eventstore.NewMemoryStore()
	return NewEngine(RuleSet(rules), store), store
}

func TestEvaluateExactMatchWins(t *testing.T) {
	engine, _ := newEngine([]Rule{
		{Domain: "tasks", Action: "*", Level: LevelDeny},
		{Domain: "tasks", Action: "create", Level: LevelAllow},
	})

	dec, _, err := engine.Evaluate(context.Background(), Request{Domain: "tasks", Action: "create"})
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Equal(t, LevelAllow, dec.Level)
}

func TestEvaluateWildcardFallback(t *testing.T) {
	engine, _ := newEngine([]Rule{
		{Domain: "tasks", Action: "*", Level: LevelDeny},
	})

	dec, _, err := engine.Evaluate(context.Background(), Request{Domain: "tasks", Action: "delete"})
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Equal(t, LevelDeny, dec.Level)
}

func TestEvaluateImplicitDefault(t *testing.T) {
	engine, _ := newEngine(nil)

	dec, _, err := engine.Evaluate(context.Background(), Request{Domain: "finance", Action: "transfer"})
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.True(t, dec.RequiresApproval)
	require.Equal(t, RiskMedium, dec.Risk)
}

func TestEvaluateRiskIsMaxOfRequestAndRule(t *testing.T) {
	engine, _ := newEngine([]Rule{
		{Domain: "finance", Action: "transfer", Level: LevelRequireApproval, Risk: RiskHigh},
	})

	dec, _, err := engine.Evaluate(context.Background(), Request{
		Domain:  "finance",
		Action:  "transfer",
		Risk:    RiskLow,
		Reasons: []string{"caller-flagged"},
	})
	require.NoError(t, err)
	require.Equal(t, RiskHigh, dec.Risk)
	require.Contains(t, dec.Reasons, "caller-flagged")
	require.Contains(t, dec.Reasons, "policy-finance:transfer")
}

func TestEvaluateAlwaysAppendsTrail(t *testing.T) {
	engine, store := newEngine([]Rule{
		{Domain: "tasks", Action: "create", Level: LevelAllow},
	})

	_, ev, err := engine.Evaluate(context.Background(), Request{
		Domain:     "tasks",
		Action:     "create",
		Actor:      "user-1",
		DecisionID: "dec-1",
	})
	require.NoError(t, err)
	require.Equal(t, events.TypePermissionDecision, ev.Type)

	trail, err := store.Query(context.Background(), events.Filter{DecisionID: "dec-1"})
	require.NoError(t, err)
	require.Len(t, trail, 2)

	audits, err := store.Query(context.Background(), events.Filter{Types: []string{events.TypeAuditRecorded}})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	payload, ok := audits[0].Payload.(events.AuditPayload)
	require.True(t, ok)
	require.Equal(t, "success", payload.Status)
	require.Equal(t, ev.ID, audits[0].Meta.CausationID)
}

func TestAuditStatusPerLevel(t *testing.T) {
	cases := []struct {
		level  Level
		status string
	}{
		{LevelAllow, "success"},
		{LevelDeny, "denied"},
		{LevelRequireApproval, "requires-approval"},
	}
	for _, tc := range cases {
		engine, store := newEngine([]Rule{{Domain: "d", Action: "a", Level: tc.level}})
		_, _, err := engine.Evaluate(context.Background(), Request{Domain: "d", Action: "a"})
		require.NoError(t, err)

		audits, err := store.Query(context.Background(), events.Filter{Types: []string{events.TypeAuditRecorded}})
		require.NoError(t, err)
		require.Len(t, audits, 1)
		require.Equal(t, tc.status, audits[0].Payload.(events.AuditPayload).Status)
	}
}

func TestLoaderReadsRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - domain: tasks
    action: create
    level: allow
  - domain: finance
    action: "*"
    level: require-approval
    risk: high
`), 0o644))

	loader, err := NewLoader(path)
	require.NoError(t, err)
	rules := loader.Rules()
	require.Len(t, rules, 2)
	require.Equal(t, LevelAllow, rules[0].Level)
	require.Equal(t, RiskHigh, rules[1].Risk)
}

func TestLoaderRejectsBadLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - domain: x\n    action: y\n    level: maybe\n"), 0o644))

	_, err := NewLoader(path)
	require.Error(t, err)
}
