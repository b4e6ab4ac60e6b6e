package worker

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karen-arwen/orion/internal/events"
	"github.com/karen-arwen/orion/internal/eventstore"
	"github.com/karen-arwen/orion/internal/jobs"
	"github.com/karen-arwen/orion/internal/metrics"
	"github.com/karen-arwen/orion/internal/permission"
	"github.com/karen-arwen/orion/internal/queue"
	"github.com/karen-arwen/orion/internal/tool"
)

// scriptedTool fails a configured number of times, then succeeds.
type scriptedTool struct {
	name   string
	fails  int
	calls  int
	output map[string]interface{}
	events []events.Event
}

func (t *scriptedTool) Name() string { return t.name }

func (t *scriptedTool) Execute(_ context.Context, _ tool.Context, _ map[string]interface{}) (*tool.Result, error) {
	t.calls++
	if t.calls <= t.fails {
		return nil, errors.New("downstream unavailable")
	}
	return &tool.Result{Output: t.output, Events: t.events}, nil
}

type harness struct {
	repo   *jobs.MemoryRepository
	qstore *queue.MemoryStore
	queue  *queue.Queue
	store  *eventstore.MemoryStore
	meter  *metrics.InProcess
	tools  *tool.Registry
	proc   *Processor
}

func newHarness(t *testing.T, rules permission.RuleSet, tools ...tool.Tool) *harness {
	t.Helper()
	h := &harness{
		repo:   jobs.NewMemoryRepository(),
		qstore: queue.NewMemoryStore(),
		store:  eventstore.NewMemoryStore(),
		meter:  metrics.NewInProcess(),
		tools:  tool.NewRegistry(),
	}
	h.queue = queue.New(h.qstore)
	for _, tl := range tools {
		h.tools.Register(tl)
	}
	h.proc = NewProcessor(h.repo, h.queue, h.store, rules, h.tools, h.meter, Config{
		WorkerID:          "worker-test-1",
		LockTTL:           30 * time.Second,
		HeartbeatInterval: time.Hour,
		BackoffBase:       time.Millisecond,
	})
	return h
}

func (h *harness) createJob(t *testing.T, in jobs.CreateInput) *jobs.Job {
	t.Helper()
	job, created, err := h.repo.CreateJob(context.Background(), "tenant-a", in)
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func (h *harness) jobEvents(t *testing.T, jobID string, types ...string) []events.Event {
	t.Helper()
	evs, err := h.store.Query(context.Background(), events.Filter{
		TenantID:    "tenant-a",
		AggregateID: jobID,
		Types:       types,
	})
	require.NoError(t, err)
	return evs
}

func allowAll() permission.RuleSet {
	return permission.RuleSet{
		{Domain: "tasks", Action: "*", Level: permission.LevelAllow},
		{Domain: "note", Action: "*", Level: permission.LevelAllow},
		{Domain: "no.such", Action: "*", Level: permission.LevelAllow},
	}
}

func TestProcessJobSuccess(t *testing.T) {
	tl := &scriptedTool{name: "note.create", output: map[string]interface{}{"note_id": "n-1"}}
	h := newHarness(t, allowAll(), tl)
	job := h.createJob(t, jobs.CreateInput{Type: "note.create", Domain: "tasks", DecisionID: "dec-1"})

	require.NoError(t, h.proc.ProcessJob(context.Background(), "tenant-a", job.ID))

	got, err := h.repo.Get(context.Background(), "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "n-1", got.Output["note_id"])

	assert.Len(t, h.jobEvents(t, job.ID, events.TypeJobStarted), 1)
	succeeded := h.jobEvents(t, job.ID, events.TypeJobSucceeded)
	require.Len(t, succeeded, 1)
	payload, ok := succeeded[0].Payload.(events.JobLifecyclePayload)
	require.True(t, ok)
	assert.Contains(t, payload.Summary, "note_id")

	assert.Equal(t, int64(1), h.meter.Jobs(metrics.JobSucceeded))
	assert.Equal(t, 0, h.meter.ActiveAttempts())
}

func TestProcessJobForwardsToolEvents(t *testing.T) {
	tl := &scriptedTool{
		name: "note.create",
		events: []events.Event{{
			AggregateID: "note-agg",
			Type:        "note.created",
			Payload:     events.GenericPayload{"title": "hello"},
			Meta:        events.Meta{IdempotencyKey: "note:dec-1"},
		}},
	}
	h := newHarness(t, allowAll(), tl)
	job := h.createJob(t, jobs.CreateInput{Type: "note.create", Domain: "tasks"})

	require.NoError(t, h.proc.ProcessJob(context.Background(), "tenant-a", job.ID))

	evs, err := h.store.Query(context.Background(), events.Filter{
		TenantID: "tenant-a",
		Types:    []string{"note.created"},
	})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "note-agg", evs[0].AggregateID)
}

func TestRetryThenDeadLetter(t *testing.T) {
	tl := &scriptedTool{name: "note.create", fails: 10}
	h := newHarness(t, allowAll(), tl)
	job := h.createJob(t, jobs.CreateInput{Type: "note.create", Domain: "tasks", MaxAttempts: 2})

	require.NoError(t, h.proc.ProcessJob(context.Background(), "tenant-a", job.ID))

	got, err := h.repo.Get(context.Background(), "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.RunAt.After(time.Now().UTC().Add(-time.Second)))
	assert.True(t, h.qstore.Contains("tenant-a", job.ID), "retried job must be requeued")
	assert.Len(t, h.jobEvents(t, job.ID, events.TypeJobRetried), 1)

	// Wait out the backoff so the job is eligible again.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, h.proc.ProcessJob(context.Background(), "tenant-a", job.ID))

	got, err = h.repo.Get(context.Background(), "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDeadLetter, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Len(t, h.jobEvents(t, job.ID, events.TypeJobDeadLetter), 1)
	assert.Equal(t, int64(1), h.meter.Jobs(metrics.JobRetried))
	assert.Equal(t, int64(1), h.meter.Jobs(metrics.JobDeadLetter))
}

func TestUnknownToolDeadLetters(t *testing.T) {
	h := newHarness(t, allowAll())
	job := h.createJob(t, jobs.CreateInput{Type: "no.such.tool", Domain: "tasks"})

	require.NoError(t, h.proc.ProcessJob(context.Background(), "tenant-a", job.ID))

	got, err := h.repo.Get(context.Background(), "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDeadLetter, got.Status)
	assert.Equal(t, "unknown_tool", got.Error)
}

func TestPermissionDenyFailsJob(t *testing.T) {
	tl := &scriptedTool{name: "transfer.execute"}
	rules := permission.RuleSet{{Domain: "finance", Action: "*", Level: permission.LevelDeny}}
	h := newHarness(t, rules, tl)
	job := h.createJob(t, jobs.CreateInput{Type: "transfer.execute", Domain: "finance"})

	require.NoError(t, h.proc.ProcessJob(context.Background(), "tenant-a", job.ID))

	got, err := h.repo.Get(context.Background(), "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, "permission_denied", got.Error)
	assert.Zero(t, tl.calls, "tool must not run when policy denies")
	assert.Len(t, h.jobEvents(t, job.ID, events.TypeJobFailed), 1)
	assert.Equal(t, int64(1), h.meter.Jobs(metrics.JobFailed))
}

func TestPermissionApprovalParksJob(t *testing.T) {
	tl := &scriptedTool{name: "note.create"}
	rules := permission.RuleSet{{Domain: "tasks", Action: "create", Level: permission.LevelRequireApproval}}
	h := newHarness(t, rules, tl)
	job := h.createJob(t, jobs.CreateInput{Type: "note.create", Domain: "tasks", DecisionID: "dec-7"})

	require.NoError(t, h.proc.ProcessJob(context.Background(), "tenant-a", job.ID))

	got, err := h.repo.Get(context.Background(), "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusAwaitingApproval, got.Status)
	assert.Zero(t, tl.calls)
	assert.Len(t, h.jobEvents(t, job.ID, events.TypeJobAwaitingApproval), 1)
	assert.Len(t, h.jobEvents(t, job.ID, events.TypeDecisionAwaitingApproval), 1)
	assert.Equal(t, int64(1), h.meter.Jobs(metrics.JobAwaiting))
}

func TestCancellationShortCircuits(t *testing.T) {
	tl := &scriptedTool{name: "note.create"}
	h := newHarness(t, allowAll(), tl)
	job := h.createJob(t, jobs.CreateInput{Type: "note.create", Domain: "tasks"})

	require.NoError(t, h.queue.Cancel(context.Background(), job.ID))
	require.NoError(t, h.proc.ProcessJob(context.Background(), "tenant-a", job.ID))

	got, err := h.repo.Get(context.Background(), "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCanceled, got.Status)
	assert.Zero(t, tl.calls)
	assert.Len(t, h.jobEvents(t, job.ID, events.TypeJobCanceled), 1)
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	tl := &scriptedTool{name: "note.create"}
	h := newHarness(t, allowAll(), tl)
	job := h.createJob(t, jobs.CreateInput{Type: "note.create", Domain: "tasks"})

	// A previous run completed and recorded success before the process died.
	scoped := eventstore.ForTenant(h.store, "tenant-a")
	require.NoError(t, scoped.Append(context.Background(), events.Event{
		AggregateID: job.ID,
		Type:        events.TypeJobSucceeded,
		Payload:     events.JobLifecyclePayload{JobID: job.ID, JobType: job.Type},
		Meta:        events.Meta{Actor: "worker:ghost", Source: "worker", IdempotencyKey: job.ID + ":" + events.TypeJobSucceeded},
	}))

	require.NoError(t, h.proc.ProcessJob(context.Background(), "tenant-a", job.ID))

	got, err := h.repo.Get(context.Background(), "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSucceeded, got.Status)
	assert.Zero(t, tl.calls, "tool must not re-run a completed job")
	assert.Len(t, h.jobEvents(t, job.ID, events.TypeJobDuplicateSuppressed), 1)
	assert.Equal(t, int64(1), h.meter.Jobs(metrics.JobDuplicate))
}

// funcTool runs an arbitrary closure, for tests that need mid-run behavior.
type funcTool struct {
	name string
	fn   func(ctx context.Context, tc tool.Context, input map[string]interface{}) (*tool.Result, error)
}

func (t *funcTool) Name() string { return t.name }

func (t *funcTool) Execute(ctx context.Context, tc tool.Context, input map[string]interface{}) (*tool.Result, error) {
	return t.fn(ctx, tc, input)
}

func TestLostLeaseSuppressesToolEventsAndFinalization(t *testing.T) {
	h := newHarness(t, allowAll())
	h.proc.cfg.HeartbeatInterval = 5 * time.Millisecond

	var jobID string
	var emitErr error
	leaky := &funcTool{name: "note.create", fn: func(ctx context.Context, tc tool.Context, _ map[string]interface{}) (*tool.Result, error) {
		// Another worker steals the lease while the tool is still running.
		h.qstore.DropLock("tenant-a", jobID)

		// Give the heartbeat ample time to observe the lost lease.
		time.Sleep(250 * time.Millisecond)

		emitErr = tc.Events.Emit(ctx, events.Event{
			AggregateID: "note-agg",
			Type:        "note.created",
			Payload:     events.GenericPayload{"title": "late"},
			Meta:        events.Meta{IdempotencyKey: "note:halt-test"},
		})
		return &tool.Result{Output: map[string]interface{}{"note_id": "n-1"}}, nil
	}}
	h.tools.Register(leaky)

	job := h.createJob(t, jobs.CreateInput{Type: "note.create", Domain: "tasks"})
	jobID = job.ID

	require.NoError(t, h.proc.ProcessJob(context.Background(), "tenant-a", job.ID))

	require.Error(t, emitErr)
	assert.ErrorIs(t, emitErr, ErrAttemptHalted)

	// The attempt went quiet: no tool event, no success event, no
	// finalization. Stale recovery owns the job from here.
	got, err := h.repo.Get(context.Background(), "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)

	evs, err := h.store.Query(context.Background(), events.Filter{
		TenantID: "tenant-a",
		Types:    []string{"note.created", events.TypeJobSucceeded},
	})
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Zero(t, h.meter.Jobs(metrics.JobSucceeded))
}

func TestJobLockedElsewhereIsSkipped(t *testing.T) {
	tl := &scriptedTool{name: "note.create"}
	h := newHarness(t, allowAll(), tl)
	job := h.createJob(t, jobs.CreateInput{Type: "note.create", Domain: "tasks"})

	ok, err := h.queue.Lock(context.Background(), "tenant-a", job.ID, "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.proc.ProcessJob(context.Background(), "tenant-a", job.ID))

	got, err := h.repo.Get(context.Background(), "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	assert.Zero(t, tl.calls)
}

func TestNotDueJobIsSkipped(t *testing.T) {
	tl := &scriptedTool{name: "note.create"}
	h := newHarness(t, allowAll(), tl)
	job := h.createJob(t, jobs.CreateInput{
		Type:   "note.create",
		Domain: "tasks",
		RunAt:  time.Now().UTC().Add(time.Hour),
	})

	require.NoError(t, h.proc.ProcessJob(context.Background(), "tenant-a", job.ID))

	got, err := h.repo.Get(context.Background(), "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	assert.Zero(t, tl.calls)
}

func TestRecovererRequeuesStaleRunning(t *testing.T) {
	h := newHarness(t, allowAll())
	job := h.createJob(t, jobs.CreateInput{Type: "note.create", Domain: "tasks"})

	// Simulate a worker that took the job and died.
	acquired, err := h.repo.AcquireForRun(context.Background(), "tenant-a", job.ID, "dead-worker", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, acquired)

	time.Sleep(10 * time.Millisecond)

	rec := NewRecoverer(h.repo, h.queue, h.store, h.meter, time.Millisecond)
	n, err := rec.Sweep(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.repo.Get(context.Background(), "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	assert.True(t, h.qstore.Contains("tenant-a", job.ID))
	assert.Len(t, h.jobEvents(t, job.ID, events.TypeJobRecovered), 1)
	assert.Equal(t, int64(1), h.meter.Jobs(metrics.JobRecovered))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, 200*time.Millisecond, backoffFor(1, base))
	assert.Equal(t, 400*time.Millisecond, backoffFor(2, base))
	assert.Equal(t, 800*time.Millisecond, backoffFor(3, base))
	assert.Equal(t, maxBackoff, backoffFor(20, base))
	assert.Equal(t, maxBackoff, backoffFor(64, base))
}

func TestDeriveScope(t *testing.T) {
	cases := []struct {
		jobType string
		domain  string
		wantDom string
		wantAct string
	}{
		{"note.create", "tasks", "tasks", "create"},
		{"note.create", "", "note", "create"},
		{"transfer.bank.execute", "finance", "finance", "execute"},
		{"ping", "", "generic", "ping"},
	}
	for _, tc := range cases {
		dom, act := deriveScope(&jobs.Job{Type: tc.jobType, Domain: tc.domain})
		assert.Equal(t, tc.wantDom, dom, tc.jobType)
		assert.Equal(t, tc.wantAct, act, tc.jobType)
	}
}
