package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/karen-arwen/orion/internal/events"
	"github.com/karen-arwen/orion/internal/eventstore"
	"github.com/karen-arwen/orion/internal/jobs"
	"github.com/karen-arwen/orion/internal/metrics"
	"github.com/karen-arwen/orion/internal/permission"
	"github.com/karen-arwen/orion/internal/queue"
	"github.com/karen-arwen/orion/internal/tool"
)

const (
	maxBackoff    = 5 * time.Minute
	summaryCap    = 512
	errDeadLetter = "unknown_tool"
	errDenied     = "permission_denied"
)

// Config tunes one worker process.
type Config struct {
	WorkerID          string
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	Production        bool
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = queue.DefaultLockTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LockTTL / 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	return c
}

// Processor executes one queued job at a time: it takes the lease, re-checks
// policy, runs the tool through a deduplicating event sink, and maps failure
// to retry or dead-letter. All mutual exclusion between workers comes from
// the lease; losing it mid-run stops the attempt from taking further visible
// action.
type Processor struct {
	repo  jobs.Repository
	queue *queue.Queue
	store eventstore.Store
	rules permission.Provider
	tools *tool.Registry
	meter metrics.Collector
	cfg   Config
}

// NewProcessor wires a processor.
func NewProcessor(repo jobs.Repository, q *queue.Queue, store eventstore.Store, rules permission.Provider, tools *tool.Registry, meter metrics.Collector, cfg Config) *Processor {
	if meter == nil {
		meter = metrics.NewNop()
	}
	return &Processor{
		repo:  repo,
		queue: q,
		store: store,
		rules: rules,
		tools: tools,
		meter: meter,
		cfg:   cfg.withDefaults(),
	}
}

// attempt is the mutable state of one job execution. compromised flips when
// a lease renewal fails; from then on the attempt takes no further
// externally visible action.
type attempt struct {
	job         *jobs.Job
	store       *eventstore.TenantStore
	sink        *Sink
	compromised atomic.Bool
}

// ProcessJob runs one attempt for the job. Jobs that are locked elsewhere or
// no longer eligible are skipped silently; infrastructure errors propagate.
func (p *Processor) ProcessJob(ctx context.Context, tenantID, jobID string) error {
	locked, err := p.queue.Lock(ctx, tenantID, jobID, p.cfg.WorkerID, p.cfg.LockTTL)
	if err != nil {
		return errors.Wrap(err, "failed to take job lease")
	}
	if !locked {
		return nil
	}
	defer p.queue.Unlock(ctx, tenantID, jobID, p.cfg.WorkerID)

	job, err := p.repo.AcquireForRun(ctx, tenantID, jobID, p.cfg.WorkerID, time.Now().UTC())
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	scoped := eventstore.ForTenant(p.store, tenantID)
	att := &attempt{
		job:   job,
		store: scoped,
		sink:  NewSink(scoped, job.ID, p.cfg.Production),
	}
	att.sink.HaltOn(&att.compromised)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, att)

	p.meter.AddActiveAttempts(1)
	started := time.Now()
	defer func() {
		p.meter.AddActiveAttempts(-1)
		p.meter.ObserveAttempt(time.Since(started))
	}()

	return p.runAttempt(ctx, att)
}

func (p *Processor) runAttempt(ctx context.Context, att *attempt) error {
	job := att.job

	canceled, err := p.queue.IsCanceled(ctx, job.ID)
	if err != nil {
		return errors.Wrap(err, "failed to read cancellation marker")
	}
	if canceled {
		return p.finalizeCanceled(ctx, att)
	}

	halted, err := p.recheckPermission(ctx, att)
	if err != nil || halted {
		return err
	}

	// Re-delivery after a crash past completion: honor the existing success
	// instead of re-running the tool.
	prior, err := att.store.Query(ctx, events.Filter{
		AggregateID: job.ID,
		Types:       []string{events.TypeJobSucceeded},
	})
	if err != nil {
		return errors.Wrap(err, "failed to check prior success")
	}
	if len(prior) > 0 {
		return p.suppressDuplicate(ctx, att)
	}

	attempts := job.Attempts + 1
	if att.compromised.Load() {
		return p.abandon(att)
	}
	if _, err := p.repo.UpdateStatus(ctx, job.TenantID, job.ID, jobs.StatusPatch{Attempts: &attempts}); err != nil {
		return err
	}
	job.Attempts = attempts

	if err := p.emitJobEvent(ctx, att, events.TypeJobStarted, attemptKey(job, events.TypeJobStarted), ""); err != nil {
		return err
	}

	t, ok := p.tools.Get(job.Type)
	if !ok {
		return p.finalizeDeadLetter(ctx, att, errDeadLetter)
	}

	res, execErr := t.Execute(ctx, tool.Context{
		TenantID:      job.TenantID,
		DecisionID:    job.DecisionID,
		CorrelationID: job.CorrelationID,
		Actor:         "worker:" + p.cfg.WorkerID,
		Events:        att.sink,
	}, job.Input)
	if execErr != nil {
		return p.handleFailure(ctx, att, execErr)
	}

	for _, ev := range res.Events {
		if att.compromised.Load() {
			return p.abandon(att)
		}
		if err := att.sink.Emit(ctx, ev); err != nil {
			return err
		}
	}
	return p.finalizeSuccess(ctx, att, res.Output)
}

// heartbeat renews the lease until the attempt ends. A failed renewal marks
// the attempt compromised: another worker may own the job now, so this one
// must go quiet rather than risk split-brain execution.
func (p *Processor) heartbeat(ctx context.Context, att *attempt) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.queue.RenewLock(ctx, att.job.TenantID, att.job.ID, p.cfg.WorkerID, p.cfg.LockTTL)
			if err != nil || !ok {
				att.compromised.Store(true)
				log.Warn().
					Err(err).
					Str("job_id", att.job.ID).
					Str("worker_id", p.cfg.WorkerID).
					Msg("Lease renewal failed, suppressing further side effects for this attempt")
				return
			}
		}
	}
}

// recheckPermission re-evaluates policy at execution time; jobs are not
// trusted from creation time. Returns halted=true when the attempt must not
// proceed to the tool.
func (p *Processor) recheckPermission(ctx context.Context, att *attempt) (halted bool, err error) {
	job := att.job
	domain, action := deriveScope(job)

	engine := permission.NewEngine(p.rules, att.store)
	dec, _, err := engine.Evaluate(ctx, permission.Request{
		Actor:         "worker:" + p.cfg.WorkerID,
		Domain:        domain,
		Action:        action,
		DecisionID:    job.DecisionID,
		CorrelationID: job.CorrelationID,
	})
	if err != nil {
		return false, err
	}

	switch {
	case dec.Level == permission.LevelDeny:
		if att.compromised.Load() {
			return true, p.abandon(att)
		}
		if err := p.setStatus(ctx, att, jobs.StatusFailed, strPtr(errDenied), nil); err != nil {
			return false, err
		}
		if err := p.emitJobEvent(ctx, att, events.TypeJobFailed, jobKey(job, events.TypeJobFailed), errDenied); err != nil {
			return false, err
		}
		p.meter.IncJob(metrics.JobFailed)
		return true, nil

	case dec.RequiresApproval && !dec.Allowed:
		if att.compromised.Load() {
			return true, p.abandon(att)
		}
		if err := p.setStatus(ctx, att, jobs.StatusAwaitingApproval, nil, nil); err != nil {
			return false, err
		}
		if err := p.emitJobEvent(ctx, att, events.TypeJobAwaitingApproval, attemptKey(job, events.TypeJobAwaitingApproval), ""); err != nil {
			return false, err
		}
		if job.DecisionID != "" {
			if err := p.emitJobEvent(ctx, att, events.TypeDecisionAwaitingApproval, attemptKey(job, events.TypeDecisionAwaitingApproval), ""); err != nil {
				return false, err
			}
		}
		p.meter.IncJob(metrics.JobAwaiting)
		return true, nil
	}
	return false, nil
}

func (p *Processor) finalizeCanceled(ctx context.Context, att *attempt) error {
	if att.compromised.Load() {
		return p.abandon(att)
	}
	if err := p.setStatus(ctx, att, jobs.StatusCanceled, strPtr("canceled"), nil); err != nil {
		return err
	}
	if err := p.emitJobEvent(ctx, att, events.TypeJobCanceled, jobKey(att.job, events.TypeJobCanceled), ""); err != nil {
		return err
	}
	p.meter.IncJob(metrics.JobCanceled)
	return nil
}

func (p *Processor) suppressDuplicate(ctx context.Context, att *attempt) error {
	if att.compromised.Load() {
		return p.abandon(att)
	}
	if err := p.setStatus(ctx, att, jobs.StatusSucceeded, nil, nil); err != nil {
		return err
	}
	if err := p.emitJobEvent(ctx, att, events.TypeJobDuplicateSuppressed, jobKey(att.job, events.TypeJobDuplicateSuppressed), ""); err != nil {
		return err
	}
	p.meter.IncJob(metrics.JobDuplicate)
	log.Info().Str("job_id", att.job.ID).Msg("Duplicate delivery of completed job suppressed")
	return nil
}

func (p *Processor) finalizeSuccess(ctx context.Context, att *attempt, output map[string]interface{}) error {
	if att.compromised.Load() {
		return p.abandon(att)
	}
	status := jobs.StatusSucceeded
	if _, err := p.repo.UpdateStatus(ctx, att.job.TenantID, att.job.ID, jobs.StatusPatch{
		Status:    &status,
		Output:    output,
		ClearLock: true,
	}); err != nil {
		return err
	}
	if err := p.emitSummaryEvent(ctx, att, events.TypeJobSucceeded, jobKey(att.job, events.TypeJobSucceeded), summarize(output)); err != nil {
		return err
	}
	p.meter.IncJob(metrics.JobSucceeded)
	log.Info().
		Str("job_id", att.job.ID).
		Str("type", att.job.Type).
		Int("attempts", att.job.Attempts).
		Msg("Job succeeded")
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, att *attempt, execErr error) error {
	job := att.job
	if att.compromised.Load() {
		return p.abandon(att)
	}

	if job.Attempts >= job.MaxAttempts {
		return p.finalizeDeadLetter(ctx, att, truncate(execErr.Error(), summaryCap))
	}

	backoff := backoffFor(job.Attempts, p.cfg.BackoffBase)
	runAt := time.Now().UTC().Add(backoff)
	status := jobs.StatusQueued
	updated, err := p.repo.UpdateStatus(ctx, job.TenantID, job.ID, jobs.StatusPatch{
		Status:    &status,
		Error:     strPtr(truncate(execErr.Error(), summaryCap)),
		RunAt:     &runAt,
		ClearLock: true,
	})
	if err != nil {
		return err
	}
	if err := p.queue.Enqueue(ctx, updated); err != nil {
		return err
	}
	if err := p.emitJobEvent(ctx, att, events.TypeJobRetried, attemptKey(job, events.TypeJobRetried), truncate(execErr.Error(), summaryCap)); err != nil {
		return err
	}
	p.meter.IncJob(metrics.JobRetried)
	log.Warn().
		Err(execErr).
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Dur("backoff", backoff).
		Msg("Job attempt failed, requeued with backoff")
	return nil
}

func (p *Processor) finalizeDeadLetter(ctx context.Context, att *attempt, reason string) error {
	if att.compromised.Load() {
		return p.abandon(att)
	}
	if err := p.setStatus(ctx, att, jobs.StatusDeadLetter, strPtr(reason), nil); err != nil {
		return err
	}
	if err := p.emitJobEvent(ctx, att, events.TypeJobDeadLetter, jobKey(att.job, events.TypeJobDeadLetter), reason); err != nil {
		return err
	}
	p.meter.IncJob(metrics.JobDeadLetter)
	log.Error().
		Str("job_id", att.job.ID).
		Str("reason", reason).
		Msg("Job dead-lettered")
	return nil
}

func (p *Processor) setStatus(ctx context.Context, att *attempt, status jobs.Status, errText *string, output map[string]interface{}) error {
	_, err := p.repo.UpdateStatus(ctx, att.job.TenantID, att.job.ID, jobs.StatusPatch{
		Status:    &status,
		Error:     errText,
		Output:    output,
		ClearLock: true,
	})
	return err
}

func (p *Processor) emitJobEvent(ctx context.Context, att *attempt, eventType, key, errText string) error {
	if att.compromised.Load() {
		return p.abandon(att)
	}
	return att.sink.Emit(ctx, events.Event{
		AggregateID: att.job.ID,
		Type:        eventType,
		Payload: events.JobLifecyclePayload{
			JobID:    att.job.ID,
			JobType:  att.job.Type,
			Attempts: att.job.Attempts,
			Error:    errText,
		},
		Meta: events.Meta{
			Actor:          "worker:" + p.cfg.WorkerID,
			Source:         "worker",
			DecisionID:     att.job.DecisionID,
			CorrelationID:  att.job.CorrelationID,
			IdempotencyKey: key,
		},
	})
}

func (p *Processor) emitSummaryEvent(ctx context.Context, att *attempt, eventType, key, summary string) error {
	if att.compromised.Load() {
		return p.abandon(att)
	}
	return att.sink.Emit(ctx, events.Event{
		AggregateID: att.job.ID,
		Type:        eventType,
		Payload: events.JobLifecyclePayload{
			JobID:    att.job.ID,
			JobType:  att.job.Type,
			Attempts: att.job.Attempts,
			Summary:  summary,
		},
		Meta: events.Meta{
			Actor:          "worker:" + p.cfg.WorkerID,
			Source:         "worker",
			DecisionID:     att.job.DecisionID,
			CorrelationID:  att.job.CorrelationID,
			IdempotencyKey: key,
		},
	})
}

func (p *Processor) abandon(att *attempt) error {
	log.Warn().
		Str("job_id", att.job.ID).
		Str("worker_id", p.cfg.WorkerID).
		Msg("Attempt abandoned after lost lease, stale recovery will requeue the job")
	return nil
}

// deriveScope maps a job to the (domain, action) pair used for its
// execution-time policy check.
func deriveScope(job *jobs.Job) (domain, action string) {
	domain = job.Domain
	action = job.Type
	if idx := strings.LastIndex(job.Type, "."); idx > 0 {
		action = job.Type[idx+1:]
		if domain == "" {
			domain = job.Type[:idx]
		}
	}
	if domain == "" {
		domain = "generic"
	}
	return domain, action
}

func backoffFor(attempts int, base time.Duration) time.Duration {
	if attempts > 30 {
		return maxBackoff
	}
	d := base * time.Duration(int64(1)<<uint(attempts))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// summarize renders a safe, length-capped view of a tool output for event
// payloads.
func summarize(output map[string]interface{}) string {
	if len(output) == 0 {
		return ""
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("unserializable output (%d fields)", len(output))
	}
	return truncate(string(data), summaryCap)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func strPtr(s string) *string { return &s }

func jobKey(job *jobs.Job, eventType string) string {
	return job.ID + ":" + eventType
}

// attemptKey distinguishes per-attempt events so a second attempt's
// job.started is not swallowed by the first one's key.
func attemptKey(job *jobs.Job, eventType string) string {
	return fmt.Sprintf("%s:%s:%d", job.ID, eventType, job.Attempts)
}
