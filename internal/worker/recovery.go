package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/karen-arwen/orion/internal/events"
	"github.com/karen-arwen/orion/internal/eventstore"
	"github.com/karen-arwen/orion/internal/jobs"
	"github.com/karen-arwen/orion/internal/metrics"
	"github.com/karen-arwen/orion/internal/queue"
)

// Recoverer requeues jobs stuck in running after their worker died without
// releasing them. Stale is defined by the locked_at stamp's age on the job
// row: a crashed worker's Redis lease expires on its own, the row does not.
type Recoverer struct {
	repo       jobs.Repository
	queue      *queue.Queue
	store      eventstore.Store
	meter      metrics.Collector
	staleAfter time.Duration
}

// NewRecoverer wires a recovery sweep.
func NewRecoverer(repo jobs.Repository, q *queue.Queue, store eventstore.Store, meter metrics.Collector, staleAfter time.Duration) *Recoverer {
	if meter == nil {
		meter = metrics.NewNop()
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Recoverer{repo: repo, queue: q, store: store, meter: meter, staleAfter: staleAfter}
}

// Sweep resets every stale running job in the tenant back to queued with an
// immediate run time and re-enqueues it. Returns the number of jobs
// recovered.
func (r *Recoverer) Sweep(ctx context.Context, tenantID string) (int, error) {
	stale, err := r.repo.FindStaleRunning(ctx, tenantID, r.staleAfter)
	if err != nil {
		return 0, errors.Wrap(err, "failed to find stale running jobs")
	}

	recovered := 0
	for i := range stale {
		if err := r.recoverJob(ctx, &stale[i]); err != nil {
			log.Error().Err(err).Str("job_id", stale[i].ID).Msg("Failed to recover stale job")
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (r *Recoverer) recoverJob(ctx context.Context, job *jobs.Job) error {
	status := jobs.StatusQueued
	runAt := time.Now().UTC()
	updated, err := r.repo.UpdateStatus(ctx, job.TenantID, job.ID, jobs.StatusPatch{
		Status:    &status,
		RunAt:     &runAt,
		ClearLock: true,
	})
	if err != nil {
		return err
	}
	if err := r.queue.Enqueue(ctx, updated); err != nil {
		return err
	}

	scoped := eventstore.ForTenant(r.store, job.TenantID)
	sink := NewSink(scoped, job.ID, true)
	if err := sink.Emit(ctx, events.Event{
		AggregateID: job.ID,
		Type:        events.TypeJobRecovered,
		Payload: events.JobLifecyclePayload{
			JobID:    job.ID,
			JobType:  job.Type,
			Attempts: job.Attempts,
		},
		Meta: events.Meta{
			Actor:          "system:recovery",
			Source:         "worker",
			DecisionID:     job.DecisionID,
			CorrelationID:  job.CorrelationID,
			IdempotencyKey: fmt.Sprintf("%s:%s:%d", job.ID, events.TypeJobRecovered, job.Attempts),
		},
	}); err != nil {
		return err
	}

	r.meter.IncJob(metrics.JobRecovered)
	log.Warn().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Int("attempts", job.Attempts).
		Msg("Stale running job requeued")
	return nil
}
