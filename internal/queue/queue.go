package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/karen-arwen/orion/internal/jobs"
)

// Store is the shared key-value/sorted-set backend the queue runs on. The
// production implementation is Redis; tests use the in-memory one. All
// mutual exclusion is delegated to the store's conditional writes, there is
// no in-process locking above it.
type Store interface {
	// Add inserts a member into the tenant's ordered set.
	Add(ctx context.Context, tenantID, jobID string, score float64) error

	// Ready returns up to limit members with score <= maxScore, lowest first.
	// It does not remove them.
	Ready(ctx context.Context, tenantID string, maxScore float64, limit int) ([]string, error)

	// Remove deletes a member from the tenant's set.
	Remove(ctx context.Context, tenantID, jobID string) error

	// AcquireLock takes the job's lease for owner, or refreshes it when the
	// owner already holds it. Returns false when another owner holds it.
	AcquireLock(ctx context.Context, tenantID, jobID, owner string, ttl time.Duration) (bool, error)

	// RenewLock extends the lease only while owner still holds it.
	RenewLock(ctx context.Context, tenantID, jobID, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock drops the lease if owner holds it.
	ReleaseLock(ctx context.Context, tenantID, jobID, owner string) error

	// MarkCanceled sets the job's cancellation marker. The marker is
	// independent of the lock so cancellation is observable without one.
	MarkCanceled(ctx context.Context, jobID string, ttl time.Duration) error

	// IsCanceled reads the cancellation marker.
	IsCanceled(ctx context.Context, jobID string) (bool, error)
}

const (
	// DefaultLockTTL is the lease duration when the caller does not specify
	// one.
	DefaultLockTTL = 30 * time.Second

	// cancelTTL bounds how long a cancellation marker outlives the request.
	cancelTTL = 24 * time.Hour

	priorityWeight = 10
)

// Queue dispatches jobs in eligibility order: higher priority and earlier due
// time both dequeue sooner. It guarantees eligibility ordering only, not
// execution order, since multiple workers race for leases.
type Queue struct {
	store Store
}

// New creates a queue over the given store.
func New(store Store) *Queue {
	return &Queue{store: store}
}

// Score is the sorted-set ordering key for a job.
func Score(runAt time.Time, priority int) float64 {
	return float64(runAt.UnixMilli() - int64(priority)*priorityWeight)
}

// Enqueue inserts the job into its tenant's ordered set.
func (q *Queue) Enqueue(ctx context.Context, job *jobs.Job) error {
	if err := q.store.Add(ctx, job.TenantID, job.ID, Score(job.RunAt, job.Priority)); err != nil {
		return errors.Wrapf(err, "failed to enqueue job %s", job.ID)
	}
	return nil
}

// DequeueReady pulls up to limit due job ids for the tenant. Each returned id
// is removed from the set only after its lease lock is acquired for workerID;
// contended ids stay queued for another worker. The loop ends when the limit
// is reached or a full pass locks nothing, which prevents livelock when every
// candidate is contended.
func (q *Queue) DequeueReady(ctx context.Context, tenantID string, limit int, workerID string, lockTTL time.Duration) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	now := float64(time.Now().UnixMilli())

	var out []string
	skipped := make(map[string]bool)
	for len(out) < limit {
		candidates, err := q.store.Ready(ctx, tenantID, now, limit+len(skipped))
		if err != nil {
			return nil, errors.Wrap(err, "failed to read ready jobs")
		}

		lockedAny := false
		skippedGrew := false
		for _, id := range candidates {
			if len(out) >= limit {
				break
			}
			if skipped[id] {
				continue
			}
			ok, err := q.store.AcquireLock(ctx, tenantID, id, workerID, lockTTL)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to lock job %s", id)
			}
			if !ok {
				skipped[id] = true
				skippedGrew = true
				continue
			}
			if err := q.store.Remove(ctx, tenantID, id); err != nil {
				return nil, errors.Wrapf(err, "failed to remove job %s from queue", id)
			}
			out = append(out, id)
			lockedAny = true
		}

		// A pass that only found contended ids widens the next fetch past
		// them, so a free id behind a locked head is still reachable. Stop
		// once a pass neither locks nor discovers new contention.
		if !lockedAny && !skippedGrew {
			break
		}
	}

	if len(out) > 0 {
		log.Debug().Str("tenant_id", tenantID).Int("count", len(out)).Msg("Dequeued jobs")
	}
	return out, nil
}

// Lock takes the job's lease for workerID.
func (q *Queue) Lock(ctx context.Context, tenantID, jobID, workerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return q.store.AcquireLock(ctx, tenantID, jobID, workerID, ttl)
}

// RenewLock extends the lease while workerID still holds it. A false return
// means the lease was lost.
func (q *Queue) RenewLock(ctx context.Context, tenantID, jobID, workerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return q.store.RenewLock(ctx, tenantID, jobID, workerID, ttl)
}

// Unlock releases the lease if workerID holds it.
func (q *Queue) Unlock(ctx context.Context, tenantID, jobID, workerID string) error {
	return q.store.ReleaseLock(ctx, tenantID, jobID, workerID)
}

// Cancel sets the job's advisory cancellation marker. A running attempt
// observes it at its next poll point; it is not interrupt-driven.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.store.MarkCanceled(ctx, jobID, cancelTTL)
}

// IsCanceled reads the cancellation marker.
func (q *Queue) IsCanceled(ctx context.Context, jobID string) (bool, error) {
	return q.store.IsCanceled(ctx, jobID)
}
