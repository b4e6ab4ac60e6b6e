package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rs/zerolog/log"
)

const defaultMaxAttempts = 3

// GormRepository is the persisted job repository backed by Postgres. The
// unique index on (tenant_id, idempotency_key) enforces create idempotency
// at the storage layer, not just in application code.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a persisted job repository.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// CreateJob inserts a job or returns the existing one for the tenant's
// idempotency key.
func (r *GormRepository) CreateJob(ctx context.Context, tenantID string, in CreateInput) (*Job, bool, error) {
	job := newJob(tenantID, in)

	if job.IdempotencyKey == nil {
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, errors.Wrap(err, "failed to create job")
		}
		return job, true, nil
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(job)
	if res.Error != nil {
		return nil, false, errors.Wrap(res.Error, "failed to create job")
	}
	if res.RowsAffected > 0 {
		return job, true, nil
	}

	// Lost the race or replayed: hand back the job that won.
	var existing Job
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, *job.IdempotencyKey).
		First(&existing).Error
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to load existing job for idempotency key")
	}
	return &existing, false, nil
}

// Get fetches a job scoped to the tenant.
func (r *GormRepository) Get(ctx context.Context, tenantID, jobID string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, jobID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return &job, nil
}

// UpdateStatus applies a guarded partial update inside a transaction.
func (r *GormRepository) UpdateStatus(ctx context.Context, tenantID, jobID string, patch StatusPatch) (*Job, error) {
	var updated *Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND id = ?", tenantID, jobID).
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "failed to load job for update")
		}

		apply, err := guardPatch(&job, patch)
		if err != nil {
			return err
		}
		if !apply {
			updated = &job
			return nil
		}

		mutate(&job, patch)
		if err := tx.Save(&job).Error; err != nil {
			return errors.Wrap(err, "failed to update job")
		}
		updated = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AcquireForRun transitions queued -> running with a single conditional
// UPDATE so concurrent workers cannot both win.
func (r *GormRepository) AcquireForRun(ctx context.Context, tenantID, jobID, workerID string, now time.Time) (*Job, error) {
	res := r.db.WithContext(ctx).
		Model(&Job{}).
		Where("tenant_id = ? AND id = ? AND status = ? AND run_at <= ?", tenantID, jobID, StatusQueued, now).
		Updates(map[string]interface{}{
			"status":     StatusRunning,
			"locked_at":  now,
			"locked_by":  workerID,
			"etag":       uuid.New().String(),
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "failed to acquire job for run")
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.Get(ctx, tenantID, jobID)
}

// ListByTenant returns the tenant's jobs, newest first.
func (r *GormRepository) ListByTenant(ctx context.Context, tenantID string, statuses []Status, limit int) ([]Job, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Job
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return out, nil
}

// FindStaleRunning lists running jobs whose lock predates the threshold.
func (r *GormRepository) FindStaleRunning(ctx context.Context, tenantID string, staleFor time.Duration) ([]Job, error) {
	cutoff := time.Now().Add(-staleFor)
	var out []Job
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ? AND locked_at IS NOT NULL AND locked_at < ?", tenantID, StatusRunning, cutoff).
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find stale running jobs")
	}
	return out, nil
}

// ActiveTenants lists tenants with queued or running work, or any job touched
// since the horizon.
func (r *GormRepository) ActiveTenants(ctx context.Context, updatedSince time.Time) ([]string, error) {
	var tenants []string
	err := r.db.WithContext(ctx).
		Model(&Job{}).
		Distinct("tenant_id").
		Where("status IN ? OR updated_at >= ?", []Status{StatusQueued, StatusRunning}, updatedSince).
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active tenants")
	}
	return tenants, nil
}

func newJob(tenantID string, in CreateInput) *Job {
	job := &Job{
		ID:            in.ID,
		TenantID:      tenantID,
		DecisionID:    in.DecisionID,
		CorrelationID: in.CorrelationID,
		Domain:        in.Domain,
		Type:          in.Type,
		Status:        StatusQueued,
		Priority:      in.Priority,
		MaxAttempts:   in.MaxAttempts,
		RunAt:         in.RunAt,
		Input:         in.Input,
		Etag:          uuid.New().String(),
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now().UTC()
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		job.IdempotencyKey = &key
	}
	return job
}

// guardPatch enforces the terminal-state rules. It returns false (no error)
// when the patch re-applies the job's current terminal status, which callers
// treat as an idempotent success.
func guardPatch(job *Job, patch StatusPatch) (apply bool, err error) {
	if patch.Status == nil {
		if job.Status.Terminal() {
			return false, ErrTerminalStatus
		}
		return true, nil
	}
	next := *patch.Status
	if job.Status.Terminal() {
		if next == job.Status {
			return false, nil
		}
		return false, ErrTerminalStatus
	}
	if next.Terminal() && job.Status != StatusQueued && job.Status != StatusRunning {
		// A stale retry result must not clobber a job that has since moved
		// elsewhere (e.g. awaiting_approval or canceled).
		return false, errors.Wrapf(ErrTerminalStatus, "cannot finalize from %s", job.Status)
	}
	return true, nil
}

func mutate(job *Job, patch StatusPatch) {
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Output != nil {
		job.Output = patch.Output
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	if patch.Attempts != nil {
		job.Attempts = *patch.Attempts
	}
	if patch.RunAt != nil {
		job.RunAt = patch.RunAt.UTC()
	}
	if patch.ClearLock {
		job.LockedAt = nil
		job.LockedBy = ""
	}
	if len(patch.TraceEventIDs) > 0 {
		job.TraceEventIDs = append(job.TraceEventIDs, patch.TraceEventIDs...)
	}
	job.Etag = uuid.New().String()
	job.UpdatedAt = time.Now().UTC()

	log.Debug().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Int("attempts", job.Attempts).
		Msg("Job updated")
}
