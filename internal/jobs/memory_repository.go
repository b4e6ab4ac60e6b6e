package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a process-local Repository used by tests and one-shot
// CLI runs. It mirrors the guarded-transition semantics of GormRepository,
// including idempotent creates.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[string]*Job
}

// NewMemoryRepository creates an empty in-memory job repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*Job)}
}

// CreateJob inserts a job or returns the existing one for the tenant's
// idempotency key.
func (r *MemoryRepository) CreateJob(_ context.Context, tenantID string, in CreateInput) (*Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.IdempotencyKey != "" {
		for _, j := range r.byID {
			if j.TenantID == tenantID && j.IdempotencyKey != nil && *j.IdempotencyKey == in.IdempotencyKey {
				cp := *j
				return &cp, false, nil
			}
		}
	}

	job := newJob(tenantID, in)
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	r.byID[job.ID] = job
	cp := *job
	return &cp, true, nil
}

// Get fetches a job scoped to the tenant.
func (r *MemoryRepository) Get(_ context.Context, tenantID, jobID string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// UpdateStatus applies a guarded partial update.
func (r *MemoryRepository) UpdateStatus(_ context.Context, tenantID, jobID string, patch StatusPatch) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, ErrNotFound
	}

	apply, err := guardPatch(job, patch)
	if err != nil {
		return nil, err
	}
	if apply {
		mutate(job, patch)
	}
	cp := *job
	return &cp, nil
}

// AcquireForRun transitions queued -> running when the job is due.
func (r *MemoryRepository) AcquireForRun(_ context.Context, tenantID, jobID, workerID string, now time.Time) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, nil
	}
	if job.Status != StatusQueued || job.RunAt.After(now) {
		return nil, nil
	}

	lockedAt := now
	job.Status = StatusRunning
	job.LockedAt = &lockedAt
	job.LockedBy = workerID
	job.Etag = uuid.New().String()
	job.UpdatedAt = now
	cp := *job
	return &cp, nil
}

// FindStaleRunning lists running jobs whose lock predates the threshold.
// ListByTenant returns the tenant's jobs, newest first.
func (r *MemoryRepository) ListByTenant(_ context.Context, tenantID string, statuses []Status, limit int) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []Job
	for _, j := range r.byID {
		if j.TenantID != tenantID {
			continue
		}
		if len(want) > 0 && !want[j.Status] {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) FindStaleRunning(_ context.Context, tenantID string, staleFor time.Duration) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-staleFor)

	var out []Job
	for _, j := range r.byID {
		if j.TenantID == tenantID && j.Status == StatusRunning && j.LockedAt != nil && j.LockedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	return out, nil
}

// ActiveTenants lists tenants with live or recently touched jobs.
func (r *MemoryRepository) ActiveTenants(_ context.Context, updatedSince time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, j := range r.byID {
		if seen[j.TenantID] {
			continue
		}
		if j.Status == StatusQueued || j.Status == StatusRunning || !j.UpdatedAt.Before(updatedSince) {
			seen[j.TenantID] = true
			out = append(out, j.TenantID)
		}
	}
	return out, nil
}
