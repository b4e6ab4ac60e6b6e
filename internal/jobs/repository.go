package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Repository errors.
var (
	// ErrNotFound means no job exists for the tenant and id.
	ErrNotFound = errors.New("job not found")

	// ErrTerminalStatus means the update tried to move a finalized job to a
	// different status. Re-applying the identical terminal status is a no-op,
	// not an error.
	ErrTerminalStatus = errors.New("job is already in a terminal status")
)

// Repository persists job records with guarded status transitions.
type Repository interface {
	// CreateJob inserts a job, or returns the existing one when the tenant
	// already has a job under the same idempotency key. The boolean is true
	// only when a new record was created.
	CreateJob(ctx context.Context, tenantID string, in CreateInput) (*Job, bool, error)

	// Get fetches one job within the tenant.
	Get(ctx context.Context, tenantID, jobID string) (*Job, error)

	// UpdateStatus applies a partial update. Terminal target statuses only
	// apply when the job is currently queued or running; finalized jobs
	// reject every different status.
	UpdateStatus(ctx context.Context, tenantID, jobID string, patch StatusPatch) (*Job, error)

	// AcquireForRun atomically moves a due queued job to running, stamping
	// lock ownership. Returns nil (no error) when the job is not eligible:
	// already running, not yet due, missing, or wrong tenant.
	AcquireForRun(ctx context.Context, tenantID, jobID, workerID string, now time.Time) (*Job, error)

	// ListByTenant returns the tenant's jobs, optionally filtered by status,
	// newest first.
	ListByTenant(ctx context.Context, tenantID string, statuses []Status, limit int) ([]Job, error)

	// FindStaleRunning returns running jobs whose lock is older than the
	// threshold; they feed stale recovery.
	FindStaleRunning(ctx context.Context, tenantID string, staleFor time.Duration) ([]Job, error)

	// ActiveTenants lists tenants with live work: non-terminal jobs or jobs
	// touched since the given horizon.
	ActiveTenants(ctx context.Context, updatedSince time.Time) ([]string, error)
}
