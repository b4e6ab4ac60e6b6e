package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateJobIsIdempotentPerTenantKey(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first, created, err := repo.CreateJob(ctx, "t1", CreateInput{Type: "echo", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := repo.CreateJob(ctx, "t1", CreateInput{Type: "echo", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	// Same key under another tenant is a different job.
	other, created, err := repo.CreateJob(ctx, "t2", CreateInput{Type: "echo", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, other.ID)
}

func TestCreateJobDefaults(t *testing.T) {
	repo := NewMemoryRepository()

	job, created, err := repo.CreateJob(context.Background(), "t1", CreateInput{Type: "echo"})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, job.ID)
	require.Equal(t, StatusQueued, job.Status)
	require.Equal(t, defaultMaxAttempts, job.MaxAttempts)
	require.False(t, job.RunAt.IsZero())
	require.Nil(t, job.IdempotencyKey)
}

func TestUpdateStatusTerminalGuard(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	job, _, err := repo.CreateJob(ctx, "t1", CreateInput{Type: "echo"})
	require.NoError(t, err)

	running := StatusRunning
	_, err = repo.UpdateStatus(ctx, "t1", job.ID, StatusPatch{Status: &running})
	require.NoError(t, err)

	succeeded := StatusSucceeded
	got, err := repo.UpdateStatus(ctx, "t1", job.ID, StatusPatch{Status: &succeeded})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)

	// A different status no longer applies.
	failed := StatusFailed
	_, err = repo.UpdateStatus(ctx, "t1", job.ID, StatusPatch{Status: &failed})
	require.ErrorIs(t, err, ErrTerminalStatus)

	queued := StatusQueued
	_, err = repo.UpdateStatus(ctx, "t1", job.ID, StatusPatch{Status: &queued})
	require.ErrorIs(t, err, ErrTerminalStatus)

	// Re-applying the same terminal status is an idempotent no-op.
	got, err = repo.UpdateStatus(ctx, "t1", job.ID, StatusPatch{Status: &succeeded})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)
}

func TestUpdateStatusTerminalOnlyFromQueuedOrRunning(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	job, _, err := repo.CreateJob(ctx, "t1", CreateInput{Type: "echo"})
	require.NoError(t, err)

	awaiting := StatusAwaitingApproval
	_, err = repo.UpdateStatus(ctx, "t1", job.ID, StatusPatch{Status: &awaiting})
	require.NoError(t, err)

	// A stale retry result cannot finalize a job parked for approval.
	succeeded := StatusSucceeded
	_, err = repo.UpdateStatus(ctx, "t1", job.ID, StatusPatch{Status: &succeeded})
	require.ErrorIs(t, err, ErrTerminalStatus)

	// Requeueing it first is fine.
	queued := StatusQueued
	_, err = repo.UpdateStatus(ctx, "t1", job.ID, StatusPatch{Status: &queued})
	require.NoError(t, err)
	_, err = repo.UpdateStatus(ctx, "t1", job.ID, StatusPatch{Status: &succeeded})
	require.NoError(t, err)
}

func TestAcquireForRun(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	job, _, err := repo.CreateJob(ctx, "t1", CreateInput{Type: "echo", RunAt: now.Add(-time.Second)})
	require.NoError(t, err)

	got, err := repo.AcquireForRun(ctx, "t1", job.ID, "worker-a", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, StatusRunning, got.Status)
	require.Equal(t, "worker-a", got.LockedBy)
	require.NotNil(t, got.LockedAt)

	// Second acquire loses: the job is no longer queued.
	got, err = repo.AcquireForRun(ctx, "t1", job.ID, "worker-b", now)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestAcquireForRunNotDue(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	job, _, err := repo.CreateJob(ctx, "t1", CreateInput{Type: "echo", RunAt: now.Add(time.Hour)})
	require.NoError(t, err)

	got, err := repo.AcquireForRun(ctx, "t1", job.ID, "worker-a", now)
	require.NoError(t, err)
	require.Nil(t, got)

	// Wrong tenant never acquires.
	got, err = repo.AcquireForRun(ctx, "t2", job.ID, "worker-a", now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFindStaleRunning(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	stale, _, err := repo.CreateJob(ctx, "t1", CreateInput{Type: "echo", RunAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = repo.AcquireForRun(ctx, "t1", stale.ID, "worker-a", now.Add(-30*time.Minute))
	require.NoError(t, err)

	fresh, _, err := repo.CreateJob(ctx, "t1", CreateInput{Type: "echo", RunAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = repo.AcquireForRun(ctx, "t1", fresh.ID, "worker-b", now)
	require.NoError(t, err)

	got, err := repo.FindStaleRunning(ctx, "t1", 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, stale.ID, got[0].ID)
}

func TestActiveTenants(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, _, err := repo.CreateJob(ctx, "t1", CreateInput{Type: "echo"})
	require.NoError(t, err)
	done, _, err := repo.CreateJob(ctx, "t2", CreateInput{Type: "echo"})
	require.NoError(t, err)
	running := StatusRunning
	succeeded := StatusSucceeded
	_, err = repo.UpdateStatus(ctx, "t2", done.ID, StatusPatch{Status: &running})
	require.NoError(t, err)
	_, err = repo.UpdateStatus(ctx, "t2", done.ID, StatusPatch{Status: &succeeded})
	require.NoError(t, err)

	tenants, err := repo.ActiveTenants(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Contains(t, tenants, "t1")
	require.NotContains(t, tenants, "t2")

	// With a generous horizon the recently finished tenant shows up again.
	tenants, err = repo.ActiveTenants(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Contains(t, tenants, "t2")
}

func TestListByTenant(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first, _, err := repo.CreateJob(ctx, "t1", CreateInput{Type: "echo"})
	require.NoError(t, err)
	second, _, err := repo.CreateJob(ctx, "t1", CreateInput{Type: "note.create"})
	require.NoError(t, err)
	_, _, err = repo.CreateJob(ctx, "t2", CreateInput{Type: "echo"})
	require.NoError(t, err)

	running := StatusRunning
	_, err = repo.UpdateStatus(ctx, "t1", second.ID, StatusPatch{Status: &running})
	require.NoError(t, err)

	all, err := repo.ListByTenant(ctx, "t1", nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	queued, err := repo.ListByTenant(ctx, "t1", []Status{StatusQueued}, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, first.ID, queued[0].ID)

	limited, err := repo.ListByTenant(ctx, "t1", nil, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
