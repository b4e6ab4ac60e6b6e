package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/karen-arwen/orion/internal/jobs"
	"github.com/karen-arwen/orion/internal/queue"
)

// LoopConfig tunes the polling loop.
type LoopConfig struct {
	PollInterval time.Duration
	// Concurrency caps in-flight attempts per iteration across all tenants.
	// The cap is global, not per tenant.
	Concurrency    int
	DequeueBatch   int
	TenantCacheTTL time.Duration
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.DequeueBatch <= 0 {
		c.DequeueBatch = c.Concurrency
	}
	if c.TenantCacheTTL <= 0 {
		c.TenantCacheTTL = time.Minute
	}
	return c
}

// Loop polls the queue for ready jobs across all recently active tenants
// and hands them to the processor. The tenant set comes from the job table
// and is cached between refreshes so discovery does not hit the database
// every tick.
type Loop struct {
	proc  *Processor
	repo  jobs.Repository
	queue *queue.Queue
	cfg   LoopConfig

	tenants     []string
	tenantsSeen time.Time
}

// NewLoop wires a polling loop around a processor.
func NewLoop(proc *Processor, repo jobs.Repository, q *queue.Queue, cfg LoopConfig) *Loop {
	return &Loop{proc: proc, repo: repo, queue: q, cfg: cfg.withDefaults()}
}

// Run polls until the context is canceled. Iteration errors are logged, not
// fatal; the loop only exits on context cancellation.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	log.Info().
		Str("worker_id", l.proc.cfg.WorkerID).
		Dur("poll_interval", l.cfg.PollInterval).
		Int("concurrency", l.cfg.Concurrency).
		Msg("Worker loop started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Worker loop stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := l.iterate(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Worker iteration failed")
			}
		}
	}
}

func (l *Loop) iterate(ctx context.Context) error {
	tenants, err := l.activeTenants(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)

	budget := l.cfg.Concurrency
	for _, tenantID := range tenants {
		if budget <= 0 {
			break
		}
		limit := l.cfg.DequeueBatch
		if limit > budget {
			limit = budget
		}
		jobIDs, err := l.queue.DequeueReady(ctx, tenantID, limit, l.proc.cfg.WorkerID, l.proc.cfg.LockTTL)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("Dequeue failed")
			continue
		}
		budget -= len(jobIDs)
		for _, jobID := range jobIDs {
			tenantID, jobID := tenantID, jobID
			g.Go(func() error {
				if err := l.proc.ProcessJob(gctx, tenantID, jobID); err != nil {
					log.Error().
						Err(err).
						Str("tenant_id", tenantID).
						Str("job_id", jobID).
						Msg("Job attempt errored")
				}
				return nil
			})
		}
	}
	return g.Wait()
}

func (l *Loop) activeTenants(ctx context.Context) ([]string, error) {
	if time.Since(l.tenantsSeen) < l.cfg.TenantCacheTTL && l.tenants != nil {
		return l.tenants, nil
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	tenants, err := l.repo.ActiveTenants(ctx, since)
	if err != nil {
		if l.tenants != nil {
			log.Warn().Err(err).Msg("Tenant discovery failed, using cached set")
			return l.tenants, nil
		}
		return nil, err
	}
	l.tenants = tenants
	l.tenantsSeen = time.Now()
	return tenants, nil
}
