package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/karen-arwen/orion/internal/database"
	"github.com/karen-arwen/orion/internal/eventstore"
	"github.com/karen-arwen/orion/internal/jobs"
	"github.com/karen-arwen/orion/internal/metrics"
	"github.com/karen-arwen/orion/internal/permission"
	"github.com/karen-arwen/orion/internal/queue"
	"github.com/karen-arwen/orion/internal/tool"
	"github.com/karen-arwen/orion/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to execute queued jobs and recover stale ones`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Event store and job repository
	var (
		store eventstore.Store
		repo  jobs.Repository
	)
	if cfg.DB.Enabled {
		db, err := database.Connect(cfg.DB)
		if err != nil {
			return err
		}
		defer database.Close(db)
		if err := database.AutoMigrate(db); err != nil {
			return err
		}
		store = eventstore.NewGormStore(db)
		repo = jobs.NewGormRepository(db)
	} else {
		log.Warn().Msg("Database disabled, using in-memory store and repository")
		store = eventstore.NewMemoryStore()
		repo = jobs.NewMemoryRepository()
	}

	// Queue backend
	var qstore queue.Store
	if cfg.Redis.Enabled {
		rs, err := queue.NewRedisStore(cfg.Redis)
		if err != nil {
			return err
		}
		defer rs.Close()
		qstore = rs
	} else {
		log.Warn().Msg("Redis disabled, using in-memory queue")
		qstore = queue.NewMemoryStore()
	}
	q := queue.New(qstore)

	// Permission rules with optional hot reload
	loader, err := permission.NewLoader(cfg.Permissions.RulesPath)
	if err != nil {
		return err
	}
	if cfg.Permissions.HotReload {
		stopWatch, err := loader.Watch()
		if err != nil {
			log.Warn().Err(err).Msg("Rules hot reload unavailable, continuing with static rules")
		} else {
			defer stopWatch()
		}
	}

	// Metrics
	var meter metrics.Collector = metrics.NewNop()
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		meter = metrics.NewPrometheus(reg)
		g.Go(func() error {
			return serveMetrics(ctx, reg, cfg.MetricsAddress)
		})
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	proc := worker.NewProcessor(repo, q, store, loader, tool.DefaultRegistry(), meter, worker.Config{
		WorkerID:          workerID,
		LockTTL:           cfg.Worker.LockTTL,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		BackoffBase:       cfg.Worker.BackoffBase,
		Production:        cfg.Production(),
	})
	loop := worker.NewLoop(proc, repo, q, worker.LoopConfig{
		PollInterval:   cfg.Worker.PollInterval,
		Concurrency:    cfg.Worker.Concurrency,
		DequeueBatch:   cfg.Worker.DequeueBatch,
		TenantCacheTTL: cfg.Worker.TenantCacheTTL,
	})
	recoverer := worker.NewRecoverer(repo, q, store, meter, cfg.Worker.StaleAfter)

	g.Go(func() error {
		log.Info().Str("worker_id", workerID).Msg("Starting job loop")
		if err := loop.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Msg("Starting stale job recovery schedule")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		interval := cfg.Worker.SweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		_, err = scheduler.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(func() {
				runSweep(ctx, recoverer, repo)
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

func runSweep(ctx context.Context, recoverer *worker.Recoverer, repo jobs.Repository) {
	tenants, err := repo.ActiveTenants(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list tenants for recovery sweep")
		return
	}
	for _, tenantID := range tenants {
		n, err := recoverer.Sweep(ctx, tenantID)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("Recovery sweep failed")
			continue
		}
		if n > 0 {
			log.Info().Str("tenant_id", tenantID).Int("recovered", n).Msg("Recovery sweep requeued jobs")
		}
	}
}

func serveMetrics(ctx context.Context, reg *prometheus.Registry, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", addr).Msg("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
