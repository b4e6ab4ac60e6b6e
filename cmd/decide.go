package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/karen-arwen/orion/internal/database"
	"github.com/karen-arwen/orion/internal/events"
	"github.com/karen-arwen/orion/internal/eventstore"
	"github.com/karen-arwen/orion/internal/jobs"
	"github.com/karen-arwen/orion/internal/permission"
	"github.com/karen-arwen/orion/internal/planner"
	"github.com/karen-arwen/orion/internal/queue"
	"github.com/karen-arwen/orion/internal/trust"
)

var decideFlags struct {
	tenantID      string
	intentType    string
	domain        string
	action        string
	risk          string
	actor         string
	decisionID    string
	correlationID string
	params        string
	enqueue       bool
}

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Run one intent through the decision pipeline",
	Long: `Runs a single structured intent through risk assessment, policy and
trust, prints the finalized snapshot, and optionally enqueues the
resulting job when the decision is ready to execute.`,
	RunE: runDecide,
}

func init() {
	rootCmd.AddCommand(decideCmd)

	decideCmd.Flags().StringVar(&decideFlags.tenantID, "tenant", "", "tenant id (required)")
	decideCmd.Flags().StringVar(&decideFlags.intentType, "type", "", "intent type, e.g. note.create (required)")
	decideCmd.Flags().StringVar(&decideFlags.domain, "domain", "", "intent domain, e.g. tasks (required)")
	decideCmd.Flags().StringVar(&decideFlags.action, "action", "", "intent action, e.g. create (required)")
	decideCmd.Flags().StringVar(&decideFlags.risk, "risk", "", "requested risk (low, medium, high)")
	decideCmd.Flags().StringVar(&decideFlags.actor, "actor", "cli", "acting principal")
	decideCmd.Flags().StringVar(&decideFlags.decisionID, "decision-id", "", "decision id, generated when empty")
	decideCmd.Flags().StringVar(&decideFlags.correlationID, "correlation-id", "", "correlation id, defaults to the decision id")
	decideCmd.Flags().StringVar(&decideFlags.params, "params", "{}", "intent parameters as JSON")
	decideCmd.Flags().BoolVar(&decideFlags.enqueue, "enqueue", false, "enqueue a job when the decision is ready to execute")

	_ = decideCmd.MarkFlagRequired("tenant")
	_ = decideCmd.MarkFlagRequired("type")
	_ = decideCmd.MarkFlagRequired("domain")
	_ = decideCmd.MarkFlagRequired("action")
}

func runDecide(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(decideFlags.params), &params); err != nil {
		return fmt.Errorf("invalid --params JSON: %w", err)
	}

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
		store = eventstore.NewMemoryStore()
		repo = jobs.NewMemoryRepository()
	}

	loader, err := permission.NewLoader(cfg.Permissions.RulesPath)
	if err != nil {
		return err
	}

	scoped := eventstore.ForTenant(store, decideFlags.tenantID)
	engine := permission.NewEngine(loader, scoped)
	trustSvc := trust.NewService(scoped)
	p := planner.New(scoped, engine, trustSvc)

	snapshot, err := p.Decide(ctx, planner.Request{
		Intent: events.Intent{
			Type:   decideFlags.intentType,
			Domain: decideFlags.domain,
			Action: decideFlags.action,
			Risk:   decideFlags.risk,
			Params: params,
		},
		Actor:         decideFlags.actor,
		DecisionID:    decideFlags.decisionID,
		CorrelationID: decideFlags.correlationID,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if decideFlags.enqueue && snapshot.Mode == planner.ModeReadyToExecute {
		return enqueueDecision(ctx, repo, snapshot)
	}
	return nil
}

// enqueueDecision creates a queued job for a ready decision. The idempotency
// key pins one job per decision, so re-running the command cannot double
// execute.
func enqueueDecision(ctx context.Context, repo jobs.Repository, snapshot *events.Snapshot) error {
	job, created, err := repo.CreateJob(ctx, decideFlags.tenantID, jobs.CreateInput{
		Type:           snapshot.Intent.Type,
		Domain:         snapshot.Intent.Domain,
		DecisionID:     snapshot.DecisionID,
		CorrelationID:  snapshot.CorrelationID,
		RunAt:          time.Now().UTC(),
		IdempotencyKey: "decision:" + snapshot.DecisionID,
		Input:          snapshot.Intent.Params,
	})
	if err != nil {
		return err
	}
	if !created {
		log.Info().Str("job_id", job.ID).Msg("Job for this decision already exists")
		return nil
	}

	var qstore queue.Store
	if cfg.Redis.Enabled {
		rs, err := queue.NewRedisStore(cfg.Redis)
		if err != nil {
			return err
		}
		defer rs.Close()
		qstore = rs
	} else {
		log.Warn().Msg("Redis disabled, job created but not enqueued")
		return nil
	}
	if err := queue.New(qstore).Enqueue(ctx, job); err != nil {
		return err
	}

	log.Info().Str("job_id", job.ID).Str("decision_id", snapshot.DecisionID).Msg("Job enqueued")
	return nil
}
