package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karen-arwen/orion/internal/database"
	"github.com/karen-arwen/orion/internal/jobs"
)

var jobsFlags struct {
	tenantID string
	statuses []string
	limit    int
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List a tenant's jobs",
	RunE:  runJobs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)

	jobsCmd.Flags().StringVar(&jobsFlags.tenantID, "tenant", "", "tenant id (required)")
	jobsCmd.Flags().StringSliceVar(&jobsFlags.statuses, "status", nil, "filter by status (repeatable)")
	jobsCmd.Flags().IntVar(&jobsFlags.limit, "limit", 50, "maximum rows")

	_ = jobsCmd.MarkFlagRequired("tenant")
}

func runJobs(cmd *cobra.Command, args []string) error {
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}
	defer database.Close(db)

	statuses := make([]jobs.Status, 0, len(jobsFlags.statuses))
	for _, s := range jobsFlags.statuses {
		statuses = append(statuses, jobs.Status(s))
	}

	repo := jobs.NewGormRepository(db)
	list, err := repo.ListByTenant(cmd.Context(), jobsFlags.tenantID, statuses, jobsFlags.limit)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
