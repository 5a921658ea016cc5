package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskctl/controller/internal/progress"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the last persisted progress report",
		Long: `Reads the progress report the controller last wrote out (see
progress.report_path in the config) and prints a summary. This reflects
the most recent tick of a running or previously-run controller; it does
not start one.

Example:
  controllerd status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
	return cmd
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reportPath := cfg.Progress.ReportPath + ".json"
	data, err := os.ReadFile(reportPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no progress report found; the controller may not have run yet")
			return nil
		}
		return fmt.Errorf("failed to read progress report %s: %w", reportPath, err)
	}

	var m progress.Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse progress report %s: %w", reportPath, err)
	}

	fmt.Printf("Progress: %.1f%% (%d completed, %d failed, %d in progress, %d pending, %d blocked)\n",
		m.Percentage, m.Completed, m.Failed, m.InProgress, m.Pending, m.Blocked)
	if m.TotalIssues > 0 {
		fmt.Printf("Total issues: %d\n", m.TotalIssues)
	}
	if m.AverageCompletionTime > 0 {
		fmt.Printf("Average completion time: %s\n", time.Duration(m.AverageCompletionTime*float64(time.Millisecond)))
	}
	if m.ETA != nil {
		fmt.Printf("ETA: %s\n", m.ETA.Format(time.RFC3339))
	}
	fmt.Printf("Sampled at: %s\n", m.SampledAt.Format(time.RFC3339))
	return nil
}
