package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	syncJobsState string
	syncJobsLimit int
)

type syncJobView struct {
	ID           string `json:"id"`
	BatchID      string `json:"batchId"`
	Kind         string `json:"kind"`
	TxSignature  string `json:"txSignature"`
	State        string `json:"state"`
	RequestedAt  string `json:"requestedAt"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
}

var syncJobsCmd = &cobra.Command{
	Use:   "sync-jobs",
	Short: "Inspect mirror reconciliation jobs",
}

var syncJobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mirror reconciliation jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/v1/sync-jobs?limit=%d", syncJobsLimit)
		if syncJobsState != "" {
			path += "&state=" + syncJobsState
		}

		var out struct {
			Jobs []syncJobView `json:"jobs"`
		}
		if err := newClient().getJSON(path, &out); err != nil {
			return err
		}

		if outputFmt != "table" {
			return printOutput(out)
		}
		rows := make([][]string, len(out.Jobs))
		for i, j := range out.Jobs {
			rows[i] = []string{j.ID, j.BatchID, j.Kind, j.State, fmt.Sprintf("%d", j.AttemptCount), j.TxSignature}
		}
		printTable([]string{"id", "batch", "kind", "state", "attempts", "tx signature"}, rows)
		return nil
	},
}

var syncJobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one mirror reconciliation job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job syncJobView
		if err := newClient().getJSON("/api/v1/sync-jobs/"+args[0], &job); err != nil {
			return err
		}

		if outputFmt != "table" {
			return printOutput(job)
		}
		printTable(
			[]string{"id", "batch", "kind", "state", "attempts", "last error"},
			[][]string{{job.ID, job.BatchID, job.Kind, job.State, fmt.Sprintf("%d", job.AttemptCount), job.LastError}},
		)
		return nil
	},
}

func init() {
	syncJobsListCmd.Flags().StringVar(&syncJobsState, "state", "", "Filter by state: queued, running, succeeded, failed")
	syncJobsListCmd.Flags().IntVar(&syncJobsLimit, "limit", 50, "Maximum number of jobs to list")

	syncJobsCmd.AddCommand(syncJobsListCmd)
	syncJobsCmd.AddCommand(syncJobsGetCmd)
}
