package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/evolution/internal/client"
	"github.com/ILLUVRSE/evolution/internal/models"
)

func (a *app) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect training jobs",
	}

	var (
		statuses []string
		block    string
		limit    int
		offset   int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := client.JobFilter{BlockID: block, Limit: limit, Offset: offset}
			for _, raw := range statuses {
				st, err := models.ParseJobStatus(strings.TrimSpace(raw))
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			jobs, err := c.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.render(jobs, func(t *tablewriter.Table) {
				t.Header("ID", "Name", "Block", "Status", "Reason", "Attempts", "Worker", "Created")
				for _, j := range jobs {
					t.Append(j.ID.String(), j.Name, j.BlockID, string(j.Status), orDash(j.StatusReason),
						fmt.Sprintf("%d", j.Attempts), orDash(j.WorkerID), stamp(j.CreatedAt))
				}
			})
		},
	}
	list.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable or comma separated)")
	list.Flags().StringVar(&block, "block", "", "filter by skill block")
	list.Flags().IntVar(&limit, "limit", 50, "page size")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job with its result and canary report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			d, err := c.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.render(d, func(t *tablewriter.Table) { fields(t, jobRows(d)) })
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}

func jobRows(d client.JobDetail) [][2]string {
	j := d.Job
	rows := [][2]string{
		{"ID", j.ID.String()},
		{"Name", j.Name},
		{"Block", j.BlockID},
		{"Status", string(j.Status)},
		{"Reason", orDash(j.StatusReason)},
		{"Strategy", j.Strategy},
		{"Baseline", fmt.Sprintf("%.4f", j.Baseline)},
		{"Dataset", fmt.Sprintf("%s (%d)", j.DatasetRef, j.DatasetSize)},
		{"Hyperparameters", fmt.Sprintf("rank=%d alpha=%d lr=%g epochs=%d budget=$%.2f",
			j.Hyperparameters.Rank, j.Hyperparameters.Alpha, j.Hyperparameters.LearningRate,
			j.Hyperparameters.Epochs, j.Hyperparameters.BudgetUSD)},
		{"Attempts", fmt.Sprintf("%d", j.Attempts)},
		{"Worker", orDash(j.WorkerID)},
		{"Heartbeat", stampPtr(j.HeartbeatAt)},
		{"Created", stamp(j.CreatedAt)},
		{"Updated", stamp(j.UpdatedAt)},
	}
	if j.PromotionDeferred {
		rows = append(rows, [2]string{"Promotion", "deferred"})
	}
	if r := d.Result; r != nil {
		rows = append(rows,
			[2]string{"Artifact", r.ArtifactRef},
			[2]string{"Candidate accuracy", fmt.Sprintf("%.4f", r.CandidateAccuracy)},
			[2]string{"Eval loss", fmt.Sprintf("%.4f", r.EvalLoss)},
		)
	}
	if c := d.Canary; c != nil {
		rows = append(rows,
			[2]string{"Canary error rate", fmt.Sprintf("%.4f", c.ErrorRate)},
			[2]string{"Canary latency delta", fmt.Sprintf("%.1fms", c.LatencyDeltaMs)},
		)
	}
	return rows
}
