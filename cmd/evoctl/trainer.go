package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/evolution/internal/client"
	"github.com/ILLUVRSE/evolution/internal/models"
)

// trainerCmd speaks the external trainer protocol, mostly for debugging a trainer
// integration by hand.
func (a *app) trainerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trainer",
		Short: "Act as an external trainer",
	}
	var worker string
	cmd.PersistentFlags().StringVar(&worker, "worker", defaultWorker(), "worker id")

	claim := &cobra.Command{
		Use:   "claim",
		Short: "Claim the oldest queued job",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			job, err := c.Claim(cmd.Context(), worker)
			if errors.Is(err, client.ErrNoJob) {
				fmt.Fprintln(a.out, "no job available")
				return nil
			}
			if err != nil {
				return err
			}
			return a.renderJob(job)
		},
	}

	heartbeat := &cobra.Command{
		Use:   "heartbeat <job-id>",
		Short: "Renew the lease on a claimed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			job, err := c.Heartbeat(cmd.Context(), id, worker)
			if err != nil {
				return err
			}
			return a.renderJob(job)
		},
	}

	var result models.TrainingResult
	complete := &cobra.Command{
		Use:   "complete <job-id>",
		Short: "Deliver a training result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			result.JobID = id
			out, err := c.Complete(cmd.Context(), id, worker, result)
			if err != nil {
				return err
			}
			return a.render(out, func(t *tablewriter.Table) {
				rows := [][2]string{
					{"Job", out.Job.ID.String()},
					{"Status", string(out.Job.Status)},
					{"Reason", orDash(out.Job.StatusReason)},
					{"Duplicate", fmt.Sprintf("%t", out.Duplicate)},
				}
				if g := out.Gate; g != nil {
					rows = append(rows,
						[2]string{"Gate", map[bool]string{true: "accepted", false: "rejected"}[g.Accepted]},
						[2]string{"Absolute gain", fmt.Sprintf("%.4f", g.Gains.Absolute)},
					)
					for _, r := range g.Reasons {
						rows = append(rows, [2]string{"Gate reason", r})
					}
				}
				fields(t, rows)
			})
		},
	}
	f := complete.Flags()
	f.StringVar(&result.ArtifactRef, "artifact", "", "artifact reference (required)")
	f.StringVar(&result.Checksum, "checksum", "", "artifact checksum (required)")
	f.Int64Var(&result.ArtifactBytes, "bytes", 0, "artifact size in bytes")
	f.Float64Var(&result.TrainLoss, "train-loss", 0, "final training loss")
	f.Float64Var(&result.EvalLoss, "eval-loss", 0, "final evaluation loss")
	f.Float64Var(&result.CandidateAccuracy, "accuracy", 0, "candidate accuracy on the block (required)")
	_ = complete.MarkFlagRequired("artifact")
	_ = complete.MarkFlagRequired("checksum")
	_ = complete.MarkFlagRequired("accuracy")

	var detail string
	fail := &cobra.Command{
		Use:   "fail <job-id>",
		Short: "Report a training failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			job, err := c.Fail(cmd.Context(), id, worker, detail)
			if err != nil {
				return err
			}
			return a.renderJob(job)
		},
	}
	fail.Flags().StringVar(&detail, "detail", "", "failure detail recorded with the job")

	cmd.AddCommand(claim, heartbeat, complete, fail)
	return cmd
}

func (a *app) renderJob(job models.JobSpec) error {
	return a.render(job, func(t *tablewriter.Table) {
		fields(t, jobRows(client.JobDetail{Job: job}))
	})
}

func parseJobID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", raw, err)
	}
	return id, nil
}

func defaultWorker() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "evoctl"
	}
	return "evoctl@" + host
}
