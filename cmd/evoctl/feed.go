package main

import (
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/evolution/internal/feed"
)

func (a *app) feedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Report accuracy to the metrics feed",
	}
	var (
		in feed.SubmissionInput
		at string
	)
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit one accuracy observation for a block",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Timestamp = time.Now().UTC()
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				in.Timestamp = ts
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			out, err := c.Submit(cmd.Context(), in)
			if err != nil {
				return err
			}
			return a.render(out, func(t *tablewriter.Table) {
				fields(t, [][2]string{{"Outcome", string(out.Outcome)}, {"Key", out.Key}})
			})
		},
	}
	f := submit.Flags()
	f.StringVar(&in.BlockID, "block", "", "skill block id (required)")
	f.Int64Var(&in.Correct, "correct", 0, "correct answers")
	f.Int64Var(&in.Total, "total", 0, "answers evaluated")
	f.StringVar(&in.SubmissionID, "id", "", "submission id used for idempotency")
	f.StringVar(&at, "at", "", "observation time, RFC3339 (default now)")
	_ = submit.MarkFlagRequired("block")
	_ = submit.MarkFlagRequired("total")

	cmd.AddCommand(submit)
	return cmd
}
