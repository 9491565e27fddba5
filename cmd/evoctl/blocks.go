package main

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func (a *app) blocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "Inspect skill blocks and roll back live adapters",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List blocks with accuracy and the live artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			blocks, err := c.Blocks(cmd.Context())
			if err != nil {
				return err
			}
			return a.render(blocks, func(t *tablewriter.Table) {
				t.Header("Block", "Accuracy", "Target", "Samples", "Swap", "Watch", "Live artifact", "Since")
				for _, b := range blocks {
					live, since := "-", "-"
					if b.Live != nil {
						live = b.Live.ArtifactRef
						since = stamp(b.Live.ActivatedAt)
					}
					t.Append(b.ID, fmt.Sprintf("%.4f", b.Accuracy), fmt.Sprintf("%.4f", b.Target),
						fmt.Sprintf("%d", b.SampleCount), b.SwapState, fmt.Sprintf("%t", b.Monitoring), live, since)
				}
			})
		},
	}

	var reason string
	rollback := &cobra.Command{
		Use:   "rollback <block-id>",
		Short: "Restore the previous artifact of a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			rb, err := c.RollBack(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return a.render(rb, func(t *tablewriter.Table) {
				if rb.NoOp {
					fields(t, [][2]string{{"Block", rb.BlockID}, {"Result", "nothing to roll back"}})
					return
				}
				restored := "-"
				if rb.Restored != nil {
					restored = rb.Restored.ArtifactRef
				}
				fields(t, [][2]string{
					{"Block", rb.BlockID},
					{"Job", rb.JobID.String()},
					{"Reason", rb.Reason},
					{"Restored", restored},
					{"At", stamp(rb.At)},
				})
			})
		},
	}
	rollback.Flags().StringVar(&reason, "reason", "", "reason recorded in the ledger (default operator_rollback)")

	cmd.AddCommand(list, rollback)
	return cmd
}
