package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/evolution/internal/ledger"
)

func (a *app) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Export and verify the audit ledger",
	}

	var (
		after    int64
		pageSize int
		file     string
		jobID    string
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Write ledger entries as JSON lines",
		Long:  `Export pages through the ledger in sequence order and writes one JSON entry per line. With --job only that job's entries are written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			var w io.Writer = a.out
			if file != "" {
				f, err := os.Create(file)
				if err != nil {
					return fmt.Errorf("create %s: %w", file, err)
				}
				defer f.Close()
				w = f
			}
			enc := json.NewEncoder(w)

			if jobID != "" {
				id, err := uuid.Parse(jobID)
				if err != nil {
					return fmt.Errorf("invalid job id %q: %w", jobID, err)
				}
				entries, err := c.LedgerForJob(cmd.Context(), id)
				if err != nil {
					return err
				}
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			}

			n, err := c.ExportLedger(cmd.Context(), after, pageSize, func(e ledger.Entry) error {
				return enc.Encode(e)
			})
			if err != nil {
				return err
			}
			if file != "" {
				fmt.Fprintf(a.out, "exported %d entries to %s\n", n, file)
			}
			return nil
		},
	}
	export.Flags().Int64Var(&after, "after", 0, "start after this sequence number")
	export.Flags().IntVar(&pageSize, "page-size", 500, "entries per request")
	export.Flags().StringVar(&file, "file", "", "write to this file instead of stdout")
	export.Flags().StringVar(&jobID, "job", "", "only this job's entries")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and check signatures",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			rep, err := c.VerifyLedger(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.render(rep, func(t *tablewriter.Table) {
				rows := [][2]string{
					{"Valid", fmt.Sprintf("%t", rep.Valid)},
					{"Entries", fmt.Sprintf("%d", rep.Entries)},
					{"Verified", stamp(rep.VerifiedAt)},
				}
				if !rep.Valid {
					rows = append(rows, [2]string{"Broken at", fmt.Sprintf("%d", rep.BrokenAt)}, [2]string{"Reason", rep.Reason})
				}
				fields(t, rows)
			}); err != nil {
				return err
			}
			if !rep.Valid {
				return fmt.Errorf("ledger chain broken at seq %d", rep.BrokenAt)
			}
			return nil
		},
	}

	cmd.AddCommand(export, verify)
	return cmd
}
