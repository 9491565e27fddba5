package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func (a *app) policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the policy document",
	}
	var file string
	reload := &cobra.Command{
		Use:   "reload",
		Short: "Apply a policy document, or make the service re-read its policy file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc []byte
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				doc = raw
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			out, err := c.ReloadPolicy(cmd.Context(), doc)
			if err != nil {
				return err
			}
			return a.render(out, func(t *tablewriter.Table) {
				fields(t, [][2]string{
					{"Version", out.Version},
					{"Checksum", out.Checksum},
					{"Applied", fmt.Sprintf("%t", out.Applied)},
				})
			})
		},
	}
	reload.Flags().StringVarP(&file, "file", "f", "", "policy YAML to send")
	cmd.AddCommand(reload)
	return cmd
}

func (a *app) cycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Detection and proposal cycles",
	}
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			rep, err := c.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			return a.render(rep, func(t *tablewriter.Table) {
				t.Header("Block", "Outcome", "Detail")
				for _, j := range rep.Queued {
					t.Append(j.BlockID, "queued", j.Name)
				}
				for _, r := range rep.Refused {
					t.Append(r.BlockID, "refused", r.Reason)
				}
				for _, s := range rep.Skipped {
					t.Append(s.BlockID, "skipped", s.Reason)
				}
				for _, s := range rep.Suppressed {
					t.Append(s.BlockID, "suppressed", s.Strategy+" "+s.Fingerprint)
				}
				for _, e := range rep.Errors {
					t.Append(e.BlockID, "error", e.Error)
				}
				for _, d := range rep.Deferred {
					t.Append(d.BlockID, "deferred promotion", d.Outcome)
				}
			})
		},
	}
	cmd.AddCommand(run)
	return cmd
}

func (a *app) haltCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "halt",
		Short: "Integrity halt",
	}
	var note string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the integrity halt after investigation",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			cleared, err := c.ClearHalt(cmd.Context(), strings.TrimSpace(note))
			if err != nil {
				return err
			}
			out := map[string]bool{"cleared": cleared}
			if a.jsonOutput() {
				return a.printJSON(out)
			}
			if cleared {
				fmt.Fprintln(a.out, "integrity halt cleared")
			} else {
				fmt.Fprintln(a.out, "no integrity halt was active")
			}
			return nil
		},
	}
	clearCmd.Flags().StringVar(&note, "note", "", "note recorded in the ledger")
	cmd.AddCommand(clearCmd)
	return cmd
}
