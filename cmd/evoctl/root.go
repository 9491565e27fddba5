package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ILLUVRSE/evolution/internal/client"
)

const defaultURL = "http://localhost:8071"

// app carries what every command needs; commands read settings through v so flags, the
// config file and EVOCTL_* variables resolve in that order.
type app struct {
	v       *viper.Viper
	out     io.Writer
	cfgFile string
	// newClient is swapped in tests.
	newClient func(client.Config) (*client.Client, error)
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out, newClient: client.New}

	root := &cobra.Command{
		Use:           "evoctl",
		Short:         "Operate the evolution orchestrator",
		Long:          `evoctl drives the evolution service: inspect jobs and the audit ledger, run cycles, roll back blocks, reload policy and act as a trainer or metrics feed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default $HOME/.evoctl/config.yaml)")
	pf.String("url", defaultURL, "evolution service base URL")
	pf.String("token", "", "bearer token")
	pf.String("debug-token", "", "development debug token")
	pf.StringP("output", "o", "table", "output format: table or json")
	pf.Duration("timeout", 60*time.Second, "request timeout")
	for _, name := range []string{"url", "token", "debug-token", "output", "timeout"} {
		_ = a.v.BindPFlag(strings.ReplaceAll(name, "-", "_"), pf.Lookup(name))
	}

	root.AddCommand(
		a.jobsCmd(),
		a.ledgerCmd(),
		a.blocksCmd(),
		a.policyCmd(),
		a.cycleCmd(),
		a.haltCmd(),
		a.trainerCmd(),
		a.feedCmd(),
	)
	return root
}

func (a *app) initConfig() error {
	a.v.SetEnvPrefix("EVOCTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		a.v.AddConfigPath(filepath.Join(home, ".evoctl"))
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && a.cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (a *app) client() (*client.Client, error) {
	return a.newClient(client.Config{
		BaseURL:    a.v.GetString("url"),
		Token:      a.v.GetString("token"),
		DebugToken: a.v.GetString("debug_token"),
		Timeout:    a.v.GetDuration("timeout"),
	})
}

func (a *app) jsonOutput() bool {
	return a.v.GetString("output") == "json"
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// render prints v as JSON, or calls table with a fresh writer.
func (a *app) render(v interface{}, table func(t *tablewriter.Table)) error {
	if a.jsonOutput() {
		return a.printJSON(v)
	}
	t := tablewriter.NewWriter(a.out)
	table(t)
	return t.Render()
}

func fields(t *tablewriter.Table, rows [][2]string) {
	t.Header("Field", "Value")
	for _, r := range rows {
		t.Append(r[0], r[1])
	}
}

func stamp(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format(time.RFC3339)
}

func stampPtr(ts *time.Time) string {
	if ts == nil {
		return "-"
	}
	return stamp(*ts)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
