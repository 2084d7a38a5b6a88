package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gonube/internal/config"
	"github.com/3leaps/gonube/internal/observability"
	"github.com/3leaps/gonube/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"run"},
	Short:   "Inspect recorded migration runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List migration runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one migration run with its report",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsListOutput string

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	runsListCmd.Flags().StringVarP(&runsListOutput, "output", "o", "table", "Output format (table|json)")
}

// openRuns opens the run registry. It needs no provider store.
func openRuns(ctx context.Context) (*runregistry.Store, error) {
	cfg := appConfig
	if cfg == nil {
		loaded, err := config.Load(ctx)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
		}
		cfg = loaded
	}
	return runregistry.NewStore(cfg.Migrate.RunsDir, observability.CLILogger), nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	switch runsListOutput {
	case "table", "json":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("unsupported output: %s", runsListOutput))
	}
	runs, err := openRuns(cmd.Context())
	if err != nil {
		return err
	}
	list, err := runs.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}
	if runsListOutput == "json" {
		return printJSON(cmd, list)
	}
	return writeRunTable(cmd.OutOrStdout(), list)
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	runs, err := openRuns(cmd.Context())
	if err != nil {
		return err
	}
	rec, err := runs.Get(args[0])
	if err != nil {
		if errors.Is(err, runregistry.ErrNotFound) {
			return exitError(foundry.ExitFileNotFound, "Run not found", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to load run", err)
	}
	return printJSON(cmd, rec)
}

func writeRunTable(w io.Writer, list []runregistry.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tPROVIDER\tSTATE\tFILES\tSTARTED\tSOURCE")
	for _, r := range list {
		files := "-"
		if r.Report != nil {
			files = fmt.Sprintf("%d/%d", r.Report.FilesSucceeded, r.Report.FilesTotal)
		}
		started := "-"
		if r.StartedAt != nil {
			started = r.StartedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", r.RunID, r.ProviderID, runStateLabel(r.State), files, started, r.LocalPath)
	}
	return tw.Flush()
}

func runStateLabel(s runregistry.State) string {
	switch s {
	case runregistry.StateSuccess:
		return stateOK(string(s))
	case runregistry.StateFailed, runregistry.StateUnknown:
		return stateFailed(string(s))
	default:
		return statePending(string(s))
	}
}
