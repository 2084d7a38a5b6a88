package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gonube/pkg/cloud"
	"github.com/3leaps/gonube/pkg/manifest"
	"github.com/3leaps/gonube/pkg/match"
	"github.com/3leaps/gonube/pkg/output"
	"github.com/3leaps/gonube/pkg/provider"
	"github.com/3leaps/gonube/pkg/runregistry"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [<id> <local-dir> [remote-prefix]]",
	Short: "Upload a directory tree, keeping its structure",
	Long: `Upload every file under a local directory to a remote prefix.

Failed files are reported and do not stop the run. The command exits non-zero
when any file failed. Each run is recorded under migrate.runs_dir; see
"gonube runs".

With --manifest the provider, source, destination and filters come from a
YAML or JSON migration manifest. Flags given on the command line override the
manifest.

Examples:
  gonube migrate 1 ./exports archive/2026
  gonube migrate 1 ./exports archive --include '**/*.csv' --exclude 'tmp/**'
  gonube migrate 1 ./exports archive --dry-run --output json
  gonube migrate --manifest nightly.yaml`,
	Args: migrateArgs,
	RunE: runMigrate,
}

var (
	migrateConcurrency   int
	migrateIncludes      []string
	migrateExcludes      []string
	migrateIncludeHidden bool
	migrateMinSize       string
	migrateMaxSize       string
	migrateRateLimit     float64
	migrateDryRun        bool
	migrateOutput        string
	migrateNoProgress    bool
	migrateManifest      string
	migrateNoRecord      bool
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	f := migrateCmd.Flags()
	f.IntVarP(&migrateConcurrency, "concurrency", "c", 0, "Parallel uploads (default from migrate.concurrency)")
	f.StringArrayVar(&migrateIncludes, "include", nil, "Doublestar pattern of files to include (repeatable)")
	f.StringArrayVar(&migrateExcludes, "exclude", nil, "Doublestar pattern of files to exclude (repeatable)")
	f.BoolVar(&migrateIncludeHidden, "include-hidden", false, "Include dot files and directories")
	f.StringVar(&migrateMinSize, "min-size", "", "Skip files smaller than this (e.g. 1KiB)")
	f.StringVar(&migrateMaxSize, "max-size", "", "Skip files larger than this (e.g. 5GB)")
	f.Float64Var(&migrateRateLimit, "rate-limit", -1, "Max uploads started per second (default from migrate.rate_limit, 0 = unlimited)")
	f.BoolVar(&migrateDryRun, "dry-run", false, "Walk and count without uploading")
	f.StringVarP(&migrateOutput, "output", "o", "text", "Output format (text|json|jsonl)")
	f.BoolVar(&migrateNoProgress, "no-progress", false, "Disable the progress bar")
	f.StringVarP(&migrateManifest, "manifest", "m", "", "Migration manifest (YAML or JSON)")
	f.BoolVar(&migrateNoRecord, "no-record", false, "Do not record the run in the run registry")
}

func migrateArgs(cmd *cobra.Command, args []string) error {
	if migrateManifest != "" {
		return cobra.NoArgs(cmd, args)
	}
	return cobra.RangeArgs(2, 3)(cmd, args)
}

// migrateJob is one resolved migration request.
type migrateJob struct {
	name         string
	manifestPath string
	providerID   int64
	localPath    string
	remotePath   string
	opts         cloud.MigrateOptions
}

// resolveMigrateJob merges the manifest, if any, with positional arguments
// and flags. Flags left at their defaults do not override the manifest.
func resolveMigrateJob(args []string) (*migrateJob, error) {
	job := &migrateJob{}
	if migrateManifest != "" {
		m, err := manifest.Load(migrateManifest)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid migration manifest", err)
		}
		job.name = m.Name
		job.manifestPath = migrateManifest
		job.providerID = m.ProviderID
		job.localPath = m.Source
		job.remotePath = m.Destination
		job.opts = m.Options()
		job.opts.RateLimit = -1
		if m.Migrate.RateLimit > 0 {
			job.opts.RateLimit = m.Migrate.RateLimit
		}
	} else {
		id, err := parseProviderID(args[0])
		if err != nil {
			return nil, err
		}
		job.providerID = id
		job.localPath = args[1]
		if len(args) == 3 {
			job.remotePath = args[2]
		}
		job.opts.RateLimit = -1
	}

	if migrateConcurrency > 0 {
		job.opts.Concurrency = migrateConcurrency
	}
	if len(migrateIncludes) > 0 {
		job.opts.Includes = migrateIncludes
	}
	if len(migrateExcludes) > 0 {
		job.opts.Excludes = migrateExcludes
	}
	if migrateIncludeHidden {
		job.opts.IncludeHidden = true
	}
	if migrateMinSize != "" {
		job.opts.MinSize = migrateMinSize
	}
	if migrateMaxSize != "" {
		job.opts.MaxSize = migrateMaxSize
	}
	if migrateRateLimit >= 0 {
		job.opts.RateLimit = migrateRateLimit
	}
	if migrateDryRun {
		job.opts.DryRun = true
	}
	return job, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	switch migrateOutput {
	case "text", "json", "jsonl":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("unsupported output: %s", migrateOutput))
	}
	job, err := resolveMigrateJob(args)
	if err != nil {
		return err
	}
	id := job.providerID
	job.opts.RunID = uuid.NewString()

	return withApp(cmd.Context(), func(a *app) error {
		opts := job.opts
		if opts.Concurrency <= 0 {
			opts.Concurrency = a.cfg.Migrate.Concurrency
		}
		if opts.RateLimit < 0 {
			opts.RateLimit = a.cfg.Migrate.RateLimit
		}

		var (
			bar   *progressbar.ProgressBar
			jsonl *output.JSONLWriter
		)
		switch {
		case migrateOutput == "jsonl":
			jsonl = output.NewJSONLWriter(cmd.OutOrStdout(), opts.RunID, id)
			defer func() { _ = jsonl.Close() }()
			opts.OnProgress = func(p cloud.Progress) { writeProgressRecord(cmd.Context(), a.logger, jsonl, p) }
		case migrateOutput == "text" && !migrateNoProgress && !migrateDryRun:
			opts.OnProgress = func(p cloud.Progress) {
				if bar == nil {
					bar = newMigrateBar(cmd.ErrOrStderr(), p.Total)
				}
				_ = bar.Add(1)
			}
		}

		rec := startRunRecord(a, job, opts)
		report, err := a.service.MigrateDirectory(cmd.Context(), id, job.localPath, job.remotePath, opts)
		if bar != nil {
			_ = bar.Finish()
		}
		finishRunRecord(a, rec, report, err)
		if report == nil {
			return operationError("Migration failed", err)
		}

		switch migrateOutput {
		case "json":
			if perr := printJSON(cmd, report); perr != nil {
				return perr
			}
		case "jsonl":
			if werr := jsonl.WriteSummary(cmd.Context(), summaryRecord(report)); werr != nil && err == nil {
				return werr
			}
		default:
			printMigrationReport(cmd.OutOrStdout(), report)
		}

		if err != nil {
			return operationError("Migration interrupted", err)
		}
		if report.FilesFailed > 0 {
			return exitError(foundry.ExitExternalServiceUnavailable, "Migration completed with errors",
				fmt.Errorf("%d of %d files failed", report.FilesFailed, report.FilesTotal))
		}
		return nil
	})
}

// startRunRecord registers the run in the run registry. Registry failures
// are logged and never block the migration.
func startRunRecord(a *app, job *migrateJob, opts cloud.MigrateOptions) *runregistry.Record {
	if migrateNoRecord || opts.DryRun {
		return nil
	}
	rec := &runregistry.Record{
		RunID:        opts.RunID,
		Name:         job.name,
		ProviderID:   job.providerID,
		ManifestPath: job.manifestPath,
		LocalPath:    job.localPath,
		RemotePath:   job.remotePath,
	}
	if err := a.runs.Start(rec); err != nil {
		a.logger.Warn("failed to record migration run", zap.String("run_id", rec.RunID), zap.Error(err))
		return nil
	}
	return rec
}

func finishRunRecord(a *app, rec *runregistry.Record, report *cloud.MigrationReport, err error) {
	if rec == nil {
		return
	}
	state := runregistry.StateFor(report, err, errors.Is(err, context.Canceled))
	if ferr := a.runs.Finish(rec, state, report, err); ferr != nil {
		a.logger.Warn("failed to update migration run", zap.String("run_id", rec.RunID), zap.Error(ferr))
	}
}

func newMigrateBar(w io.Writer, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("uploading"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func writeProgressRecord(ctx context.Context, logger *zap.Logger, w output.Writer, p cloud.Progress) {
	var err error
	if p.Err != nil {
		err = w.WriteError(ctx, &output.ErrorRecord{
			Kind:       string(provider.KindOf(p.Err)),
			Message:    p.Err.Error(),
			LocalPath:  p.LocalPath,
			RemotePath: p.RemotePath,
		})
	} else {
		err = w.WriteTransfer(ctx, &output.TransferRecord{LocalPath: p.LocalPath, RemotePath: p.RemotePath, Bytes: p.Bytes})
	}
	if err != nil {
		logger.Debug("write progress record", zap.Error(err))
	}
}

func summaryRecord(r *cloud.MigrationReport) *output.SummaryRecord {
	s := &output.SummaryRecord{
		FilesTotal:     r.FilesTotal,
		FilesSucceeded: r.FilesSucceeded,
		FilesFailed:    r.FilesFailed,
		FilesSkipped:   r.FilesSkipped,
		BytesUploaded:  r.BytesUploaded,
		DurationMs:     r.Duration.Milliseconds(),
		DryRun:         r.DryRun,
	}
	if secs := r.Duration.Seconds(); secs > 0 {
		s.Throughput = float64(r.BytesUploaded) / secs
	}
	return s
}

func printMigrationReport(w io.Writer, r *cloud.MigrationReport) {
	if r.DryRun {
		fmt.Fprintf(w, "Dry run: %d files would be uploaded, %d skipped\n", r.FilesTotal, r.FilesSkipped)
		return
	}
	fmt.Fprintf(w, "Migrated %d/%d files (%s) in %s, %d skipped\n",
		r.FilesSucceeded, r.FilesTotal, match.FormatSize(r.BytesUploaded), r.Duration.Truncate(time.Millisecond), r.FilesSkipped)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s %s: [%s] %s\n", stateFailed("FAIL"), e.LocalPath, e.Kind, e.Message)
	}
}
