// Package cmd implements the gonube command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gonube/internal/config"
	"github.com/3leaps/gonube/internal/observability"
)

var (
	cfgFile      string
	logLevel     string
	logFormat    string
	storePath    string
	identityFile string

	appConfig *config.Config
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "gonube",
	Short: "Multi-cloud storage operations by provider id",
	Long: `gonube keeps a catalog of storage providers (S3, MinIO, Azure Blob,
Google Cloud Storage, SFTP) and runs uploads, downloads, listings, signed URLs,
connection tests and directory migrations against them by numeric id.

Examples:
  gonube provider add --file backups.yaml
  gonube provider test 1
  gonube upload 1 ./report.csv 2026/report.csv
  gonube migrate 1 ./exports archive/ --concurrency 8`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./gonube.yaml, then the user config dir)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (console|json)")
	pf.StringVar(&storePath, "store", "", "Provider database path")
	pf.StringVar(&identityFile, "identity-file", "", "age identity used to seal stored credentials")
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitCode(err)
}

func initApp(cmd *cobra.Command, args []string) error {
	overrides := map[string]any{}
	logging := map[string]any{}
	if logLevel != "" {
		logging["level"] = logLevel
	}
	if logFormat != "" {
		logging["format"] = logFormat
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}
	store := map[string]any{}
	if storePath != "" {
		store["path"] = storePath
	}
	if identityFile != "" {
		store["identity_file"] = identityFile
	}
	if len(store) > 0 {
		overrides["store"] = store
	}

	cfg, err := config.LoadFile(cmd.Context(), cfgFile, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if _, err := observability.InitCLILogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	appConfig = cfg
	observability.CLILogger.Debug("configuration loaded",
		zap.String("store_path", cfg.Store.Path),
		zap.Bool("store_remote", cfg.Store.URL != ""),
		zap.Bool("sealed", cfg.Store.IdentityFile != ""),
	)
	return nil
}

// exitCodeError carries the process exit code for a failed command.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &exitCodeError{code: code, message: message, err: err}
}

// ExitCode maps err to a process exit code. Errors not raised through
// exitError exit with 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitCodeError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
