package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/gonube/pkg/cloud"
	"github.com/3leaps/gonube/pkg/provider"
	"github.com/3leaps/gonube/pkg/provider/providertest"
	"github.com/3leaps/gonube/pkg/registry"
)

type cliHarness struct {
	store string
	runs  string
	s3    *providertest.Adapter
	sftp  *providertest.Adapter
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("GONUBE_LOG_LEVEL", "error")
	runs := filepath.Join(t.TempDir(), "runs")
	t.Setenv("GONUBE_RUNS_DIR", runs)

	h := &cliHarness{
		store: filepath.Join(t.TempDir(), "providers.db"),
		runs:  runs,
		s3:    providertest.New(provider.TypeS3, t.TempDir()),
		sftp:  providertest.New(provider.TypeSFTP, t.TempDir()),
	}

	orig := newResolver
	newResolver = func(*zap.Logger) cloud.Resolver {
		reg, err := registry.New(nil, map[provider.Type]registry.Loader{
			provider.TypeS3:   func(*zap.Logger) (provider.Adapter, error) { return h.s3, nil },
			provider.TypeSFTP: func(*zap.Logger) (provider.Adapter, error) { return h.sftp, nil },
		})
		require.NoError(t, err)
		return reg
	}
	t.Cleanup(func() {
		newResolver = orig
		appConfig = nil
	})
	return h
}

// run executes the root command against the harness store.
func (h *cliHarness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"--store", h.store}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags() {
	cfgFile, logLevel, logFormat, storePath, identityFile = "", "", "", "", ""
	addFile, addName, addType, addCreds, addSettings, addInactive = "", "", "", nil, nil, false
	listOutput, showOutput = "table", "yaml"
	lsOutput, signExpires = "table", 0
	migrateConcurrency, migrateIncludes, migrateExcludes = 0, nil, nil
	migrateIncludeHidden, migrateMinSize, migrateMaxSize = false, "", ""
	migrateRateLimit, migrateDryRun, migrateOutput, migrateNoProgress = -1, false, "text", true
	migrateManifest, migrateNoRecord = "", false
	runsListOutput = "table"
	serveHost, servePort = "", -1
}

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{"set all values", "1.0.0", "abc123", "2026-01-15"},
		{"set dev version", "dev", "HEAD", "unknown"},
		{"set empty values", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)
			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	h := newCLIHarness(t)
	orig := versionInfo
	defer func() { versionInfo = orig }()
	SetVersionInfo("1.4.0", "deadbeef", "2026-10-01")

	out, err := h.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "gonube 1.4.0 (commit deadbeef, built 2026-10-01")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("plain")))

	err := exitError(foundry.ExitInvalidArgument, "Invalid --output value", errors.New("unsupported output: xml"))
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))
	assert.Contains(t, err.Error(), "Invalid --output value: unsupported output: xml (exit code")

	wrapped := errors.Join(errors.New("context"), err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(wrapped))

	assert.EqualError(t, errors.Unwrap(exitError(2, "no cause", nil)), "no cause")
}

func TestOperationErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{provider.ErrNotFound, int(foundry.ExitFileNotFound)},
		{provider.Required("name"), int(foundry.ExitInvalidArgument)},
		{provider.ErrUnsupportedProviderType, int(foundry.ExitInvalidArgument)},
		{provider.ErrWrite, int(foundry.ExitFileWriteError)},
		{provider.ErrRead, int(foundry.ExitFileReadError)},
		{provider.ErrConnection, int(foundry.ExitExternalServiceUnavailable)},
		{provider.ErrUnsupportedOperation, int(foundry.ExitExternalServiceUnavailable)},
		{context.Canceled, int(foundry.ExitSignalInt)},
		{errors.New("unclassified"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := operationError("op", tt.err)
			assert.Equal(t, tt.want, ExitCode(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestParseProviderID(t *testing.T) {
	id, err := parseProviderID("12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	for _, raw := range []string{"0", "-3", "abc", ""} {
		_, err := parseProviderID(raw)
		assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err), raw)
		assert.ErrorIs(t, err, provider.ErrValidation)
	}
}

func TestStoreHealthChecker(t *testing.T) {
	err := storeHealthChecker{}.CheckHealth(context.Background())
	assert.ErrorContains(t, err, "provider store not configured")

	err = storeHealthChecker{ping: func(context.Context) error { return nil }}.CheckHealth(context.Background())
	assert.NoError(t, err)
}

func TestInvalidConfigurationFails(t *testing.T) {
	h := newCLIHarness(t)
	t.Setenv("GONUBE_LOG_FORMAT", "xml")
	_, err := h.run(t, "provider", "list")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))
}
