package cmd

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gonube/pkg/cloud"
	"github.com/3leaps/gonube/pkg/output"
	"github.com/3leaps/gonube/pkg/provider"
)

func TestUploadListDownloadSign(t *testing.T) {
	h := newCLIHarness(t)
	h.addS3(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(src, []byte("a,b\n"), 0o644))

	out, err := h.run(t, "upload", "1", src, "2026/report.csv")
	require.NoError(t, err)
	assert.Contains(t, out, "-> tenant-a/2026/report.csv (4 bytes)")

	out, err = h.run(t, "ls", "1", "2026")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "report.csv")

	out, err = h.run(t, "ls", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "2026/")

	out, err = h.run(t, "ls", "1", "2026", "-o", "jsonl")
	require.NoError(t, err)
	var rec output.Record
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &rec))
	assert.Equal(t, output.TypeEntry, rec.Type)
	assert.Equal(t, int64(1), rec.ProviderID)

	dst := filepath.Join(dir, "copy.csv")
	out, err = h.run(t, "download", "1", "2026/report.csv", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "(4 bytes)")
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(got))

	out, err = h.run(t, "sign", "1", "2026/report.csv")
	require.NoError(t, err)
	assert.Equal(t, "fake://s3/tenant-a/2026/report.csv?expires=900\n", out)

	out, err = h.run(t, "sign", "1", "2026/report.csv", "--expires", "2m")
	require.NoError(t, err)
	assert.Contains(t, out, "expires=120")

	_, err = h.run(t, "download", "1", "2026/missing.csv", filepath.Join(dir, "x"))
	require.Error(t, err)
	assert.NotEqual(t, 0, ExitCode(err))

	_, err = h.run(t, "upload", "9", src, "x")
	assert.Equal(t, int(foundry.ExitFileNotFound), ExitCode(err))
}

func TestSignUnsupportedOnSFTP(t *testing.T) {
	h := newCLIHarness(t)
	_, err := h.run(t, "provider", "add", "--name", "files", "--type", "sftp",
		"--cred", "host=files.example.com", "--cred", "user=u", "--cred", "password=p", "--set", "retry_attempts=0")
	require.NoError(t, err)

	_, err = h.run(t, "sign", "1", "a.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrUnsupportedOperation)
	assert.Equal(t, int(foundry.ExitExternalServiceUnavailable), ExitCode(err))
}

func migrateTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range []string{"a.txt", "sub/b.txt", "deny/c.txt", ".hidden"} {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
	}
	return root
}

func TestMigrateCommand(t *testing.T) {
	h := newCLIHarness(t)
	h.addS3(t)
	root := migrateTree(t)

	out, err := h.run(t, "migrate", "1", root, "in")
	require.NoError(t, err)
	assert.Contains(t, out, "Migrated 3/3 files (24B)", "a.txt + sub/b.txt + deny/c.txt")
	assert.Contains(t, out, "1 skipped")

	_, err = os.Stat(filepath.Join(h.s3.BaseDir(), "tenant-a", "in", "sub", "b.txt"))
	assert.NoError(t, err)
}

func TestMigrateCommand_PartialFailure(t *testing.T) {
	h := newCLIHarness(t)
	h.addS3(t)
	root := migrateTree(t)
	h.s3.FailUploads("out/deny/**", provider.ErrWrite)

	out, err := h.run(t, "migrate", "1", root, "out", "-o", "jsonl", "-c", "2")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitExternalServiceUnavailable), ExitCode(err))

	var (
		types   []string
		summary output.SummaryRecord
	)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var rec output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec), sc.Text())
		types = append(types, rec.Type)
		if rec.Type == output.TypeSummary {
			require.NoError(t, json.Unmarshal(rec.Data, &summary))
		}
	}
	require.Len(t, types, 4)
	assert.Equal(t, output.TypeSummary, types[3])
	assert.Contains(t, types, output.TypeError)
	assert.Equal(t, 3, summary.FilesTotal)
	assert.Equal(t, 2, summary.FilesSucceeded)
	assert.Equal(t, 1, summary.FilesFailed)
}

func TestMigrateCommand_DryRunJSON(t *testing.T) {
	h := newCLIHarness(t)
	h.addS3(t)

	out, err := h.run(t, "migrate", "1", migrateTree(t), "--dry-run", "--include-hidden", "-o", "json")
	require.NoError(t, err)
	var report cloud.MigrationReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.DryRun)
	assert.Equal(t, 4, report.FilesTotal)
	assert.Zero(t, h.s3.Uploads())
}

func TestMigrateCommand_InvalidInput(t *testing.T) {
	h := newCLIHarness(t)
	h.addS3(t)

	_, err := h.run(t, "migrate", "1", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, int(foundry.ExitFileNotFound), ExitCode(err))

	_, err = h.run(t, "migrate", "1", t.TempDir(), "--include", "[bad")
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))

	_, err = h.run(t, "migrate", "1", t.TempDir(), "-o", "csv")
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))
}

func TestKeygenCommand(t *testing.T) {
	h := newCLIHarness(t)
	path := filepath.Join(t.TempDir(), "identity.txt")

	out, err := h.run(t, "keygen", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Identity written to")

	_, err = h.run(t, "keygen", path)
	assert.Equal(t, int(foundry.ExitFileWriteError), ExitCode(err), "existing identities are never overwritten")

	h.addSealed(t, path)
}

func (h *cliHarness) addSealed(t *testing.T, identity string) {
	t.Helper()
	_, err := h.run(t, "--identity-file", identity, "provider", "add", "--name", "sealed", "--type", "s3",
		"--cred", "access_key=AK", "--cred", "secret_key=TOPSECRET", "--cred", "region=us-east-1", "--cred", "bucket=b1",
		"--set", "prefix=p")
	require.NoError(t, err)

	raw, err := os.ReadFile(h.store)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "TOPSECRET", "credentials are sealed at rest")
}
