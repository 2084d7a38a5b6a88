package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/gonube/internal/apperrors"
	"github.com/3leaps/gonube/pkg/catalog"
	"github.com/3leaps/gonube/pkg/cloud"
	"github.com/3leaps/gonube/pkg/provider"
	"github.com/3leaps/gonube/pkg/provider/providertest"
	"github.com/3leaps/gonube/pkg/providerstore"
	"github.com/3leaps/gonube/pkg/registry"
)

type apiHarness struct {
	router http.Handler
	s3     *providertest.Adapter
	sftp   *providertest.Adapter
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store, err := providerstore.Open(context.Background(), providerstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &apiHarness{
		s3:   providertest.New(provider.TypeS3, t.TempDir()),
		sftp: providertest.New(provider.TypeSFTP, t.TempDir()),
	}
	reg, err := registry.New(nil, map[provider.Type]registry.Loader{
		provider.TypeS3:   func(*zap.Logger) (provider.Adapter, error) { return h.s3, nil },
		provider.TypeSFTP: func(*zap.Logger) (provider.Adapter, error) { return h.sftp, nil },
	})
	require.NoError(t, err)

	cat := catalog.New(store, nil)
	svc := cloud.New(cat, cat, reg, nil)

	r := chi.NewRouter()
	r.Route("/v1/providers", NewProviders(svc, cat, nil).Routes)
	h.router = r
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) register(t *testing.T) ProviderView {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/v1/providers", map[string]any{
		"name":          "backups",
		"type":          "s3",
		"credentials":   map[string]any{"access_key": "AK", "secret_key": "SK", "region": "us-east-1", "bucket": "b1"},
		"configuration": map[string]any{"prefix": "tenant-a", "presigned_url_expiry": 900},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view ProviderView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorBody {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

func TestProviders_RegisterAndGet(t *testing.T) {
	h := newAPIHarness(t)

	view := h.register(t)
	assert.Positive(t, view.ID)
	assert.Equal(t, provider.StatePending, view.ConnectionState)
	assert.Equal(t, []string{"access_key", "bucket", "region", "secret_key"}, view.CredentialFields)

	rec := h.do(t, http.MethodGet, "/v1/providers/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "SK", "credential values are never served")

	rec = h.do(t, http.MethodGet, "/v1/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Providers []provider.Summary `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Providers, 1)
	assert.Equal(t, "backups", list.Providers[0].Name)
}

func TestProviders_RegisterErrors(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/providers", map[string]any{"name": "x", "type": "dropbox",
		"credentials": map[string]any{"a": "b"}, "configuration": map[string]any{"c": "d"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(provider.KindUnsupportedProviderType), decodeError(t, rec).Code)

	rec = h.do(t, http.MethodPost, "/v1/providers", map[string]any{"name": "", "type": "s3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, string(provider.KindValidation), body.Code)
	assert.Equal(t, "name", body.Details["field"])

	rec = h.do(t, http.MethodPost, "/v1/providers", `{"name":"x","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "body", decodeError(t, rec).Details["field"])
}

func TestProviders_NotFoundAndBadID(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/providers/42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(provider.KindNotFound), decodeError(t, rec).Code)

	rec = h.do(t, http.MethodPost, "/v1/providers/abc/test", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "id", decodeError(t, rec).Details["field"])
}

func TestProviders_TestConnectionUpdatesState(t *testing.T) {
	h := newAPIHarness(t)
	h.register(t)

	rec := h.do(t, http.MethodPost, "/v1/providers/1/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res provider.TestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)

	rec = h.do(t, http.MethodGet, "/v1/providers/1", nil)
	var view ProviderView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, provider.StateConnected, view.ConnectionState)
	assert.NotNil(t, view.LastCheckedAt)

	h.s3.FailConnection(provider.ErrConnection)
	rec = h.do(t, http.MethodPost, "/v1/providers/1/test", nil)
	require.Equal(t, http.StatusOK, rec.Code, "a failed check is a result, not an error")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Success)

	rec = h.do(t, http.MethodGet, "/v1/providers/1", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, provider.StateError, view.ConnectionState)
	require.NotNil(t, view.LastErrorMessage)
}

func TestProviders_UploadListDownloadSign(t *testing.T) {
	h := newAPIHarness(t)
	h.register(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(src, []byte("a,b\n1,2\n"), 0o644))

	rec := h.do(t, http.MethodPost, "/v1/providers/1/upload", map[string]string{"local_path": src, "remote_path": "2026/report.csv"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var up provider.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &up))
	assert.Equal(t, "tenant-a/2026/report.csv", up.Key)
	assert.Equal(t, int64(8), up.BytesWritten)

	rec = h.do(t, http.MethodGet, "/v1/providers/1/files?path=2026", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var files struct {
		Path    string           `json:"path"`
		Entries []provider.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	assert.Equal(t, "2026", files.Path)
	require.Len(t, files.Entries, 1)
	assert.Equal(t, "report.csv", files.Entries[0].Name)

	dst := filepath.Join(dir, "copy.csv")
	rec = h.do(t, http.MethodPost, "/v1/providers/1/download", map[string]string{"local_path": dst, "remote_path": "2026/report.csv"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(got))

	rec = h.do(t, http.MethodPost, "/v1/providers/1/signed-url", map[string]any{"remote_path": "2026/report.csv"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "expires=900")

	rec = h.do(t, http.MethodPost, "/v1/providers/1/signed-url", map[string]any{"remote_path": "2026/report.csv", "expires_in": 60})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "expires=60")

	rec = h.do(t, http.MethodPost, "/v1/providers/1/signed-url", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "remote_path", decodeError(t, rec).Details["field"])

	rec = h.do(t, http.MethodPost, "/v1/providers/1/upload", map[string]string{"remote_path": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "local_path", decodeError(t, rec).Details["field"])
}

func TestProviders_SignedURLUnsupportedOnSFTP(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/providers", map[string]any{
		"name":          "files",
		"type":          "sftp",
		"credentials":   map[string]any{"host": "files.example.com", "user": "u", "password": "p"},
		"configuration": map[string]any{"retry_attempts": 0},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/v1/providers/1/signed-url", map[string]any{"remote_path": "a.txt"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, string(provider.KindUnsupportedOperation), body.Code)
	assert.Equal(t, "sftp", body.Details["provider"])
}

func TestProviders_Migrate(t *testing.T) {
	h := newAPIHarness(t)
	h.register(t)

	root := t.TempDir()
	for _, name := range []string{"a.txt", "sub/b.txt", "sub/deny/c.txt"} {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
	}
	h.s3.FailUploads("in/sub/deny/**", provider.ErrWrite)

	rec := h.do(t, http.MethodPost, "/v1/providers/1/migrate", map[string]any{"local_path": root, "remote_path": "in", "concurrency": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report cloud.MigrationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 3, report.FilesTotal)
	assert.Equal(t, 2, report.FilesSucceeded)
	assert.Equal(t, 1, report.FilesFailed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "in/sub/deny/c.txt", report.Errors[0].RemotePath)
	assert.Equal(t, provider.KindWrite, report.Errors[0].Kind)

	rec = h.do(t, http.MethodPost, "/v1/providers/1/migrate", map[string]any{"local_path": filepath.Join(root, "missing")})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProviders_AdminEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	h.register(t)

	rec := h.do(t, http.MethodPut, "/v1/providers/1/active", map[string]any{"active": false})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/providers", nil)
	assert.True(t, strings.Contains(rec.Body.String(), `"providers":[]`), rec.Body.String())

	rec = h.do(t, http.MethodPut, "/v1/providers/1/active", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodDelete, "/v1/providers/1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodDelete, "/v1/providers/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
