// Package providertest provides a local-directory provider.Adapter for tests.
//
// The adapter stores objects as files under a base directory, so facade and
// server tests can exercise real uploads and downloads without a backend.
// Failures are injected per remote path or for connectivity checks.
package providertest

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/gonube/pkg/provider"
)

// Adapter implements provider.Adapter over a local directory.
//
// Keys are treated as relative paths under the base directory, joined with
// the configured prefix the same way the real adapters do.
type Adapter struct {
	typ     provider.Type
	baseDir string

	mu          sync.Mutex
	uploadFails []failRule
	connErr     error
	signErr     error

	clients   atomic.Int64
	uploads   atomic.Int64
	downloads atomic.Int64
	tests     atomic.Int64
}

type failRule struct {
	pattern string
	err     error
}

// Client is the fake session; it only carries the decoded options.
type Client struct {
	opts   *provider.Options
	closed atomic.Bool
}

var (
	_ provider.Adapter = (*Adapter)(nil)
	_ provider.Client  = (*Client)(nil)
)

// New returns an adapter storing objects under baseDir and reporting typ.
func New(typ provider.Type, baseDir string) *Adapter {
	return &Adapter{typ: typ, baseDir: filepath.Clean(baseDir)}
}

// FailUploads makes every upload whose remote path matches the doublestar
// pattern fail with err.
func (a *Adapter) FailUploads(pattern string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploadFails = append(a.uploadFails, failRule{pattern: pattern, err: err})
}

// FailConnection makes TestConnection report err as a failed check.
// A nil err restores healthy checks.
func (a *Adapter) FailConnection(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connErr = err
}

// FailSigning makes SignedURL return err.
func (a *Adapter) FailSigning(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signErr = err
}

// Clients returns how many clients were created.
func (a *Adapter) Clients() int64 { return a.clients.Load() }

// Uploads returns how many upload calls were made, including failed ones.
func (a *Adapter) Uploads() int64 { return a.uploads.Load() }

// Downloads returns how many download calls were made.
func (a *Adapter) Downloads() int64 { return a.downloads.Load() }

// Tests returns how many connectivity checks were made.
func (a *Adapter) Tests() int64 { return a.tests.Load() }

// BaseDir returns the directory objects are stored under.
func (a *Adapter) BaseDir() string { return a.baseDir }

// Type returns the provider type the adapter was created for.
func (a *Adapter) Type() provider.Type { return a.typ }

// CreateClient validates the credentials against the type's variant and
// decodes the options. Nothing is dialled.
func (a *Adapter) CreateClient(ctx context.Context, creds provider.Credentials, cfg provider.Configuration) (provider.Client, error) {
	_ = ctx
	if _, err := provider.DecodeCredentials(a.typ, creds); err != nil {
		return nil, err
	}
	opts, err := provider.DecodeOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.clients.Add(1)
	return &Client{opts: opts}, nil
}

// Close marks the client closed.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool { return c.closed.Load() }

func (a *Adapter) Upload(ctx context.Context, pc provider.Client, localPath, remotePath string) (*provider.UploadResult, error) {
	a.uploads.Add(1)
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	if err := a.uploadFailure(remotePath); err != nil {
		return nil, &provider.ProviderError{Op: "Upload", Provider: a.typ, Key: remotePath, Err: provider.ErrWrite, Cause: err}
	}

	key := provider.JoinKey(c.opts.Prefix, remotePath)
	full, err := a.fullPath(key)
	if err != nil {
		return nil, a.wrapError("Upload", key, err, provider.ErrWrite)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return nil, a.wrapError("Upload", localPath, err, provider.ErrRead)
	}
	defer func() { _ = src.Close() }()

	n, err := writeAtomic(ctx, full, src)
	if err != nil {
		return nil, a.wrapError("Upload", key, err, provider.ErrWrite)
	}
	return &provider.UploadResult{RemotePath: remotePath, Key: key, BytesWritten: n}, nil
}

func (a *Adapter) Download(ctx context.Context, pc provider.Client, remotePath, localPath string) (*provider.DownloadResult, error) {
	a.downloads.Add(1)
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	key := provider.JoinKey(c.opts.Prefix, remotePath)
	full, err := a.fullPath(key)
	if err != nil {
		return nil, a.wrapError("Download", key, err, provider.ErrRead)
	}

	src, err := os.Open(full)
	if err != nil {
		return nil, a.wrapError("Download", key, err, provider.ErrRead)
	}
	defer func() { _ = src.Close() }()

	n, err := writeAtomic(ctx, localPath, src)
	if err != nil {
		return nil, a.wrapError("Download", localPath, err, provider.ErrWrite)
	}
	return &provider.DownloadResult{LocalPath: localPath, BytesRead: n}, nil
}

// List behaves like an object store: a missing directory lists as empty.
func (a *Adapter) List(ctx context.Context, pc provider.Client, remotePath string) ([]provider.Entry, error) {
	_ = ctx
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	key := provider.JoinKey(c.opts.Prefix, remotePath)
	full, err := a.fullPath(key)
	if err != nil {
		return nil, a.wrapError("List", key, err, provider.ErrRead)
	}

	des, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return []provider.Entry{}, nil
		}
		return nil, a.wrapError("List", key, err, provider.ErrRead)
	}

	entries := make([]provider.Entry, 0, len(des))
	for _, de := range des {
		if strings.HasPrefix(de.Name(), ".gonube-") {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		e := provider.Entry{Name: de.Name(), LastModified: fi.ModTime().UTC(), IsDirectory: de.IsDir()}
		if !de.IsDir() {
			e.Size = fi.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// SignedURL returns a fake:// URL carrying the key and the expiry in
// seconds. SFTP-typed adapters refuse, matching the real backend.
func (a *Adapter) SignedURL(ctx context.Context, pc provider.Client, remotePath string, opts provider.SignOptions) (string, error) {
	_ = ctx
	c, err := a.client(pc)
	if err != nil {
		return "", err
	}
	if a.typ == provider.TypeSFTP {
		return "", &provider.ProviderError{Op: "SignedURL", Provider: a.typ, Key: remotePath, Err: provider.ErrUnsupportedOperation}
	}
	a.mu.Lock()
	signErr := a.signErr
	a.mu.Unlock()
	if signErr != nil {
		return "", &provider.ProviderError{Op: "SignedURL", Provider: a.typ, Key: remotePath, Err: signErr}
	}

	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = c.opts.URLExpiry()
	}
	u := url.URL{
		Scheme:   "fake",
		Host:     string(a.typ),
		Path:     "/" + provider.JoinKey(c.opts.Prefix, remotePath),
		RawQuery: url.Values{"expires": {fmt.Sprintf("%d", int64(expiry/time.Second))}}.Encode(),
	}
	return u.String(), nil
}

// TestConnection reports the injected connection error, if any, as a failed
// check. Malformed credentials are returned as errors.
func (a *Adapter) TestConnection(ctx context.Context, creds provider.Credentials, cfg provider.Configuration) (*provider.TestResult, error) {
	a.tests.Add(1)
	pc, err := a.CreateClient(ctx, creds, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pc.Close() }()

	a.mu.Lock()
	connErr := a.connErr
	a.mu.Unlock()
	if connErr != nil {
		werr := &provider.ProviderError{Op: "TestConnection", Provider: a.typ, Bucket: a.baseDir, Err: connErr}
		return &provider.TestResult{Success: false, Message: werr.Error()}, nil
	}
	if _, err := os.Stat(a.baseDir); err != nil {
		werr := a.wrapError("TestConnection", a.baseDir, err, provider.ErrConnection)
		return &provider.TestResult{Success: false, Message: werr.Error()}, nil
	}
	return &provider.TestResult{Success: true, Message: "connected to " + a.baseDir}, nil
}

func (a *Adapter) client(pc provider.Client) (*Client, error) {
	c, ok := pc.(*Client)
	if !ok || c == nil {
		return nil, &provider.ValidationError{Field: "client", Message: fmt.Sprintf("providertest adapter cannot use %T", pc)}
	}
	return c, nil
}

func (a *Adapter) uploadFailure(remotePath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := strings.TrimPrefix(filepath.ToSlash(remotePath), "/")
	for _, r := range a.uploadFails {
		if ok, _ := doublestar.Match(r.pattern, p); ok {
			return r.err
		}
	}
	return nil
}

func (a *Adapter) fullPath(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	// Prevent path traversal.
	clean := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return filepath.Join(a.baseDir, filepath.FromSlash(clean)), nil
}

func (a *Adapter) wrapError(op, key string, err, fallback error) error {
	kind := fallback
	switch {
	case os.IsNotExist(err):
		kind = provider.ErrNotFound
	case os.IsPermission(err):
		kind = provider.ErrAccessDenied
	}
	return &provider.ProviderError{Op: op, Provider: a.typ, Bucket: a.baseDir, Key: key, Err: kind, Cause: err}
}

func writeAtomic(ctx context.Context, dst string, src io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, ".gonube-put-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, src)
	if err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return n, err
	}
	return n, nil
}
