// Package gcs implements the storage adapter for Google Cloud Storage
// (provider type "gcp").
//
// Providers authenticate with a service-account key. Signed URLs are V4
// signatures computed locally from that key's private key.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/3leaps/gonube/pkg/provider"
)

// MaxSignedURLExpiry is the longest lifetime V4 signing accepts.
const MaxSignedURLExpiry = 7 * 24 * time.Hour

// Adapter implements provider.Adapter for Google Cloud Storage.
//
// Objects live in a flat namespace: listing a path with no objects under it
// returns an empty result, never ErrNotFound.
type Adapter struct {
	logger *zap.Logger
}

// Client is a connected session bound to one bucket.
type Client struct {
	api    *storage.Client
	bucket *storage.BucketHandle
	name   string
	opts   *provider.Options
	signer serviceAccount
}

// serviceAccount holds the key fields used for URL signing.
type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

var (
	_ provider.Adapter = (*Adapter)(nil)
	_ provider.Client  = (*Client)(nil)
)

// NewAdapter returns the Google Cloud Storage adapter.
func NewAdapter(logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{logger: logger}
}

// Type returns provider.TypeGCP.
func (a *Adapter) Type() provider.Type { return provider.TypeGCP }

// CreateClient builds a storage client from the service-account key.
func (a *Adapter) CreateClient(ctx context.Context, creds provider.Credentials, cfg provider.Configuration) (provider.Client, error) {
	return a.newClient(ctx, creds, cfg)
}

func (a *Adapter) newClient(ctx context.Context, creds provider.Credentials, cfg provider.Configuration) (*Client, error) {
	v, err := provider.DecodeCredentials(provider.TypeGCP, creds)
	if err != nil {
		return nil, err
	}
	c := v.(*provider.GCPCredentials)
	opts, err := provider.DecodeOptions(cfg)
	if err != nil {
		return nil, err
	}

	keyJSON, err := c.KeyJSON()
	if err != nil {
		return nil, err
	}
	var sa serviceAccount
	if err := json.Unmarshal(keyJSON, &sa); err != nil {
		return nil, &provider.ValidationError{Field: "key_file", Message: fmt.Sprintf("parse service account key: %v", err)}
	}

	clientOpts := []option.ClientOption{option.WithCredentialsJSON(keyJSON)}
	if c.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(apiEndpoint(c.Endpoint)))
	}
	api, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, &provider.ProviderError{
			Op:       "CreateClient",
			Provider: provider.TypeGCP,
			Bucket:   c.BucketName,
			Err:      provider.ErrAuthentication,
			Cause:    err,
		}
	}

	bucket := api.Bucket(c.BucketName).Retryer(storage.WithMaxAttempts(opts.Retries() + 1))

	a.logger.Debug("gcs client created",
		zap.String("provider_type", provider.TypeGCP.String()),
		zap.String("bucket", c.BucketName),
		zap.String("client_email", sa.ClientEmail),
	)

	return &Client{api: api, bucket: bucket, name: c.BucketName, opts: opts, signer: sa}, nil
}

// apiEndpoint returns the JSON API base URL for a host or base URL.
// Reads over the XML API go to the same host.
func apiEndpoint(endpoint string) string {
	ep := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if !strings.HasSuffix(ep, "/storage/v1") {
		ep += "/storage/v1"
	}
	return ep + "/"
}

// Upload streams localPath to the object derived from remotePath.
func (a *Adapter) Upload(ctx context.Context, pc provider.Client, localPath, remotePath string) (*provider.UploadResult, error) {
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	key := provider.JoinKey(c.opts.Prefix, remotePath)
	if key == "" {
		return nil, provider.Required("remote_path")
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, provider.LocalError("Upload", provider.TypeGCP, localPath, err, provider.ErrRead)
	}
	defer func() { _ = f.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := c.bucket.Object(key).NewWriter(ctx)
	n, err := io.Copy(w, f)
	if err != nil {
		// Cancelling the context aborts the pending upload.
		cancel()
		_ = w.Close()
		return nil, c.wrapError("Upload", key, err, provider.ErrWrite)
	}
	if err := w.Close(); err != nil {
		return nil, c.wrapError("Upload", key, err, provider.ErrWrite)
	}

	res := &provider.UploadResult{RemotePath: remotePath, Key: key, BytesWritten: n}
	if attrs := w.Attrs(); attrs != nil {
		res.ETag = attrs.Etag
	}
	return res, nil
}

// Download writes the object at remotePath to localPath via a temporary sibling.
func (a *Adapter) Download(ctx context.Context, pc provider.Client, remotePath, localPath string) (*provider.DownloadResult, error) {
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	key := provider.JoinKey(c.opts.Prefix, remotePath)

	r, err := c.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, c.wrapError("Download", key, err, provider.ErrRead)
	}
	defer func() { _ = r.Close() }()

	tmp, err := provider.CreateTemp(localPath)
	if err != nil {
		return nil, provider.LocalError("Download", provider.TypeGCP, localPath, err, provider.ErrWrite)
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		provider.DiscardTemp(tmp)
		return nil, c.wrapError("Download", key, err, provider.ErrRead)
	}
	if err := provider.CommitTemp(tmp, localPath); err != nil {
		return nil, provider.LocalError("Download", provider.TypeGCP, localPath, err, provider.ErrWrite)
	}
	return &provider.DownloadResult{LocalPath: localPath, BytesRead: n}, nil
}

// List returns the objects and prefixes directly under remotePath.
func (a *Adapter) List(ctx context.Context, pc provider.Client, remotePath string) ([]provider.Entry, error) {
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	prefix := provider.DirPrefix(c.opts.Prefix, remotePath)

	it := c.bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	entries := []provider.Entry{}
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, c.wrapError("List", prefix, err, provider.ErrRead)
		}
		if e, ok := entryFor(prefix, attrs); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func entryFor(prefix string, attrs *storage.ObjectAttrs) (provider.Entry, bool) {
	if attrs.Prefix != "" {
		return provider.Entry{Name: provider.BaseName(attrs.Prefix), IsDirectory: true}, true
	}
	// Folder placeholder objects.
	if attrs.Name == prefix || strings.HasSuffix(attrs.Name, "/") {
		return provider.Entry{}, false
	}
	return provider.Entry{
		Name:         provider.BaseName(attrs.Name),
		Size:         attrs.Size,
		LastModified: attrs.Updated,
	}, true
}

// SignedURL returns a V4 signed GET URL. No request is made.
func (a *Adapter) SignedURL(ctx context.Context, pc provider.Client, remotePath string, opts provider.SignOptions) (string, error) {
	c, err := a.client(pc)
	if err != nil {
		return "", err
	}
	key := provider.JoinKey(c.opts.Prefix, remotePath)
	if key == "" {
		return "", provider.Required("remote_path")
	}

	expires := opts.ExpiresIn
	if expires <= 0 {
		expires = c.opts.URLExpiry()
	}
	if expires > MaxSignedURLExpiry {
		return "", &provider.ValidationError{Field: "expires_in", Message: fmt.Sprintf("must not exceed %s", MaxSignedURLExpiry)}
	}

	signOpts := &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(expires),
		Scheme:  storage.SigningSchemeV4,
	}
	if c.signer.ClientEmail != "" && c.signer.PrivateKey != "" {
		signOpts.GoogleAccessID = c.signer.ClientEmail
		signOpts.PrivateKey = []byte(c.signer.PrivateKey)
	}

	u, err := c.bucket.SignedURL(key, signOpts)
	if err != nil {
		return "", &provider.ProviderError{
			Op:       "SignedURL",
			Provider: provider.TypeGCP,
			Bucket:   c.name,
			Key:      key,
			Err:      provider.ErrAuthentication,
			Cause:    err,
		}
	}
	return u, nil
}

// TestConnection reads one listing entry of the bucket.
func (a *Adapter) TestConnection(ctx context.Context, creds provider.Credentials, cfg provider.Configuration) (*provider.TestResult, error) {
	c, err := a.newClient(ctx, creds, cfg)
	if err != nil {
		if provider.IsValidation(err) {
			return nil, err
		}
		return &provider.TestResult{Success: false, Message: err.Error()}, nil
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout())
	defer cancel()

	it := c.bucket.Objects(ctx, &storage.Query{Prefix: provider.DirPrefix(c.opts.Prefix, "")})
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		werr := c.wrapError("TestConnection", "", err, provider.ErrConnection)
		a.logger.Debug("gcs connection test failed", zap.String("bucket", c.name), zap.Error(werr))
		return &provider.TestResult{Success: false, Message: werr.Error()}, nil
	}
	return &provider.TestResult{Success: true, Message: fmt.Sprintf("bucket %q reachable", c.name)}, nil
}

// Close releases the underlying storage client.
func (c *Client) Close() error {
	return c.api.Close()
}

func (a *Adapter) client(pc provider.Client) (*Client, error) {
	c, ok := pc.(*Client)
	if !ok || c == nil {
		return nil, &provider.ValidationError{Field: "client", Message: fmt.Sprintf("gcs adapter cannot use %T", pc)}
	}
	return c, nil
}

// wrapError classifies err for op. Listing a missing prefix is not an
// error in GCS, so a 404 from List or TestConnection means the bucket is gone.
func (c *Client) wrapError(op, key string, err, fallback error) error {
	kind := classify(err, fallback)
	if kind == provider.ErrNotFound && (op == "List" || op == "TestConnection") {
		kind = provider.ErrBucketNotFound
	}
	return &provider.ProviderError{
		Op:       op,
		Provider: provider.TypeGCP,
		Bucket:   c.name,
		Key:      key,
		Err:      kind,
		Cause:    err,
	}
}

// classify maps storage and googleapi errors onto the taxonomy.
func classify(err, fallback error) error {
	switch {
	case errors.Is(err, storage.ErrBucketNotExist):
		return provider.ErrBucketNotFound
	case errors.Is(err, storage.ErrObjectNotExist):
		return provider.ErrNotFound
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return provider.ErrNotFound
		case gerr.Code == http.StatusUnauthorized:
			return provider.ErrAuthentication
		case gerr.Code == http.StatusForbidden:
			return provider.ErrAccessDenied
		case gerr.Code == http.StatusTooManyRequests:
			return provider.ErrThrottled
		case gerr.Code >= 500:
			return provider.ErrConnection
		}
		return fallback
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return provider.ErrConnection
	}
	if strings.Contains(err.Error(), "oauth2") {
		return provider.ErrAuthentication
	}
	return fallback
}

