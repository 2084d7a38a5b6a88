// Package azure implements the storage adapter for Azure Blob Storage.
//
// Providers authenticate with a storage account connection string. Signed
// URLs are service SAS URLs and need the account key in that string.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"go.uber.org/zap"

	"github.com/3leaps/gonube/pkg/provider"
)

// Adapter implements provider.Adapter for Azure Blob Storage.
//
// Blob containers have virtual directories only: listing a path with no
// blobs under it returns an empty result, never ErrNotFound.
type Adapter struct {
	logger *zap.Logger
}

// Client is a connected session bound to one container.
type Client struct {
	api       *azblob.Client
	container string
	opts      *provider.Options
}

var (
	_ provider.Adapter = (*Adapter)(nil)
	_ provider.Client  = (*Client)(nil)
)

// NewAdapter returns the Azure Blob adapter.
func NewAdapter(logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{logger: logger}
}

// Type returns provider.TypeAzure.
func (a *Adapter) Type() provider.Type { return provider.TypeAzure }

// CreateClient parses the connection string and builds a client. No request
// is made; credential failures surface on first use.
func (a *Adapter) CreateClient(ctx context.Context, creds provider.Credentials, cfg provider.Configuration) (provider.Client, error) {
	return a.newClient(creds, cfg)
}

func (a *Adapter) newClient(creds provider.Credentials, cfg provider.Configuration) (*Client, error) {
	v, err := provider.DecodeCredentials(provider.TypeAzure, creds)
	if err != nil {
		return nil, err
	}
	c := v.(*provider.AzureCredentials)
	opts, err := provider.DecodeOptions(cfg)
	if err != nil {
		return nil, err
	}

	api, err := azblob.NewClientFromConnectionString(c.ConnectionString, clientOptions(opts))
	if err != nil {
		return nil, &provider.ValidationError{Field: "connection_string", Message: err.Error()}
	}

	a.logger.Debug("azure client created",
		zap.String("provider_type", provider.TypeAzure.String()),
		zap.String("container", c.ContainerName),
		zap.String("account_url", api.URL()),
	)

	return &Client{api: api, container: c.ContainerName, opts: opts}, nil
}

func clientOptions(opts *provider.Options) *azblob.ClientOptions {
	dialer := &net.Dialer{Timeout: opts.Timeout(), KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext

	// azcore treats 0 as "use the default"; -1 disables retries.
	retries := int32(opts.Retries())
	if retries == 0 {
		retries = -1
	}

	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry:     policy.RetryOptions{MaxRetries: retries},
			Transport: &http.Client{Transport: transport},
		},
	}
}

// Upload streams localPath to the blob derived from remotePath.
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
		return nil, provider.LocalError("Upload", provider.TypeAzure, localPath, err, provider.ErrRead)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, provider.LocalError("Upload", provider.TypeAzure, localPath, err, provider.ErrRead)
	}

	resp, err := c.api.UploadFile(ctx, c.container, key, f, nil)
	if err != nil {
		return nil, c.wrapError("Upload", key, err, provider.ErrWrite)
	}

	res := &provider.UploadResult{RemotePath: remotePath, Key: key, BytesWritten: st.Size()}
	if resp.ETag != nil {
		res.ETag = strings.Trim(string(*resp.ETag), "\"")
	}
	return res, nil
}

// Download writes the blob at remotePath to localPath via a temporary sibling.
func (a *Adapter) Download(ctx context.Context, pc provider.Client, remotePath, localPath string) (*provider.DownloadResult, error) {
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	key := provider.JoinKey(c.opts.Prefix, remotePath)

	tmp, err := provider.CreateTemp(localPath)
	if err != nil {
		return nil, provider.LocalError("Download", provider.TypeAzure, localPath, err, provider.ErrWrite)
	}

	n, err := c.api.DownloadFile(ctx, c.container, key, tmp, nil)
	if err != nil {
		provider.DiscardTemp(tmp)
		return nil, c.wrapError("Download", key, err, provider.ErrRead)
	}
	if err := provider.CommitTemp(tmp, localPath); err != nil {
		return nil, provider.LocalError("Download", provider.TypeAzure, localPath, err, provider.ErrWrite)
	}
	return &provider.DownloadResult{LocalPath: localPath, BytesRead: n}, nil
}

// List returns blobs and virtual directories directly under remotePath.
func (a *Adapter) List(ctx context.Context, pc provider.Client, remotePath string) ([]provider.Entry, error) {
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	prefix := provider.DirPrefix(c.opts.Prefix, remotePath)

	listOpts := &container.ListBlobsHierarchyOptions{}
	if prefix != "" {
		listOpts.Prefix = to.Ptr(prefix)
	}
	pager := c.api.ServiceClient().NewContainerClient(c.container).NewListBlobsHierarchyPager("/", listOpts)

	entries := []provider.Entry{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, c.wrapError("List", prefix, err, provider.ErrRead)
		}
		if page.Segment == nil {
			continue
		}
		for _, p := range page.Segment.BlobPrefixes {
			if p == nil || p.Name == nil {
				continue
			}
			entries = append(entries, provider.Entry{Name: provider.BaseName(*p.Name), IsDirectory: true})
		}
		for _, it := range page.Segment.BlobItems {
			if it == nil || it.Name == nil {
				continue
			}
			e := provider.Entry{Name: provider.BaseName(*it.Name)}
			if it.Properties != nil {
				if it.Properties.ContentLength != nil {
					e.Size = *it.Properties.ContentLength
				}
				if it.Properties.LastModified != nil {
					e.LastModified = *it.Properties.LastModified
				}
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// SignedURL returns a read-only service SAS URL for the blob. It is computed
// locally from the account key.
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

	blobClient := c.api.ServiceClient().NewContainerClient(c.container).NewBlobClient(key)
	u, err := blobClient.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().UTC().Add(expires), nil)
	if err != nil {
		if errors.Is(err, bloberror.MissingSharedKeyCredential) {
			return "", &provider.ProviderError{
				Op:       "SignedURL",
				Provider: provider.TypeAzure,
				Bucket:   c.container,
				Key:      key,
				Err:      provider.ErrUnsupportedOperation,
				Cause:    err,
			}
		}
		return "", c.wrapError("SignedURL", key, err, provider.ErrRead)
	}
	return u, nil
}

// TestConnection lists at most one blob of the container.
func (a *Adapter) TestConnection(ctx context.Context, creds provider.Credentials, cfg provider.Configuration) (*provider.TestResult, error) {
	c, err := a.newClient(creds, cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout())
	defer cancel()

	pager := c.api.NewListBlobsFlatPager(c.container, &azblob.ListBlobsFlatOptions{
		MaxResults: to.Ptr(int32(1)),
	})
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			werr := c.wrapError("TestConnection", "", err, provider.ErrConnection)
			a.logger.Debug("azure connection test failed",
				zap.String("container", c.container),
				zap.Error(werr),
			)
			return &provider.TestResult{Success: false, Message: werr.Error()}, nil
		}
	}
	return &provider.TestResult{Success: true, Message: fmt.Sprintf("container %q reachable", c.container)}, nil
}

// Close releases any resources held by the client.
func (c *Client) Close() error { return nil }

func (a *Adapter) client(pc provider.Client) (*Client, error) {
	c, ok := pc.(*Client)
	if !ok || c == nil {
		return nil, &provider.ValidationError{Field: "client", Message: fmt.Sprintf("azure adapter cannot use %T", pc)}
	}
	return c, nil
}

func (c *Client) wrapError(op, key string, err, fallback error) error {
	return &provider.ProviderError{
		Op:       op,
		Provider: provider.TypeAzure,
		Bucket:   c.container,
		Key:      key,
		Err:      classify(err, fallback),
		Cause:    err,
	}
}

// classify maps Azure error codes and statuses onto the taxonomy.
func classify(err, fallback error) error {
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		switch bloberror.Code(re.ErrorCode) {
		case bloberror.ContainerNotFound, bloberror.ContainerBeingDeleted:
			return provider.ErrBucketNotFound
		case bloberror.BlobNotFound, bloberror.ResourceNotFound:
			return provider.ErrNotFound
		case bloberror.AuthenticationFailed, bloberror.InvalidAuthenticationInfo:
			return provider.ErrAuthentication
		case bloberror.AuthorizationFailure, bloberror.AuthorizationPermissionMismatch,
			bloberror.InsufficientAccountPermissions:
			return provider.ErrAccessDenied
		case bloberror.ServerBusy:
			return provider.ErrThrottled
		}
		switch {
		case re.StatusCode == http.StatusNotFound:
			return provider.ErrNotFound
		case re.StatusCode == http.StatusUnauthorized:
			return provider.ErrAuthentication
		case re.StatusCode == http.StatusForbidden:
			return provider.ErrAccessDenied
		case re.StatusCode == http.StatusTooManyRequests:
			return provider.ErrThrottled
		case re.StatusCode >= 500:
			return provider.ErrConnection
		}
		return fallback
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return provider.ErrConnection
	}
	return fallback
}

