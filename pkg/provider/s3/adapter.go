package s3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/3leaps/gonube/pkg/provider"
)

// Adapter implements provider.Adapter for AWS S3 and S3-compatible storage.
//
// Listing a path that holds no keys returns an empty result, never
// ErrNotFound: S3 has no directories, so a missing prefix and an empty one
// look the same.
type Adapter struct {
	typ    provider.Type
	logger *zap.Logger
}

// Client is a connected S3 session bound to one bucket.
type Client struct {
	api        *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	presigner  *s3.PresignClient
	cfg        Config
	typ        provider.Type
}

var (
	_ provider.Adapter = (*Adapter)(nil)
	_ provider.Client  = (*Client)(nil)
)

// NewAdapter returns the adapter for typ, which must be TypeS3 or TypeMinIO.
func NewAdapter(typ provider.Type, logger *zap.Logger) (*Adapter, error) {
	if typ != provider.TypeS3 && typ != provider.TypeMinIO {
		return nil, fmt.Errorf("%w: s3 adapter cannot serve %q", provider.ErrUnsupportedProviderType, typ)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{typ: typ, logger: logger}, nil
}

// Type returns the provider type served by this adapter.
func (a *Adapter) Type() provider.Type { return a.typ }

// CreateClient builds an S3 client. Credentials are verified lazily on the
// first request.
func (a *Adapter) CreateClient(ctx context.Context, creds provider.Credentials, cfg provider.Configuration) (provider.Client, error) {
	c, err := ConfigFrom(a.typ, creds, cfg)
	if err != nil {
		return nil, err
	}
	return a.newClient(ctx, c)
}

// New creates a client directly from a resolved Config.
func (a *Adapter) New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return a.newClient(ctx, cfg)
}

func (a *Adapter) newClient(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &provider.ProviderError{
			Op:       "CreateClient",
			Provider: a.typ,
			Bucket:   cfg.Bucket,
			Err:      provider.ErrConnection,
			Cause:    err,
		}
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	a.logger.Debug("s3 client created",
		zap.String("provider_type", a.typ.String()),
		zap.String("bucket", cfg.Bucket),
		zap.String("region", awsCfg.Region),
		zap.String("endpoint", cfg.Endpoint),
	)

	return &Client{
		api:        api,
		uploader:   manager.NewUploader(api),
		downloader: manager.NewDownloader(api),
		presigner:  s3.NewPresignClient(api),
		cfg:        cfg,
		typ:        a.typ,
	}, nil
}

// loadAWSConfig builds the AWS configuration with static credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.Timeout > 0 {
		timeout := cfg.Timeout
		httpClient := awshttp.NewBuildableClient().WithDialerOptions(func(d *net.Dialer) {
			d.Timeout = timeout
		})
		opts = append(opts, config.WithHTTPClient(httpClient))
	}
	opts = append(opts, config.WithRetryMaxAttempts(cfg.Retries+1))

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Upload streams localPath to the key derived from remotePath.
// Large files are sent as multipart uploads.
func (a *Adapter) Upload(ctx context.Context, pc provider.Client, localPath, remotePath string) (*provider.UploadResult, error) {
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	key := provider.JoinKey(c.cfg.Prefix, remotePath)

	f, err := os.Open(localPath)
	if err != nil {
		return nil, provider.LocalError("Upload", a.typ, localPath, err, provider.ErrRead)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, provider.LocalError("Upload", a.typ, localPath, err, provider.ErrRead)
	}

	out, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
	})
	if err != nil {
		return nil, c.wrapError("Upload", key, err, provider.ErrWrite)
	}

	return &provider.UploadResult{
		RemotePath:   remotePath,
		Key:          key,
		BytesWritten: st.Size(),
		ETag:         cleanETag(aws.ToString(out.ETag)),
	}, nil
}

// Download writes the object at remotePath to localPath. The file is written
// to a temporary sibling first, so a failed download leaves nothing behind.
func (a *Adapter) Download(ctx context.Context, pc provider.Client, remotePath, localPath string) (*provider.DownloadResult, error) {
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	key := provider.JoinKey(c.cfg.Prefix, remotePath)

	tmp, err := provider.CreateTemp(localPath)
	if err != nil {
		return nil, provider.LocalError("Download", a.typ, localPath, err, provider.ErrWrite)
	}

	n, err := c.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		provider.DiscardTemp(tmp)
		return nil, c.wrapError("Download", key, err, provider.ErrRead)
	}
	if err := provider.CommitTemp(tmp, localPath); err != nil {
		return nil, provider.LocalError("Download", a.typ, localPath, err, provider.ErrWrite)
	}

	return &provider.DownloadResult{LocalPath: localPath, BytesRead: n}, nil
}

// List returns the direct children of remotePath.
func (a *Adapter) List(ctx context.Context, pc provider.Client, remotePath string) ([]provider.Entry, error) {
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	prefix := provider.DirPrefix(c.cfg.Prefix, remotePath)

	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.cfg.Bucket),
		Delimiter: aws.String("/"),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	entries := []provider.Entry{}
	paginator := s3.NewListObjectsV2Paginator(c.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, c.wrapError("List", prefix, err, provider.ErrRead)
		}
		entries = append(entries, pageEntries(prefix, page)...)
	}
	return entries, nil
}

func pageEntries(prefix string, page *s3.ListObjectsV2Output) []provider.Entry {
	entries := make([]provider.Entry, 0, len(page.CommonPrefixes)+len(page.Contents))
	for _, cp := range page.CommonPrefixes {
		entries = append(entries, provider.Entry{
			Name:        provider.BaseName(aws.ToString(cp.Prefix)),
			IsDirectory: true,
		})
	}
	for _, obj := range page.Contents {
		key := aws.ToString(obj.Key)
		// Folder placeholder objects created by consoles.
		if key == prefix || strings.HasSuffix(key, "/") {
			continue
		}
		entries = append(entries, provider.Entry{
			Name:         provider.BaseName(key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return entries
}

// SignedURL returns a presigned GET URL. The signature is computed locally;
// no request is made.
func (a *Adapter) SignedURL(ctx context.Context, pc provider.Client, remotePath string, opts provider.SignOptions) (string, error) {
	c, err := a.client(pc)
	if err != nil {
		return "", err
	}
	key := provider.JoinKey(c.cfg.Prefix, remotePath)
	if key == "" {
		return "", provider.Required("remote_path")
	}

	expires := opts.ExpiresIn
	if expires <= 0 {
		expires = c.cfg.URLExpiry
	}
	if expires > MaxPresignExpiry {
		return "", &provider.ValidationError{Field: "expires_in", Message: fmt.Sprintf("must not exceed %s", MaxPresignExpiry)}
	}

	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", c.wrapError("SignedURL", key, err, provider.ErrRead)
	}
	return req.URL, nil
}

// TestConnection lists at most one key of the bucket.
func (a *Adapter) TestConnection(ctx context.Context, creds provider.Credentials, cfg provider.Configuration) (*provider.TestResult, error) {
	conf, err := ConfigFrom(a.typ, creds, cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, conf.Timeout)
	defer cancel()

	c, err := a.newClient(ctx, conf)
	if err != nil {
		return &provider.TestResult{Success: false, Message: err.Error()}, nil
	}
	defer func() { _ = c.Close() }()

	_, err = c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(conf.Bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		werr := c.wrapError("TestConnection", "", err, provider.ErrConnection)
		a.logger.Debug("s3 connection test failed",
			zap.String("provider_type", a.typ.String()),
			zap.String("bucket", conf.Bucket),
			zap.Error(werr),
		)
		return &provider.TestResult{Success: false, Message: werr.Error()}, nil
	}
	return &provider.TestResult{Success: true, Message: fmt.Sprintf("bucket %q reachable", conf.Bucket)}, nil
}

// Close releases any resources held by the client.
// The S3 client doesn't require explicit cleanup.
func (c *Client) Close() error {
	return nil
}

func (a *Adapter) client(pc provider.Client) (*Client, error) {
	c, ok := pc.(*Client)
	if !ok || c == nil {
		return nil, &provider.ValidationError{Field: "client", Message: fmt.Sprintf("s3 adapter cannot use %T", pc)}
	}
	return c, nil
}

// wrapError converts S3 errors to provider errors with appropriate sentinel
// errors. Unrecognized failures are classified as fallback.
func (c *Client) wrapError(op, key string, err, fallback error) error {
	return &provider.ProviderError{
		Op:       op,
		Provider: c.typ,
		Bucket:   c.cfg.Bucket,
		Key:      key,
		Err:      classify(err, fallback),
		Cause:    err,
	}
}

func classify(err, fallback error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &noSuchBucket):
		return provider.ErrBucketNotFound
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return provider.ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return provider.ErrNotFound
		case "NoSuchBucket":
			return provider.ErrBucketNotFound
		case "AccessDenied", "Forbidden", "AllAccessDisabled":
			return provider.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return provider.ErrAuthentication
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return provider.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			return provider.ErrConnection
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return provider.ErrConnection
	}

	// Fallback: check error message for common cases
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchBucket"):
		return provider.ErrBucketNotFound
	case strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "StatusCode: 404"):
		return provider.ErrNotFound
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "StatusCode: 403"):
		return provider.ErrAccessDenied
	case strings.Contains(msg, "InvalidAccessKeyId") || strings.Contains(msg, "SignatureDoesNotMatch"):
		return provider.ErrAuthentication
	case strings.Contains(msg, "SlowDown") || strings.Contains(msg, "StatusCode: 429"):
		return provider.ErrThrottled
	case strings.Contains(msg, "ServiceUnavailable") || strings.Contains(msg, "StatusCode: 503"):
		return provider.ErrConnection
	}
	return fallback
}


// cleanETag removes surrounding quotes from an ETag value.
func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// resolveRegion applies the us-east-1 fallback for AWS S3 after the SDK has
// consulted explicit config, env and profile. S3-compatible endpoints get
// no default here; ConfigFrom already set one for MinIO.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
