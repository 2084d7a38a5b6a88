// Package s3 implements the storage adapter for AWS S3 and for MinIO, which
// speaks the same API behind a custom endpoint.
package s3

import (
	"strings"
	"time"

	"github.com/3leaps/gonube/pkg/provider"
)

// Config is the resolved client configuration of an s3 or minio provider.
//
// Region handling:
//   - For AWS S3: an empty region falls back to the SDK chain (env, profile)
//     and then to us-east-1.
//   - For MinIO: an empty region is set to us-east-1, which MinIO accepts for
//     request signing.
type Config struct {
	// Bucket is the bucket name (required).
	Bucket string

	// Region is the signing region.
	Region string

	// Endpoint is a custom endpoint URL. Empty for AWS S3.
	Endpoint string

	// AccessKeyID and SecretAccessKey are the static credentials (required).
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path instead of the host name.
	// Always set for MinIO.
	ForcePathStyle bool

	// Prefix is prepended to every remote path.
	Prefix string

	// URLExpiry is the default presigned URL lifetime.
	URLExpiry time.Duration

	// Timeout bounds connection establishment and connectivity checks.
	Timeout time.Duration

	// Retries is the number of SDK retries after the first attempt.
	Retries int
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = provider.DefaultRegion

// MaxPresignExpiry is the longest lifetime SigV4 presigning accepts.
const MaxPresignExpiry = 7 * 24 * time.Hour

// ConfigFrom builds a Config from a provider record's decoded maps.
func ConfigFrom(typ provider.Type, creds provider.Credentials, cfg provider.Configuration) (Config, error) {
	v, err := provider.DecodeCredentials(typ, creds)
	if err != nil {
		return Config{}, err
	}
	opts, err := provider.DecodeOptions(cfg)
	if err != nil {
		return Config{}, err
	}

	out := Config{
		Prefix:    opts.Prefix,
		URLExpiry: opts.URLExpiry(),
		Timeout:   opts.Timeout(),
		Retries:   opts.Retries(),
	}

	switch c := v.(type) {
	case *provider.S3Credentials:
		out.Bucket = c.Bucket
		out.Region = c.Region
		out.AccessKeyID = c.AccessKey
		out.SecretAccessKey = c.SecretKey
	case *provider.MinIOCredentials:
		out.Bucket = c.Bucket
		out.Region = c.Region
		if out.Region == "" {
			out.Region = DefaultAWSRegion
		}
		out.Endpoint = c.EndpointURL()
		out.AccessKeyID = c.AccessKey
		out.SecretAccessKey = c.SecretKey
		out.ForcePathStyle = true
	default:
		return Config{}, &provider.ValidationError{Field: "type", Message: "s3 adapter serves s3 and minio only"}
	}

	return out, out.Validate()
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return provider.Required("bucket")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &provider.ValidationError{
			Field:   "access_key/secret_key",
			Message: "both access key and secret key must be provided together",
		}
	}
	return nil
}
