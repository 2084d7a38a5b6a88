package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Credentials is the decoded credentials blob of a provider record.
// Its schema depends on the provider type.
type Credentials map[string]any

// Configuration is the decoded operational tunables of a provider record.
type Configuration map[string]any

// Defaults applied when a field is absent.
const (
	DefaultURLExpiry         = 3600 * time.Second
	DefaultConnectionTimeout = 30 * time.Second
	DefaultRetryAttempts     = 3
	DefaultSFTPPort          = 22
	DefaultSFTPPath          = "/"
	DefaultRegion            = "us-east-1"
)

// S3Credentials are the credentials of an s3 provider.
type S3Credentials struct {
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
}

// Validate checks required fields.
func (c *S3Credentials) Validate() error {
	switch {
	case strings.TrimSpace(c.AccessKey) == "":
		return Required("access_key")
	case strings.TrimSpace(c.SecretKey) == "":
		return Required("secret_key")
	case strings.TrimSpace(c.Bucket) == "":
		return Required("bucket")
	}
	return nil
}

// MinIOCredentials are the credentials of a minio provider.
type MinIOCredentials struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Secure    *bool  `mapstructure:"secure"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

// Validate checks required fields.
func (c *MinIOCredentials) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return Required("endpoint")
	case strings.TrimSpace(c.AccessKey) == "":
		return Required("access_key")
	case strings.TrimSpace(c.SecretKey) == "":
		return Required("secret_key")
	case strings.TrimSpace(c.Bucket) == "":
		return Required("bucket")
	}
	return nil
}

// IsSecure reports whether the endpoint is reached over TLS. Defaults to true.
func (c *MinIOCredentials) IsSecure() bool {
	return c.Secure == nil || *c.Secure
}

// EndpointURL returns the endpoint with a scheme. An explicit scheme in
// Endpoint wins over Secure.
func (c *MinIOCredentials) EndpointURL() string {
	ep := strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	if strings.HasPrefix(ep, "http://") || strings.HasPrefix(ep, "https://") {
		return ep
	}
	if c.IsSecure() {
		return "https://" + ep
	}
	return "http://" + ep
}

// AzureCredentials are the credentials of an azure provider.
type AzureCredentials struct {
	ConnectionString string `mapstructure:"connection_string"`
	ContainerName    string `mapstructure:"container_name"`
}

// Validate checks required fields.
func (c *AzureCredentials) Validate() error {
	switch {
	case strings.TrimSpace(c.ConnectionString) == "":
		return Required("connection_string")
	case strings.TrimSpace(c.ContainerName) == "":
		return Required("container_name")
	}
	return nil
}

// GCPCredentials are the credentials of a gcp provider.
//
// KeyFile holds the service-account key either as inline JSON text, as an
// already decoded JSON object, or as a path to a key file. Endpoint
// optionally overrides the JSON API base URL, for emulators and private
// endpoints.
type GCPCredentials struct {
	KeyFile    any    `mapstructure:"key_file"`
	BucketName string `mapstructure:"bucket_name"`
	Endpoint   string `mapstructure:"endpoint"`
}

// Validate checks required fields.
func (c *GCPCredentials) Validate() error {
	if isEmpty(c.KeyFile) {
		return Required("key_file")
	}
	if strings.TrimSpace(c.BucketName) == "" {
		return Required("bucket_name")
	}
	return nil
}

// KeyJSON returns the service-account key as JSON bytes.
func (c *GCPCredentials) KeyJSON() ([]byte, error) {
	switch v := c.KeyFile.(type) {
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(s, "{") {
			return []byte(s), nil
		}
		b, err := os.ReadFile(s)
		if err != nil {
			return nil, &ValidationError{Field: "key_file", Message: fmt.Sprintf("read key file: %v", err)}
		}
		return b, nil
	case []byte:
		return v, nil
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &ValidationError{Field: "key_file", Message: err.Error()}
		}
		return b, nil
	default:
		return nil, &ValidationError{Field: "key_file", Message: fmt.Sprintf("unsupported value of type %T", v)}
	}
}

// SFTPCredentials are the credentials of an sftp provider.
type SFTPCredentials struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	KeyPath  string `mapstructure:"key_path"`
	Path     string `mapstructure:"path"`

	// KnownHosts is an OpenSSH known_hosts file. Host keys are not verified
	// when it is empty.
	KnownHosts string `mapstructure:"known_hosts"`
}

// Validate checks required fields.
func (c *SFTPCredentials) Validate() error {
	switch {
	case strings.TrimSpace(c.Host) == "":
		return Required("host")
	case strings.TrimSpace(c.User) == "":
		return Required("user")
	case c.Password == "" && strings.TrimSpace(c.KeyPath) == "":
		return &ValidationError{Field: "password", Message: "password or key_path is required"}
	case c.Port < 0 || c.Port > 65535:
		return &ValidationError{Field: "port", Message: fmt.Sprintf("out of range: %d", c.Port)}
	}
	return nil
}

// Addr returns host:port with the default port applied.
func (c *SFTPCredentials) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultSFTPPort
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Root returns the remote base directory with the default applied.
func (c *SFTPCredentials) Root() string {
	if strings.TrimSpace(c.Path) == "" {
		return DefaultSFTPPath
	}
	return c.Path
}

// Options are the operational tunables shared by every provider type.
// Durations are expressed in seconds.
type Options struct {
	Prefix             string `mapstructure:"prefix"`
	UsePresignedURLs   *bool  `mapstructure:"use_presigned_urls"`
	PresignedURLExpiry int    `mapstructure:"presigned_url_expiry"`
	UseSignedURLs      *bool  `mapstructure:"use_signed_urls"`
	SignedURLExpiry    int    `mapstructure:"signed_url_expiry"`
	ConnectionTimeout  int    `mapstructure:"connection_timeout"`
	RetryAttempts      *int   `mapstructure:"retry_attempts"`
}

// Validate rejects negative tunables.
func (o *Options) Validate() error {
	switch {
	case o.PresignedURLExpiry < 0:
		return &ValidationError{Field: "presigned_url_expiry", Message: "must not be negative"}
	case o.SignedURLExpiry < 0:
		return &ValidationError{Field: "signed_url_expiry", Message: "must not be negative"}
	case o.ConnectionTimeout < 0:
		return &ValidationError{Field: "connection_timeout", Message: "must not be negative"}
	case o.RetryAttempts != nil && *o.RetryAttempts < 0:
		return &ValidationError{Field: "retry_attempts", Message: "must not be negative"}
	}
	return nil
}

// URLExpiry returns the configured signed URL lifetime.
func (o *Options) URLExpiry() time.Duration {
	switch {
	case o.PresignedURLExpiry > 0:
		return time.Duration(o.PresignedURLExpiry) * time.Second
	case o.SignedURLExpiry > 0:
		return time.Duration(o.SignedURLExpiry) * time.Second
	}
	return DefaultURLExpiry
}

// Timeout returns the connection timeout.
func (o *Options) Timeout() time.Duration {
	if o.ConnectionTimeout > 0 {
		return time.Duration(o.ConnectionTimeout) * time.Second
	}
	return DefaultConnectionTimeout
}

// Retries returns the number of retries after the first attempt.
func (o *Options) Retries() int {
	if o.RetryAttempts == nil {
		return DefaultRetryAttempts
	}
	return *o.RetryAttempts
}

// Validator is implemented by every credential variant.
type Validator interface {
	Validate() error
}

// DecodeCredentials decodes m into the credential variant of t and validates
// it. The returned value is one of *S3Credentials, *MinIOCredentials,
// *AzureCredentials, *GCPCredentials or *SFTPCredentials.
func DecodeCredentials(t Type, m map[string]any) (Validator, error) {
	var v Validator
	switch t {
	case TypeS3:
		v = &S3Credentials{}
	case TypeMinIO:
		v = &MinIOCredentials{}
	case TypeAzure:
		v = &AzureCredentials{}
	case TypeGCP:
		v = &GCPCredentials{}
	case TypeSFTP:
		v = &SFTPCredentials{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProviderType, t)
	}
	if err := decode(m, v, "credentials"); err != nil {
		return nil, err
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeOptions decodes a configuration map. A nil map yields defaults.
func DecodeOptions(m map[string]any) (*Options, error) {
	o := &Options{}
	if err := decode(m, o, "configuration"); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func decode(m map[string]any, out any, field string) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(m); err != nil {
		return &ValidationError{Field: field, Message: err.Error()}
	}
	return nil
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []byte:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}
