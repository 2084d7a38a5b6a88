// Package provider defines the uniform storage contract shared by every cloud
// backend gonube can talk to.
//
// A configured storage target is a Provider record. The backend-specific work
// is done by an Adapter selected from the record's Type; the adapter turns the
// record's credentials and configuration into a short-lived Client and runs
// upload, download, list, sign and connectivity checks against it. Callers
// never see which SDK is in play.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Type identifies a cloud storage backend.
//
// The set is closed: registry lookups and registration both reject anything
// not listed here.
type Type string

const (
	// TypeS3 represents AWS S3.
	TypeS3 Type = "s3"

	// TypeAzure represents Azure Blob Storage.
	TypeAzure Type = "azure"

	// TypeGCP represents Google Cloud Storage.
	TypeGCP Type = "gcp"

	// TypeSFTP represents an SFTP server.
	TypeSFTP Type = "sftp"

	// TypeMinIO represents a MinIO (S3-compatible) deployment.
	TypeMinIO Type = "minio"
)

// Types returns every supported provider type in a stable order.
func Types() []Type {
	return []Type{TypeS3, TypeAzure, TypeGCP, TypeSFTP, TypeMinIO}
}

// String returns the string representation of the provider type.
func (t Type) String() string {
	return string(t)
}

// Valid reports whether t is one of the supported provider types.
func (t Type) Valid() bool {
	switch t {
	case TypeS3, TypeAzure, TypeGCP, TypeSFTP, TypeMinIO:
		return true
	}
	return false
}

// ParseType converts a persisted or user-supplied tag into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProviderType, s)
	}
	return t, nil
}

// ConnectionState is the recorded health of a provider.
//
// Values match the persisted `estado` column.
type ConnectionState string

const (
	StatePending   ConnectionState = "pending"
	StateConnected ConnectionState = "conectado"
	StateError     ConnectionState = "error"
)

// Provider is a configured cloud storage target.
//
// Credentials and Configuration are always decoded maps; the serialized
// column form never leaves the catalog.
type Provider struct {
	ID               int64
	Name             string
	Type             Type
	Credentials      Credentials
	Configuration    Configuration
	Active           bool
	ConnectionState  ConnectionState
	LastCheckedAt    *time.Time
	LastErrorMessage *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Summary is the secret-free projection used by provider listings.
type Summary struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Type            Type            `json:"type"`
	ConnectionState ConnectionState `json:"connection_state"`
}

// Registration is the input for creating a provider record.
type Registration struct {
	Name          string         `json:"name" yaml:"name"`
	Type          string         `json:"type" yaml:"type"`
	Credentials   map[string]any `json:"credentials" yaml:"credentials"`
	Configuration map[string]any `json:"configuration" yaml:"configuration"`

	// Active defaults to true when nil.
	Active *bool `json:"active,omitempty" yaml:"active,omitempty"`
}

// ConnectionCheck is the outcome of a connectivity test as persisted on the
// provider record.
type ConnectionCheck struct {
	State     ConnectionState
	CheckedAt time.Time
	// Message is nil on success.
	Message *string
}

// Client is an ephemeral, adapter-specific connection to a backend.
//
// Clients are created per operation and must be closed by the caller.
type Client interface {
	Close() error
}

// Adapter implements the storage capability set for one provider type.
//
// Adapters are stateless; all per-target state lives in the Client returned
// by CreateClient. Implementations must be safe for concurrent use.
type Adapter interface {
	// Type returns the provider type this adapter serves.
	Type() Type

	// CreateClient builds a ready-to-use client. Backends that authenticate
	// lazily may defer credential failures to the first call.
	CreateClient(ctx context.Context, creds Credentials, cfg Configuration) (Client, error)

	// Upload streams localPath to remotePath under the configured prefix.
	Upload(ctx context.Context, c Client, localPath, remotePath string) (*UploadResult, error)

	// Download writes remotePath to localPath.
	Download(ctx context.Context, c Client, remotePath, localPath string) (*DownloadResult, error)

	// List returns the direct children of remotePath (non-recursive).
	List(ctx context.Context, c Client, remotePath string) ([]Entry, error)

	// SignedURL returns a time-limited, pre-authenticated URL for remotePath.
	// Backends without native support return ErrUnsupportedOperation.
	SignedURL(ctx context.Context, c Client, remotePath string, opts SignOptions) (string, error)

	// TestConnection performs the cheapest read-only round trip that proves
	// reachability and authorization. Expected backend failures are reported
	// in the result; only malformed input is returned as an error.
	TestConnection(ctx context.Context, creds Credentials, cfg Configuration) (*TestResult, error)
}

// UploadResult describes a completed upload.
type UploadResult struct {
	// RemotePath is the caller-relative path that was written.
	RemotePath string `json:"remote_path"`

	// Key is the full backend key, including any configured prefix.
	Key string `json:"key"`

	BytesWritten int64  `json:"bytes_written"`
	ETag         string `json:"etag,omitempty"`
}

// DownloadResult describes a completed download.
type DownloadResult struct {
	LocalPath string `json:"local_path"`
	BytesRead int64  `json:"bytes_read"`
}

// Entry is one item of a single-level listing.
type Entry struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	IsDirectory  bool      `json:"is_directory"`
}

// SignOptions are per-call overrides for signed URL generation.
type SignOptions struct {
	// ExpiresIn overrides the provider's configured expiry when non-zero.
	ExpiresIn time.Duration `json:"expires_in"`
}

// TestResult is the outcome of a connectivity check.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
