package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for provider operations.
var (
	// ErrNotFound indicates a provider id, local file or remote path is absent.
	ErrNotFound = errors.New("not found")

	// ErrBucketNotFound indicates the bucket or container does not exist.
	// It is a NotFound-class error.
	ErrBucketNotFound = errors.New("no such bucket")

	// ErrValidation indicates a missing or malformed required field.
	ErrValidation = errors.New("validation failed")

	// ErrUnsupportedProviderType indicates a type outside the supported set,
	// or an adapter that failed to load.
	ErrUnsupportedProviderType = errors.New("unsupported provider type")

	// ErrAuthentication indicates the backend rejected the credentials.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAccessDenied indicates valid credentials without the needed permission.
	ErrAccessDenied = errors.New("access denied")

	// ErrConnection indicates the backend is unreachable or timed out.
	ErrConnection = errors.New("connection failed")

	// ErrThrottled indicates the request was rate limited by the backend.
	ErrThrottled = errors.New("request throttled")

	// ErrWrite indicates a write failed on the backend or the local filesystem.
	ErrWrite = errors.New("write failed")

	// ErrRead indicates a read failed on the backend or the local filesystem.
	ErrRead = errors.New("read failed")

	// ErrUnsupportedOperation indicates the backend lacks a capability.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Kind names an error class of the storage taxonomy.
type Kind string

const (
	KindNotFound                Kind = "NOT_FOUND"
	KindValidation              Kind = "VALIDATION_ERROR"
	KindUnsupportedProviderType Kind = "UNSUPPORTED_PROVIDER_TYPE"
	KindAuthentication          Kind = "AUTHENTICATION_ERROR"
	KindConnection              Kind = "CONNECTION_ERROR"
	KindThrottled               Kind = "THROTTLED"
	KindWrite                   Kind = "WRITE_ERROR"
	KindRead                    Kind = "READ_ERROR"
	KindUnsupportedOperation    Kind = "UNSUPPORTED_OPERATION"
	KindInternal                Kind = "INTERNAL_ERROR"
)

// KindOf classifies err into the taxonomy. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnsupportedProviderType):
		return KindUnsupportedProviderType
	case IsAuthentication(err):
		return KindAuthentication
	case errors.Is(err, ErrThrottled):
		return KindThrottled
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrWrite):
		return KindWrite
	case errors.Is(err, ErrRead):
		return KindRead
	case errors.Is(err, ErrUnsupportedOperation):
		return KindUnsupportedOperation
	default:
		return KindInternal
	}
}

// ProviderError wraps backend errors with operation context.
type ProviderError struct {
	// Op is the operation that failed (e.g., "Upload", "List").
	Op string

	// Provider is the provider type.
	Provider Type

	// Bucket is the bucket, container or root, if applicable.
	Bucket string

	// Key is the object key or path, if applicable.
	Key string

	// Err is the taxonomy sentinel.
	Err error

	// Cause is the backend or filesystem error behind Err, if any.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%v", e.Err)
	if e.Cause != nil && e.Cause != e.Err {
		msg = fmt.Sprintf("%v: %v", e.Err, e.Cause)
	}
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %s", e.Provider, e.Op, e.Bucket, e.Key, msg)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Provider, e.Op, e.Bucket, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, msg)
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *ProviderError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// ValidationError reports a missing or malformed field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Unwrap returns ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Required returns a ValidationError for a missing field.
func Required(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "is required"}
}

// IsNotFound returns true if the error indicates something was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrBucketNotFound)
}

// IsBucketNotFound returns true if the error indicates the bucket does not exist.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsAuthentication returns true if the backend rejected the credentials or
// denied access.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrAccessDenied)
}

// IsValidation returns true if the error is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnsupportedOperation returns true if the backend lacks the capability.
func IsUnsupportedOperation(err error) bool {
	return errors.Is(err, ErrUnsupportedOperation)
}

// IsConnection returns true if the backend was unreachable.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}
