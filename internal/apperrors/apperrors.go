// Package apperrors maps storage errors onto HTTP responses.
//
// Every error leaving the API uses one envelope:
//
//	{"error": {"code": "...", "message": "...", "details": {...}, "request_id": "..."}}
//
// Codes are the provider taxonomy kinds plus a few transport-level codes.
package apperrors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/gonube/pkg/provider"
)

// Transport-level codes that have no provider kind.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorBody is the wire form of an error envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps ErrorBody under "error".
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// StatusFor returns the HTTP status for a taxonomy kind. Caller mistakes are
// 4xx; backend failures are 5xx so operators see them as upstream problems.
func StatusFor(kind provider.Kind) int {
	switch kind {
	case provider.KindNotFound:
		return http.StatusNotFound
	case provider.KindValidation, provider.KindUnsupportedProviderType:
		return http.StatusBadRequest
	case provider.KindUnsupportedOperation:
		return http.StatusNotImplemented
	case provider.KindThrottled:
		return http.StatusTooManyRequests
	case provider.KindConnection:
		return http.StatusServiceUnavailable
	case provider.KindAuthentication, provider.KindWrite, provider.KindRead:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RespondWithError writes err as an envelope. The backend message is
// surfaced verbatim; provider errors never carry secrets.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	kind := provider.KindOf(err)
	if kind == "" {
		kind = provider.KindInternal
	}

	var details map[string]any
	var ve *provider.ValidationError
	if errors.As(err, &ve) {
		details = map[string]any{"field": ve.Field}
	}
	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		if details == nil {
			details = map[string]any{}
		}
		details["provider"] = pe.Provider.String()
		details["op"] = pe.Op
		if pe.Key != "" {
			details["key"] = pe.Key
		}
	}

	WriteError(w, r, StatusFor(kind), string(kind), err.Error(), details)
}

// WriteError writes an envelope with an explicit status and code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	WriteEnvelope(w, NewEnvelope(r, code, message, details), status)
}

// NewEnvelope builds an envelope for r. The request id becomes the
// correlation id and details become the envelope context.
func NewEnvelope(r *http.Request, code, message string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if id := RequestID(r.Context()); id != "" {
		env = env.WithCorrelationID(id)
	}
	if len(details) > 0 {
		if withCtx, err := env.WithContext(details); err == nil {
			env = withCtx
		}
	}
	return env
}

// WriteEnvelope writes env as JSON with the given status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	body := HTTPErrorResponse{Error: ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		Details:   env.Context,
		RequestID: env.CorrelationID,
	}}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type requestIDKey struct{}

// WithRequestID returns ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
