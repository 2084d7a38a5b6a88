// Package handlers implements the HTTP endpoints. Handlers only decode
// requests, call the facade and encode results.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/gonube/pkg/cloud"
	"github.com/3leaps/gonube/pkg/provider"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Facade is the storage surface the API serves. *cloud.Service implements it.
type Facade interface {
	GetProvider(ctx context.Context, id int64) (*provider.Provider, error)
	ListActiveProviders(ctx context.Context) ([]provider.Summary, error)
	RegisterProvider(ctx context.Context, reg provider.Registration) (*provider.Provider, error)
	UploadFile(ctx context.Context, id int64, localPath, remotePath string) (*provider.UploadResult, error)
	DownloadFile(ctx context.Context, id int64, remotePath, localPath string) (*provider.DownloadResult, error)
	ListFiles(ctx context.Context, id int64, remotePath string) ([]provider.Entry, error)
	GetSignedURL(ctx context.Context, id int64, remotePath string, opts provider.SignOptions) (string, error)
	TestConnection(ctx context.Context, id int64) (*provider.TestResult, error)
	MigrateDirectory(ctx context.Context, id int64, localPath, remotePath string, opts cloud.MigrateOptions) (*cloud.MigrationReport, error)
}

// Admin covers provider administration outside the facade.
// *catalog.Catalog implements it.
type Admin interface {
	SetActive(ctx context.Context, id int64, active bool) error
	DeleteProvider(ctx context.Context, id int64) error
}

var _ Facade = (*cloud.Service)(nil)

// Providers serves /v1/providers.
type Providers struct {
	facade Facade
	admin  Admin
	logger *zap.Logger
}

// NewProviders returns the provider handlers.
func NewProviders(facade Facade, admin Admin, logger *zap.Logger) *Providers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Providers{facade: facade, admin: admin, logger: logger}
}

// Routes mounts the provider endpoints on r.
func (h *Providers) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.register)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Delete("/", h.remove)
		r.Put("/active", h.setActive)
		r.Post("/test", h.test)
		r.Get("/files", h.files)
		r.Post("/signed-url", h.signedURL)
		r.Post("/upload", h.upload)
		r.Post("/download", h.download)
		r.Post("/migrate", h.migrate)
	})
}

// ProviderView is a provider record without credential values.
type ProviderView struct {
	ID               int64                    `json:"id" yaml:"id"`
	Name             string                   `json:"name" yaml:"name"`
	Type             provider.Type            `json:"type" yaml:"type"`
	CredentialFields []string                 `json:"credential_fields" yaml:"credential_fields"`
	Configuration    provider.Configuration   `json:"configuration" yaml:"configuration"`
	Active           bool                     `json:"active" yaml:"active"`
	ConnectionState  provider.ConnectionState `json:"connection_state" yaml:"connection_state"`
	LastCheckedAt    *time.Time               `json:"last_checked_at" yaml:"last_checked_at"`
	LastErrorMessage *string                  `json:"last_error_message" yaml:"last_error_message"`
	CreatedAt        time.Time                `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at" yaml:"updated_at"`
}

// NewProviderView redacts p for output.
func NewProviderView(p *provider.Provider) ProviderView {
	fields := make([]string, 0, len(p.Credentials))
	for k := range p.Credentials {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return ProviderView{
		ID:               p.ID,
		Name:             p.Name,
		Type:             p.Type,
		CredentialFields: fields,
		Configuration:    p.Configuration,
		Active:           p.Active,
		ConnectionState:  p.ConnectionState,
		LastCheckedAt:    p.LastCheckedAt,
		LastErrorMessage: p.LastErrorMessage,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func (h *Providers) list(w http.ResponseWriter, r *http.Request) {
	list, err := h.facade.ListActiveProviders(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": list})
}

func (h *Providers) register(w http.ResponseWriter, r *http.Request) {
	var reg provider.Registration
	if !decodeBody(w, r, &reg) {
		return
	}
	p, err := h.facade.RegisterProvider(r.Context(), reg)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/providers/%d", p.ID))
	writeJSON(w, http.StatusCreated, NewProviderView(p))
}

func (h *Providers) get(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	p, err := h.facade.GetProvider(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewProviderView(p))
}

func (h *Providers) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	if err := h.admin.DeleteProvider(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activeRequest struct {
	Active *bool `json:"active"`
}

func (h *Providers) setActive(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	var req activeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Active == nil {
		respondWithError(w, r, provider.Required("active"))
		return
	}
	if err := h.admin.SetActive(r.Context(), id, *req.Active); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Providers) test(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	res, err := h.facade.TestConnection(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Providers) files(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	remote := r.URL.Query().Get("path")
	entries, err := h.facade.ListFiles(r.Context(), id, remote)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": remote, "entries": entries})
}

type signRequest struct {
	RemotePath string `json:"remote_path"`
	// ExpiresIn is in seconds; zero uses the provider's configured expiry.
	ExpiresIn int64 `json:"expires_in"`
}

func (h *Providers) signedURL(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	var req signRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RemotePath) == "" {
		respondWithError(w, r, provider.Required("remote_path"))
		return
	}
	u, err := h.facade.GetSignedURL(r.Context(), id, req.RemotePath, provider.SignOptions{ExpiresIn: time.Duration(req.ExpiresIn) * time.Second})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

type transferRequest struct {
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
}

func (r transferRequest) validate() error {
	switch {
	case strings.TrimSpace(r.LocalPath) == "":
		return provider.Required("local_path")
	case strings.TrimSpace(r.RemotePath) == "":
		return provider.Required("remote_path")
	}
	return nil
}

func (h *Providers) upload(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		respondWithError(w, r, err)
		return
	}
	res, err := h.facade.UploadFile(r.Context(), id, req.LocalPath, req.RemotePath)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Providers) download(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		respondWithError(w, r, err)
		return
	}
	res, err := h.facade.DownloadFile(r.Context(), id, req.RemotePath, req.LocalPath)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type migrateRequest struct {
	LocalPath     string   `json:"local_path"`
	RemotePath    string   `json:"remote_path"`
	Concurrency   int      `json:"concurrency"`
	Includes      []string `json:"includes"`
	Excludes      []string `json:"excludes"`
	IncludeHidden bool     `json:"include_hidden"`
	MinSize       string   `json:"min_size"`
	MaxSize       string   `json:"max_size"`
	RateLimit     float64  `json:"rate_limit"`
	DryRun        bool     `json:"dry_run"`
}

func (h *Providers) migrate(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	var req migrateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.LocalPath) == "" {
		respondWithError(w, r, provider.Required("local_path"))
		return
	}
	report, err := h.facade.MigrateDirectory(r.Context(), id, req.LocalPath, req.RemotePath, cloud.MigrateOptions{
		Concurrency:   req.Concurrency,
		Includes:      req.Includes,
		Excludes:      req.Excludes,
		IncludeHidden: req.IncludeHidden,
		MinSize:       req.MinSize,
		MaxSize:       req.MaxSize,
		RateLimit:     req.RateLimit,
		DryRun:        req.DryRun,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	h.logger.Info("migration served",
		zap.Int64("provider_id", id),
		zap.String("run_id", report.RunID),
		zap.Int("failed", report.FilesFailed),
	)
	writeJSON(w, http.StatusOK, report)
}

func providerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, r, &provider.ValidationError{Field: "id", Message: fmt.Sprintf("invalid provider id %q", raw)})
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondWithError(w, r, &provider.ValidationError{Field: "body", Message: err.Error()})
		return false
	}
	return true
}
