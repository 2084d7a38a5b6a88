// Package cloud is the single entry point for storage operations by
// provider id.
//
// Every operation looks the provider up, resolves its adapter, builds a fresh
// client and delegates. Only TestConnection writes provider health back to
// the store; data operations never touch it.
package cloud

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gonube/pkg/provider"
)

// Catalog is the provider lookup the facade needs. *catalog.Catalog
// implements it.
type Catalog interface {
	GetProvider(ctx context.Context, id int64) (*provider.Provider, error)
	ListActiveProviders(ctx context.Context) ([]provider.Summary, error)
	RegisterProvider(ctx context.Context, reg provider.Registration) (*provider.Provider, error)
}

// HealthRecorder persists connectivity test outcomes.
type HealthRecorder interface {
	RecordConnectionCheck(ctx context.Context, id int64, check provider.ConnectionCheck) error
}

// Resolver maps a provider type to its adapter. *registry.Registry
// implements it.
type Resolver interface {
	Resolve(t provider.Type) (provider.Adapter, error)
}

// Service implements the cloud operation facade.
type Service struct {
	catalog  Catalog
	health   HealthRecorder
	resolver Resolver
	logger   *zap.Logger
	now      func() time.Time
}

// New returns a facade over the given catalog, health recorder and resolver.
func New(catalog Catalog, health HealthRecorder, resolver Resolver, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		catalog:  catalog,
		health:   health,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Session is a provider together with a live client for it.
type Session struct {
	Provider *provider.Provider
	Adapter  provider.Adapter
	Client   provider.Client
}

// Close releases the session's client.
func (s *Session) Close() error {
	if s == nil || s.Client == nil {
		return nil
	}
	return s.Client.Close()
}

// GetProvider returns the provider record with decoded credentials.
func (s *Service) GetProvider(ctx context.Context, id int64) (*provider.Provider, error) {
	return s.catalog.GetProvider(ctx, id)
}

// ListActiveProviders returns the secret-free listing of active providers.
func (s *Service) ListActiveProviders(ctx context.Context) ([]provider.Summary, error) {
	return s.catalog.ListActiveProviders(ctx)
}

// RegisterProvider validates and stores a new provider.
func (s *Service) RegisterProvider(ctx context.Context, reg provider.Registration) (*provider.Provider, error) {
	return s.catalog.RegisterProvider(ctx, reg)
}

// CreateClient opens a session for provider id. The caller must close it.
func (s *Service) CreateClient(ctx context.Context, id int64) (*Session, error) {
	p, a, err := s.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := a.CreateClient(ctx, p.Credentials, p.Configuration)
	if err != nil {
		return nil, err
	}
	return &Session{Provider: p, Adapter: a, Client: c}, nil
}

// UploadFile uploads localPath to remotePath on provider id.
func (s *Service) UploadFile(ctx context.Context, id int64, localPath, remotePath string) (*provider.UploadResult, error) {
	sess, err := s.CreateClient(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.closeSession(sess)

	res, err := sess.Adapter.Upload(ctx, sess.Client, localPath, remotePath)
	if err != nil {
		s.logger.Debug("upload failed", s.fields(sess.Provider, "upload", zap.String("remote_path", remotePath), zap.Error(err))...)
		return nil, err
	}
	s.logger.Debug("upload complete", s.fields(sess.Provider, "upload", zap.String("remote_path", remotePath), zap.Int64("bytes", res.BytesWritten))...)
	return res, nil
}

// DownloadFile downloads remotePath on provider id to localPath.
func (s *Service) DownloadFile(ctx context.Context, id int64, remotePath, localPath string) (*provider.DownloadResult, error) {
	sess, err := s.CreateClient(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.closeSession(sess)

	res, err := sess.Adapter.Download(ctx, sess.Client, remotePath, localPath)
	if err != nil {
		s.logger.Debug("download failed", s.fields(sess.Provider, "download", zap.String("remote_path", remotePath), zap.Error(err))...)
		return nil, err
	}
	return res, nil
}

// ListFiles lists the direct children of remotePath on provider id.
//
// Whether a missing path lists as empty or fails with NotFound depends on
// the backend; object stores cannot tell the two apart.
func (s *Service) ListFiles(ctx context.Context, id int64, remotePath string) ([]provider.Entry, error) {
	sess, err := s.CreateClient(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.closeSession(sess)

	return sess.Adapter.List(ctx, sess.Client, remotePath)
}

// GetSignedURL returns a pre-authenticated URL for remotePath. A non-zero
// opts.ExpiresIn takes precedence over the provider's configured expiry.
func (s *Service) GetSignedURL(ctx context.Context, id int64, remotePath string, opts provider.SignOptions) (string, error) {
	p, a, err := s.resolve(ctx, id)
	if err != nil {
		return "", err
	}
	if opts.ExpiresIn < 0 {
		return "", &provider.ValidationError{Field: "expires_in", Message: "must not be negative"}
	}
	if opts.ExpiresIn == 0 {
		cfg, err := provider.DecodeOptions(p.Configuration)
		if err != nil {
			return "", err
		}
		opts.ExpiresIn = cfg.URLExpiry()
	}

	c, err := a.CreateClient(ctx, p.Credentials, p.Configuration)
	if err != nil {
		return "", err
	}
	sess := &Session{Provider: p, Adapter: a, Client: c}
	defer s.closeSession(sess)

	return a.SignedURL(ctx, c, remotePath, opts)
}

// TestConnection checks connectivity for provider id and records the
// outcome on the provider record.
//
// Backend failures are reported as an unsuccessful result, never as an
// error. When the adapter rejects the stored credentials outright the error
// state is still recorded and the error is returned.
func (s *Service) TestConnection(ctx context.Context, id int64) (*provider.TestResult, error) {
	p, a, err := s.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	res, testErr := a.TestConnection(ctx, p.Credentials, p.Configuration)
	check := provider.ConnectionCheck{CheckedAt: s.now().UTC()}
	switch {
	case testErr != nil:
		msg := testErr.Error()
		check.State = provider.StateError
		check.Message = &msg
	case res.Success:
		check.State = provider.StateConnected
	default:
		msg := res.Message
		if msg == "" {
			msg = "connection test failed"
			res.Message = msg
		}
		check.State = provider.StateError
		check.Message = &msg
	}

	if err := s.health.RecordConnectionCheck(ctx, p.ID, check); err != nil {
		return nil, fmt.Errorf("record connection check for provider %d: %w", p.ID, err)
	}

	fields := s.fields(p, "test_connection", zap.String("state", string(check.State)))
	if check.State == provider.StateConnected {
		s.logger.Info("connection test passed", fields...)
	} else {
		s.logger.Warn("connection test failed", append(fields, zap.String("message", *check.Message))...)
	}

	if testErr != nil {
		return nil, testErr
	}
	return res, nil
}

func (s *Service) resolve(ctx context.Context, id int64) (*provider.Provider, provider.Adapter, error) {
	p, err := s.catalog.GetProvider(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	a, err := s.resolver.Resolve(p.Type)
	if err != nil {
		return nil, nil, err
	}
	return p, a, nil
}

func (s *Service) closeSession(sess *Session) {
	if err := sess.Close(); err != nil {
		s.logger.Debug("close client", s.fields(sess.Provider, "close", zap.Error(err))...)
	}
}

func (s *Service) fields(p *provider.Provider, op string, extra ...zap.Field) []zap.Field {
	f := make([]zap.Field, 0, 3+len(extra))
	f = append(f,
		zap.Int64("provider_id", p.ID),
		zap.String("provider_type", p.Type.String()),
		zap.String("op", op),
	)
	return append(f, extra...)
}
