package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/gonube/internal/config"
	"github.com/3leaps/gonube/internal/observability"
	"github.com/3leaps/gonube/pkg/catalog"
	"github.com/3leaps/gonube/pkg/cloud"
	"github.com/3leaps/gonube/pkg/provider"
	"github.com/3leaps/gonube/pkg/providerstore"
	"github.com/3leaps/gonube/pkg/registry"
	"github.com/3leaps/gonube/pkg/runregistry"
)

// newResolver builds the adapter registry. Tests swap it for fakes.
var newResolver = func(logger *zap.Logger) cloud.Resolver {
	return registry.Default(logger)
}

// app is the wired service stack a command runs against.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *providerstore.Store
	catalog *catalog.Catalog
	service *cloud.Service
	runs    *runregistry.Store
}

// openApp opens the provider store and builds the facade. The caller must
// call close.
func openApp(ctx context.Context) (*app, error) {
	cfg := appConfig
	if cfg == nil {
		loaded, err := config.Load(ctx)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
		}
		cfg = loaded
	}
	logger := observability.CLILogger

	store, err := providerstore.Open(ctx, providerstore.Config{
		Path:         cfg.Store.Path,
		URL:          cfg.Store.URL,
		AuthToken:    cfg.Store.AuthToken,
		IdentityFile: cfg.Store.IdentityFile,
	})
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to open provider store", err)
	}

	cat := catalog.New(store, logger)
	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		catalog: cat,
		service: cloud.New(cat, cat, newResolver(logger), logger),
		runs:    runregistry.NewStore(cfg.Migrate.RunsDir, logger),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Debug("close provider store", zap.Error(err))
	}
}

// withApp runs fn against a freshly opened app.
func withApp(ctx context.Context, fn func(*app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

// operationError maps a facade error to an exit code by its kind.
func operationError(message string, err error) error {
	if errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitSignalInt, message+" cancelled", err)
	}
	switch provider.KindOf(err) {
	case provider.KindNotFound:
		return exitError(foundry.ExitFileNotFound, message, err)
	case provider.KindValidation, provider.KindUnsupportedProviderType:
		return exitError(foundry.ExitInvalidArgument, message, err)
	case provider.KindWrite:
		return exitError(foundry.ExitFileWriteError, message, err)
	case provider.KindRead:
		return exitError(foundry.ExitFileReadError, message, err)
	case provider.KindAuthentication, provider.KindConnection, provider.KindThrottled, provider.KindUnsupportedOperation:
		return exitError(foundry.ExitExternalServiceUnavailable, message, err)
	}
	return fmt.Errorf("%s: %w", message, err)
}

func parseProviderID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, exitError(foundry.ExitInvalidArgument, "Invalid provider id",
			&provider.ValidationError{Field: "id", Message: fmt.Sprintf("%q is not a positive integer", raw)})
	}
	return id, nil
}
