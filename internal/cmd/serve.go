package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gonube/internal/server"
	"github.com/3leaps/gonube/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the provider API over HTTP",
	Long: `Serve the provider API under /v1/providers with health checks on
/health, /health/live and /health/ready.

Upload, download and migrate requests name paths on the server's filesystem.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", -1, "Listen port (default from server.port)")
}

// storeHealthChecker reports whether the provider database answers.
type storeHealthChecker struct {
	ping func(ctx context.Context) error
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.ping == nil {
		return fmt.Errorf("provider store not configured")
	}
	return c.ping(ctx)
}

func runServe(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		cfg := a.cfg.Server
		if serveHost != "" {
			cfg.Host = serveHost
		}
		if servePort >= 0 {
			cfg.Port = servePort
		}

		health := handlers.InitHealthManager(versionInfo.Version)
		health.RegisterChecker("store", storeHealthChecker{ping: a.store.Ping})

		srv := server.New(cfg, server.Deps{
			Facade: a.service,
			Admin:  a.catalog,
			Health: health,
			Logger: a.logger,
			Version: server.VersionInfo{
				Version:   versionInfo.Version,
				Commit:    versionInfo.Commit,
				BuildDate: versionInfo.BuildDate,
			},
			RateLimit: a.cfg.API.RateLimit,
			Burst:     a.cfg.API.Burst,
		})

		a.logger.Info("starting server",
			zap.String("addr", srv.Addr()),
			zap.Bool("sealed", a.store.Sealed()),
		)
		if err := srv.ListenAndServe(cmd.Context()); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		a.logger.Info("server stopped")
		return nil
	})
}
