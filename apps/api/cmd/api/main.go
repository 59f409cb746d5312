package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nebula-panel/nebula/apps/api/internal/app"
	"github.com/nebula-panel/nebula/apps/api/internal/buildinfo"
	"github.com/nebula-panel/nebula/apps/api/internal/config"
	apihttp "github.com/nebula-panel/nebula/apps/api/internal/http"
	"github.com/nebula-panel/nebula/apps/api/internal/store"
	"github.com/nebula-panel/nebula/apps/api/internal/worker"
	"github.com/nebula-panel/nebula/packages/lib/logging"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "nebula-api",
		Short:         "Nebula hosting panel API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (NEBULA_* env vars override it)")
	root.AddCommand(serveCmd(), workerCmd(), migrateCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nebula-api:", err)
		os.Exit(1)
	}
}

func load() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format).With().Str("version", buildinfo.Version).Logger()
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Bootstrap(ctx); err != nil {
				return err
			}
			if err := a.Coordinator.Start(ctx); err != nil {
				return errors.Annotate(err, "start sampler")
			}
			defer func() {
				if err := a.Coordinator.Stop(); err != nil {
					logger.Warn().Err(err).Msg("sampler stop")
				}
			}()

			h := apihttp.NewServer(apihttp.Services{
				Gate:        a.Gate,
				Accounts:    a.Accounts,
				Websites:    a.Websites,
				Databases:   a.Databases,
				Email:       a.Email,
				Containers:  a.Containers,
				Coordinator: a.Coordinator,
			}, a.Metrics, logging.Component(logger, "http"))
			srv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           h.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.HTTPAddr).Msg("nebula-api listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return errors.Annotate(err, "http server")
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("shutdown")
			}
			return nil
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run scheduled certificate renewal and full backups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			r := worker.New(a.Coordinator, clock.WallClock, worker.Config{
				RenewInterval:  cfg.Worker.RenewInterval,
				BackupInterval: cfg.Worker.BackupInterval,
			}, logging.Component(logger, "worker"))
			return r.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != store.DriverPostgres {
				logger.Info().Str("driver", cfg.Store.Driver).Msg("schema is migrated on open; nothing to do")
				return nil
			}
			if err := store.Migrate(cfg.Store.DSN); err != nil {
				return err
			}
			logger.Info().Msg("migrations applied")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "nebula-api", buildinfo.String())
		},
	}
}
