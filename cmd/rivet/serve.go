package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/runtime"
	"github.com/mohammad-safakhou/rivet/internal/scheduler"
	srv "github.com/mohammad-safakhou/rivet/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var migrateFirst bool
	var migDir string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger("HTTP")
			ctx, cancel := runtime.SignalContext(cmd.Context(), logger)
			defer cancel()

			tel, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceVersion: version})
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())

			if migrateFirst {
				dsn, err := cfg.Storage.Postgres.DSN()
				if err != nil {
					return err
				}
				if err := srv.Migrate(migDir, dsn, "up", 0); err != nil {
					return err
				}
			}

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cfg.Maintenance.DisableRun {
				var locker scheduler.Locker
				if a.rdb != nil {
					locker = a.rdb
				}
				sched, err := scheduler.New(a.states, cfg.Maintenance.SweepCron, locker, cfg.Maintenance.LockTTL, newLogger("SCHED"))
				if err != nil {
					return err
				}
				sched.Start(ctx)
			}

			server, err := srv.New(srv.Options{
				Router:       a.orch,
				Flows:        a.engine,
				Sweeper:      a.states,
				Machines:     a.machines,
				Metrics:      tel.MetricsHandler(),
				Health:       a.health,
				Secret:       []byte(cfg.Server.JWTSecret),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			if serveAddr == "" {
				serveAddr = cfg.Server.Address
			}
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start(serveAddr) }()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			return server.Shutdown(shutdownCtx)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.address)")
	serve.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before serving")
	serve.Flags().StringVar(&migDir, "migrations", "file://migrations", "migrations source used with --migrate")

	return serve
}
