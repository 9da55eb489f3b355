package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/config"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/server"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	serviceName     = "lexisync-api"
	serviceVersion  = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func newServeCommand(app *application) *cobra.Command {
	var allowedOrigins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), app, allowedOrigins)
		},
	}
	cmd.Flags().StringSliceVar(&allowedOrigins, "allowed-origin", nil, "CORS origin allowed to call the API (repeatable); empty allows any")
	return cmd
}

// openRegistry builds the project registry shared by every subcommand.
func openRegistry(appConfig config.AppConfig, logger *zap.Logger, metrics *crdt.Metrics) (*projects.Registry, error) {
	replicaID, err := resolveReplicaID(appConfig)
	if err != nil {
		return nil, err
	}
	return projects.NewRegistry(projects.Config{
		Database: database.Config{
			Driver:       appConfig.DatabaseDriver,
			DataDir:      appConfig.DatabaseDataDir,
			DSN:          appConfig.DatabaseDSN,
			MaxOpenConns: appConfig.DatabaseMaxOpenConns,
		},
		ReplicaID:        replicaID,
		Logger:           logger,
		Metrics:          metrics,
		BatchCommitLimit: appConfig.BatchCommitLimit,
		BatchChangeLimit: appConfig.BatchChangeLimit,
		StreamPageSize:   appConfig.StreamPageSize,
	})
}

func runServer(ctx context.Context, app *application, allowedOrigins []string) error {
	appConfig, logger, err := app.load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := appConfig.ValidateServer(); err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Setup(telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		JaegerEndpoint: appConfig.JaegerEndpoint,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engineMetrics := crdt.NewMetrics()
	metricsRegistry.MustRegister(engineMetrics.Collectors()...)

	registry, err := openRegistry(appConfig, logger, engineMetrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn("failed to close project stores", zap.Error(err))
		}
	}()

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry:       registry,
		Sessions:       sessions,
		Realtime:       server.NewRealtimeDispatcher(),
		Gatherer:       metricsRegistry,
		Registerer:     metricsRegistry,
		AllowedOrigins: allowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	// Event streams never finish on their own; canceling the base context ends them on shutdown.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelStreams)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
