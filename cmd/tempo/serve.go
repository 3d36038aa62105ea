package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tempo/internal/api"
	"tempo/internal/database"
	"tempo/internal/events"
	"tempo/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the connectivity monitor, sync loop and HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp("serve")
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	subscribeSyncEvents(a.bus, &a.logger)

	if a.cfg.Backup.Enabled && a.cfg.Storage.Driver == "sqlite" {
		backupLogger := a.logger.With().Str("component", "backup").Logger()
		backupService := database.NewBackupService(a.db, a.cfg.Backup, &backupLogger)
		go backupService.Start(ctx)
	}

	a.sync.Start(ctx)
	a.monitor.Start(ctx, a.cfg.Connectivity.Interval)

	var httpServer *api.HTTPServer
	if a.cfg.API.Enabled {
		httpServer = api.NewHTTPServer(a.cfg.API, a.sync, &a.logger)
		go func() {
			if err := httpServer.Start(); err != nil {
				a.logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	if a.cfg.Monitoring.PrometheusEnabled && (!a.cfg.API.Enabled || a.cfg.Monitoring.PrometheusPort != a.cfg.API.Port) {
		go startMetricsServer(ctx, a.cfg.Monitoring.PrometheusPort, &a.logger)
	}

	a.logger.Info().
		Str("storage", a.cfg.Storage.Driver).
		Bool("api", a.cfg.API.Enabled).
		Bool("calendar", a.calendar != nil).
		Msg("tempo started")

	<-ctx.Done()
	a.logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	a.sync.Wait()

	a.logger.Info().Msg("tempo stopped")
	return nil
}

// subscribeSyncEvents logs connectivity transitions and finished sync passes.
func subscribeSyncEvents(bus *events.EventBus, logger *zerolog.Logger) {
	bus.Subscribe(events.EventConnectivityChanged, func(ev *events.Event) error {
		var p events.ConnectivityPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		logger.Info().Bool("online", p.Online).Time("changed_at", p.ChangedAt).Msg("connectivity changed")
		return nil
	})

	bus.Subscribe(events.EventSyncCompleted, func(ev *events.Event) error {
		var p events.SyncPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		logger.Info().
			Str("trigger", p.Trigger).
			Int("imported", p.Imported).
			Int("exported", p.Exported).
			Int("updated", p.Updated).
			Int("drained", p.Drained).
			Int("errors", len(p.Errors)).
			Msg("sync completed")
		return nil
	})
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
