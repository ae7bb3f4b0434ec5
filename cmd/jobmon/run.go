package main

import (
	"context"
	"errors"
	"jobmonitor/internal/api"
	"jobmonitor/internal/config"
	"jobmonitor/internal/health"
	"jobmonitor/internal/notify"
	"jobmonitor/internal/observability"
	"jobmonitor/internal/session"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	var statusPort, metricsPort string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitor with its local status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadMonitorConfig()
			flags.apply(cmd, cfg)
			if cmd.Flags().Changed("status-port") {
				cfg.StatusPort = statusPort
			}
			if cmd.Flags().Changed("metrics-port") {
				cfg.MetricsPort = metricsPort
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&statusPort, "status-port", "", "status API port, 0 disables (default $STATUS_PORT)")
	cmd.Flags().StringVar(&metricsPort, "metrics-port", "", "metrics port, 0 disables (default $METRICS_PORT)")
	return cmd
}

func run(ctx context.Context, cfg *config.MonitorConfig) error {
	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Progress callbacks are optional
	var listeners session.Listeners
	var notifier *notify.MemoryNotifier
	notifyCfg := notify.LoadConfigFromEnv(cfg.CallbackURL, cfg.CallbackKey)
	if notifyCfg.Enabled() {
		notifier = notify.NewMemory(notifyCfg, metrics)
		listeners = append(listeners, notify.NewPublisher(notifier, notifyCfg))
		slog.Info("Progress callbacks enabled", "events", notifyCfg.Events)
	}

	var listener session.Listener
	if len(listeners) > 0 {
		listener = listeners
	}
	ctrl, err := newController(cfg, listener, metrics)
	if err != nil {
		return err
	}
	defer shutdownController(ctrl, cfg.ShutdownTimeout)

	if err := ctrl.Run(); err != nil {
		return err
	}

	healthChecker := health.NewChecker(ctrl)

	router := api.NewRouter(api.RouterConfig{
		Monitor:       ctrl,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	var servers []*http.Server
	serverErr := make(chan error, 2)

	// Watch streams clear their own write deadline.
	if enabled(cfg.StatusPort) {
		servers = append(servers, &http.Server{
			Addr:         ":" + cfg.StatusPort,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		})
	}
	if enabled(cfg.MetricsPort) {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:         ":" + cfg.MetricsPort,
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
	}

	for _, srv := range servers {
		go func() {
			slog.Info("Starting server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// shutdown closes every server gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server shutdown error", "addr", srv.Addr, "error", err)
			}
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("Context cancelled")
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: report not ready and stop serving
	healthChecker.SetShuttingDown()
	slog.Info("Starting graceful shutdown")
	shutdown(cfg.ShutdownTimeout)

	// Phase 2: stop monitoring so no more transitions are published
	shutdownController(ctrl, cfg.ShutdownTimeout)

	// Phase 3: drain pending callbacks
	if notifier != nil {
		slog.Info("Draining progress callbacks")
		notifyCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := notifier.Close(notifyCtx); err != nil {
			slog.Warn("Notifier shutdown error", "error", err)
		}
		stats := notifier.Stats()
		slog.Info("Notifier stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return nil
}

func enabled(port string) bool {
	return port != "" && port != "0"
}
