package main

import (
	"context"
	"fmt"
	"jobmonitor/internal/config"
	"jobmonitor/internal/health"
	"jobmonitor/internal/job"
	"jobmonitor/internal/logstream"
	"jobmonitor/internal/progress"
	"jobmonitor/internal/session"
	"jobmonitor/pkg/backoff"
	"log/slog"
	"time"
)

// newController wires the backend clients into a session controller.
// listener and metrics may be nil.
func newController(cfg *config.MonitorConfig, listener session.Listener, metrics session.MetricsRecorder) (*session.Controller, error) {
	classifier, err := progress.LoadClassifier(cfg.StageRulesFile)
	if err != nil {
		return nil, fmt.Errorf("load stage rules: %w", err)
	}
	dialer, err := logstream.NewDialer(cfg.BackendURL, cfg.ProbeTimeout)
	if err != nil {
		return nil, err
	}

	ctrl, err := session.New(session.Options{
		Prober:          health.NewHTTPProber(cfg.BackendURL, cfg.ProbeTimeout),
		Dialer:          dialer,
		Submitter:       job.NewHTTPSubmitter(cfg.BackendURL, cfg.SubmitTimeout),
		Classifier:      classifier,
		ProbePolicy:     backoff.Constant(cfg.ProbeInterval),
		ReconnectPolicy: backoff.Constant(cfg.ReconnectDelay),
		LogBufferSize:   cfg.LogBufferSize,
		Listener:        listener,
		Metrics:         metrics,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Monitoring backend", "backend", cfg.BackendURL, "rules", len(classifier.Rules()))
	return ctrl, nil
}

// shutdownController stops the controller within the configured timeout.
func shutdownController(ctrl *session.Controller, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ctrl.Shutdown(ctx); err != nil {
		slog.Warn("Session shutdown error", "error", err)
	}
}
