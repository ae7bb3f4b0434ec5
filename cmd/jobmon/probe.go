package main

import (
	"context"
	"fmt"
	"jobmonitor/internal/config"
	"jobmonitor/internal/health"
	"jobmonitor/internal/logstream"

	"github.com/spf13/cobra"
)

func newProbeCommand(flags *globalFlags) *cobra.Command {
	var stream bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check once whether the backend is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadMonitorConfig()
			flags.apply(cmd, cfg)
			return probe(cmd.Context(), cfg, stream, cmd)
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "also open and close the log stream")
	return cmd
}

func probe(ctx context.Context, cfg *config.MonitorConfig, stream bool, cmd *cobra.Command) error {
	prober := health.NewHTTPProber(cfg.BackendURL, cfg.ProbeTimeout)
	if !prober.Probe(ctx) {
		return fmt.Errorf("backend not ready: %s", prober.URL())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "backend ready: %s\n", prober.URL())

	if !stream {
		return nil
	}
	dialer, err := logstream.NewDialer(cfg.BackendURL, cfg.ProbeTimeout)
	if err != nil {
		return err
	}
	s, err := dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("log stream: %w", err)
	}
	_ = s.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "log stream ready: %s\n", dialer.URL())
	return nil
}
