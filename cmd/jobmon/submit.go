package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"jobmonitor/internal/config"
	"jobmonitor/internal/job"
	"jobmonitor/internal/progress"
	"jobmonitor/internal/session"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// errJobFailed makes a followed job that ends in failure exit non-zero.
var errJobFailed = errors.New("job failed")

type submitOptions struct {
	file           string
	mode           string
	url            string
	follow         bool
	connectTimeout time.Duration
}

func newSubmitCommand(flags *globalFlags) *cobra.Command {
	opts := &submitOptions{}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and optionally follow it until it ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadMonitorConfig()
			flags.apply(cmd, cfg)

			jobCfg, err := opts.jobConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return submit(ctx, cfg, jobCfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "job config file (YAML or JSON)")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "override the job mode (viral or story)")
	cmd.Flags().StringVar(&opts.url, "url", "", "override the source video URL")
	cmd.Flags().BoolVar(&opts.follow, "follow", false, "stream logs and wait for the outcome")
	cmd.Flags().DurationVar(&opts.connectTimeout, "connect-timeout", 30*time.Second, "how long --follow waits for the log stream before submitting")
	return cmd
}

func (o *submitOptions) jobConfig() (job.Config, error) {
	cfg := job.DefaultConfig()
	if o.file != "" {
		loaded, err := job.LoadFile(o.file)
		if err != nil {
			return job.Config{}, err
		}
		cfg = loaded
	}
	if o.mode != "" {
		cfg.Mode = o.mode
	}
	if o.url != "" {
		cfg.URL = o.url
	}
	return cfg, nil
}

func submit(ctx context.Context, cfg *config.MonitorConfig, jobCfg job.Config, opts *submitOptions, out io.Writer) error {
	ctrl, err := newController(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer shutdownController(ctrl, cfg.ShutdownTimeout)

	if err := ctrl.Run(); err != nil {
		return err
	}

	// Lines sent before the stream opens are lost, so a followed job waits
	// for it first.
	if opts.follow {
		if err := waitStreaming(ctx, ctrl, opts.connectTimeout); err != nil {
			return err
		}
	}

	jobID, err := ctrl.Start(ctx, jobCfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "job %s started\n", jobID)

	if !opts.follow {
		return nil
	}
	return follow(ctx, ctrl, out)
}

func waitStreaming(ctx context.Context, ctrl *session.Controller, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		updated := ctrl.Updated()
		if ctrl.Connection() == session.Streaming {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("log stream not connected after %s: %w", timeout, ctx.Err())
		case <-updated:
		}
	}
}

// follow prints log lines and stage changes until the job ends.
func follow(ctx context.Context, ctrl *session.Controller, out io.Writer) error {
	var cursor int64
	lastStage, lastConn := -1, ctrl.Connection()

	for {
		updated := ctrl.Updated()

		for _, line := range ctrl.LogsSince(cursor) {
			fmt.Fprintln(out, line.Text)
			cursor = line.Seq
		}

		snap := ctrl.Snapshot()
		if snap.Connection != lastConn {
			fmt.Fprintf(out, "-- connection %s\n", snap.Connection)
			lastConn = snap.Connection
		}
		if snap.Stage != lastStage {
			fmt.Fprintf(out, "-- stage %d/%d %s\n", snap.Stage, progress.StageComplete, snap.StageName)
			lastStage = snap.Stage
		}

		switch snap.Phase {
		case session.PhaseCompleted:
			fmt.Fprintln(out, "-- job completed")
			return nil
		case session.PhaseFailed:
			fmt.Fprintf(out, "-- job failed: %s\n", snap.Error)
			return errJobFailed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-updated:
		}
	}
}
