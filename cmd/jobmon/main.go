// jobmon keeps a live link to a job-processing backend, follows its log
// stream and tracks the progress of the job it submitted.
package main

import (
	"jobmonitor/internal/config"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	level := config.GetLevelEnv("LOG_LEVEL", slog.LevelInfo)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := newRootCommand().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// globalFlags override values loaded from the environment.
type globalFlags struct {
	backendURL string
	rulesFile  string
}

func (g *globalFlags) apply(cmd *cobra.Command, cfg *config.MonitorConfig) {
	if cmd.Flags().Changed("backend") {
		cfg.BackendURL = g.backendURL
	}
	if cmd.Flags().Changed("rules") {
		cfg.StageRulesFile = g.rulesFile
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "jobmon",
		Short:         "Monitor a job processor and follow job progress",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.backendURL, "backend", "b", "", "backend base URL (default $BACKEND_URL)")
	root.PersistentFlags().StringVar(&flags.rulesFile, "rules", "", "YAML stage rule file (default $STAGE_RULES_FILE)")

	root.AddCommand(
		newRunCommand(flags),
		newSubmitCommand(flags),
		newProbeCommand(flags),
	)
	return root
}
