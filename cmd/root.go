package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/openagentd/agentd/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/openagentd/agentd/cmd.Version=v1.0.0"
var Version = "dev"

// ErrInterrupted is returned by long-running commands stopped by a
// shutdown signal, so main can exit with code 130.
var ErrInterrupted = errors.New("interrupted")

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Multi-channel LLM agent daemon",
	Long: `agentd runs a long-lived agent that consumes chat messages,
drives an LLM provider with tool access, and records every run as an
auditable, replayable event stream.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $AGENTD_CONFIG or ~/.agentd/config.json5)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentd %s\n", Version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if verbose || cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	} else if cfg.LogLevel == "warn" {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
