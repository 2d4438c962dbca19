package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openagentd/agentd/internal/events"
	"github.com/openagentd/agentd/internal/policy"
	"github.com/openagentd/agentd/internal/replay"
)

var replayAllowWrite bool

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Inspect and verify recorded runs",
}

var replayListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded run ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openEventStore()
		if err != nil {
			return err
		}
		defer store.Close()
		for _, runID := range store.RunIDs() {
			fmt.Println(runID)
		}
		return nil
	},
}

var replayRunCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Verify a run's event stream and print its report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openEventStore()
		if err != nil {
			return err
		}
		defer store.Close()
		report, err := replay.NewVerifier(store).ReplayRun(args[0])
		if err != nil {
			return err
		}
		if err := printJSON(report); err != nil {
			return err
		}
		if !report.Valid {
			return fmt.Errorf("run %s has %d structural errors", args[0], len(report.Errors))
		}
		return nil
	},
}

var replayReexecCmd = &cobra.Command{
	Use:   "reexec <run-id>",
	Short: "Re-execute a run's recorded tool calls and compare outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogger(cfg)
		store, err := openEventStore()
		if err != nil {
			return err
		}
		defer store.Close()

		registry := buildRegistry(cfg)
		engine := policy.NewEngine(policy.DefaultConfig())
		ctx := cmd.Context()
		report, err := replay.NewVerifier(store).ReexecuteRun(ctx, args[0], registry, engine, replayAllowWrite)
		if err != nil {
			return err
		}
		if err := printJSON(report); err != nil {
			return err
		}
		if report.Mismatched > 0 {
			return fmt.Errorf("run %s has %d mismatched tool calls", args[0], report.Mismatched)
		}
		return nil
	},
}

var replayVerifyResumeCmd = &cobra.Command{
	Use:   "verify-resume <run-id>",
	Short: "Check that an interrupted run was equivalently resumed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openEventStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := replay.NewVerifier(store).VerifyResumeEquivalence(args[0]); err != nil {
			return err
		}
		fmt.Printf("run %s has an equivalent resumed successor\n", args[0])
		return nil
	},
}

func init() {
	replayReexecCmd.Flags().BoolVar(&replayAllowWrite, "allow-write", false,
		"also re-execute workspace-write tools (elevated tools are never re-run)")
	replayCmd.AddCommand(replayListCmd, replayRunCmd, replayReexecCmd, replayVerifyResumeCmd)
	rootCmd.AddCommand(replayCmd)
}

func openEventStore() (*events.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return events.Open(cfg.Events.Path, cfg.Events.Redact)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
