package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/openagentd/agentd/internal/storage"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the local environment can run the daemon",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	failures := 0
	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Printf("FAIL  %-s: %v\n", name, err)
			return
		}
		fmt.Printf("ok    %s\n", name)
	}

	cfg, err := loadConfig()
	check("config", err)
	if err != nil {
		return fmt.Errorf("cannot continue without a valid config")
	}

	check("workspace writable", writableDir(cfg.Agent.Workspace))
	check("event log writable", writableDir(filepath.Dir(cfg.Events.Path)))
	check("recovery dir writable", writableDir(cfg.Recovery.Dir))

	if cfg.Provider.APIKey == "" {
		check("provider api key", fmt.Errorf("not set (AGENTD_API_KEY or provider.api_key)"))
	} else {
		check("provider api key", nil)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	backend, err := storage.New(cfg.Storage)
	if err == nil {
		if err = backend.Initialize(ctx); err == nil {
			err = backend.HealthCheck(ctx)
			backend.Close()
		}
	}
	check(fmt.Sprintf("storage (%s)", cfg.Storage.Driver), err)

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	fmt.Println("all checks passed")
	return nil
}

func writableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".agentd-doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
