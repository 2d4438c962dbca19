package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openagentd/agentd/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply storage schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		backend, err := storage.New(cfg.Storage)
		if err != nil {
			return err
		}
		// Initialize applies pending migrations for both backends.
		if err := backend.Initialize(cmd.Context()); err != nil {
			return err
		}
		defer backend.Close()
		fmt.Printf("storage %q is up to date\n", cfg.Storage.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
