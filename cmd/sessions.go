package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openagentd/agentd/internal/storage"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored conversation history",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known session ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer backend.Close()
		ids, err := backend.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's messages, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer backend.Close()
		msgs, err := backend.GetMessages(cmd.Context(), args[0], sessionsLimit)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %-9s %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.Role, m.Content)
		}
		return nil
	},
}

func init() {
	sessionsShowCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 50, "max messages to show")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openStorage(cmd *cobra.Command) (storage.Backend, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	backend, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := backend.Initialize(cmd.Context()); err != nil {
		return nil, err
	}
	return backend, nil
}
