package main

import (
	"github.com/spf13/cobra"

	"github.com/energizer-project/gatekeeper/internal/config"
)

// Global flags available to all subcommands.
var configDir string

// NewRootCmd creates the root command for the gatekeeper CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Gatekeeper - login and channel routing server",
		Long: `Gatekeeper authenticates game clients, tracks their sessions across
the login fleet and routes them to a channel server of the chosen world.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configDir, "config", config.DefaultConfigDir, "config directory")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}
