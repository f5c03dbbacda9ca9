package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/energizer-project/gatekeeper/internal/cli"
	"github.com/energizer-project/gatekeeper/internal/config"
)

// statusConfig holds configuration for the status command.
type statusConfig struct {
	url        string
	token      string
	jsonOutput bool
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worlds, channels and clients of a running gatekeeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.url, "url", "", "admin API base URL (default: from config)")
	cmd.Flags().StringVar(&cfg.token, "token", "", "admin API token (default: from config)")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, sc *statusConfig) error {
	url, token := sc.url, sc.token
	if url == "" || token == "" {
		cfg, err := config.Load(configDir)
		if err != nil {
			return err
		}
		if url == "" {
			url = fmt.Sprintf("http://127.0.0.1:%d", cfg.API.Port)
		}
		if token == "" {
			token = cfg.API.Token
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := cli.NewClient(url, token).FetchStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", url, err)
	}

	if sc.jsonOutput {
		return cli.RenderJSON(cmd.OutOrStdout(), st)
	}
	cli.RenderStatus(cmd.OutOrStdout(), st)
	return nil
}
