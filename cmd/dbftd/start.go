package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/r3e-network/neo-dbft/node"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run a validator or observer node",
		Long: `Run a node from a YAML, TOML or JSON config file.
Every key can be overridden with a DBFT_ environment variable, e.g. DBFT_LISTEN_ADDR.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := node.LoadConfig(configPath)
			if err != nil {
				return err
			}

			zl, err := node.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer zl.Sync()
			logger := zl.Sugar()

			n, err := node.NewNode(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			<-ctx.Done()
			logger.Info("Shutting down...")
			return n.Stop()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the node config file")
	return cmd
}
