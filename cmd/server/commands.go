package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func defaultConfigPath() string {
	return os.Getenv("GOCHAT_CONFIG")
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket server",
		Long: `Start the WebSocket server.

Configuration is read from the YAML file given by --config (or GOCHAT_CONFIG)
and then overridden by environment variables. Without a file the built-in
defaults apply. SIGINT and SIGTERM trigger a graceful shutdown that closes
every client with 1001.`,
		Example: `  server serve
  server serve --config /etc/gochat/production.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema to the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gochat %s (commit %s)\n", version, commit)
		},
	}
}
