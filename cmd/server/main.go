// Command server runs the GoChat real-time presence and fan-out service.
//
// Start the server:
//
//	server serve --config gochat.yaml
//
// Apply the database schema without serving:
//
//	server migrate --config gochat.yaml
//
// Every setting can also come from the environment; see internal/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "server",
		Short:         "GoChat presence and message fan-out server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildMigrateCmd(), buildVersionCmd())
	return root
}
