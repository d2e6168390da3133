// ScoreSync relay server and tooling
// Serves the realtime hub and offers watch/token helpers for operators
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nainya/scoresync/internal/logger"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		logger.NewLogger(logger.Config{Level: "error", Output: os.Stderr}).
			Error("command failed").Err(err).Send()
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scoresync",
		Short: "Realtime sync relay for collaborative music documents",
		Long: `scoresync relays realtime events between collaborators editing the
same composition. It mirrors sessions to detect conflicting edits, streams
session history, and exposes health and metrics endpoints.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildWatchCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}
