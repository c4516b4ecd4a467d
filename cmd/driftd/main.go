package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftd",
		Short: "Real-time document sync gate",
		Long: `driftd serves collaborative documents over websockets.

Clients join a named document, receive its current state, and exchange
incremental updates and presence information with every other client
on the document. Sessions survive connection loss: clients reconnect
with backoff and pick up exactly where they left off.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
