// File: cmd/wsengine/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// wsengine runs an echo or broadcast server, or dials one from a terminal.

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wsengine",
		Short: "Binary WebSocket engine for high-frequency small messages",
		Long: `wsengine serves and dials binary WebSocket connections.

  serve  runs an echo or broadcast server, pumping events on a fixed tick
  dial   connects to a server, sends stdin lines and prints what arrives`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), dialCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wsengine %s (%s) %s %s/%s\n",
				version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
