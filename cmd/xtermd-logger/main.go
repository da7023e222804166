// Command xtermd-logger runs the Unix-domain-socket sidecar that terminal
// sessions and other local processes report structured log lines,
// heartbeats, and cast-tail poll requests to.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xtermd/xtermd/internal/sidecar"
)

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:   "xtermd-logger",
		Short: "Unix-socket log/heartbeat/cast-tail sidecar",
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := sidecar.NewServer(socketPath)
			return srv.ListenAndServe()
		},
	}

	root.Flags().StringVar(&socketPath, "socket", "/tmp/workspace-logger.sock", "path to the Unix domain socket to listen on")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
