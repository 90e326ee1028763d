// Command walnode runs a single durability-and-relay node: it owns the WAL
// writer for this instance and accepts replica connections on a TCP
// listener, streaming committed rows to each one.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "walnode",
		Short:         "Durability and outbound replication node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to node config YAML (defaults if omitted)")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newCheckpointCommand(&configPath))

	return root
}
