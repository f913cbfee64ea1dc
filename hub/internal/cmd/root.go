// Package cmd implements the hashkitty-relay command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

const defaultRelayURL = "ws://localhost:5001/ws"

// NewRootCmd creates the root cobra command for hashkitty-relay.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "hashkitty-relay",
		Short: "hashkitty relay: room broadcast hub with remote capture",
		Long: "hashkitty-relay accepts WebSocket peers, groups them into rooms, relays every " +
			"message to room peers, and streams remote tcpdump sessions over SSH.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newRoomsCmd())
	root.AddCommand(newTailCmd())
	root.AddCommand(newSniffCmd())
	root.AddCommand(newRoomIDCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "hashkitty-relay", version)
		},
	}
}

// addRelayFlag registers --relay on a peer command.
func addRelayFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("relay", "r", defaultRelayURL, "relay WebSocket URL")
}
