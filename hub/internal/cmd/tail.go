package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hereliesaz/hashkitty/pkg/protocol"
	"github.com/hereliesaz/hashkitty/pkg/relayclient"
)

func newTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail <room>",
		Short: "Join a room and print every message relayed to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, _ := cmd.Flags().GetString("relay")
			ctx, stop := signalContext(cmd)
			defer stop()
			return tailRoom(ctx, relay, args[0], cmd.OutOrStdout())
		},
	}
	addRelayFlag(cmd)
	return cmd
}

func tailRoom(ctx context.Context, relayURL, room string, out io.Writer) error {
	c := relayclient.New(relayclient.Config{
		URL:               relayURL,
		Room:              room,
		ReconnectInterval: 3 * time.Second,
	}, func(env protocol.Envelope) error {
		_, err := fmt.Fprintln(out, formatEnvelope(time.Now(), env))
		return err
	}, peerLogger())

	_, _ = fmt.Fprintf(out, "%s %s\n", dimmed.Render("tailing room"), roomStyle.Render(room))
	if err := c.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// peerLogger reports client warnings on stderr so stdout stays clean.
func peerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
