package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hereliesaz/hashkitty/pkg/cli"
	"github.com/hereliesaz/hashkitty/pkg/protocol"
	"github.com/hereliesaz/hashkitty/pkg/relayclient"
	"github.com/hereliesaz/hashkitty/pkg/roomid"
)

const (
	// passwordEnv, when set, is used instead of prompting.
	passwordEnv  = "HASHKITTY_SSH_PASSWORD"
	rejectPrefix = "Error: "
)

func newSniffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sniff <host>",
		Short: "Ask the relay to run tcpdump on a remote host and stream its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, _ := cmd.Flags().GetString("relay")
			port, _ := cmd.Flags().GetInt("port")
			user, _ := cmd.Flags().GetString("user")
			room, _ := cmd.Flags().GetString("room")

			if room == "" {
				id, err := roomid.Generate()
				if err != nil {
					return err
				}
				room = id
			}
			password := os.Getenv(passwordEnv)
			if password == "" {
				password = cli.DefaultPrompter().AskPassword(fmt.Sprintf("Password for %s@%s", user, args[0]))
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			return runSniff(ctx, relay, room, protocol.StartSniff{
				Host:     args[0],
				Port:     port,
				Username: user,
				Password: password,
			}, cmd.OutOrStdout())
		},
	}
	addRelayFlag(cmd)
	cmd.Flags().IntP("port", "p", protocol.DefaultSSHPort, "SSH port")
	cmd.Flags().StringP("user", "u", "root", "SSH username")
	cmd.Flags().String("room", "", "room to join (default: a new room id)")
	return cmd
}

// runSniff streams capture output to out until the relay reports
// sniff_stopped. Canceling ctx sends stop_sniff and waits briefly for the
// final sniff_stopped.
func runSniff(ctx context.Context, relayURL, room string, params protocol.StartSniff, out io.Writer) error {
	stopped := make(chan struct{})
	finish := func() {
		select {
		case <-stopped:
		default:
			close(stopped)
		}
	}
	var rejection string
	c := relayclient.New(relayclient.Config{URL: relayURL, Room: room}, func(env protocol.Envelope) error {
		switch env.Type {
		case protocol.TypeSniffOutput:
			var so protocol.SniffOutput
			if err := protocol.DecodePayload(env.Payload, &so); err != nil {
				return err
			}
			// A rejected request gets one error line and no sniff_stopped.
			if strings.HasPrefix(so.Output, rejectPrefix) {
				rejection = strings.TrimPrefix(so.Output, rejectPrefix)
				finish()
				return nil
			}
			_, err := fmt.Fprint(out, so.Output)
			return err
		case protocol.TypeSniffStopped:
			finish()
		}
		return nil
	}, peerLogger())

	connCtx, disconnect := context.WithCancel(context.Background())
	defer disconnect()
	connErr := make(chan error, 1)
	go func() { connErr <- c.Connect(connCtx) }()

	select {
	case <-c.Connected():
	case err := <-connErr:
		return err
	case <-ctx.Done():
		return nil
	}

	if err := c.Send(protocol.TypeStartSniff, params); err != nil {
		return fmt.Errorf("send start_sniff: %w", err)
	}

	select {
	case <-stopped:
		if rejection != "" {
			return fmt.Errorf("relay rejected capture: %s", rejection)
		}
		return nil
	case err := <-connErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("relay connection lost: %w", err)
	case <-ctx.Done():
	}

	if err := c.Send(protocol.TypeStopSniff, nil); err != nil {
		return nil
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		_, _ = fmt.Fprintln(os.Stderr, errorStyle.Render("no sniff_stopped from relay"))
	}
	return nil
}
