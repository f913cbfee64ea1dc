package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hereliesaz/hashkitty/pkg/roomid"
)

func newRoomIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "room-id",
		Short: "Print a new room id to share with peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := roomid.Generate()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
