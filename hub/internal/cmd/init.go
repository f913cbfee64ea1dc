package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hereliesaz/hashkitty/hub/internal/wizard"
	"github.com/hereliesaz/hashkitty/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			w := wizard.New(cli.DefaultPrompter())
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path, .json or .yaml (default: "+wizard.DefaultOutput+")")
	cmd.Flags().Bool("defaults", false, "write a config with all defaults, without prompting")
	return cmd
}
