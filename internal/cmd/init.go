package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pairlink/pairlink/internal/wizard"
	"github.com/pairlink/pairlink/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			w := wizard.New(cli.DefaultPrompter())
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./pairlink.json)")
	return cmd
}
