package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewConfigCmd groups configuration commands
func NewConfigCmd(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(newConfigShowCmd(rt))
	return cmd
}

func newConfigShowCmd(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.container()
			if err != nil {
				return err
			}
			if rt.Output == OutputJSON {
				return rt.Print(cmd.OutOrStdout(), c.Config, nil)
			}
			out, err := rt.Loader.ExportYAML()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
}
