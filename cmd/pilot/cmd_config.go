package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newConfigCmd creates the "pilot config" subcommand.
func newConfigCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration and storage paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			data, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "# config: %s\n# state: %s\n# workspace storage: %s\n", a.paths.ConfigPath, a.paths.StateDBPath, a.ws.Dir)
			_, err = w.Write(data)
			return err
		},
	}
}
