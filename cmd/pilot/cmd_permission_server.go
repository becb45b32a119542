package main

import (
	"errors"

	"github.com/spf13/cobra"

	"pilot/pkg/approvaltool"
)

// newPermissionServerCmd creates the hidden "pilot permission-server"
// subcommand the agent launches as its permission-prompt MCP server.
func newPermissionServerCmd(flags *globalFlags) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:    "permission-server",
		Short:  "Serve the approval_prompt MCP tool over stdio",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				return errors.New("--dir is required")
			}
			// stdout carries the MCP protocol; logs go to stderr only.
			log := newLogger(cmd.ErrOrStderr(), flags.verbose)
			return approvaltool.New(dir, log).Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory shared with the permission broker")
	return cmd
}
