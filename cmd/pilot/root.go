package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pilot/internal/version"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	workspace string
	verbose   int
	model     string
	yolo      bool
}

// newRootCmd creates the root pilot command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:           "pilot",
		Short:         "Supervise a coding agent session",
		Long:          "pilot runs the claude CLI against a workspace: it checkpoints the\nworkspace before every turn, streams the agent's output and brokers\nits permission requests.",
		Version:       fmt.Sprintf("pilot %s", version.Full()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.workspace, "workspace", "w", "", "workspace directory (default: current directory)")
	pf.CountVarP(&flags.verbose, "verbose", "v", "increase log verbosity")
	pf.StringVar(&flags.model, "model", "", "agent model (overrides config)")
	pf.BoolVar(&flags.yolo, "yolo", false, "skip permission prompts entirely")

	cmd.AddCommand(
		newChatCmd(&flags),
		newCheckpointsCmd(&flags),
		newRestoreCmd(&flags),
		newSessionsCmd(&flags),
		newPermissionsCmd(&flags),
		newPermissionServerCmd(&flags),
		newConfigCmd(&flags),
	)
	return cmd
}
