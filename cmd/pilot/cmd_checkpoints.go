package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pilot/pkg/checkpoint"
)

// newCheckpointsCmd creates the "pilot checkpoints" subcommand.
func newCheckpointsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List the workspace's checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			cps, err := a.recorder(st).List(cmd.Context())
			if err != nil {
				return err
			}
			return printCheckpoints(cmd.OutOrStdout(), cps)
		},
	}
}

func printCheckpoints(w io.Writer, cps []checkpoint.Checkpoint) error {
	if len(cps) == 0 {
		_, err := fmt.Fprintln(w, "no checkpoints")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tMESSAGE")
	for _, cp := range cps {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", cp.ID, cp.Timestamp.Local().Format("2006-01-02 15:04:05"), cp.Message)
	}
	return tw.Flush()
}

// newRestoreCmd creates the "pilot restore" subcommand.
func newRestoreCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <checkpoint-id>",
		Short: "Restore the workspace files from a checkpoint",
		Long:  "Checks the workspace out at the given checkpoint. Checkpoint history is\nleft untouched, so later checkpoints stay restorable.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := a.recorder(nil).Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", args[0])
			return nil
		},
	}
}
