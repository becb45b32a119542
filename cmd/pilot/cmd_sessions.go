package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newSessionsCmd creates the "pilot sessions" subcommand.
func newSessionsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List agent sessions recorded for the workspace",
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

			sessions, err := st.Sessions(a.ws.Key).List(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(w, "no sessions")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUPDATED\tREQUESTS\tTOKENS IN\tTOKENS OUT\tCOST")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t$%.4f\n", s.ID, s.UpdatedAt.Local().Format("2006-01-02 15:04"),
					s.Totals.Requests, s.Totals.InputTokens, s.Totals.OutputTokens, s.Totals.Cost)
			}
			return tw.Flush()
		},
	}
}
