package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"pilot/pkg/permission"
)

// newPermissionsCmd creates the "pilot permissions" command group.
func newPermissionsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Manage always-allow permission rules",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List always-allow rules",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := loadApp(flags, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				rules, err := permission.NewRuleStore(a.ws.RulesPath).Load()
				if err != nil {
					return err
				}
				printRules(cmd.OutOrStdout(), rules)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <tool> [pattern]",
			Short: "Remove a rule, or one pattern of a tool's rule",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := loadApp(flags, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				var pattern string
				if len(args) == 2 {
					pattern = args[1]
				}
				return permission.NewRuleStore(a.ws.RulesPath).Remove(args[0], pattern)
			},
		},
	)
	return cmd
}

func printRules(w io.Writer, rules permission.Rules) {
	if len(rules) == 0 {
		fmt.Fprintln(w, "no always-allow rules")
		return
	}
	tools := make([]string, 0, len(rules))
	for tool := range rules {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		rule := rules[tool]
		if rule.All {
			fmt.Fprintf(w, "%s: all\n", tool)
			continue
		}
		for _, p := range rule.Patterns {
			fmt.Fprintf(w, "%s: %s\n", tool, p)
		}
	}
}
