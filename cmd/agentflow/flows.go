package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentflow/internal/flows"
)

func newFlowsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Inspect flow definitions",
	}
	cmd.AddCommand(newFlowsListCommand(root), newFlowsValidateCommand())
	return cmd
}

func newFlowsListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the flows of the configured flows file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			registry, err := flows.Load(cfg.FlowsFile)
			if err != nil {
				return err
			}
			if registry.Len() == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No flows in %s\n", cfg.FlowsFile)
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTRATEGY\tTOOLS")
			for _, f := range registry.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", f.ID, f.Name, f.Strategy, len(f.Tools))
			}
			return w.Flush()
		},
	}
}

func newFlowsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a flows file without starting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := flows.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d flow(s) valid\n", green("✓"), registry.Len())
			return nil
		},
	}
}
