package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/pkg/drift"
	"github.com/driftline/driftline/pkg/graph"
)

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect the dependency graph",
		Long: `Query the persisted dependency graph: impact analysis, dependency
chains, healing order, and edge provenance.`,
	}

	cmd.AddCommand(newGraphImpactCommand())
	cmd.AddCommand(newGraphChainsCommand())
	cmd.AddCommand(newGraphOrderCommand())
	cmd.AddCommand(newGraphExplainCommand())

	return cmd
}

func newGraphImpactCommand() *cobra.Command {
	var maxDepth int

	cmd := &cobra.Command{
		Use:   "impact <resource-id>",
		Short: "Analyze the blast radius of changing a resource",
		Args:  cobra.ExactArgs(1),
		Example: `  # What breaks if db-main changes?
  driftline graph impact db-main

  # Only direct and second-level dependents
  driftline graph impact db-main --depth 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			analysis, err := rt.reconciler.Query().ImpactAnalysis(ctx, args[0], maxDepth)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(analysis)
			}

			fmt.Printf("impact of %s (depth %d):\n", analysis.ResourceID, analysis.MaxDepth)
			fmt.Printf("  direct dependents:   %s\n", joinOrNone(analysis.Direct))
			fmt.Printf("  indirect dependents: %s\n", joinOrNone(analysis.Indirect))
			fmt.Printf("  affected types:      %s\n", joinOrNone(analysis.AffectedTypes))
			fmt.Printf("  cascade risk:        %d\n", analysis.CascadeRisk)
			if analysis.HighRisk {
				fmt.Printf("  HIGH RISK: %s\n", analysis.Recommendation)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxDepth, "depth", graph.DefaultMaxDepth, "maximum traversal depth")

	return cmd
}

func newGraphChainsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chains <resource-id>",
		Short: "List full dependency chains from a resource",
		Args:  cobra.ExactArgs(1),
		Example: `  # Every path from api-server down to its roots
  driftline graph chains api-server`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			chains, err := rt.reconciler.Query().DependencyChains(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(chains)
			}

			if len(chains) == 0 {
				fmt.Printf("%s has no dependencies\n", args[0])
				return nil
			}
			for _, chain := range chains {
				fmt.Println(strings.Join(chain, " -> "))
			}
			return nil
		},
	}
}

func newGraphOrderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "order <resource-id>...",
		Short: "Compute the dependency-respecting healing order",
		Args:  cobra.MinimumNArgs(1),
		Example: `  # In what order should these be corrected?
  driftline graph order api-server db-main cache-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			order, err := rt.reconciler.Query().HealingOrder(ctx, args, map[string]drift.Severity{})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(order)
			}
			for i, id := range order {
				fmt.Printf("%d. %s\n", i+1, id)
			}
			return nil
		},
	}
}

func newGraphExplainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "explain <source> <target>",
		Short: "Explain why a dependency edge exists",
		Args:  cobra.ExactArgs(2),
		Example: `  # Why does driftline think api-server depends on db-main?
  driftline graph explain api-server db-main`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			explanation, err := rt.reconciler.Query().ExplainEdge(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(explanation)
			}

			fmt.Printf("%s -[%s]-> %s\n", explanation.Source, explanation.Relationship, explanation.Target)
			fmt.Printf("  method:     %s\n", explanation.Method)
			fmt.Printf("  confidence: %.2f\n", explanation.Confidence)
			fmt.Printf("  reason:     %s\n", explanation.Justification)
			return nil
		},
	}
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
