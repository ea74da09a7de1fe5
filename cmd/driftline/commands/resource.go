package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Inspect resources tracked in the catalog",
		Long: `Inspect the catalog's view of managed resources: the metadata and
outputs recorded for each, and whether a resource has been marked
removed after vanishing from both snapshots.`,
	}

	cmd.AddCommand(newResourceShowCommand())
	cmd.AddCommand(newResourceListCommand())

	return cmd
}

func newResourceShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <resource-id>",
		Short: "Show the catalog record for a resource",
		Args:  cobra.ExactArgs(1),
		Example: `  # Full record, including removal time for vanished resources
  driftline resource show db-main`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			rec, err := rt.store.GetResource(ctx, rt.cfg.Project, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(rec)
			}

			fmt.Printf("%s (%s)\n", rec.ID, rec.Type)
			if rec.Phase != "" {
				fmt.Printf("  phase:      %s\n", rec.Phase)
			}
			fmt.Printf("  created:    %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Printf("  updated:    %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
			if rec.RemovedAt != nil {
				fmt.Printf("  removed:    %s\n", rec.RemovedAt.Format("2006-01-02 15:04:05 MST"))
			}
			printKeyValues("metadata", rec.Metadata)
			printKeyValues("outputs", rec.Outputs)
			return nil
		},
	}
}

func newResourceListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active resources in the catalog",
		Example: `  # Every resource the catalog currently tracks
  driftline resource list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			records, err := rt.store.ListResources(ctx, rt.cfg.Project)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(records)
			}

			if len(records) == 0 {
				fmt.Println("no resources tracked")
				return nil
			}
			for _, rec := range records {
				fmt.Printf("%-30s %-15s %s\n", rec.ID, rec.Type, rec.Phase)
			}
			return nil
		},
	}
}

func printKeyValues(label string, kv map[string]string) {
	if len(kv) == 0 {
		return
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("  %s:\n", label)
	for _, k := range keys {
		fmt.Printf("    %s: %s\n", k, kv[k])
	}
}
