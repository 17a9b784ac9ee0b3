package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/bidgov/internal/priority"
)

var actionableCmd = &cobra.Command{
	Use:   "actionable",
	Short: "List MAJOR and CRITICAL line items awaiting an unbalancing decision",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		project, _ := cmd.Flags().GetString("project")
		items, err := env.Worklist.ListActionableItems(ctx, project)
		if err != nil {
			return err
		}
		if len(items) == 0 && outputFormat == formatTable {
			fmt.Fprintln(os.Stderr, "No actionable line items.")
			return nil
		}
		return render(cmd.OutOrStdout(), items, func(w io.Writer) {
			formatWorklist(w, items)
		})
	},
}

// formatWorklist writes the worklist as a table.
func formatWorklist(out io.Writer, items []priority.Item) {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "ITEM\tID\tSIGNIFICANCE\tVARIANCE\tGOVERNING\tREFERENCE\tSTRATEGY")
	_, _ = fmt.Fprintln(w, "----\t--\t------------\t--------\t---------\t---------\t--------")
	for _, it := range items {
		strategy := "-"
		if it.Recommendation.Strategy != nil {
			strategy = string(*it.Recommendation.Strategy)
		}
		pct := it.VariancePct
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g %s\t%s\t%s\n",
			it.ItemNumber,
			truncateID(it.LineItemID),
			it.Significance,
			formatPct(&pct),
			it.GoverningQuantity, it.GoverningSource,
			formatQty(it.ReferenceQuantity),
			strategy,
		)
	}
	_ = w.Flush()
}

// -- audit --

var auditCmd = &cobra.Command{
	Use:   "audit <line-item>",
	Short: "Show the change history of a line item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		project, _ := cmd.Flags().GetString("project")
		id, err := resolveLineItem(ctx, env.Store, project, args[0])
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		events, err := env.Engine.GetAudit(ctx, id, limit)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), events, func(out io.Writer) {
			w := newTable(out)
			_, _ = fmt.Fprintln(w, "WHEN\tACTION\tACTOR\tDETAIL")
			_, _ = fmt.Fprintln(w, "----\t------\t-----\t------")
			for _, e := range events {
				detail, _ := json.Marshal(e.Detail)
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"), e.Action, e.Actor, detail)
			}
			_ = w.Flush()
		})
	},
}

func init() {
	actionableCmd.Flags().String("project", "", "project to list (required)")
	_ = actionableCmd.MarkFlagRequired("project")

	auditCmd.Flags().String("project", "", "address the line item by item number within this project")
	auditCmd.Flags().Int("limit", 100, "max number of events to display")

	rootCmd.AddCommand(actionableCmd)
	rootCmd.AddCommand(auditCmd)
}
