package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/unbalance"
)

var unbalanceCmd = &cobra.Command{
	Use:   "unbalance",
	Short: "Record or withdraw an unbalancing decision",
}

// -- unbalance mark --

var unbalanceMarkCmd = &cobra.Command{
	Use:   "mark <line-item>",
	Short: "Mark a line item UNBALANCED",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		direction, _ := cmd.Flags().GetString("direction")
		justification, _ := cmd.Flags().GetString("justification")
		confidence, _ := cmd.Flags().GetInt("confidence")

		in := unbalance.MarkInput{
			Direction:     model.UnbalanceDirection(direction),
			Justification: justification,
			Confidence:    confidence,
			Actor:         actorName,
		}
		// Reject bad input before touching the store.
		if _, _, err := in.Validate(); err != nil {
			return err
		}

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

		res, err := env.Workflow.MarkUnbalanced(ctx, id, in)
		if err != nil {
			return err
		}
		warnRecalc(res.Recalc)
		return render(cmd.OutOrStdout(), res, func(w io.Writer) {
			writeUnbalance(w, res)
		})
	},
}

// -- unbalance clear --

var unbalanceClearCmd = &cobra.Command{
	Use:   "clear <line-item>",
	Short: "Return a line item to NEUTRAL",
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

		res, err := env.Workflow.ClearUnbalanced(ctx, id, actorName)
		if err != nil {
			return err
		}
		warnRecalc(res.Recalc)
		return render(cmd.OutOrStdout(), res, func(w io.Writer) {
			writeUnbalance(w, res)
		})
	},
}

func writeUnbalance(w io.Writer, res *unbalance.Result) {
	tw := newTable(w)
	_, _ = fmt.Fprintf(tw, "State:\t%s\n", res.State)
	if res.Unbalance.IsUnbalanced {
		_, _ = fmt.Fprintf(tw, "Direction:\t%s\n", res.Unbalance.Direction)
		_, _ = fmt.Fprintf(tw, "Justification:\t%s\n", res.Unbalance.Justification)
		if res.Unbalance.Confidence != nil {
			_, _ = fmt.Fprintf(tw, "Confidence:\t%d\n", *res.Unbalance.Confidence)
		}
	}
	_, _ = fmt.Fprintf(tw, "Recalc:\t%s\n", res.Recalc.Status)
	_ = tw.Flush()
}

func init() {
	for _, c := range []*cobra.Command{unbalanceMarkCmd, unbalanceClearCmd} {
		c.Flags().String("project", "", "address the line item by item number within this project")
		unbalanceCmd.AddCommand(c)
	}
	unbalanceMarkCmd.Flags().String("direction", "", "SHORT or LONG (required)")
	unbalanceMarkCmd.Flags().String("justification", "", "why the item is unbalanced, at least 10 characters (required)")
	unbalanceMarkCmd.Flags().Int("confidence", 0, "reviewer confidence, 50 to 100 (required)")
	_ = unbalanceMarkCmd.MarkFlagRequired("direction")
	_ = unbalanceMarkCmd.MarkFlagRequired("justification")
	_ = unbalanceMarkCmd.MarkFlagRequired("confidence")
	rootCmd.AddCommand(unbalanceCmd)
}
