package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sells-group/bidgov/internal/model"
)

var quantityCmd = &cobra.Command{
	Use:   "quantity",
	Short: "Manage the quantity records of a line item",
	Long: "A line item is addressed by its ID, or by its item number when --project is given. " +
		"Changing the governing quantity notifies the pricing service.",
}

// -- quantity list --

var quantityListCmd = &cobra.Command{
	Use:   "list <line-item>",
	Short: "List quantity records",
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

		records, err := env.Engine.ListQuantities(ctx, id)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), records, func(w io.Writer) {
			writeRecords(w, records)
		})
	},
}

// -- quantity set --

var quantitySetCmd = &cobra.Command{
	Use:   "set <line-item>",
	Short: "Add or update the record of one source",
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

		source, _ := cmd.Flags().GetString("source")
		qty, _ := cmd.Flags().GetFloat64("quantity")
		unit, _ := cmd.Flags().GetString("unit")
		ref, _ := cmd.Flags().GetString("ref")
		notes, _ := cmd.Flags().GetString("notes")
		in := model.RecordInput{
			Source:          model.QuantitySource(source),
			Quantity:        qty,
			Unit:            unit,
			SourceReference: ref,
			Notes:           notes,
			EnteredBy:       actorName,
		}
		if cmd.Flags().Changed("confidence") {
			c, _ := cmd.Flags().GetInt("confidence")
			in.Confidence = &c
		}

		res, err := env.Engine.AddOrUpdateRecord(ctx, id, in)
		if err != nil {
			return err
		}
		warnRecalc(res.Recalc)

		return render(cmd.OutOrStdout(), res, func(w io.Writer) {
			action := "unchanged"
			switch {
			case res.Created:
				action = "created"
			case res.Changed:
				action = "updated"
			}
			_, _ = fmt.Fprintf(w, "%s record %s: %g %s\n", res.Record.Source, action, res.Record.Quantity, res.Record.Unit)
			writeVariance(w, res.Variance)
		})
	},
}

// -- quantity govern --

var quantityGovernCmd = &cobra.Command{
	Use:   "govern <line-item> <record-id>",
	Short: "Make a record the governing quantity",
	Args:  cobra.ExactArgs(2),
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

		res, err := env.Engine.SetGoverning(ctx, id, args[1], actorName)
		if err != nil {
			return err
		}
		warnRecalc(res.Recalc)

		return render(cmd.OutOrStdout(), res, func(w io.Writer) {
			_, _ = fmt.Fprintf(w, "governing: %s %g %s\n", res.Governing.Source, res.Governing.Quantity, res.Governing.Unit)
			writeVariance(w, res.Variance)
		})
	},
}

// -- quantity delete --

var quantityDeleteCmd = &cobra.Command{
	Use:   "delete <line-item> <record-id>",
	Short: "Delete a non-governing record",
	Args:  cobra.ExactArgs(2),
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

		res, err := env.Engine.DeleteRecord(ctx, id, args[1], actorName)
		if err != nil {
			return err
		}
		warnRecalc(res.Recalc)

		return render(cmd.OutOrStdout(), res, func(w io.Writer) {
			_, _ = fmt.Fprintf(w, "deleted %s record %s\n", res.Deleted.Source, res.Deleted.ID)
			writeVariance(w, res.Variance)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{quantityListCmd, quantitySetCmd, quantityGovernCmd, quantityDeleteCmd} {
		c.Flags().String("project", "", "address the line item by item number within this project")
		quantityCmd.AddCommand(c)
	}

	quantitySetCmd.Flags().String("source", "", "quantity source: PLAN_SUMMARY, CONTRACTOR_TAKEOFF, SPECIAL_PROVISION or ADDENDUM (required)")
	quantitySetCmd.Flags().Float64("quantity", 0, "quantity value (required)")
	quantitySetCmd.Flags().String("unit", "", "unit of measure, must match the line item (required)")
	quantitySetCmd.Flags().String("ref", "", "source reference (sheet, addendum number, ...)")
	quantitySetCmd.Flags().String("notes", "", "free-form notes")
	quantitySetCmd.Flags().Int("confidence", 0, "estimator confidence")
	_ = quantitySetCmd.MarkFlagRequired("source")
	_ = quantitySetCmd.MarkFlagRequired("quantity")
	_ = quantitySetCmd.MarkFlagRequired("unit")

	rootCmd.AddCommand(quantityCmd)
}
