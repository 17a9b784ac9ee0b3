package main

import (
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bidgov/internal/model"
)

var varianceCmd = &cobra.Command{
	Use:   "variance",
	Short: "Inspect and rebuild cached variance",
}

// -- variance show --

var varianceShowCmd = &cobra.Command{
	Use:   "show <line-item>",
	Short: "Show the variance of a line item",
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

		v, err := env.Engine.GetVariance(ctx, id)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), v, func(w io.Writer) {
			writeVariance(w, v)
		})
	},
}

// -- variance refresh --

var varianceRefreshCmd = &cobra.Command{
	Use:   "refresh [line-item]",
	Short: "Recompute cached variance after a threshold change",
	Long:  "Refreshes one line item, or every line item of --project when no item is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		project, _ := cmd.Flags().GetString("project")
		if len(args) == 0 && project == "" {
			return eris.New("give a line item or --project")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 0 {
			sum, err := env.Engine.RefreshProject(ctx, project)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), sum, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "refreshed %d line item(s) in %s\n", sum.Refreshed, project)
				for number, msg := range sum.Failed {
					_, _ = fmt.Fprintf(w, "  %s: %s\n", number, msg)
				}
			})
		}

		id, err := resolveLineItem(ctx, env.Store, project, args[0])
		if err != nil {
			return err
		}
		v, err := env.Engine.RefreshVariance(ctx, id)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), v, func(w io.Writer) {
			writeVariance(w, v)
		})
	},
}

// -- recommend --

var recommendCmd = &cobra.Command{
	Use:   "recommend <line-item>",
	Short: "Recommend an unbalancing strategy for a line item",
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

		rec, err := env.Engine.RecommendStrategy(ctx, id)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), rec, func(w io.Writer) {
			writeRecommendation(w, rec)
		})
	},
}

func writeRecommendation(w io.Writer, rec model.Recommendation) {
	tw := newTable(w)
	strategy := "none"
	if rec.Strategy != nil {
		strategy = string(*rec.Strategy)
	}
	_, _ = fmt.Fprintf(tw, "Strategy:\t%s\n", strategy)
	_, _ = fmt.Fprintf(tw, "Significance:\t%s\n", rec.Significance)
	_, _ = fmt.Fprintf(tw, "Variance:\t%s\n", formatPct(rec.VariancePct))
	_, _ = fmt.Fprintf(tw, "Rationale:\t%s\n", rec.Rationale)
	_ = tw.Flush()
}

func init() {
	for _, c := range []*cobra.Command{varianceShowCmd, varianceRefreshCmd, recommendCmd} {
		c.Flags().String("project", "", "address the line item by item number within this project")
	}
	varianceCmd.AddCommand(varianceShowCmd)
	varianceCmd.AddCommand(varianceRefreshCmd)
	rootCmd.AddCommand(varianceCmd)
	rootCmd.AddCommand(recommendCmd)
}
