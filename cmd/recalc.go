package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bidgov/internal/pricing"
)

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Manage pending pricing recalculations",
}

// -- recalc drain --

var recalcDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay due recalculation requests to the pricing service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = cfg.Pricing.DrainBatch
		}

		drainer := pricing.NewDrainer(env.Store, env.Recalc, pricing.DrainerConfig{
			Concurrency: cfg.Pricing.Concurrency,
			RatePerSec:  cfg.Pricing.RatePerSec,
			Backoff:     cfg.Pricing.Retry(),
		})
		res, err := drainer.Drain(ctx, limit)
		if err != nil {
			return err
		}

		pending, err := env.Store.CountRecalc(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("recalc drain complete",
			zap.Int("delivered", res.Delivered),
			zap.Int("rescheduled", res.Rescheduled),
			zap.Int("pending", pending),
		)

		out := struct {
			*pricing.DrainResult
			Pending int `json:"pending"`
		}{res, pending}
		return render(cmd.OutOrStdout(), out, func(w io.Writer) {
			tw := newTable(w)
			_, _ = fmt.Fprintf(tw, "Attempted:\t%d\n", res.Attempted)
			_, _ = fmt.Fprintf(tw, "Delivered:\t%d\n", res.Delivered)
			_, _ = fmt.Fprintf(tw, "Rescheduled:\t%d\n", res.Rescheduled)
			_, _ = fmt.Fprintf(tw, "Exhausted:\t%d\n", res.Exhausted)
			_, _ = fmt.Fprintf(tw, "Pending:\t%d\n", pending)
			_ = tw.Flush()
		})
	},
}

// -- recalc pending --

var recalcPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show recalculation requests waiting for replay",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := st.DueRecalcs(ctx, limit)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), entries, func(out io.Writer) {
			w := newTable(out)
			_, _ = fmt.Fprintln(w, "ID\tLINE_ITEM\tREASON\tRETRIES\tLAST_ERROR")
			_, _ = fmt.Fprintln(w, "--\t---------\t------\t-------\t----------")
			for _, e := range entries {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
					truncateID(e.ID), truncateID(e.Request.LineItemID), e.Request.Reason,
					e.RetryCount, e.MaxRetries, e.Error)
			}
			_ = w.Flush()
		})
	},
}

func init() {
	recalcDrainCmd.Flags().Int("limit", 0, "max entries to replay (default pricing.drain_batch)")
	recalcPendingCmd.Flags().Int("limit", 50, "max entries to display")
	recalcCmd.AddCommand(recalcDrainCmd)
	recalcCmd.AddCommand(recalcPendingCmd)
	rootCmd.AddCommand(recalcCmd)
}
