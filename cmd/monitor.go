package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Check variance and outbox health and send alerts",
	Long:  "Collects a snapshot, evaluates alert thresholds and posts alerts to monitoring.webhook_url. With --watch it repeats every --interval until interrupted.",
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

		project, _ := cmd.Flags().GetString("project")
		watch, _ := cmd.Flags().GetBool("watch")
		interval, _ := cmd.Flags().GetDuration("interval")

		mcfg := cfg.Monitoring
		if interval > 0 {
			mcfg.CheckIntervalSecs = int(interval / time.Second)
		}
		checker := monitoring.NewChecker(monitoring.NewCollector(st), monitoring.NewAlerter(mcfg), mcfg, project)

		if watch {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			checker.Run(ctx)
			return nil
		}

		snap, alerts := checker.Check(ctx)
		if snap == nil {
			return eris.New("monitor: collect metrics failed")
		}
		out := struct {
			Snapshot *monitoring.MetricsSnapshot `json:"snapshot"`
			Alerts   []monitoring.Alert          `json:"alerts"`
		}{snap, alerts}
		return render(cmd.OutOrStdout(), out, func(w io.Writer) {
			formatSnapshot(w, snap, alerts)
		})
	},
}

func formatSnapshot(out io.Writer, snap *monitoring.MetricsSnapshot, alerts []monitoring.Alert) {
	w := newTable(out)
	scope := snap.ProjectID
	if scope == "" {
		scope = "all projects"
	}
	_, _ = fmt.Fprintf(w, "Scope:\t%s\n", scope)
	_, _ = fmt.Fprintf(w, "Line items:\t%d\n", snap.LineItems)
	for _, sig := range []model.Significance{
		model.SignificanceCritical, model.SignificanceMajor, model.SignificanceModerate,
		model.SignificanceMinor, model.SignificanceMatch,
	} {
		if n := snap.BySignificance[sig]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", sig, n)
		}
	}
	_, _ = fmt.Fprintf(w, "Insufficient data:\t%d\n", snap.InsufficientData)
	_, _ = fmt.Fprintf(w, "Unbalanced:\t%d\n", snap.Unbalanced)
	_, _ = fmt.Fprintf(w, "Actionable:\t%d (%d critical)\n", snap.Actionable, snap.CriticalActionable)
	_, _ = fmt.Fprintf(w, "Outbox depth:\t%d\n", snap.OutboxDepth)
	for _, a := range alerts {
		_, _ = fmt.Fprintf(w, "ALERT [%s]:\t%s\n", a.Severity, a.Message)
	}
	_ = w.Flush()
}

func init() {
	monitorCmd.Flags().String("project", "", "limit the snapshot to one project")
	monitorCmd.Flags().Bool("watch", false, "keep checking until interrupted")
	monitorCmd.Flags().Duration("interval", 0, "check interval with --watch (default monitoring.check_interval_secs)")
	rootCmd.AddCommand(monitorCmd)
}
