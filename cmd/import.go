package main

import (
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bidgov/internal/bidimport"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a bid schedule (.csv or .xlsx) into a project",
	Long: "Reads item number, description, unit and quantity from a bid schedule. New items get a governing " +
		"EBSX_IMPORT record; re-imported items have their import quantity synced.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		file, _ := cmd.Flags().GetString("file")
		project, _ := cmd.Flags().GetString("project")

		sched, err := bidimport.ReadFile(ctx, file, project)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := bidimport.Import(ctx, env.Engine, sched, actorName)
		if err != nil {
			return eris.Wrap(err, "import schedule")
		}

		zap.L().Info("import complete",
			zap.String("file", file),
			zap.String("project", project),
			zap.Int("created", rep.Created),
			zap.Int("failed", len(rep.Failed)),
		)
		if rep.RecalcFailed > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(),
				"warning: %d pricing recalculation(s) failed and were queued; run `bidgov recalc drain`\n", rep.RecalcFailed)
		}

		return render(cmd.OutOrStdout(), rep, func(w io.Writer) {
			tw := newTable(w)
			_, _ = fmt.Fprintf(tw, "Created:\t%d\n", rep.Created)
			_, _ = fmt.Fprintf(tw, "Updated:\t%d\n", rep.Updated)
			_, _ = fmt.Fprintf(tw, "Unchanged:\t%d\n", rep.Unchanged)
			_, _ = fmt.Fprintf(tw, "Failed:\t%d\n", len(rep.Failed))
			for _, f := range rep.Failed {
				_, _ = fmt.Fprintf(tw, "  row %d:\t%s\n", f.Row, f.Err)
			}
			_ = tw.Flush()
		})
	},
}

func init() {
	importCmd.Flags().String("file", "", "path to the bid schedule (required)")
	importCmd.Flags().String("project", "", "project the schedule belongs to (required)")
	_ = importCmd.MarkFlagRequired("file")
	_ = importCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(importCmd)
}
