package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bidgov/internal/config"
)

var (
	cfg          *config.Config
	outputFormat string
	actorName    string
)

var rootCmd = &cobra.Command{
	Use:   "bidgov",
	Short: "Bid quantity governance and unbalancing strategy engine",
	Long: "Tracks competing quantity estimates per bid line item, keeps one governing quantity, " +
		"measures its variance against the plan reference and guides reviewers through unbalancing decisions.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}

		mode := config.ModeCLI
		if cmd.Name() == "serve" {
			mode = config.ModeServe
		}
		if err := c.Validate(mode); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable, "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&actorName, "actor", defaultActor(), "name recorded on audit events")
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
