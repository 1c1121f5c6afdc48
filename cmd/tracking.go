package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var initTrackingCmd = &cobra.Command{
	Use:   "init-tracking <questionnaire-id>",
	Short: "Create ledger entries for every catalog route",
	Long:  "Creates a quota ledger entry for each route in the catalog that is not tracked yet. Existing counters are never touched, so the command is safe to re-run against a live questionnaire.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		questionnaireID := args[0]

		if path, _ := cmd.Flags().GetString("catalog"); path != "" {
			cfg.Catalog.Path = path
		}
		if cfg.Catalog.Path == "" {
			return eris.New("init-tracking: a route catalog is required (--catalog or catalog.path)")
		}

		env, err := initApp(ctx, "ledger")
		if err != nil {
			return err
		}
		defer env.Close()

		routes, err := env.Routes.Routes(ctx, questionnaireID)
		if err != nil {
			return err
		}

		created, err := env.Ledger.InitializeTracking(ctx, questionnaireID, routes, cfg.CategoryLimits())
		if err != nil {
			return eris.Wrap(err, "init-tracking")
		}

		zap.L().Info("tracking initialised",
			zap.String("questionnaire_id", questionnaireID),
			zap.Int("routes", len(routes)),
			zap.Int("created", created),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d routes newly tracked for %s\n", created, len(routes), questionnaireID)
		return nil
	},
}

func init() {
	initTrackingCmd.Flags().String("catalog", "", "route catalog file (yaml, json, csv or xlsx)")
	rootCmd.AddCommand(initTrackingCmd)
}
