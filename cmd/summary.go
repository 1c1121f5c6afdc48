package main

import (
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/route-quota/internal/model"
	"github.com/sells-group/route-quota/internal/report"
)

var summaryCmd = &cobra.Command{
	Use:   "summary <questionnaire-id>",
	Short: "Show quota usage per category and route",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		formatFlag, _ := cmd.Flags().GetString("format")
		format, err := report.ParseFormat(formatFlag)
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		if format == report.FormatXLSX && out == "" {
			return eris.New("summary: --out is required for xlsx")
		}

		env, err := initApp(ctx, "ledger")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Reporter.Questionnaire(ctx, args[0])
		if err != nil {
			return err
		}
		routes, err := env.Reporter.Routes(ctx, args[0])
		if err != nil {
			return err
		}

		return writeSummary(cmd.OutOrStdout(), format, out, sum, routes)
	},
}

func writeSummary(w io.Writer, format report.Format, out string, sum *model.QuestionnaireQuotaSummary, routes []model.RouteQuotaInfo) error {
	switch format {
	case report.FormatJSON:
		return report.WriteJSON(w, sum, routes)
	case report.FormatXLSX:
		if err := report.SaveXLSX(out, sum, routes); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", out)
		return nil
	default:
		if sum.TotalRoutes == 0 {
			fmt.Fprintf(w, "No routes tracked for %s.\n", sum.QuestionnaireID)
			return nil
		}
		report.WriteTable(w, sum, routes)
		return nil
	}
}

func init() {
	summaryCmd.Flags().String("format", "table", "output format: table, json or xlsx")
	summaryCmd.Flags().String("out", "", "output file (xlsx only)")
	rootCmd.AddCommand(summaryCmd)
}
