package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/route-quota/internal/ledger"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <questionnaire-id>",
	Short: "Release reservations that never produced a submission",
	Long:  "Compares each route's completion counter with its submission records and lowers counters that are ahead once they have been quiet for the grace period. Counters behind their records are reported, never raised.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "ledger")
		if err != nil {
			return err
		}
		defer env.Close()

		grace := cfg.Ledger.ReconcileGrace()
		if cmd.Flags().Changed("grace") {
			grace, _ = cmd.Flags().GetDuration("grace")
		}

		results, err := env.Ledger.Reconcile(ctx, args[0], grace)
		if err != nil {
			return eris.Wrap(err, "reconcile")
		}
		formatReconcile(cmd.OutOrStdout(), results)
		return nil
	},
}

func formatReconcile(w io.Writer, results []ledger.ReconcileResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "All counters match their submission records.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tCOUNTER\tRECORDS\tRELEASED\tNOTE")
	for _, r := range results {
		note := ""
		switch {
		case r.Drift:
			note = "counter behind records"
		case r.Skipped:
			note = "inside grace window"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", r.RouteID, r.Counter, r.Records, r.Released, note)
	}
	_ = tw.Flush()
}

func init() {
	reconcileCmd.Flags().Duration("grace", 0, "only touch entries quiet for at least this long, minimum 30s (default from config)")
	rootCmd.AddCommand(reconcileCmd)
}
