package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/route-quota/internal/model"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Inspect the route catalog",
}

var routesListCmd = &cobra.Command{
	Use:   "list [catalog-file]",
	Short: "List catalog routes with their resolved limits",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Catalog.Path
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return eris.New("routes list: no catalog file (argument or catalog.path)")
		}
		routes, err := loadCatalog(path)
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		return formatRoutes(cmd.OutOrStdout(), routes, cfg.CategoryLimits(), asJSON)
	},
}

type routeRow struct {
	model.Route
	ResolvedLimit int `json:"resolved_limit"`
}

func formatRoutes(w io.Writer, routes []model.Route, limits model.CategoryLimits, asJSON bool) error {
	rows := make([]routeRow, len(routes))
	for i, r := range routes {
		rows[i] = routeRow{Route: r, ResolvedLimit: limits.LimitFor(r)}
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tLIMIT")
	for _, r := range rows {
		src := ""
		if r.CompletionLimit == 0 {
			src = " (default)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%s\n", r.ID, r.Name, r.Category, r.ResolvedLimit, src)
	}
	return tw.Flush()
}

func init() {
	routesListCmd.Flags().Bool("json", false, "print JSON instead of a table")
	routesCmd.AddCommand(routesListCmd)
	rootCmd.AddCommand(routesCmd)
}
