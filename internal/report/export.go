package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/route-quota/internal/model"
)

// Format selects an export encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatXLSX  Format = "xlsx"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatJSON, FormatXLSX:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", eris.Errorf("report: unknown format %q (want table, json or xlsx)", s)
	}
}

// WriteTable renders the category rollup followed by the per-route listing.
func WriteTable(w io.Writer, s *model.QuestionnaireQuotaSummary, routes []model.RouteQuotaInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Questionnaire %s\n\n", s.QuestionnaireID)
	fmt.Fprintln(tw, "CATEGORY\tROUTES\tACTIVE\tFULL\tLIMIT\tDONE\tREMAINING\tPCT")
	for _, c := range s.Categories {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%.1f%%\n",
			c.Category, c.TotalRoutes, c.ActiveRoutes, c.FullRoutes,
			c.TotalLimit, c.TotalCompletions, c.TotalRemaining, c.PercentComplete)
	}
	fmt.Fprintf(tw, "TOTAL\t%d\t\t\t%d\t%d\t%d\t%.1f%%\n",
		s.TotalRoutes, s.TotalLimit, s.TotalCompletions, s.TotalRemaining, s.PercentComplete)

	if len(routes) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "ROUTE\tNAME\tCATEGORY\tDONE\tLIMIT\tREMAINING\tSTATUS")
		for _, r := range routes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				r.RouteID, r.RouteName, r.Category, r.CurrentCompletions, r.CompletionLimit, r.Remaining, routeStatus(r))
		}
	}
	tw.Flush() //nolint:errcheck
}

func routeStatus(r model.RouteQuotaInfo) string {
	switch {
	case !r.IsActive:
		return "inactive"
	case r.IsFull:
		return "full"
	default:
		return "open"
	}
}

// Export is the JSON document written by WriteJSON.
type Export struct {
	Summary *model.QuestionnaireQuotaSummary `json:"summary"`
	Routes  []model.RouteQuotaInfo           `json:"routes,omitempty"`
}

// WriteJSON writes the summary and routes as indented JSON.
func WriteJSON(w io.Writer, s *model.QuestionnaireQuotaSummary, routes []model.RouteQuotaInfo) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(Export{Summary: s, Routes: routes}), "report: encode json")
}

// BuildXLSX lays out a workbook with a "Categories" and a "Routes" sheet.
func BuildXLSX(s *model.QuestionnaireQuotaSummary, routes []model.RouteQuotaInfo) (*xlsx.File, error) {
	f := xlsx.NewFile()

	cats, err := f.AddSheet("Categories")
	if err != nil {
		return nil, eris.Wrap(err, "report: add categories sheet")
	}
	addHeader(cats, "Category", "Routes", "Active", "Full", "Limit", "Completions", "Remaining", "Percent")
	for _, c := range s.Categories {
		row := cats.AddRow()
		row.AddCell().SetString(string(c.Category))
		row.AddCell().SetInt(c.TotalRoutes)
		row.AddCell().SetInt(c.ActiveRoutes)
		row.AddCell().SetInt(c.FullRoutes)
		row.AddCell().SetInt(c.TotalLimit)
		row.AddCell().SetInt(c.TotalCompletions)
		row.AddCell().SetInt(c.TotalRemaining)
		row.AddCell().SetFloat(c.PercentComplete)
	}

	rs, err := f.AddSheet("Routes")
	if err != nil {
		return nil, eris.Wrap(err, "report: add routes sheet")
	}
	addHeader(rs, "Route", "Name", "Category", "Completions", "Limit", "Remaining", "Status")
	for _, r := range routes {
		row := rs.AddRow()
		row.AddCell().SetString(r.RouteID)
		row.AddCell().SetString(r.RouteName)
		row.AddCell().SetString(string(r.Category))
		row.AddCell().SetInt(r.CurrentCompletions)
		row.AddCell().SetInt(r.CompletionLimit)
		row.AddCell().SetInt(r.Remaining)
		row.AddCell().SetString(routeStatus(r))
	}
	return f, nil
}

// SaveXLSX writes the workbook to path.
func SaveXLSX(path string, s *model.QuestionnaireQuotaSummary, routes []model.RouteQuotaInfo) error {
	f, err := BuildXLSX(s, routes)
	if err != nil {
		return err
	}
	return eris.Wrapf(f.Save(path), "report: save %s", path)
}

func addHeader(sheet *xlsx.Sheet, cols ...string) {
	row := sheet.AddRow()
	for _, c := range cols {
		row.AddCell().SetString(c)
	}
}
