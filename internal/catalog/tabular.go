package catalog

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// columns maps header names onto rawRoute fields. Column order is free.
var columns = map[string]string{
	"id":               "id",
	"route_id":         "id",
	"name":             "name",
	"route_name":       "name",
	"category":         "category",
	"limit":            "limit",
	"completion_limit": "limit",
}

// readCSV parses a CSV catalog with a header row. A UTF-8 or UTF-16 BOM is
// honoured, since spreadsheet exports commonly carry one.
func readCSV(r io.Reader) ([]rawRoute, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "catalog: read csv row")
		}
		rows = append(rows, record)
	}
	return fromRows(rows)
}

// readXLSX parses the first sheet of a workbook with a header row.
func readXLSX(data []byte) ([]rawRoute, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("catalog: xlsx has no sheets")
	}

	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return fromRows(rows)
}

func fromRows(rows [][]string) ([]rawRoute, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	idx := map[string]int{}
	for i, h := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(h))
		if field, ok := columns[key]; ok {
			if _, dup := idx[field]; !dup {
				idx[field] = i
			}
		}
	}
	if _, ok := idx["name"]; !ok {
		if _, ok := idx["id"]; !ok {
			return nil, eris.New("catalog: header needs an id or name column")
		}
	}

	cell := func(row []string, field string) string {
		i, ok := idx[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := make([]rawRoute, 0, len(rows)-1)
	for n, row := range rows[1:] {
		r := rawRoute{ID: cell(row, "id"), Name: cell(row, "name"), Category: cell(row, "category")}
		if r.ID == "" && r.Name == "" {
			continue
		}
		if s := cell(row, "limit"); s != "" {
			limit, err := strconv.Atoi(s)
			if err != nil {
				return nil, eris.Errorf("catalog: row %d: invalid limit %q", n+2, s)
			}
			r.Limit = limit
		}
		out = append(out, r)
	}
	return out, nil
}
