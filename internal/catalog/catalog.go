// Package catalog loads the static route list used to seed ledger tracking.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/route-quota/internal/model"
)

// Format is a catalog file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("catalog: unsupported file type %q", filepath.Ext(path))
	}
}

// Provider yields the routes offered under a questionnaire.
type Provider interface {
	Routes(ctx context.Context, questionnaireID string) ([]model.Route, error)
}

// Static serves the same route list for every questionnaire.
type Static struct {
	routes []model.Route
}

// NewStatic wraps routes.
func NewStatic(routes []model.Route) *Static {
	return &Static{routes: routes}
}

// Routes returns a copy of the configured list.
func (s *Static) Routes(_ context.Context, _ string) ([]model.Route, error) {
	out := make([]model.Route, len(s.routes))
	copy(out, s.routes)
	return out, nil
}

// EntryLister is the ledger read used by LedgerProvider.
type EntryLister interface {
	Entries(ctx context.Context, questionnaireID string) ([]model.LedgerEntry, error)
}

// LedgerProvider derives routes from the ledger entries already seeded for a
// questionnaire. It is used when no catalog file is configured.
type LedgerProvider struct {
	entries EntryLister
}

// NewLedgerProvider wraps entries.
func NewLedgerProvider(entries EntryLister) *LedgerProvider {
	return &LedgerProvider{entries: entries}
}

func (p *LedgerProvider) Routes(ctx context.Context, questionnaireID string) ([]model.Route, error) {
	entries, err := p.entries.Entries(ctx, questionnaireID)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: routes from ledger")
	}
	out := make([]model.Route, len(entries))
	for i, e := range entries {
		out[i] = model.Route{ID: e.RouteID, Name: e.RouteName, Category: e.Category, CompletionLimit: e.CompletionLimit}
	}
	return out, nil
}

// Load reads and normalises a catalog file.
func Load(path string) ([]model.Route, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Parse(format, data)
}

// Parse decodes data in the given format and normalises the result.
func Parse(format Format, data []byte) ([]model.Route, error) {
	var (
		raw []rawRoute
		err error
	)
	switch format {
	case FormatYAML:
		raw, err = decodeYAML(data)
	case FormatJSON:
		raw, err = decodeJSON(data)
	case FormatCSV:
		raw, err = readCSV(bytes.NewReader(data))
	case FormatXLSX:
		raw, err = readXLSX(data)
	default:
		return nil, eris.Errorf("catalog: unknown format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return normalize(raw)
}

// rawRoute is a route as read from a file, before normalisation.
type rawRoute struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Category string `yaml:"category" json:"category"`
	Limit    int    `yaml:"limit" json:"limit"`
}

type rawFile struct {
	Routes []rawRoute `yaml:"routes" json:"routes"`
}

func decodeYAML(data []byte) ([]rawRoute, error) {
	var list []rawRoute
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var f rawFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "catalog: parse yaml")
	}
	return f.Routes, nil
}

func decodeJSON(data []byte) ([]rawRoute, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []rawRoute
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, eris.Wrap(err, "catalog: parse json")
		}
		return list, nil
	}
	var f rawFile
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, eris.Wrap(err, "catalog: parse json")
	}
	return f.Routes, nil
}
