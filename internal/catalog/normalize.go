package catalog

import (
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/route-quota/internal/model"
)

// normalize cleans raw routes: names are trimmed and NFC-normalised, missing
// ids are slugged from the name and categories are mapped onto known values.
// Duplicate ids are rejected.
func normalize(raw []rawRoute) ([]model.Route, error) {
	out := make([]model.Route, 0, len(raw))
	seen := make(map[string]int, len(raw))
	for i, r := range raw {
		name := strings.Join(strings.Fields(norm.NFC.String(r.Name)), " ")
		id := strings.TrimSpace(r.ID)
		if id == "" {
			id = Slug(name)
		}
		if id == "" {
			return nil, eris.Errorf("catalog: route %d has neither id nor name", i+1)
		}
		if prev, dup := seen[id]; dup {
			return nil, eris.Errorf("catalog: duplicate route id %q (entries %d and %d)", id, prev+1, i+1)
		}
		seen[id] = i
		if r.Limit < 0 {
			return nil, eris.Errorf("catalog: route %s has negative limit", id)
		}
		if name == "" {
			name = id
		}

		out = append(out, model.Route{
			ID:              id,
			Name:            name,
			Category:        model.ParseCategory(r.Category),
			CompletionLimit: r.Limit,
		})
	}
	return out, nil
}

// NormalizeRoutes applies the catalog clean-up to routes built elsewhere,
// such as a request body.
func NormalizeRoutes(routes []model.Route) ([]model.Route, error) {
	raw := make([]rawRoute, len(routes))
	for i, r := range routes {
		raw[i] = rawRoute{ID: r.ID, Name: r.Name, Category: string(r.Category), Limit: r.CompletionLimit}
	}
	return normalize(raw)
}

// Slug turns a display name into an ASCII id: accents are stripped, letters
// lowercased and runs of other characters collapsed into single dashes.
func Slug(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
