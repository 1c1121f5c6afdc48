package model

import "strings"

// Category groups routes that share a default completion limit.
type Category string

const (
	CategoryMainLoop        Category = "main-loop"
	CategoryLoopBranch      Category = "loop-branch"
	CategoryLoopAlternative Category = "loop-alternative"
	CategoryDiverse         Category = "diverse"
	CategoryOther           Category = "other"
)

// Categories lists every category in reporting order.
var Categories = []Category{
	CategoryMainLoop,
	CategoryLoopBranch,
	CategoryLoopAlternative,
	CategoryDiverse,
	CategoryOther,
}

// ParseCategory maps free-form input onto a known category. Unknown values
// fall back to CategoryOther.
func ParseCategory(s string) Category {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "_", "-")
	norm = strings.ReplaceAll(norm, " ", "-")
	for _, c := range Categories {
		if string(c) == norm {
			return c
		}
	}
	return CategoryOther
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// Rank returns the position of c in reporting order.
func (c Category) Rank() int {
	for i, k := range Categories {
		if k == c {
			return i
		}
	}
	return len(Categories)
}

// Route is static reference data for a cycling or taxi route.
type Route struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	Category        Category `json:"category" yaml:"category"`
	CompletionLimit int      `json:"completion_limit,omitempty" yaml:"completion_limit,omitempty"` // 0 = category default
}

// CategoryLimits maps a category to its default completion limit.
type CategoryLimits map[Category]int

// DefaultCategoryLimits returns the stock per-category limits.
func DefaultCategoryLimits() CategoryLimits {
	return CategoryLimits{
		CategoryMainLoop:        70,
		CategoryLoopBranch:      35,
		CategoryLoopAlternative: 35,
		CategoryDiverse:         40,
		CategoryOther:           35,
	}
}

// LimitFor resolves the completion limit for r. A route-level override wins
// over the category default; a missing category default falls back to the
// "other" default.
func (l CategoryLimits) LimitFor(r Route) int {
	if r.CompletionLimit > 0 {
		return r.CompletionLimit
	}
	if n, ok := l[r.Category]; ok && n > 0 {
		return n
	}
	if n, ok := l[CategoryOther]; ok && n > 0 {
		return n
	}
	return 0
}

// ParseCategoryLimits converts a string-keyed map (as read from config) into
// CategoryLimits. Keys are normalised with ParseCategory.
func ParseCategoryLimits(raw map[string]int) CategoryLimits {
	out := make(CategoryLimits, len(raw))
	for k, v := range raw {
		out[ParseCategory(k)] = v
	}
	return out
}
