package model

// RouteQuotaInfo is a derived per-route view of a ledger entry.
type RouteQuotaInfo struct {
	RouteID            string   `json:"route_id"`
	RouteName          string   `json:"route_name"`
	Category           Category `json:"category"`
	CurrentCompletions int      `json:"current_completions"`
	CompletionLimit    int      `json:"completion_limit"`
	Remaining          int      `json:"remaining"`
	PercentComplete    float64  `json:"percent_complete"`
	IsActive           bool     `json:"is_active"`
	IsFull             bool     `json:"is_full"`
}

// QuotaInfo derives the read view for e.
func QuotaInfo(e LedgerEntry) RouteQuotaInfo {
	return RouteQuotaInfo{
		RouteID:            e.RouteID,
		RouteName:          e.RouteName,
		Category:           e.Category,
		CurrentCompletions: e.CurrentCompletions,
		CompletionLimit:    e.CompletionLimit,
		Remaining:          e.Remaining(),
		PercentComplete:    e.PercentComplete(),
		IsActive:           e.IsActive,
		IsFull:             e.IsFull(),
	}
}

// CategoryQuotaSummary rolls up ledger entries for one category.
type CategoryQuotaSummary struct {
	Category         Category `json:"category"`
	TotalRoutes      int      `json:"total_routes"`
	ActiveRoutes     int      `json:"active_routes"`
	FullRoutes       int      `json:"full_routes"`
	TotalLimit       int      `json:"total_limit"`
	TotalCompletions int      `json:"total_completions"`
	TotalRemaining   int      `json:"total_remaining"`
	PercentComplete  float64  `json:"percent_complete"`
}

// Add folds e into the summary.
func (s *CategoryQuotaSummary) Add(e LedgerEntry) {
	s.TotalRoutes++
	if e.IsActive {
		s.ActiveRoutes++
	}
	if e.IsFull() {
		s.FullRoutes++
	}
	s.TotalLimit += e.CompletionLimit
	s.TotalCompletions += e.CurrentCompletions
	s.TotalRemaining += e.Remaining()
	s.PercentComplete = percent(s.TotalCompletions, s.TotalLimit)
}

// QuestionnaireQuotaSummary is the questionnaire-wide rollup.
type QuestionnaireQuotaSummary struct {
	QuestionnaireID  string                 `json:"questionnaire_id"`
	TotalRoutes      int                    `json:"total_routes"`
	TotalLimit       int                    `json:"total_limit"`
	TotalCompletions int                    `json:"total_completions"`
	TotalRemaining   int                    `json:"total_remaining"`
	PercentComplete  float64                `json:"percent_complete"`
	Categories       []CategoryQuotaSummary `json:"categories"`
}
