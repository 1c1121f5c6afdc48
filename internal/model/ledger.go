package model

import "time"

// LedgerMetadata holds informational counters. They are not used for
// enforcement.
type LedgerMetadata struct {
	TotalSubmissions int `json:"total_submissions"`
	UniqueUsers      int `json:"unique_users"`
}

// LedgerEntry tracks completions against the cap for one route under one
// questionnaire.
type LedgerEntry struct {
	QuestionnaireID    string         `json:"questionnaire_id"`
	RouteID            string         `json:"route_id"`
	RouteName          string         `json:"route_name"`
	Category           Category       `json:"category"`
	CurrentCompletions int            `json:"current_completions"`
	CompletionLimit    int            `json:"completion_limit"`
	IsActive           bool           `json:"is_active"`
	Version            int64          `json:"version"`
	Metadata           LedgerMetadata `json:"metadata"`
	CreatedAt          time.Time      `json:"created_at"`
	LastUpdated        time.Time      `json:"last_updated"`
}

// Remaining returns the number of completions still available, never negative.
func (e LedgerEntry) Remaining() int {
	r := e.CompletionLimit - e.CurrentCompletions
	if r < 0 {
		return 0
	}
	return r
}

// IsFull reports whether the entry has no capacity left.
func (e LedgerEntry) IsFull() bool {
	return e.CurrentCompletions >= e.CompletionLimit
}

// CanReserve reports whether one more completion may be claimed.
func (e LedgerEntry) CanReserve() bool {
	return e.IsActive && !e.IsFull()
}

// PercentComplete returns completions as a percentage of the limit.
func (e LedgerEntry) PercentComplete() float64 {
	return percent(e.CurrentCompletions, e.CompletionLimit)
}

// NewLedgerEntry builds a fresh entry for route r under questionnaireID.
func NewLedgerEntry(questionnaireID string, r Route, limit int, now time.Time) LedgerEntry {
	return LedgerEntry{
		QuestionnaireID: questionnaireID,
		RouteID:         r.ID,
		RouteName:       r.Name,
		Category:        r.Category,
		CompletionLimit: limit,
		IsActive:        true,
		CreatedAt:       now,
		LastUpdated:     now,
	}
}

func percent(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d) * 100
}
