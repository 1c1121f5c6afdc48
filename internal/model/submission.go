package model

import "time"

// ValidationFlags annotate an accepted submission.
type ValidationFlags struct {
	IsDuplicate      bool `json:"is_duplicate"`
	IsTestSubmission bool `json:"is_test_submission"`
	RequiresReview   bool `json:"requires_review"`
}

// SubmissionRecord is written once per accepted submission and never changed.
type SubmissionRecord struct {
	ID              string          `json:"id"`
	ResponseID      string          `json:"response_id"`
	UserID          string          `json:"user_id"`
	QuestionnaireID string          `json:"questionnaire_id"`
	RouteID         string          `json:"route_id"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	Flags           ValidationFlags `json:"validation_flags"`
}

// CountFor returns how many records in history match (questionnaireID, routeID).
func CountFor(history []SubmissionRecord, questionnaireID, routeID string) int {
	n := 0
	for _, rec := range history {
		if rec.QuestionnaireID == questionnaireID && rec.RouteID == routeID {
			n++
		}
	}
	return n
}

// Latest returns the user's most recent record in history regardless of
// questionnaire, or nil when there is none.
func Latest(history []SubmissionRecord) *SubmissionRecord {
	var latest *SubmissionRecord
	for i := range history {
		rec := &history[i]
		if latest == nil || rec.SubmittedAt.After(latest.SubmittedAt) {
			latest = rec
		}
	}
	return latest
}
