package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/route-quota/internal/ledger"
	"github.com/sells-group/route-quota/internal/submission"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeFailure maps an infrastructure error onto a status code. Internal
// details are logged, not returned.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, submission.ErrInvalidRequest):
		status, msg = http.StatusBadRequest, "user, questionnaire and route are required"
	case errors.Is(err, ledger.ErrNotFound):
		status, msg = http.StatusNotFound, "route is not tracked for this questionnaire"
	case errors.Is(err, ledger.ErrTransientContention):
		status, msg = http.StatusServiceUnavailable, "route is busy, try again"
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, ledger.ErrGraceTooShort):
		status, msg = http.StatusBadRequest, "reconcile grace is too short"
	case errors.Is(err, ledger.ErrLimitBelowCompletions), errors.Is(err, ledger.ErrInvalidLimit):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, msg)
}
