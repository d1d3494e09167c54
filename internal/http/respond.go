package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/logprocessor/internal/repository"
	"github.com/splax/logprocessor/internal/service/logs"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps pipeline errors onto status codes.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	var verr *logs.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid query")
	case errors.Is(err, repository.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		r.logger.Error("log store unavailable", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "log store unavailable")
	default:
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
