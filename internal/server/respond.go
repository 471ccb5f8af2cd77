package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"codetop/internal/domain"
)

type errorBody struct {
	Error   string `json:"error"`
	TraceID string `json:"traceId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg, TraceID: traceFrom(r.Context())})
}

// writeError maps the domain sentinels onto status codes. Anything
// unrecognized is infrastructure trouble and surfaces as a generic 500
// so internals never leak to callers.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrDuplicateInFlight):
		status, msg = http.StatusConflict, "duplicate request in flight"
	case errors.Is(err, domain.ErrRateLimited):
		status, msg = http.StatusTooManyRequests, "rate limited"
	case errors.Is(err, domain.ErrTransient):
		status, msg = http.StatusServiceUnavailable, "temporarily unavailable"
	default:
		status, msg = http.StatusInternalServerError, "internal error"
		s.log.Error("request failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("trace_id", traceFrom(r.Context())))
	}
	writeErrorMessage(w, r, status, msg)
}
