// Package httpserver carries the HTTP surface of the service: REST handlers
// for auth, conversations, messages, datasets, settings and usage, the
// WebSocket attach point for the push channel, and the middleware stack.
// Handlers translate between wire DTOs and the usecase services; business
// rules stay out of this package.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to the envelope
// {"error":{"code","message","details?"}}. Rate-limit denials carry
// resets_in_seconds when the error has it.
func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = "invalid_argument"
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
		code = "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		code = "rate_limited"
		var rle *domain.RateLimitError
		if details == nil && errors.As(err, &rle) {
			details = map[string]any{"resets_in_seconds": rle.ResetsInSeconds}
		}
	case errors.Is(err, domain.ErrUpstreamTimeout):
		status = http.StatusGatewayTimeout
		code = "upstream_timeout"
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		status = http.StatusServiceUnavailable
		code = "upstream_rate_limited"
	}
	if code == "internal" {
		// Internal messages tend to carry infrastructure detail; keep them
		// out of responses.
		LoggerFrom(r).Error("request failed", slog.Any("error", err))
		writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: "internal error"}})
		return
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: err.Error(), Details: details}})
}
