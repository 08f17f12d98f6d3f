package web

import (
	"encoding/json"
	"net/http"

	"github.com/promethea-labs/promethea/pkg/models"
)

// statusFor maps the error taxonomy onto HTTP status codes in one place.
func statusFor(kind models.Kind) int {
	switch kind {
	case models.KindUnauthorized:
		return http.StatusUnauthorized
	case models.KindForbidden, models.KindToolDenied:
		return http.StatusForbidden
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindBusy, models.KindRateLimited:
		return http.StatusTooManyRequests
	case models.KindInvalidArguments:
		return http.StatusBadRequest
	case models.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case models.KindToolTimeout:
		return http.StatusGatewayTimeout
	case models.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the error's user-facing message and kind. Causes and
// stack traces stay in the logs.
func writeError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	writeJSON(w, statusFor(kind), map[string]string{
		"error": models.UserMessage(err),
		"kind":  string(kind),
	})
}
