package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}

// writeServiceError maps domain errors onto status codes. Unmapped errors are logged
// and hidden behind a generic 500.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Request failed", "err", err)
		writeError(w, status, code, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, entity.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, entity.ErrInvalidTransition):
		return http.StatusBadRequest, "invalid_transition"
	case errors.Is(err, entity.ErrNotCancellable):
		return http.StatusBadRequest, "not_cancellable"
	case errors.Is(err, entity.ErrAuth):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, entity.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, entity.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found"
	case errors.Is(err, entity.ErrProductNotFound):
		return http.StatusNotFound, "product_not_found"
	case errors.Is(err, entity.ErrStatusConflict):
		return http.StatusConflict, "status_conflict"
	case errors.Is(err, entity.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
