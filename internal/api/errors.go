package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/transcribegate/transcribegate/internal/files"
	"github.com/transcribegate/transcribegate/internal/queue"
)

// HTTPStatus maps a service error to its response status.
func HTTPStatus(err error) int {
	var verr *files.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, files.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Internal errors are logged and not echoed.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", RequestIDFrom(r.Context()), "error", err)
		writeError(w, status, "internal error")
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeError(w, status, err.Error())
}
