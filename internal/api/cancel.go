// ABOUTME: Administrative cancel endpoint, registered on chi outside the
// ABOUTME: huma surface so it can sit behind the per-IP rate limiter.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stockyardhq/stockyard/internal/queue"
)

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON: encode failed", "error", err)
	}
}

// cancelJobResponse mirrors the report responses: applied is false when the
// job had already reached a terminal state.
type cancelJobResponse struct {
	Job     jobResponse `json:"job"`
	Applied bool        `json:"applied"`
}

// cancelJobHandler handles POST /api/v1/jobs/{id}/cancel.
// Cancels a queued job outright. Cancelling a leased job prevents any retry;
// the current attempt may still finish but its report will not apply.
func (srv *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	job, applied, err := srv.svc.Cancel(r.Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "cancel job", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, cancelJobResponse{Job: jobToResponse(job), Applied: applied})
}
