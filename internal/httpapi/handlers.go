// Package httpapi exposes the pipeline stages over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Lllllllleong/medbillflow/internal/events"
	"github.com/Lllllllleong/medbillflow/internal/models"
	"github.com/Lllllllleong/medbillflow/internal/services"
)

// StageRunner is a stage that handles a handoff request.
type StageRunner interface {
	Run(ctx context.Context, req models.StageRequest) error
}

// StageFunc adapts a function to StageRunner.
type StageFunc func(ctx context.Context, req models.StageRequest) error

func (f StageFunc) Run(ctx context.Context, req models.StageRequest) error { return f(ctx, req) }

// Handlers serves the pipeline endpoints.
type Handlers struct {
	Uploader  *services.UploaderFunction
	Extractor *services.ExtractorFunction
	Retriever *services.RetrieverFunction
	Stages    map[string]StageRunner

	// Background runs acknowledged stage work. Defaults to a new goroutine.
	Background func(func())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Upload accepts a base64 PDF and stores it for ingestion.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	var req models.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		writeError(w, http.StatusBadRequest, "Bad Request: could not parse JSON")
		return
	}

	res, err := h.Uploader.Upload(r.Context(), req)
	var reqErr *services.RequestError
	switch {
	case errors.As(err, &reqErr):
		writeError(w, reqErr.Status, reqErr.Message)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// Result hands back the finished result for ?jobId= and removes it. A result that
// vanished mid-fetch is a 409 the caller may retry; absent results are 404.
func (h *Handlers) Result(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	body, err := h.Retriever.Fetch(r.Context(), jobID)
	switch {
	case errors.Is(err, services.ErrMissingJobID):
		writeError(w, http.StatusBadRequest, "Missing jobId parameter")
	case errors.Is(err, services.ErrNoResults):
		writeError(w, http.StatusNotFound, "no files found")
	case errors.Is(err, services.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "No file matches jobId")
	case errors.Is(err, services.ErrResultNotReady):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusConflict, "file not ready yet")
	case err != nil:
		slog.Error("Failed to retrieve result", "jobId", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(body); err != nil {
			slog.Error("Failed to write response", "jobId", jobID, "error", err)
		}
	}
}

// Ingest runs extraction for a batch of storage notifications and returns the
// per-document report.
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request: could not parse JSON")
		return
	}
	batch, err := events.DecodeNotifications(raw)
	if err != nil {
		slog.Warn("Could not decode notifications", "error", err)
		writeError(w, http.StatusBadRequest, "Bad Request: could not parse JSON")
		return
	}
	writeJSON(w, http.StatusOK, h.Extractor.Process(r.Context(), batch))
}

// Stage acknowledges a handoff with 202 and runs the stage named in the path in
// the background.
func (h *Handlers) Stage(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")
	runner, ok := h.Stages[stage]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown stage "+stage)
		return
	}
	var req models.StageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request: could not parse JSON")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	background := h.Background
	if background == nil {
		background = func(fn func()) { go fn() }
	}
	background(func() {
		if err := runner.Run(ctx, req); err != nil {
			slog.Error("Stage failed", "stage", stage, "correlationId", req.CorrelationID, "error", err)
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "stage": stage})
}
