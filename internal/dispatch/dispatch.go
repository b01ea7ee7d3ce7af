// Package dispatch hands work to the next pipeline stage without waiting for it.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/Lllllllleong/medbillflow/internal/models"
)

// Dispatcher submits a stage request. A nil error means the submission was accepted,
// not that the stage ran.
type Dispatcher interface {
	Dispatch(ctx context.Context, stage string, req models.StageRequest) error
}

// FireAndForget submits req and only logs a failed submission. It reports whether
// the submission was accepted.
func FireAndForget(ctx context.Context, d Dispatcher, stage string, req models.StageRequest) bool {
	logCtx := slog.With("stage", stage, "correlationId", req.CorrelationID, "jobId", req.JobID)
	if err := d.Dispatch(ctx, stage, req); err != nil {
		logCtx.Error("Failed to hand off to next stage.", "error", err)
		return false
	}
	logCtx.Info("Handed off to next stage.")
	return true
}
