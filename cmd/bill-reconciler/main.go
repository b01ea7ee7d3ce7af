package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/medbillflow/internal/app"
	"github.com/Lllllllleong/medbillflow/internal/config"
	"github.com/Lllllllleong/medbillflow/internal/events"
	"github.com/Lllllllleong/medbillflow/internal/models"
	"github.com/Lllllllleong/medbillflow/internal/services"
)

var (
	reconciler *services.ReconcilerFunction
	once       sync.Once
	initErr    error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("ReconcileBill", reconcileBill)
	functions.HTTP("HandleReconcileBill", handleReconcileBill)
}

func main() {}

func setup() error {
	once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			initErr = err
			return
		}
		a, err := app.New(context.Background(), cfg)
		if err != nil {
			initErr = err
			return
		}
		reconciler = a.Reconciler
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
	}
	return initErr
}

// reconcileBill handles a handoff published to the reconcile topic.
func reconcileBill(ctx context.Context, e cloudevents.Event) error {
	if err := setup(); err != nil {
		return err
	}
	req, err := events.StageRequest(e)
	if err != nil {
		// A malformed message will never decode; acknowledge it.
		slog.Error("Failed to decode stage request", "error", err, "eventId", e.ID())
		return nil
	}
	_, err = reconciler.Process(ctx, req)
	return err
}

// handleReconcileBill is the Workflows entry point and returns the reconcile outcome.
func handleReconcileBill(w http.ResponseWriter, r *http.Request) {
	if err := setup(); err != nil {
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	var req models.StageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	res, err := reconciler.Process(r.Context(), req)
	if err != nil {
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err, "correlationId", req.CorrelationID)
	}
}
