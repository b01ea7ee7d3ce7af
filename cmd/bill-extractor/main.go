package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/medbillflow/internal/app"
	"github.com/Lllllllleong/medbillflow/internal/config"
	"github.com/Lllllllleong/medbillflow/internal/events"
	"github.com/Lllllllleong/medbillflow/internal/services"
)

var (
	extractor *services.ExtractorFunction
	once      sync.Once
	initErr   error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("ExtractBills", extractBills)
}

func main() {}

// extractBills runs on storage notifications. Per-document failures are reported
// and logged but never fail the event, so the batch is not redelivered.
func extractBills(ctx context.Context, e cloudevents.Event) error {
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
		extractor = a.Extractor
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	batch, err := events.Notifications(e)
	if err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "eventId", e.ID())
		return err
	}

	report := extractor.Process(ctx, batch)
	for _, doc := range report.Documents {
		slog.Info("Document outcome.",
			"gcsObject", doc.Key,
			"correlationId", doc.CorrelationID,
			"parsed", doc.Parsed,
			"finalState", doc.Final(),
			"error", doc.Error,
		)
	}
	return nil
}
