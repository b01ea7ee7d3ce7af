package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/medbillflow/internal/blob"
	"github.com/Lllllllleong/medbillflow/internal/dispatch"
	"github.com/Lllllllleong/medbillflow/internal/extract"
	"github.com/Lllllllleong/medbillflow/internal/models"
	"github.com/Lllllllleong/medbillflow/internal/store"
)

// Object kinds routed by the extractor.
const (
	KindBill    = "bill"
	KindPolicy  = "policy"
	KindIgnored = "ignored"
)

// ExtractorConfig holds the coordinator tunables.
type ExtractorConfig struct {
	// Cooldown is slept after a failed extraction, on top of per-call backoff.
	Cooldown       time.Duration
	MaxConcurrency int
	PolicyPrefix   string
}

// PolicyIngester parses policy documents found in the ingestion stream.
type PolicyIngester interface {
	IngestPolicy(ctx context.Context, n models.StorageNotification) error
}

// ExtractorFunction coordinates extraction for a batch of uploaded bills.
type ExtractorFunction struct {
	objects    blob.Store
	repo       *store.Repository
	normalizer *extract.Normalizer
	dispatcher dispatch.Dispatcher
	policies   PolicyIngester
	config     ExtractorConfig

	sleep      func(ctx context.Context, d time.Duration)
	countPages func([]byte) (int, error)
	now        func() time.Time
}

// NewExtractor wires the coordinator. policies may be nil, in which case policy
// objects are ignored.
func NewExtractor(objects blob.Store, repo *store.Repository, normalizer *extract.Normalizer, dispatcher dispatch.Dispatcher, policies PolicyIngester, config ExtractorConfig) *ExtractorFunction {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	return &ExtractorFunction{
		objects:    objects,
		repo:       repo,
		normalizer: normalizer,
		dispatcher: dispatcher,
		policies:   policies,
		config:     config,
		sleep:      sleepCtx,
		countPages: CountPages,
		now:        time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func isPDF(key string) bool {
	return !strings.HasSuffix(key, "/") && strings.EqualFold(path.Ext(key), ".pdf")
}

// Kind classifies an object key. Only PDFs are bills or policies.
func (f *ExtractorFunction) Kind(key string) string {
	if !isPDF(key) {
		return KindIgnored
	}
	if f.config.PolicyPrefix != "" && strings.HasPrefix(key, f.config.PolicyPrefix) {
		return KindPolicy
	}
	return KindBill
}

// Process handles every notification independently. A failing document never
// affects its siblings and the batch itself never fails.
func (f *ExtractorFunction) Process(ctx context.Context, batch []models.StorageNotification) *models.IngestReport {
	report := &models.IngestReport{Documents: make([]models.DocumentOutcome, len(batch))}

	var eg errgroup.Group
	eg.SetLimit(f.config.MaxConcurrency)
	for i, n := range batch {
		eg.Go(func() error {
			report.Documents[i] = f.processOne(ctx, n)
			return nil
		})
	}
	_ = eg.Wait()

	var parsed int
	for _, d := range report.Documents {
		if d.Parsed {
			parsed++
		}
	}
	slog.Info("Ingestion batch complete.", "documents", len(batch), "parsed", parsed)
	return report
}

func (f *ExtractorFunction) processOne(ctx context.Context, n models.StorageNotification) models.DocumentOutcome {
	out := models.DocumentOutcome{Bucket: n.Bucket, Key: n.Key, Kind: f.Kind(n.Key), States: []string{}}
	logCtx := slog.With("gcsBucket", n.Bucket, "gcsObject", n.Key)

	switch out.Kind {
	case KindIgnored:
		logCtx.Info("Ignoring object that is not a PDF.")
		out.States = append(out.States, models.StateSkipped)
		return out
	case KindPolicy:
		if f.policies == nil {
			logCtx.Warn("Policy object received but no policy ingester is configured.")
			return out
		}
		if err := f.policies.IngestPolicy(ctx, n); err != nil {
			out.Error = err.Error()
			logCtx.Error("Failed to ingest policy.", "error", err)
			return out
		}
		out.Parsed = true
		return out
	}

	obj, err := f.objects.Read(ctx, n.Bucket, n.Key)
	if err != nil {
		out.Error = fmt.Sprintf("failed to fetch source: %v", err)
		logCtx.Error("Failed to fetch source object.", "error", err)
		// Nothing was read, so the object is left in place for a redelivery.
		out.States = append(out.States, models.StateChainSkipped, models.StateCleaned)
		return out
	}
	out.States = append(out.States, models.StateFetched)
	out.JobID = obj.Metadata[models.MetadataJobID]
	logCtx = logCtx.With("jobId", out.JobID)
	f.logPageCount(logCtx, obj.Body)

	out.CorrelationID = uuid.NewString()
	logCtx = logCtx.With("correlationId", out.CorrelationID)

	doc, err := f.normalizer.Extract(ctx, obj.Body)
	if err != nil {
		out.Error = err.Error()
		logCtx.Error("Extraction failed.", "error", err, "cooldown", f.config.Cooldown.String())
		f.sleep(ctx, f.config.Cooldown)
	} else {
		out.States = append(out.States, models.StateExtracted)
		summary, err := f.repo.SaveDocument(ctx, store.SaveInput{
			CorrelationID: out.CorrelationID,
			Source:        models.Location{Bucket: n.Bucket, Key: n.Key},
			CreatedAt:     f.now(),
			Document:      doc,
		})
		if err != nil {
			out.Error = err.Error()
			logCtx.Error("Failed to persist extracted document.", "error", err)
		} else {
			out.Parsed = true
			out.States = append(out.States, models.StatePersisted)
			logCtx.Info("Persisted extracted document.", "lineItems", summary.LineItems, "diagnoses", summary.Diagnoses)
		}
	}

	f.chain(ctx, logCtx, &out)
	f.cleanup(ctx, logCtx, &out)
	return out
}

func (f *ExtractorFunction) logPageCount(logCtx *slog.Logger, body []byte) {
	estimated := EstimatePages(body)
	pages, err := f.countPages(body)
	if err != nil {
		logCtx.Warn("Could not count PDF pages.", "estimatedPages", estimated, "error", err)
		return
	}
	logCtx.Info("Fetched source document.", "pageCount", pages, "estimatedPages", estimated, "bytes", len(body))
}

func (f *ExtractorFunction) chain(ctx context.Context, logCtx *slog.Logger, out *models.DocumentOutcome) {
	if out.CorrelationID == "" {
		logCtx.Warn("No correlation id was minted; skipping hand-off.")
		out.States = append(out.States, models.StateChainSkipped)
		return
	}
	req := models.StageRequest{
		CorrelationID: out.CorrelationID,
		JobID:         out.JobID,
		Source:        &models.Location{Bucket: out.Bucket, Key: out.Key},
	}
	if dispatch.FireAndForget(ctx, f.dispatcher, models.StageValidate, req) {
		out.States = append(out.States, models.StateChained)
		return
	}
	out.States = append(out.States, models.StateChainSkipped)
}

func (f *ExtractorFunction) cleanup(ctx context.Context, logCtx *slog.Logger, out *models.DocumentOutcome) {
	err := f.objects.Delete(ctx, out.Bucket, out.Key)
	switch {
	case err == nil:
		logCtx.Info("Deleted source object.")
	case errors.Is(err, blob.ErrNotExist):
		logCtx.Info("Source object already gone.")
	default:
		logCtx.Error("Failed to delete source object.", "error", err)
	}
	out.States = append(out.States, models.StateCleaned)
}
