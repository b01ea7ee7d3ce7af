// Package app builds the pipeline services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/medbillflow/internal/blob"
	"github.com/Lllllllleong/medbillflow/internal/config"
	"github.com/Lllllllleong/medbillflow/internal/dispatch"
	"github.com/Lllllllleong/medbillflow/internal/extract"
	"github.com/Lllllllleong/medbillflow/internal/gcp"
	"github.com/Lllllllleong/medbillflow/internal/llm"
	"github.com/Lllllllleong/medbillflow/internal/models"
	"github.com/Lllllllleong/medbillflow/internal/services"
	"github.com/Lllllllleong/medbillflow/internal/store"
)

// App holds every pipeline stage sharing one set of clients.
type App struct {
	Uploader   *services.UploaderFunction
	Extractor  *services.ExtractorFunction
	Validator  *services.ValidatorFunction
	Reconciler *services.ReconcilerFunction
	Retriever  *services.RetrieverFunction

	closers []func() error
}

// Deps are the infrastructure pieces the stages run on.
type Deps struct {
	Objects    blob.Store
	Backend    store.Backend
	Generator  llm.Generator
	Dispatcher dispatch.Dispatcher
}

// New connects to Cloud Storage, Firestore, the configured model provider and the
// configured dispatcher, then wires the stages.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}
	deps, err := a.connect(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.wire(cfg, deps)
	return a, nil
}

// NewWithDeps wires the stages on caller-supplied infrastructure.
func NewWithDeps(cfg *config.Config, deps Deps) *App {
	a := &App{}
	a.wire(cfg, deps)
	return a
}

func (a *App) connect(ctx context.Context, cfg *config.Config) (Deps, error) {
	var deps Deps

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return deps, fmt.Errorf("failed to create storage client: %w", err)
	}
	a.closers = append(a.closers, storageClient.Close)
	deps.Objects = gcp.NewGCSStore(storageClient)

	fsClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return deps, err
	}
	a.closers = append(a.closers, fsClient.Close)
	deps.Backend = gcp.NewFirestoreBackend(fsClient)

	switch cfg.ModelProvider {
	case config.ProviderAnthropic:
		gen, err := llm.NewAnthropicGenerator(cfg.AnthropicKey, cfg.ModelName)
		if err != nil {
			return deps, err
		}
		deps.Generator = gen
	default:
		gen, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.Region, cfg.ModelName)
		if err != nil {
			return deps, err
		}
		a.closers = append(a.closers, gen.Close)
		deps.Generator = gen
	}

	switch cfg.DispatchMode {
	case config.DispatchWorkflows:
		d, err := gcp.NewWorkflowDispatcher(ctx, cfg.ProjectID, cfg.WorkflowLocation, map[string]string{
			models.StageValidate:  cfg.ValidateWorkflow,
			models.StageReconcile: cfg.ReconcileWorkflow,
		})
		if err != nil {
			return deps, err
		}
		a.closers = append(a.closers, d.Close)
		deps.Dispatcher = d
	case config.DispatchHTTP:
		deps.Dispatcher = dispatch.NewHTTPDispatcher(cfg.StageBaseURL)
	default:
		d, err := gcp.NewPubSubDispatcher(ctx, cfg.ProjectID, map[string]string{
			models.StageValidate:  cfg.ValidateTopic,
			models.StageReconcile: cfg.ReconcileTopic,
		})
		if err != nil {
			return deps, err
		}
		a.closers = append(a.closers, d.Close)
		deps.Dispatcher = d
	}
	return deps, nil
}

func (a *App) wire(cfg *config.Config, deps Deps) {
	repo := store.NewRepository(deps.Backend, Tables(cfg), cfg.ScanPageSize)
	invoker := llm.NewInvoker(deps.Generator, llm.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		JitterMax:   cfg.RetryJitterMax,
	})

	a.Uploader = services.NewUploader(deps.Objects, services.UploaderConfig{
		Bucket:   cfg.UploadBucket,
		MaxPages: cfg.MaxUploadPages,
	})
	a.Validator = services.NewValidator(repo, invoker, deps.Dispatcher, services.ValidatorConfig{
		CompareMaxTokens: cfg.CompareMaxTokens,
	})
	a.Reconciler = services.NewReconciler(deps.Objects, repo, invoker, services.ReconcilerConfig{
		ResultsBucket:      cfg.ResultsBucket,
		ResultsPrefix:      cfg.ResultsPrefix,
		ParsedPolicyPrefix: cfg.ParsedPolicyPrefix,
		ReconcileMaxTokens: cfg.ReconcileMaxTokens,
		PolicyMaxTokens:    cfg.PolicyMaxTokens,
	})
	a.Extractor = services.NewExtractor(deps.Objects, repo, extract.NewNormalizer(invoker, cfg.DocMaxTokens), deps.Dispatcher, a.Reconciler, services.ExtractorConfig{
		Cooldown:       cfg.ExtractionCooldown,
		MaxConcurrency: cfg.BatchConcurrency,
		PolicyPrefix:   cfg.PolicySourcePrefix,
	})
	a.Retriever = services.NewRetriever(deps.Objects, services.RetrieverConfig{
		Bucket: cfg.ResultsBucket,
		Prefix: cfg.ResultsPrefix,
	})
}

// Tables maps configured collection names onto the repository's tables.
func Tables(cfg *config.Config) store.Tables {
	return store.Tables{
		Patients:            cfg.PatientsTable,
		Providers:           cfg.ProvidersTable,
		Bills:               cfg.BillsTable,
		LineItems:           cfg.LineItemsTable,
		Diagnoses:           cfg.DiagnosesTable,
		ReferenceProcedures: cfg.ReferenceProceduresTable,
		ReferenceDiagnoses:  cfg.ReferenceDiagnosesTable,
		Published:           cfg.PublishedTable,
	}
}

// Close releases every client New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		slog.Warn("Failed to close some clients.", "error", err)
		return err
	}
	return nil
}
