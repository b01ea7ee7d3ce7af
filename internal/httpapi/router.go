package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Lllllllleong/medbillflow/internal/app"
	"github.com/Lllllllleong/medbillflow/internal/models"
)

// FromApp builds handlers over every stage of a.
func FromApp(a *app.App) *Handlers {
	return &Handlers{
		Uploader:  a.Uploader,
		Extractor: a.Extractor,
		Retriever: a.Retriever,
		Stages: map[string]StageRunner{
			models.StageValidate: StageFunc(func(ctx context.Context, req models.StageRequest) error {
				_, err := a.Validator.Process(ctx, req)
				return err
			}),
			models.StageReconcile: StageFunc(func(ctx context.Context, req models.StageRequest) error {
				_, err := a.Reconciler.Process(ctx, req)
				return err
			}),
		},
	}
}

// NewRouter mounts the pipeline endpoints.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         3600,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/upload", h.Upload)
	r.Get("/result", h.Result)
	r.Post("/ingest", h.Ingest)
	r.Post("/stages/{stage}", h.Stage)
	return r
}
