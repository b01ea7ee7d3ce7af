package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/medbillflow/internal/app"
	"github.com/Lllllllleong/medbillflow/internal/config"
	"github.com/Lllllllleong/medbillflow/internal/httpapi"
)

var (
	handlers *httpapi.Handlers
	once     sync.Once
	initErr  error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleUpload", handleUpload)
}

func main() {}

func handleUpload(w http.ResponseWriter, r *http.Request) {
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
		handlers = httpapi.FromApp(a)
	})
	if initErr != nil {
		slog.Error("Critical: uploader initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	handlers.Upload(w, r)
}
