package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/medbillflow/internal/blob"
	"github.com/Lllllllleong/medbillflow/internal/models"
)

var (
	ErrMissingJobID   = errors.New("missing jobId")
	ErrNoResults      = errors.New("no files found")
	ErrJobNotFound    = errors.New("no file matches jobId")
	ErrResultNotReady = errors.New("file not ready yet")
)

// RetrieverConfig locates published results.
type RetrieverConfig struct {
	Bucket string
	Prefix string
}

// RetrieverFunction hands a finished result to its caller exactly once.
type RetrieverFunction struct {
	objects blob.Store
	config  RetrieverConfig
}

func NewRetriever(objects blob.Store, config RetrieverConfig) *RetrieverFunction {
	return &RetrieverFunction{objects: objects, config: config}
}

// Fetch finds the result whose metadata carries jobID, deletes it and returns its
// body. The body is only returned once the delete has succeeded.
func (f *RetrieverFunction) Fetch(ctx context.Context, jobID string) (json.RawMessage, error) {
	if jobID == "" {
		return nil, ErrMissingJobID
	}
	logCtx := slog.With("jobId", jobID)

	candidates, err := f.objects.List(ctx, f.config.Bucket, f.config.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	var (
		match *blob.Attrs
		found int
	)
	for i := range candidates {
		if strings.HasSuffix(candidates[i].Key, "/") {
			continue
		}
		found++
		if candidates[i].Metadata[models.MetadataJobID] == jobID {
			match = &candidates[i]
			break
		}
	}
	if found == 0 {
		return nil, ErrNoResults
	}
	if match == nil {
		return nil, ErrJobNotFound
	}

	obj, err := f.objects.Read(ctx, f.config.Bucket, match.Key)
	if errors.Is(err, blob.ErrNotExist) {
		return nil, ErrResultNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result %s: %w", match.Key, err)
	}
	if !json.Valid(obj.Body) {
		return nil, fmt.Errorf("result %s is not valid JSON", match.Key)
	}

	if err := f.objects.Delete(ctx, f.config.Bucket, match.Key); err != nil {
		if errors.Is(err, blob.ErrNotExist) {
			// Another fetch got there first.
			return nil, ErrResultNotReady
		}
		return nil, fmt.Errorf("failed to delete result %s: %w", match.Key, err)
	}
	logCtx.Info("Result delivered and deleted.", "resultKey", match.Key)
	return json.RawMessage(obj.Body), nil
}
