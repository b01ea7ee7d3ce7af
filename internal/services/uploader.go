package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Lllllllleong/medbillflow/internal/blob"
	"github.com/Lllllllleong/medbillflow/internal/models"
)

// RequestError is a caller mistake that maps to a 4xx response.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

func badRequest(format string, args ...any) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

var validate = validator.New()

// invalidUpload turns struct validation failures into the caller-facing message.
// Missing fields are reported ahead of a malformed file name.
func invalidUpload(err error) *RequestError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return badRequest("Missing job_id, file_name or file_content")
	}
	var failed []string
	badName := false
	for _, ve := range verrs {
		failed = append(failed, ve.Field()+":"+ve.Tag())
		if ve.Tag() == "excludesall" {
			badName = true
		}
	}
	slog.Warn("Rejected upload.", "failed", failed)
	if badName && len(verrs) == 1 {
		return badRequest("Invalid file_name: path separators are not allowed.")
	}
	return badRequest("Missing job_id, file_name or file_content")
}

// UploaderConfig holds upload settings.
type UploaderConfig struct {
	Bucket   string
	MaxPages int
}

// UploaderFunction accepts bills from callers and drops them where ingestion picks them up.
type UploaderFunction struct {
	objects blob.Store
	config  UploaderConfig
}

func NewUploader(objects blob.Store, config UploaderConfig) *UploaderFunction {
	if config.MaxPages <= 0 {
		config.MaxPages = 3
	}
	return &UploaderFunction{objects: objects, config: config}
}

// Upload validates req and stores the PDF with the job id as object metadata.
// Validation failures are returned as *RequestError and nothing is stored.
func (f *UploaderFunction) Upload(ctx context.Context, req models.UploadRequest) (*models.UploadResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalidUpload(err)
	}
	if !strings.EqualFold(path.Ext(req.FileName), ".pdf") {
		return nil, badRequest("Invalid file type. Only PDF files are allowed.")
	}
	data, err := base64.StdEncoding.DecodeString(req.FileContent)
	if err != nil {
		return nil, badRequest("Invalid file_content: not valid base64.")
	}
	if pages := EstimatePages(data); pages > f.config.MaxPages {
		return nil, badRequest("Too many pages. Maximum %d pages allowed.", f.config.MaxPages)
	}

	logCtx := slog.With("jobId", req.JobID, "gcsObject", req.FileName)
	err = f.objects.Write(ctx, f.config.Bucket, req.FileName, data, blob.WriteOptions{
		ContentType: "application/pdf",
		Metadata:    map[string]string{models.MetadataJobID: req.JobID},
	})
	if err != nil {
		logCtx.Error("Failed to store upload.", "error", err)
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	logCtx.Info("Upload stored.", "bytes", len(data))
	return &models.UploadResponse{
		Message: fmt.Sprintf("File %s uploaded successfully. Job ID: %s", req.FileName, req.JobID),
		Key:     req.FileName,
		JobID:   req.JobID,
	}, nil
}
