package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/medbillflow/internal/blob"
)

// GCSStore implements blob.Store on Cloud Storage.
type GCSStore struct {
	client *storage.Client
}

func NewGCSStore(client *storage.Client) *GCSStore {
	return &GCSStore{client: client}
}

func (s *GCSStore) Read(ctx context.Context, bucket, key string) (*blob.Object, error) {
	obj := s.client.Bucket(bucket).Object(key)
	reader, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, blob.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, key, err)
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, key, err)
	}

	// The reader only carries a subset of attributes; metadata needs an Attrs call.
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, blob.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attributes of gs://%s/%s: %w", bucket, key, err)
	}
	return &blob.Object{Attrs: toAttrs(attrs), Body: body}, nil
}

// Write stores body. With IfAbsent set it writes only if the object doesn't already
// exist, and a failed precondition is reported as blob.ErrExists.
func (s *GCSStore) Write(ctx context.Context, bucket, key string, body []byte, opts blob.WriteOptions) error {
	obj := s.client.Bucket(bucket).Object(key)
	if opts.IfAbsent {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	writer := obj.NewWriter(ctx)
	writer.ContentType = opts.ContentType
	writer.Metadata = opts.Metadata

	if _, err := io.Copy(writer, bytes.NewReader(body)); err != nil {
		_ = writer.Close()
		return classifyWriteErr(key, err)
	}
	if err := writer.Close(); err != nil {
		return classifyWriteErr(key, err)
	}
	return nil
}

func classifyWriteErr(key string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 412 {
		slog.Info("SKIPPING: object already exists.", "gcsObject", key)
		return blob.ErrExists
	}
	return fmt.Errorf("failed to write to GCS object %s: %w", key, err)
}

func (s *GCSStore) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.Bucket(bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return blob.ErrNotExist
	}
	if err != nil {
		return fmt.Errorf("failed to delete gs://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// List returns the objects under prefix, including their metadata.
func (s *GCSStore) List(ctx context.Context, bucket, prefix string) ([]blob.Attrs, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []blob.Attrs
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", bucket, prefix, err)
		}
		out = append(out, toAttrs(attrs))
	}
	return out, nil
}

func toAttrs(a *storage.ObjectAttrs) blob.Attrs {
	return blob.Attrs{
		Bucket:      a.Bucket,
		Key:         a.Name,
		Size:        a.Size,
		ContentType: a.ContentType,
		Metadata:    a.Metadata,
		Updated:     a.Updated,
	}
}
