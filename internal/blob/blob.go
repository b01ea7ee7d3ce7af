// Package blob describes the object storage the pipeline reads bills from and
// writes results to.
package blob

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotExist is returned when an object is missing.
	ErrNotExist = errors.New("blob: object does not exist")
	// ErrExists is returned by Create when the object is already present.
	ErrExists = errors.New("blob: object already exists")
)

// Object is a fetched object body with its metadata.
type Object struct {
	Attrs
	Body []byte
}

// Attrs describes an object without its body.
type Attrs struct {
	Bucket      string
	Key         string
	Size        int64
	ContentType string
	Metadata    map[string]string
	Updated     time.Time
}

// WriteOptions controls a write.
type WriteOptions struct {
	ContentType string
	Metadata    map[string]string
	// IfAbsent makes the write fail with ErrExists instead of overwriting.
	IfAbsent bool
}

// Store is the object storage collaborator.
type Store interface {
	Read(ctx context.Context, bucket, key string) (*Object, error)
	Write(ctx context.Context, bucket, key string, body []byte, opts WriteOptions) error
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]Attrs, error)
}
