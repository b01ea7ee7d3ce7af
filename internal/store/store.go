// Package store persists normalized bill records keyed by correlation id.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ErrNotFound is returned by Backend.Get when no record has the id.
var ErrNotFound = errors.New("store: record not found")

// Item is one record returned by a scan.
type Item struct {
	ID     string
	Fields map[string]any
}

// Page is one page of a filtered scan. An empty Next means the scan is complete.
type Page struct {
	Items []Item
	Next  string
}

// Backend is the key-value persistence collaborator: point access by id and a
// paginated scan filtered by one attribute.
type Backend interface {
	Put(ctx context.Context, table, id string, fields map[string]any) error
	Get(ctx context.Context, table, id string) (map[string]any, error)
	Delete(ctx context.Context, table, id string) error
	ScanPage(ctx context.Context, table, attr, value, pageToken string, limit int) (Page, error)
}

// Tables names the working and reference tables.
type Tables struct {
	Patients            string
	Providers           string
	Bills               string
	LineItems           string
	Diagnoses           string
	ReferenceProcedures string
	ReferenceDiagnoses  string

	// Published records which correlation ids already have a result. It is never purged.
	Published string
}

// DefaultTables returns the production table names.
func DefaultTables() Tables {
	return Tables{
		Patients:            "patients",
		Providers:           "providers",
		Bills:               "bill_summaries",
		LineItems:           "line_items",
		Diagnoses:           "diagnoses",
		ReferenceProcedures: "cpt_reference",
		ReferenceDiagnoses:  "icd10_reference",
		Published:           "published_results",
	}
}

// Working returns the tables holding correlation-scoped rows.
func (t Tables) Working() []string {
	return []string{t.Patients, t.Providers, t.Bills, t.LineItems, t.Diagnoses}
}

// Field names shared by every working row.
const (
	FieldCorrelationID = "table_id"
	FieldCreatedAt     = "created_at"
	FieldSourceBucket  = "source_bucket"
	FieldSourceKey     = "source_key"
	FieldPageNo        = "page_no"
)

// RowID is the storage id of a row whose identity is (code, correlationID).
func RowID(code, correlationID string) string {
	return correlationID + "_" + url.PathEscape(code)
}

// ReferenceID is the storage id of a reference entry keyed by code alone.
func ReferenceID(code string) string {
	return url.PathEscape(code)
}

// Repository is the typed view over a Backend used by the pipeline stages.
type Repository struct {
	backend  Backend
	tables   Tables
	pageSize int
}

func NewRepository(backend Backend, tables Tables, pageSize int) *Repository {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Repository{backend: backend, tables: tables, pageSize: pageSize}
}

// Tables returns the table names in use.
func (r *Repository) Tables() Tables { return r.tables }

// ScanByAttribute returns every row of table whose attr equals value, following
// pagination until the backend reports no further pages.
func (r *Repository) ScanByAttribute(ctx context.Context, table, attr, value string) ([]Item, error) {
	var (
		items []Item
		token string
	)
	for {
		page, err := r.backend.ScanPage(ctx, table, attr, value, token, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s by %s: %w", table, attr, err)
		}
		items = append(items, page.Items...)
		if page.Next == "" {
			return items, nil
		}
		token = page.Next
	}
}
