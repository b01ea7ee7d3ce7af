package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/medbillflow/internal/store"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FirestoreBackend stores each table as a collection and each row as a document.
type FirestoreBackend struct {
	client *firestore.Client
}

func NewFirestoreBackend(client *firestore.Client) *FirestoreBackend {
	return &FirestoreBackend{client: client}
}

func (b *FirestoreBackend) Put(ctx context.Context, table, id string, fields map[string]any) error {
	if _, err := b.client.Collection(table).Doc(id).Set(ctx, fields); err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", table, id, err)
	}
	return nil
}

func (b *FirestoreBackend) Get(ctx context.Context, table, id string) (map[string]any, error) {
	snap, err := b.client.Collection(table).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, id, err)
	}
	return snap.Data(), nil
}

func (b *FirestoreBackend) Delete(ctx context.Context, table, id string) error {
	if _, err := b.client.Collection(table).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}
	return nil
}

// ScanPage runs an equality query ordered by document id. The page token is the id
// of the last document of the previous page.
func (b *FirestoreBackend) ScanPage(ctx context.Context, table, attr, value, pageToken string, limit int) (store.Page, error) {
	q := b.client.Collection(table).
		Where(attr, "==", value).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(limit)
	if pageToken != "" {
		q = q.StartAfter(pageToken)
	}

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return store.Page{}, fmt.Errorf("failed to query %s: %w", table, err)
	}

	page := store.Page{Items: make([]store.Item, 0, len(docs))}
	for _, doc := range docs {
		page.Items = append(page.Items, store.Item{ID: doc.Ref.ID, Fields: doc.Data()})
	}
	if len(docs) == limit {
		page.Next = docs[len(docs)-1].Ref.ID
	}
	return page, nil
}
