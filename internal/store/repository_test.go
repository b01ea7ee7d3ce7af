package store_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/medbillflow/internal/models"
	"github.com/Lllllllleong/medbillflow/internal/store"
	"github.com/Lllllllleong/medbillflow/internal/testutil"
)

func money(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}

func sampleDocument() *models.NormalizedDocument {
	return &models.NormalizedDocument{
		Patient:  models.PatientInfo{FirstName: "Jane", LastName: "Doe", ZipCode: "62704"},
		Provider: models.ProviderInfo{Name: "General Hospital"},
		Bill: models.BillInfo{
			Items: []models.LineItem{
				{Code: "99213", Description: "Office visit", Amount: money("120.00")},
				{Code: "", Description: "Supplies", Amount: money("15.25")},
				{Code: "85025", Description: "Blood count"},
			},
			BillTotals: models.BillTotals{Subtotal: money("135.25"), BalanceDue: money("135.25")},
		},
		Diagnoses: []models.DiagnosisCode{
			{Code: "J02.9", Description: "Acute pharyngitis"},
			{Code: "", Description: "unlabelled"},
		},
	}
}

func save(t *testing.T, repo *store.Repository, cid string) *store.SaveSummary {
	t.Helper()
	summary, err := repo.SaveDocument(context.Background(), store.SaveInput{
		CorrelationID: cid,
		Source:        models.Location{Bucket: "bills-in", Key: "bill.pdf"},
		CreatedAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Document:      sampleDocument(),
	})
	require.NoError(t, err)
	return summary
}

func TestSaveDocumentRowShape(t *testing.T) {
	backend := testutil.NewMemoryBackend()
	repo := store.NewRepository(backend, store.DefaultTables(), 100)

	summary := save(t, repo, "cid-1")

	assert.Equal(t, 3, summary.LineItems)
	assert.Equal(t, 1, summary.Diagnoses)
	assert.Equal(t, 1, backend.Count("diagnoses"))

	bill := backend.Rows("bill_summaries")["cid-1"]
	require.NotNil(t, bill)
	assert.Equal(t, "cid-1", bill[store.FieldCorrelationID])
	assert.Equal(t, "2025-03-01T12:00:00Z", bill[store.FieldCreatedAt])
	assert.Equal(t, "bills-in", bill[store.FieldSourceBucket])
	assert.Equal(t, int64(1), bill[store.FieldPageNo])
	assert.Equal(t, "135.25", bill["subtotal"])
	assert.NotContains(t, bill, "discount")

	var placeholders int
	for _, row := range backend.Rows("line_items") {
		if strings.HasPrefix(row["code"].(string), store.PlaceholderPrefix) {
			placeholders++
		}
	}
	assert.Equal(t, 1, placeholders)

	patient := backend.Rows("patients")[summary.PatientID]
	assert.Equal(t, "Jane", patient["firstname"])
	assert.NotContains(t, patient, "phone")
}

func TestScanFollowsPagination(t *testing.T) {
	backend := testutil.NewMemoryBackend()
	repo := store.NewRepository(backend, store.DefaultTables(), 1)
	save(t, repo, "cid-1")
	save(t, repo, "cid-2")

	before := backend.ScanCalls
	items, err := repo.LineItems(context.Background(), "cid-1")
	require.NoError(t, err)

	assert.Len(t, items, 3)
	assert.GreaterOrEqual(t, backend.ScanCalls-before, 3)
	for i := 1; i < len(items); i++ {
		assert.LessOrEqual(t, items[i-1].Code, items[i].Code)
	}
}

func TestLoadBill(t *testing.T) {
	repo := store.NewRepository(testutil.NewMemoryBackend(), store.DefaultTables(), 2)
	summary := save(t, repo, "cid-1")

	bill, err := repo.LoadBill(context.Background(), "cid-1")
	require.NoError(t, err)

	assert.Equal(t, summary.PatientID, bill.PatientID)
	assert.Equal(t, "Jane", bill.Patient.FirstName)
	assert.Equal(t, "General Hospital", bill.Provider.Name)
	assert.Equal(t, "bill.pdf", bill.Source.Key)
	assert.True(t, bill.Totals.BalanceDue.Decimal.Equal(decimal.RequireFromString("135.25")))
	assert.False(t, bill.Totals.Discount.Valid)
	assert.Len(t, bill.Items, 3)
	require.Len(t, bill.Diagnoses, 1)
	assert.Equal(t, "J02.9", bill.Diagnoses[0].Code)

	_, err = repo.LoadBill(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPurgeOnlyTouchesOneCorrelationID(t *testing.T) {
	backend := testutil.NewMemoryBackend()
	repo := store.NewRepository(backend, store.DefaultTables(), 1)
	save(t, repo, "cid-1")
	save(t, repo, "cid-2")

	report, err := repo.Purge(context.Background(), "cid-1")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{
		"patients":       1,
		"providers":      1,
		"bill_summaries": 1,
		"line_items":     3,
		"diagnoses":      1,
	}, report.Deleted)

	_, err = repo.LoadBill(context.Background(), "cid-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	other, err := repo.LoadBill(context.Background(), "cid-2")
	require.NoError(t, err)
	assert.Len(t, other.Items, 3)

	_, err = repo.Purge(context.Background(), "")
	assert.Error(t, err)
}

func TestReferenceLookup(t *testing.T) {
	repo := store.NewRepository(testutil.NewMemoryBackend(), store.DefaultTables(), 100)
	ctx := context.Background()
	require.NoError(t, repo.PutReference(ctx, repo.Tables().ReferenceDiagnoses, "J02.9", "Acute pharyngitis, unspecified"))

	ref, err := repo.ReferenceDiagnosis(ctx, "J02.9")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "Acute pharyngitis, unspecified", ref.Description)

	miss, err := repo.ReferenceProcedure(ctx, "99999")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestRowIDEscapesCodes(t *testing.T) {
	assert.Equal(t, "cid_J02.9", store.RowID("J02.9", "cid"))
	assert.Equal(t, "cid_A%2FB", store.RowID("A/B", "cid"))
}

func TestPublishedSurvivesPurge(t *testing.T) {
	ctx := context.Background()
	backend := testutil.NewMemoryBackend()
	repo := store.NewRepository(backend, store.DefaultTables(), 1)
	save(t, repo, "cid-1")

	published, err := repo.Published(ctx, "cid-1")
	require.NoError(t, err)
	assert.False(t, published)

	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, repo.MarkPublished(ctx, "cid-1", "job-1", "parsed/comparisons/comparison_cid-1.json", at))
	_, err = repo.Purge(ctx, "cid-1")
	require.NoError(t, err)

	published, err = repo.Published(ctx, "cid-1")
	require.NoError(t, err)
	assert.True(t, published)
	row := backend.Rows("published_results")["cid-1"]
	assert.Equal(t, "job-1", row["job_id"])
	assert.Equal(t, "2025-03-01T09:30:00Z", row["published_at"])
}
