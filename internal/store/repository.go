package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/medbillflow/internal/extract"
	"github.com/Lllllllleong/medbillflow/internal/models"
)

// PlaceholderPrefix starts the synthetic code given to line items the model returned
// without one, so the row stays addressable.
const PlaceholderPrefix = "NO_CODE_"

// PlaceholderCode returns a fresh placeholder line-item code.
func PlaceholderCode() string {
	return PlaceholderPrefix + uuid.NewString()
}

// SaveInput is everything needed to persist one extracted document.
type SaveInput struct {
	CorrelationID string
	Source        models.Location
	CreatedAt     time.Time
	Document      *models.NormalizedDocument
}

// SaveSummary reports what SaveDocument wrote.
type SaveSummary struct {
	PatientID  string
	ProviderID string
	LineItems  int
	Diagnoses  int
}

func (r *Repository) baseFields(in SaveInput) map[string]any {
	return map[string]any{
		FieldCorrelationID: in.CorrelationID,
		FieldCreatedAt:     in.CreatedAt.UTC().Format(time.RFC3339),
		FieldSourceBucket:  in.Source.Bucket,
		FieldSourceKey:     in.Source.Key,
		FieldPageNo:        int64(1),
	}
}

func (r *Repository) put(ctx context.Context, table, id string, base, fields map[string]any) error {
	row := make(map[string]any, len(base)+len(fields))
	for k, v := range base {
		row[k] = v
	}
	for k, v := range fields {
		row[k] = v
	}
	if err := r.backend.Put(ctx, table, id, extract.CleanFields(row)); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", table, id, err)
	}
	return nil
}

// SaveDocument writes the patient, provider, bill summary, line item and diagnosis
// rows for one document. Diagnoses without a code are skipped; line items without a
// code get a placeholder code.
func (r *Repository) SaveDocument(ctx context.Context, in SaveInput) (*SaveSummary, error) {
	if in.CorrelationID == "" {
		return nil, errors.New("SaveDocument: correlation id cannot be empty")
	}
	doc := in.Document
	base := r.baseFields(in)
	summary := &SaveSummary{PatientID: uuid.NewString(), ProviderID: uuid.NewString()}

	p := doc.Patient
	if err := r.put(ctx, r.tables.Patients, summary.PatientID, base, map[string]any{
		"patient_id": summary.PatientID,
		"firstname":  p.FirstName,
		"lastname":   p.LastName,
		"age":        p.Age,
		"phone":      p.Phone,
		"address":    p.Address,
		"city":       p.City,
		"state":      p.State,
		"zipcode":    p.ZipCode,
	}); err != nil {
		return nil, err
	}

	h := doc.Provider
	if err := r.put(ctx, r.tables.Providers, summary.ProviderID, base, map[string]any{
		"provider_id": summary.ProviderID,
		"name":        h.Name,
		"phone":       h.Phone,
		"address":     h.Address,
		"city":        h.City,
		"state":       h.State,
		"zipcode":     h.ZipCode,
	}); err != nil {
		return nil, err
	}

	t := doc.Bill.BillTotals
	if err := r.put(ctx, r.tables.Bills, in.CorrelationID, base, map[string]any{
		"patient_id":       summary.PatientID,
		"provider_id":      summary.ProviderID,
		"subtotal":         t.Subtotal,
		"discount":         t.Discount,
		"tax_rate_percent": t.TaxRatePercent,
		"total_tax":        t.TotalTax,
		"balance_due":      t.BalanceDue,
	}); err != nil {
		return nil, err
	}

	for _, item := range doc.Bill.Items {
		code := item.Code
		if code == "" {
			code = PlaceholderCode()
		}
		if err := r.put(ctx, r.tables.LineItems, RowID(code, in.CorrelationID), base, map[string]any{
			"code":        code,
			"description": item.Description,
			"bill":        item.Amount,
		}); err != nil {
			return nil, err
		}
		summary.LineItems++
	}

	for _, dx := range doc.Diagnoses {
		if dx.Code == "" {
			slog.Warn("Skipping diagnosis without a code.", "correlationId", in.CorrelationID, "description", dx.Description)
			continue
		}
		if err := r.put(ctx, r.tables.Diagnoses, RowID(dx.Code, in.CorrelationID), base, map[string]any{
			"code":        dx.Code,
			"description": dx.Description,
		}); err != nil {
			return nil, err
		}
		summary.Diagnoses++
	}
	return summary, nil
}

// LineItems returns every line item stored for correlationID, ordered by code.
func (r *Repository) LineItems(ctx context.Context, correlationID string) ([]models.LineItem, error) {
	rows, err := r.ScanByAttribute(ctx, r.tables.LineItems, FieldCorrelationID, correlationID)
	if err != nil {
		return nil, err
	}
	items := make([]models.LineItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, models.LineItem{
			Code:        extract.ToString(row.Fields["code"]),
			Description: extract.ToString(row.Fields["description"]),
			Amount:      extract.ToDecimal(row.Fields["bill"]),
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Code < items[j].Code })
	return items, nil
}

// Diagnoses returns every diagnosis stored for correlationID, ordered by code.
func (r *Repository) Diagnoses(ctx context.Context, correlationID string) ([]models.DiagnosisCode, error) {
	rows, err := r.ScanByAttribute(ctx, r.tables.Diagnoses, FieldCorrelationID, correlationID)
	if err != nil {
		return nil, err
	}
	codes := make([]models.DiagnosisCode, 0, len(rows))
	for _, row := range rows {
		codes = append(codes, models.DiagnosisCode{
			Code:        extract.ToString(row.Fields["code"]),
			Description: extract.ToString(row.Fields["description"]),
		})
	}
	sort.SliceStable(codes, func(i, j int) bool { return codes[i].Code < codes[j].Code })
	return codes, nil
}

func (r *Repository) reference(ctx context.Context, table, code string) (*models.ReferenceCode, error) {
	fields, err := r.backend.Get(ctx, table, ReferenceID(code))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s in %s: %w", code, table, err)
	}
	return &models.ReferenceCode{Code: code, Description: extract.ToString(fields["description"])}, nil
}

// ReferenceProcedure looks up a procedure code. A miss returns nil and no error.
func (r *Repository) ReferenceProcedure(ctx context.Context, code string) (*models.ReferenceCode, error) {
	return r.reference(ctx, r.tables.ReferenceProcedures, code)
}

// ReferenceDiagnosis looks up a diagnosis code. A miss returns nil and no error.
func (r *Repository) ReferenceDiagnosis(ctx context.Context, code string) (*models.ReferenceCode, error) {
	return r.reference(ctx, r.tables.ReferenceDiagnoses, code)
}

// PutReference writes one reference entry; used when seeding lookup tables.
// MarkPublished records that the result for correlationID has been written to key.
func (r *Repository) MarkPublished(ctx context.Context, correlationID, jobID, key string, at time.Time) error {
	err := r.backend.Put(ctx, r.tables.Published, ReferenceID(correlationID), map[string]any{
		FieldCorrelationID: correlationID,
		"job_id":           jobID,
		"result_key":       key,
		"published_at":     at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s published: %w", correlationID, err)
	}
	return nil
}

// Published reports whether a result for correlationID was already written.
func (r *Repository) Published(ctx context.Context, correlationID string) (bool, error) {
	_, err := r.backend.Get(ctx, r.tables.Published, ReferenceID(correlationID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up published result for %s: %w", correlationID, err)
	}
	return true, nil
}

func (r *Repository) PutReference(ctx context.Context, table, code, description string) error {
	return r.backend.Put(ctx, table, ReferenceID(code), map[string]any{"code": code, "description": description})
}

// LoadBill reassembles the bill for correlationID from the working tables.
// It returns ErrNotFound when neither a summary nor any line items exist.
func (r *Repository) LoadBill(ctx context.Context, correlationID string) (*models.BillRecord, error) {
	bill := &models.BillRecord{CorrelationID: correlationID}

	summary, err := r.backend.Get(ctx, r.tables.Bills, correlationID)
	switch {
	case errors.Is(err, ErrNotFound):
		summary = nil
	case err != nil:
		return nil, fmt.Errorf("failed to read bill summary: %w", err)
	}

	if bill.Items, err = r.LineItems(ctx, correlationID); err != nil {
		return nil, err
	}
	if summary == nil && len(bill.Items) == 0 {
		return nil, fmt.Errorf("no bill data for %s: %w", correlationID, ErrNotFound)
	}
	if bill.Diagnoses, err = r.Diagnoses(ctx, correlationID); err != nil {
		return nil, err
	}

	if summary != nil {
		bill.PatientID = extract.ToString(summary["patient_id"])
		bill.ProviderID = extract.ToString(summary["provider_id"])
		bill.Source = models.Location{
			Bucket: extract.ToString(summary[FieldSourceBucket]),
			Key:    extract.ToString(summary[FieldSourceKey]),
		}
		if ts, err := time.Parse(time.RFC3339, extract.ToString(summary[FieldCreatedAt])); err == nil {
			bill.CreatedAt = ts
		}
		bill.Totals = models.BillTotals{
			Subtotal:       extract.ToDecimal(summary["subtotal"]),
			Discount:       extract.ToDecimal(summary["discount"]),
			TaxRatePercent: extract.ToDecimal(summary["tax_rate_percent"]),
			TotalTax:       extract.ToDecimal(summary["total_tax"]),
			BalanceDue:     extract.ToDecimal(summary["balance_due"]),
		}
	}

	patients, err := r.ScanByAttribute(ctx, r.tables.Patients, FieldCorrelationID, correlationID)
	if err != nil {
		return nil, err
	}
	if len(patients) > 0 {
		f := patients[0].Fields
		bill.Patient = models.PatientInfo{
			FirstName: extract.ToString(f["firstname"]),
			LastName:  extract.ToString(f["lastname"]),
			Age:       extract.ToDecimal(f["age"]),
			Phone:     extract.ToString(f["phone"]),
			Address:   extract.ToString(f["address"]),
			City:      extract.ToString(f["city"]),
			State:     extract.ToString(f["state"]),
			ZipCode:   extract.ToString(f["zipcode"]),
		}
	}

	providers, err := r.ScanByAttribute(ctx, r.tables.Providers, FieldCorrelationID, correlationID)
	if err != nil {
		return nil, err
	}
	if len(providers) > 0 {
		f := providers[0].Fields
		bill.Provider = models.ProviderInfo{
			Name:    extract.ToString(f["name"]),
			Phone:   extract.ToString(f["phone"]),
			Address: extract.ToString(f["address"]),
			City:    extract.ToString(f["city"]),
			State:   extract.ToString(f["state"]),
			ZipCode: extract.ToString(f["zipcode"]),
		}
	}
	return bill, nil
}

// PurgeReport counts deleted rows per table.
type PurgeReport struct {
	Deleted map[string]int
}

// Purge deletes every row scoped to correlationID from the working tables. It keeps
// going after individual failures and returns them joined.
func (r *Repository) Purge(ctx context.Context, correlationID string) (PurgeReport, error) {
	report := PurgeReport{Deleted: map[string]int{}}
	if correlationID == "" {
		return report, errors.New("Purge: correlation id cannot be empty")
	}
	var errs []error
	for _, table := range r.tables.Working() {
		rows, err := r.ScanByAttribute(ctx, table, FieldCorrelationID, correlationID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, row := range rows {
			if err := r.backend.Delete(ctx, table, row.ID); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete %s/%s: %w", table, row.ID, err))
				continue
			}
			report.Deleted[table]++
		}
	}
	return report, errors.Join(errs...)
}
