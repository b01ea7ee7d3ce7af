package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/medbillflow/internal/blob"
	"github.com/Lllllllleong/medbillflow/internal/extract"
	"github.com/Lllllllleong/medbillflow/internal/llm"
	"github.com/Lllllllleong/medbillflow/internal/models"
	"github.com/Lllllllleong/medbillflow/internal/store"
)

// Model call names used by reconciliation.
const (
	CallReconcile   = "reconcile"
	CallParsePolicy = "parse-policy"
)

// Reconcile outcome statuses.
const (
	StatusReconciled  = "reconciled"
	StatusInvalidBill = "invalid_bill"
	StatusNoBillData  = "no_bill_data"
	StatusNoPolicy    = "no_policy"

	StatusAlreadyPublished = "already_published"
)

const (
	unknownPolicyID     = "unknown"
	noIssuesExplanation = "See validation details."
)

const reconcilePromptTemplate = `You are an insurance coverage analyst. Compare this medical bill against the insurance policy and identify what is covered and how much is covered.

POLICY:
%s

MEDICAL BILL:
%s

Analyze and return ONLY a single JSON object with this structure:
{
  "bill_summary": {
    "patient": "...",
    "provider": "...",
    "total_billed": 0.00,
    "procedure_count": 0
  },
  "coverage_analysis": [
    {
      "procedure": "...",
      "cpt_code": "...",
      "billed_amount": 0.00,
      "covered": true,
      "coverage_type": "in-network/out-of-network/not covered",
      "deductible_applies": true,
      "deductible_amount": 0.00,
      "coinsurance_rate": "xx%%",
      "patient_responsibility": 0.00,
      "insurance_pays": 0.00,
      "explanation": "..."
    }
  ],
  "totals": {
    "total_billed": 0.00,
    "total_covered": 0.00,
    "total_patient_owes": 0.00,
    "total_insurance_pays": 0.00,
    "breakdown": {
      "deductible": 0.00,
      "coinsurance": 0.00,
      "copay": 0.00,
      "not_covered": 0.00
    }
  },
  "notes": ["Any important details about coverage limits, exclusions, etc."]
}`

const policyPrompt = `You are an expert insurance policy parser. Extract the key coverage details from the attached PDF and return ONLY a JSON object with this structure:
{
  "schema_version": "policy.v1",
  "policy_id": "string",
  "plan": {"name": "string", "policy_number": "string|null", "policy_year": "string|null", "network": {"name": "string|null", "url": "string|null"}},
  "limits": {"medical_expense_per_injury_or_sickness_usd": 0, "source_page": "p.X"},
  "deductibles": {"in_network_usd": 0, "out_of_network_usd": 0, "policy_year_max_usd": 0, "source_page": "p.X"},
  "coinsurance": {"in_network": "80%", "out_of_network": "60%", "source_page": "p.X"},
  "copays": {"primary_care_usd": 0, "specialist_usd": 0, "urgent_care_usd": 0, "emergency_room_usd": 0, "source_page": "p.X"},
  "coverage_highlights": {"maternity": "string|null", "preexisting_wait_months": 0, "wellness_preventive": "string|null"},
  "exclusions": ["..."],
  "claims": {"mail_to": "string|null", "deadline": "string|null", "phone": "string|null", "email": "string|null"}
}
Rules:
- Go through every page.
- Amounts are numbers without $ or commas.
- Use null for anything the document does not state. Do not invent data.`

// ReconcilerConfig holds reconciliation settings.
type ReconcilerConfig struct {
	ResultsBucket      string
	ResultsPrefix      string
	ParsedPolicyPrefix string
	ReconcileMaxTokens int32
	PolicyMaxTokens    int32
}

// ReconcilerFunction compares validated bills against the current policy and
// publishes the result for retrieval.
type ReconcilerFunction struct {
	objects blob.Store
	repo    *store.Repository
	caller  llm.Caller
	config  ReconcilerConfig

	now   func() time.Time
	newID func() string
}

func NewReconciler(objects blob.Store, repo *store.Repository, caller llm.Caller, config ReconcilerConfig) *ReconcilerFunction {
	return &ReconcilerFunction{
		objects: objects,
		repo:    repo,
		caller:  caller,
		config:  config,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Process reconciles the bill behind req, or records it as invalid when validation
// already failed. Working rows are purged only after a result has been written.
// A correlation id gets at most one result: a redelivered handoff whose result is
// already published does nothing.
func (f *ReconcilerFunction) Process(ctx context.Context, req models.StageRequest) (*models.ReconcileOutcome, error) {
	logCtx := slog.With("correlationId", req.CorrelationID, "jobId", req.JobID)

	if req.CorrelationID != "" {
		done, err := f.repo.Published(ctx, req.CorrelationID)
		if err != nil {
			logCtx.Error("Failed to check for an earlier result.", "error", err)
			return nil, err
		}
		if done {
			logCtx.Info("Result already published. Skipping redelivered handoff.")
			return &models.ReconcileOutcome{Status: StatusAlreadyPublished}, nil
		}
	}

	validation := req.Validation
	if req.CorrelationID == "" && (validation == nil || validation.Valid) {
		validation = &models.ValidationResult{Valid: false, Issues: []string{"Missing correlation id in request."}}
	}
	if validation != nil && !validation.Valid {
		return f.processInvalid(ctx, logCtx, req, validation)
	}

	bill, err := f.repo.LoadBill(ctx, req.CorrelationID)
	if errors.Is(err, store.ErrNotFound) {
		logCtx.Warn("No bill data found; nothing to reconcile.")
		return &models.ReconcileOutcome{Status: StatusNoBillData}, nil
	}
	if err != nil {
		logCtx.Error("Failed to load bill.", "error", err)
		return nil, err
	}

	policy, err := f.LatestPolicy(ctx)
	if err != nil {
		logCtx.Error("Failed to load policy.", "error", err)
		return nil, err
	}
	if policy == nil {
		logCtx.Warn("No parsed policy available; skipping reconciliation.")
		return &models.ReconcileOutcome{Status: StatusNoPolicy}, nil
	}
	logCtx = logCtx.With("policyId", policy.PolicyID)

	comparison, err := f.Reconcile(ctx, bill, policy)
	if err != nil {
		logCtx.Error("Reconciliation call failed; working rows kept.", "error", err)
		return nil, err
	}

	result := models.ComparisonResult{
		ComparisonID:   f.resultID(req.CorrelationID),
		Timestamp:      f.now().UTC(),
		CorrelationID:  req.CorrelationID,
		JobID:          req.JobID,
		SourceLocation: sourceLocation(bill.Source, req.Source),
		PolicyID:       policy.PolicyID,
		Comparison:     comparison,
	}
	key, err := f.publish(ctx, logCtx, result)
	if err != nil {
		logCtx.Error("Failed to publish comparison result.", "error", err)
		return nil, err
	}
	logCtx.Info("Comparison result written.", "resultKey", key)

	return &models.ReconcileOutcome{Status: StatusReconciled, ResultKey: key, Purged: f.purge(ctx, logCtx, req.CorrelationID)}, nil
}

// Reconcile asks the model for a coverage breakdown of bill under policy. A reply that
// doesn't contain a JSON object is kept verbatim under "raw_response".
func (f *ReconcilerFunction) Reconcile(ctx context.Context, bill *models.BillRecord, policy *models.PolicyDocument) (any, error) {
	policyJSON, err := json.MarshalIndent(policy.Data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy: %w", err)
	}
	billJSON, err := json.MarshalIndent(bill, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bill: %w", err)
	}

	text, err := f.caller.Invoke(ctx, llm.Request{
		Name:      CallReconcile,
		Parts:     []llm.Part{llm.Text(fmt.Sprintf(reconcilePromptTemplate, policyJSON, billJSON))},
		MaxTokens: f.config.ReconcileMaxTokens,
		JSON:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compare bill to policy: %w", err)
	}

	comparison, err := extract.ExtractObject(text)
	if err != nil {
		slog.Warn("Comparison reply was not JSON; keeping raw text.", "correlationId", bill.CorrelationID, "error", err)
		return map[string]any{"raw_response": text}, nil
	}
	return comparison, nil
}

func (f *ReconcilerFunction) processInvalid(ctx context.Context, logCtx *slog.Logger, req models.StageRequest, validation *models.ValidationResult) (*models.ReconcileOutcome, error) {
	reason := strings.TrimSpace(validation.JustificationIssue + " " + strings.Join(validation.Issues, "; "))
	if reason == "" {
		reason = noIssuesExplanation
	}
	message := "The bill is invalid because: " + reason

	var source models.Location
	if req.Source != nil {
		source = *req.Source
	}
	result := models.ComparisonResult{
		ComparisonID:   f.resultID(req.CorrelationID),
		Timestamp:      f.now().UTC(),
		CorrelationID:  req.CorrelationID,
		JobID:          req.JobID,
		SourceLocation: sourceLocation(source, nil),
		PolicyID:       unknownPolicyID,
		Comparison: map[string]any{
			"status":     StatusInvalidBill,
			"message":    message,
			"validation": validation,
		},
	}
	key, err := f.publish(ctx, logCtx, result)
	if err != nil {
		logCtx.Error("Failed to publish invalid-bill result.", "error", err)
		return nil, err
	}
	logCtx.Info("Invalid-bill result written.", "resultKey", key)

	outcome := &models.ReconcileOutcome{Status: StatusInvalidBill, ResultKey: key}
	if req.CorrelationID != "" {
		outcome.Purged = f.purge(ctx, logCtx, req.CorrelationID)
	}
	return outcome, nil
}

func sourceLocation(primary models.Location, fallback *models.Location) string {
	loc := primary
	if loc.Key == "" && fallback != nil {
		loc = *fallback
	}
	if loc.Key == "" {
		return ""
	}
	return fmt.Sprintf("gs://%s/%s", loc.Bucket, loc.Key)
}

// resultID names the result of correlationID. Results are keyed by correlation id so
// a repeated write lands on the same object.
func (f *ReconcilerFunction) resultID(correlationID string) string {
	if correlationID != "" {
		return correlationID
	}
	return f.newID()
}

// publish writes result and records it as published. A result object left by an
// earlier delivery counts as written.
func (f *ReconcilerFunction) publish(ctx context.Context, logCtx *slog.Logger, result models.ComparisonResult) (string, error) {
	key, err := f.writeResult(ctx, result)
	switch {
	case errors.Is(err, blob.ErrExists):
		logCtx.Info("Result object already written by an earlier delivery.", "resultKey", key)
	case err != nil:
		return "", err
	}
	if result.CorrelationID == "" {
		return key, nil
	}
	if err := f.repo.MarkPublished(ctx, result.CorrelationID, result.JobID, key, result.Timestamp); err != nil {
		return "", err
	}
	return key, nil
}

func (f *ReconcilerFunction) writeResult(ctx context.Context, result models.ComparisonResult) (string, error) {
	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal comparison result: %w", err)
	}
	key := fmt.Sprintf("%scomparison_%s.json", f.config.ResultsPrefix, result.ComparisonID)
	opts := blob.WriteOptions{ContentType: "application/json", IfAbsent: true}
	if result.JobID != "" {
		opts.Metadata = map[string]string{models.MetadataJobID: result.JobID}
	}
	if err := f.objects.Write(ctx, f.config.ResultsBucket, key, body, opts); err != nil {
		return key, fmt.Errorf("failed to save comparison result: %w", err)
	}
	return key, nil
}

func (f *ReconcilerFunction) purge(ctx context.Context, logCtx *slog.Logger, correlationID string) bool {
	report, err := f.repo.Purge(ctx, correlationID)
	if err != nil {
		logCtx.Error("Failed to purge some working rows.", "deleted", report.Deleted, "error", err)
		return false
	}
	logCtx.Info("Purged working rows.", "deleted", report.Deleted)
	return true
}

// LatestPolicy returns the most recently updated parsed policy, or nil if there is none.
func (f *ReconcilerFunction) LatestPolicy(ctx context.Context) (*models.PolicyDocument, error) {
	objects, err := f.objects.List(ctx, f.config.ResultsBucket, f.config.ParsedPolicyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list parsed policies: %w", err)
	}
	var latest *blob.Attrs
	for i := range objects {
		if !strings.HasSuffix(objects[i].Key, ".json") {
			continue
		}
		if latest == nil || objects[i].Updated.After(latest.Updated) {
			latest = &objects[i]
		}
	}
	if latest == nil {
		return nil, nil
	}

	obj, err := f.objects.Read(ctx, f.config.ResultsBucket, latest.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", latest.Key, err)
	}
	dec := json.NewDecoder(bytes.NewReader(obj.Body))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode policy %s: %w", latest.Key, err)
	}

	policyID := extract.ToString(data["policy_id"])
	if policyID == "" {
		policyID = unknownPolicyID
	}
	return &models.PolicyDocument{PolicyID: policyID, Key: latest.Key, Data: data}, nil
}

// IngestPolicy parses a policy PDF and stores it under the parsed-policy prefix.
// An already-parsed policy is left untouched.
func (f *ReconcilerFunction) IngestPolicy(ctx context.Context, n models.StorageNotification) error {
	logCtx := slog.With("gcsBucket", n.Bucket, "gcsObject", n.Key)
	if !isPDF(n.Key) {
		logCtx.Info("Skipping policy object that is not a PDF.")
		return nil
	}

	obj, err := f.objects.Read(ctx, n.Bucket, n.Key)
	if err != nil {
		return fmt.Errorf("failed to read policy source: %w", err)
	}
	text, err := f.caller.Invoke(ctx, llm.Request{
		Name:      CallParsePolicy,
		Parts:     []llm.Part{llm.Text(policyPrompt), llm.PDF(obj.Body)},
		MaxTokens: f.config.PolicyMaxTokens,
		JSON:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	policy, err := extract.ExtractObject(text)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	name := strings.TrimSuffix(path.Base(n.Key), path.Ext(n.Key))
	if extract.ToString(policy["policy_id"]) == "" {
		policy["policy_id"] = name
	}
	policy["artifacts"] = map[string]any{
		"pdf_uri":   fmt.Sprintf("gs://%s/%s", n.Bucket, n.Key),
		"parsed_at": f.now().UTC().Format(time.RFC3339),
	}
	body, err := json.MarshalIndent(policy, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}

	key := f.config.ParsedPolicyPrefix + name + ".json"
	err = f.objects.Write(ctx, f.config.ResultsBucket, key, body, blob.WriteOptions{ContentType: "application/json", IfAbsent: true})
	if errors.Is(err, blob.ErrExists) {
		logCtx.Info("Policy already parsed. Skipping.", "parsedKey", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save parsed policy: %w", err)
	}
	logCtx.Info("Policy parsed.", "parsedKey", key, "policyId", policy["policy_id"])
	return nil
}
