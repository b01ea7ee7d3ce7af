package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/medbillflow/internal/dispatch"
	"github.com/Lllllllleong/medbillflow/internal/extract"
	"github.com/Lllllllleong/medbillflow/internal/llm"
	"github.com/Lllllllleong/medbillflow/internal/models"
	"github.com/Lllllllleong/medbillflow/internal/store"
)

// Model call names used by validation.
const (
	CallCompareDiagnoses  = "compare-icd"
	CallCompareProcedures = "compare-cpt"
	CallJustification     = "justification"
)

const comparePromptTemplate = `You are a medical coding expert.
Determine whether each pair of %s descriptions is equivalent. Wording and abbreviations may differ; a pair is equivalent when both describe the same procedure or condition. For example, for CPT codes "Left Foot X-ray test" and "X-ray examination of foot" are equivalent.
Do not be lenient: loosely related descriptions are not equivalent. For example, for ICD codes "Chest pain on breathing" and "Heart disease" are not equivalent.
Respond with a JSON array of "YES"/"NO" strings, one per pair, in order, and nothing else.
Pairs:
%s`

const justificationPromptTemplate = `You are a medical coding expert.
ICD diagnoses:
%s

CPT services:
%s

Determine whether EVERY CPT is medically justified by at least one ICD.
If all are justified, respond with: OK
Otherwise respond with: ISSUE: <short reason>.`

// ValidatorConfig holds validation tunables.
type ValidatorConfig struct {
	CompareMaxTokens int32
}

// ValidatorFunction cross-checks extracted codes against the reference tables.
type ValidatorFunction struct {
	repo       *store.Repository
	caller     llm.Caller
	dispatcher dispatch.Dispatcher
	config     ValidatorConfig
}

func NewValidator(repo *store.Repository, caller llm.Caller, dispatcher dispatch.Dispatcher, config ValidatorConfig) *ValidatorFunction {
	if config.CompareMaxTokens <= 0 {
		config.CompareMaxTokens = 100
	}
	return &ValidatorFunction{repo: repo, caller: caller, dispatcher: dispatcher, config: config}
}

type verdict int

const (
	verdictUnknown verdict = iota
	verdictYes
	verdictNo
)

type descriptionPair struct {
	code      string
	submitted string
	reference string
}

// evidence is a diagnosis usable for the justification check.
type evidence struct {
	code        string
	description string
}

type validation struct {
	result *models.ValidationResult
}

// note records an issue that does not by itself flip the verdict.
func (v *validation) note(format string, args ...any) {
	v.result.Issues = append(v.result.Issues, fmt.Sprintf(format, args...))
}

// fail records an issue and flips the verdict.
func (v *validation) fail(format string, args ...any) {
	v.note(format, args...)
	v.result.Valid = false
}

// Process validates the correlation id in req and hands the result to reconciliation.
// It returns a nil result, and hands nothing off, when the correlation id already
// has a published result.
func (f *ValidatorFunction) Process(ctx context.Context, req models.StageRequest) (*models.ValidationResult, error) {
	logCtx := slog.With("correlationId", req.CorrelationID, "jobId", req.JobID)

	var result *models.ValidationResult
	if req.CorrelationID == "" {
		logCtx.Warn("Stage request has no correlation id.")
		result = &models.ValidationResult{Valid: false, Issues: []string{"Missing correlation id in request."}}
	} else {
		done, err := f.repo.Published(ctx, req.CorrelationID)
		if err != nil {
			logCtx.Warn("Could not check for an earlier result; validating anyway.", "error", err)
		}
		if done {
			logCtx.Info("Result already published. Skipping redelivered handoff.")
			return nil, nil
		}
		if result, err = f.Validate(ctx, req.CorrelationID); err != nil {
			// Every handoff reaches reconciliation; a failed validation is an invalid bill.
			logCtx.Error("Validation failed.", "error", err)
			result = &models.ValidationResult{CorrelationID: req.CorrelationID, Valid: false, Issues: []string{"Validation could not complete: " + err.Error()}}
		}
	}
	logCtx.Info("Validation complete.", "valid", result.Valid, "issues", len(result.Issues))

	dispatch.FireAndForget(ctx, f.dispatcher, models.StageReconcile, models.StageRequest{
		CorrelationID: req.CorrelationID,
		JobID:         req.JobID,
		Source:        req.Source,
		Validation:    result,
	})
	return result, nil
}

// Validate runs the reference, equivalence and justification checks for one
// correlation id. Only storage scan failures are returned as errors; everything
// else becomes an issue.
func (f *ValidatorFunction) Validate(ctx context.Context, correlationID string) (*models.ValidationResult, error) {
	v := &validation{result: &models.ValidationResult{CorrelationID: correlationID, Valid: true, Issues: []string{}}}

	diagnoses, err := f.repo.Diagnoses(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load diagnoses: %w", err)
	}
	items, err := f.repo.LineItems(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load line items: %w", err)
	}

	usable := f.checkDiagnoses(ctx, v, correlationID, diagnoses)
	f.checkProcedures(ctx, v, items)

	switch {
	case len(usable) == 0:
		v.fail("No ICD codes available to justify CPTs.")
	case len(items) > 0:
		f.checkJustification(ctx, v, items, usable)
	}
	return v.result, nil
}

func (f *ValidatorFunction) checkDiagnoses(ctx context.Context, v *validation, correlationID string, diagnoses []models.DiagnosisCode) []evidence {
	if len(diagnoses) == 0 {
		v.note("No ICD entries found for correlation id %s.", correlationID)
		return nil
	}

	// Each diagnosis either has its evidence now or waits on pairs[pending[i]].
	usable := make([]evidence, len(diagnoses))
	pending := make([]int, len(diagnoses))
	var pairs []descriptionPair
	for i, dx := range diagnoses {
		pending[i] = -1
		ref, err := f.repo.ReferenceDiagnosis(ctx, dx.Code)
		if err != nil {
			slog.Warn("Diagnosis reference lookup failed; treating as not found.", "code", dx.Code, "error", err)
		}
		switch {
		case ref != nil && dx.Description != "":
			pending[i] = len(pairs)
			pairs = append(pairs, descriptionPair{code: dx.Code, submitted: dx.Description, reference: ref.Description})
		case ref != nil:
			usable[i] = evidence{code: dx.Code, description: ref.Description}
		case dx.Description != "":
			v.note("ICD %s not found in reference; using submitted description.", dx.Code)
			usable[i] = evidence{code: dx.Code, description: dx.Description}
		default:
			v.note("ICD %s missing description and not found in reference; skipping.", dx.Code)
		}
	}

	verdicts := f.compare(ctx, CallCompareDiagnoses, "ICD-10 diagnosis", pairs)
	for i, p := range pairs {
		switch verdicts[i] {
		case verdictNo:
			v.fail("ICD %s description mismatch.", p.code)
		case verdictUnknown:
			v.fail("ICD %s description mismatch (comparison inconclusive).", p.code)
		}
	}

	out := make([]evidence, 0, len(diagnoses))
	for i := range diagnoses {
		if pending[i] >= 0 {
			p := pairs[pending[i]]
			out = append(out, evidence{code: p.code, description: p.reference})
			continue
		}
		if usable[i].code != "" {
			out = append(out, usable[i])
		}
	}
	return out
}

func (f *ValidatorFunction) checkProcedures(ctx context.Context, v *validation, items []models.LineItem) {
	if len(items) == 0 {
		v.fail("No CPT codes found.")
		return
	}
	var pairs []descriptionPair
	for _, item := range items {
		ref, err := f.repo.ReferenceProcedure(ctx, item.Code)
		if err != nil {
			slog.Warn("Procedure reference lookup failed; treating as not found.", "code", item.Code, "error", err)
		}
		if ref == nil {
			v.note("CPT %s not found in reference table.", item.Code)
			continue
		}
		pairs = append(pairs, descriptionPair{code: item.Code, submitted: item.Description, reference: ref.Description})
	}

	verdicts := f.compare(ctx, CallCompareProcedures, "CPT procedure", pairs)
	for i, p := range pairs {
		switch verdicts[i] {
		case verdictNo:
			v.fail("CPT %s description mismatch.", p.code)
		case verdictUnknown:
			v.fail("CPT %s description mismatch (comparison inconclusive).", p.code)
		}
	}
}

// compare asks for one YES/NO per pair in a single call. Missing, ambiguous or
// failed answers come back as verdictUnknown.
func (f *ValidatorFunction) compare(ctx context.Context, call, label string, pairs []descriptionPair) []verdict {
	verdicts := make([]verdict, len(pairs))
	if len(pairs) == 0 {
		return verdicts
	}

	var lines strings.Builder
	for i, p := range pairs {
		fmt.Fprintf(&lines, "%d. Description A: %s\n   Description B: %s\n", i+1, p.submitted, p.reference)
	}
	maxTokens := f.config.CompareMaxTokens
	if perPair := int32(8*len(pairs) + 16); perPair > maxTokens {
		maxTokens = perPair
	}

	text, err := f.caller.Invoke(ctx, llm.Request{
		Name:      call,
		Parts:     []llm.Part{llm.Text(fmt.Sprintf(comparePromptTemplate, label, lines.String()))},
		MaxTokens: maxTokens,
	})
	if err != nil {
		slog.Error("Batch comparison call failed.", "call", call, "pairs", len(pairs), "error", err)
		return verdicts
	}
	answers, err := extract.ExtractArray(text)
	if err != nil {
		slog.Warn("Could not parse batch comparison answer.", "call", call, "error", err)
		return verdicts
	}
	for i := range verdicts {
		if i >= len(answers) {
			break
		}
		answer := strings.ToUpper(extract.ToString(answers[i]))
		switch {
		case strings.HasPrefix(answer, "Y"):
			verdicts[i] = verdictYes
		case strings.HasPrefix(answer, "N"):
			verdicts[i] = verdictNo
		}
	}
	return verdicts
}

func (f *ValidatorFunction) checkJustification(ctx context.Context, v *validation, items []models.LineItem, usable []evidence) {
	var icdText, cptText strings.Builder
	for _, e := range usable {
		fmt.Fprintf(&icdText, "- ICD %s: %s\n", e.code, e.description)
	}
	for _, item := range items {
		fmt.Fprintf(&cptText, "- CPT %s: %s\n", item.Code, item.Description)
	}

	text, err := f.caller.Invoke(ctx, llm.Request{
		Name:      CallJustification,
		Parts:     []llm.Part{llm.Text(fmt.Sprintf(justificationPromptTemplate, strings.TrimSpace(icdText.String()), strings.TrimSpace(cptText.String())))},
		MaxTokens: f.config.CompareMaxTokens,
	})
	if err != nil {
		slog.Error("Justification call failed.", "error", err)
		v.note("Model error during CPT justification: %v", err)
		return
	}
	text = strings.TrimSpace(text)
	if strings.HasPrefix(strings.ToUpper(text), "OK") {
		return
	}
	v.result.JustificationIssue = text
	v.fail("%s", text)
}
