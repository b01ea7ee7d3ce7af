package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/medbillflow/internal/llm"
	"github.com/Lllllllleong/medbillflow/internal/models"
	"github.com/Lllllllleong/medbillflow/internal/store"
	"github.com/Lllllllleong/medbillflow/internal/testutil"
)

type validatorFixture struct {
	repo       *store.Repository
	model      *testutil.ScriptedModel
	dispatcher *testutil.RecordingDispatcher
	validator  *ValidatorFunction
}

func newValidatorFixture(t *testing.T) *validatorFixture {
	t.Helper()
	fx := &validatorFixture{
		repo:       store.NewRepository(testutil.NewMemoryBackend(), store.DefaultTables(), 1),
		model:      testutil.NewScriptedModel(),
		dispatcher: &testutil.RecordingDispatcher{},
	}
	fx.validator = NewValidator(fx.repo, fx.model, fx.dispatcher, ValidatorConfig{CompareMaxTokens: 100})
	return fx
}

func (fx *validatorFixture) seed(t *testing.T, cid string, items []models.LineItem, diagnoses []models.DiagnosisCode) {
	t.Helper()
	_, err := fx.repo.SaveDocument(context.Background(), store.SaveInput{
		CorrelationID: cid,
		Document: &models.NormalizedDocument{
			Bill:      models.BillInfo{Items: items},
			Diagnoses: diagnoses,
		},
	})
	require.NoError(t, err)
}

func (fx *validatorFixture) reference(t *testing.T, procedures, diagnoses map[string]string) {
	t.Helper()
	ctx := context.Background()
	for code, desc := range procedures {
		require.NoError(t, fx.repo.PutReference(ctx, fx.repo.Tables().ReferenceProcedures, code, desc))
	}
	for code, desc := range diagnoses {
		require.NoError(t, fx.repo.PutReference(ctx, fx.repo.Tables().ReferenceDiagnoses, code, desc))
	}
}

func requestText(req llm.Request) string {
	var out string
	for _, p := range req.Parts {
		if text, ok := p.(llm.Text); ok {
			out += string(text)
		}
	}
	return out
}

func TestValidateUnknownProcedureAndNoDiagnoses(t *testing.T) {
	fx := newValidatorFixture(t)
	fx.seed(t, "cid-1", []models.LineItem{{Code: "99999", Description: "Mystery"}}, nil)

	res, err := fx.validator.Validate(context.Background(), "cid-1")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Contains(t, res.Issues, "CPT 99999 not found in reference table.")
	assert.Contains(t, res.Issues, "No ICD codes available to justify CPTs.")
	assert.Empty(t, fx.model.Calls(""))
}

func TestValidateDiagnosisBatchComparison(t *testing.T) {
	fx := newValidatorFixture(t)
	fx.seed(t, "cid-1",
		[]models.LineItem{{Code: "99213", Description: "Office visit"}},
		[]models.DiagnosisCode{
			{Code: "J02.9", Description: "Sore throat"},
			{Code: "R07.1", Description: "Heart disease"},
		},
	)
	fx.reference(t,
		map[string]string{"99213": "Established patient office visit"},
		map[string]string{"J02.9": "Acute pharyngitis, unspecified", "R07.1": "Chest pain on breathing"},
	)
	fx.model.
		On(CallCompareDiagnoses, testutil.Text(`["YES","NO"]`)).
		On(CallCompareProcedures, testutil.Text(`["YES"]`)).
		On(CallJustification, testutil.Text("OK"))

	res, err := fx.validator.Validate(context.Background(), "cid-1")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, []string{"ICD R07.1 description mismatch."}, res.Issues)
	assert.Empty(t, res.JustificationIssue)

	calls := fx.model.Calls(CallJustification)
	require.Len(t, calls, 1)
	prompt := requestText(calls[0])
	assert.Contains(t, prompt, "Acute pharyngitis, unspecified")
	assert.Contains(t, prompt, "Chest pain on breathing")
	assert.NotContains(t, prompt, "Heart disease")

	compare := fx.model.Calls(CallCompareDiagnoses)
	require.Len(t, compare, 1)
	assert.Contains(t, requestText(compare[0]), "1. Description A: Sore throat")
	assert.Contains(t, requestText(compare[0]), "2. Description A: Heart disease")
}

func TestValidateAllConfirmed(t *testing.T) {
	fx := newValidatorFixture(t)
	fx.seed(t, "cid-1",
		[]models.LineItem{{Code: "99213", Description: "Office visit"}},
		[]models.DiagnosisCode{{Code: "J02.9", Description: "Sore throat"}},
	)
	fx.reference(t, map[string]string{"99213": "Office visit, established"}, map[string]string{"J02.9": "Acute pharyngitis"})
	fx.model.
		On(CallCompareDiagnoses, testutil.Text(`["YES"]`)).
		On(CallCompareProcedures, testutil.Text("```json\n[\"YES\"]\n```")).
		On(CallJustification, testutil.Text("OK, all services are justified."))

	res, err := fx.validator.Validate(context.Background(), "cid-1")
	require.NoError(t, err)

	assert.True(t, res.Valid)
	assert.Empty(t, res.Issues)
	assert.Equal(t, "cid-1", res.CorrelationID)
}

func TestValidateJustificationFailure(t *testing.T) {
	fx := newValidatorFixture(t)
	fx.seed(t, "cid-1",
		[]models.LineItem{{Code: "70450", Description: "CT head"}},
		[]models.DiagnosisCode{{Code: "J02.9", Description: "Sore throat"}},
	)
	fx.reference(t, map[string]string{"70450": "CT head without contrast"}, map[string]string{"J02.9": "Acute pharyngitis"})
	fx.model.
		On(CallCompareDiagnoses, testutil.Text(`["YES"]`)).
		On(CallCompareProcedures, testutil.Text(`["YES"]`)).
		On(CallJustification, testutil.Text("ISSUE: CT head is not justified by pharyngitis."))

	res, err := fx.validator.Validate(context.Background(), "cid-1")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, "ISSUE: CT head is not justified by pharyngitis.", res.JustificationIssue)
	assert.Contains(t, res.Issues, "ISSUE: CT head is not justified by pharyngitis.")
}

func TestValidateCallFailureSemantics(t *testing.T) {
	fx := newValidatorFixture(t)
	fx.seed(t, "cid-1",
		[]models.LineItem{{Code: "99213", Description: "Office visit"}},
		[]models.DiagnosisCode{{Code: "J02.9", Description: "Sore throat"}},
	)
	fx.reference(t, map[string]string{"99213": "Office visit"}, map[string]string{"J02.9": "Acute pharyngitis"})
	fx.model.
		On(CallCompareDiagnoses, testutil.Text(`["YES"]`)).
		On(CallCompareProcedures, testutil.Text(`["MAYBE"]`)).
		On(CallJustification, testutil.Fail(errors.New("model unavailable")))

	res, err := fx.validator.Validate(context.Background(), "cid-1")
	require.NoError(t, err)

	// The inconclusive comparison flips the verdict; the failed justification call only notes it.
	assert.False(t, res.Valid)
	assert.Contains(t, res.Issues, "CPT 99213 description mismatch (comparison inconclusive).")
	require.Len(t, res.Issues, 2)
	assert.Contains(t, res.Issues[1], "Model error during CPT justification")
	assert.Empty(t, res.JustificationIssue)
}

func TestValidateJustificationErrorAloneKeepsVerdict(t *testing.T) {
	fx := newValidatorFixture(t)
	fx.seed(t, "cid-1",
		[]models.LineItem{{Code: "99213", Description: "Office visit"}},
		[]models.DiagnosisCode{{Code: "J02.9"}},
	)
	fx.reference(t, map[string]string{"99213": "Office visit"}, map[string]string{"J02.9": "Acute pharyngitis"})
	fx.model.
		On(CallCompareProcedures, testutil.Text(`["YES"]`)).
		On(CallJustification, testutil.Fail(errors.New("model unavailable")))

	res, err := fx.validator.Validate(context.Background(), "cid-1")
	require.NoError(t, err)

	assert.True(t, res.Valid)
	assert.Len(t, res.Issues, 1)
	assert.Empty(t, fx.model.Calls(CallCompareDiagnoses))
}

func TestValidateDiagnosisFallbacks(t *testing.T) {
	fx := newValidatorFixture(t)
	fx.seed(t, "cid-1",
		[]models.LineItem{{Code: "99213", Description: "Office visit"}},
		[]models.DiagnosisCode{
			{Code: "Z00.0", Description: "General exam"},
			{Code: "Z99.9"},
		},
	)
	fx.reference(t, map[string]string{"99213": "Office visit"}, nil)
	fx.model.
		On(CallCompareProcedures, testutil.Text(`["YES"]`)).
		On(CallJustification, testutil.Text("OK"))

	res, err := fx.validator.Validate(context.Background(), "cid-1")
	require.NoError(t, err)

	assert.True(t, res.Valid)
	assert.Equal(t, []string{
		"ICD Z00.0 not found in reference; using submitted description.",
		"ICD Z99.9 missing description and not found in reference; skipping.",
	}, res.Issues)
	assert.Contains(t, requestText(fx.model.Calls(CallJustification)[0]), "General exam")
}

func TestValidateNoLineItems(t *testing.T) {
	fx := newValidatorFixture(t)
	fx.seed(t, "cid-1", nil, []models.DiagnosisCode{{Code: "J02.9", Description: "Sore throat"}})

	res, err := fx.validator.Validate(context.Background(), "cid-1")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Contains(t, res.Issues, "No CPT codes found.")
	assert.Empty(t, fx.model.Calls(CallJustification))
}

func TestValidatorProcessHandsOffToReconcile(t *testing.T) {
	fx := newValidatorFixture(t)
	fx.seed(t, "cid-1", []models.LineItem{{Code: "99999"}}, nil)
	source := &models.Location{Bucket: "bills-in", Key: "bill.pdf"}

	res, err := fx.validator.Process(context.Background(), models.StageRequest{CorrelationID: "cid-1", JobID: "job-1", Source: source})
	require.NoError(t, err)

	handoffs := fx.dispatcher.Handoffs()
	require.Len(t, handoffs, 1)
	assert.Equal(t, models.StageReconcile, handoffs[0].Stage)
	assert.Equal(t, "job-1", handoffs[0].Request.JobID)
	assert.Equal(t, source, handoffs[0].Request.Source)
	assert.Same(t, res, handoffs[0].Request.Validation)
}

func TestValidatorProcessMissingCorrelationID(t *testing.T) {
	fx := newValidatorFixture(t)

	res, err := fx.validator.Process(context.Background(), models.StageRequest{JobID: "job-1"})
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, []string{"Missing correlation id in request."}, res.Issues)
	require.Len(t, fx.dispatcher.Handoffs(), 1)
}

func TestValidatorProcessIgnoresDispatchFailure(t *testing.T) {
	fx := newValidatorFixture(t)
	fx.dispatcher.Err = errors.New("topic missing")

	_, err := fx.validator.Process(context.Background(), models.StageRequest{})
	assert.NoError(t, err)
}

type failingScanBackend struct {
	*testutil.MemoryBackend
	err error
}

func (b failingScanBackend) ScanPage(context.Context, string, string, string, string, int) (store.Page, error) {
	return store.Page{}, b.err
}

func TestValidatorProcessHandsOffAfterStorageFailure(t *testing.T) {
	backend := failingScanBackend{MemoryBackend: testutil.NewMemoryBackend(), err: context.DeadlineExceeded}
	dispatcher := &testutil.RecordingDispatcher{}
	validator := NewValidator(store.NewRepository(backend, store.DefaultTables(), 1), testutil.NewScriptedModel(), dispatcher, ValidatorConfig{})

	res, err := validator.Process(context.Background(), models.StageRequest{CorrelationID: "cid-1", JobID: "job-1"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Valid)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0], "deadline exceeded")

	handoffs := dispatcher.Handoffs()
	require.Len(t, handoffs, 1)
	assert.Equal(t, models.StageReconcile, handoffs[0].Stage)
	assert.Equal(t, "job-1", handoffs[0].Request.JobID)
	require.NotNil(t, handoffs[0].Request.Validation)
	assert.False(t, handoffs[0].Request.Validation.Valid)
}

func TestValidatorProcessSkipsPublishedCorrelation(t *testing.T) {
	ctx := context.Background()
	fx := newValidatorFixture(t)
	require.NoError(t, fx.repo.MarkPublished(ctx, "cid-1", "job-1", "parsed/comparisons/comparison_cid-1.json", time.Now()))

	res, err := fx.validator.Process(ctx, models.StageRequest{CorrelationID: "cid-1", JobID: "job-1"})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, fx.dispatcher.Handoffs())
	assert.Empty(t, fx.model.Calls(""))
}
