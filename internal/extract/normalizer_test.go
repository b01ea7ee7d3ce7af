package extract_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/medbillflow/internal/extract"
	"github.com/Lllllllleong/medbillflow/internal/testutil"
)

const sampleReply = "```json\n" + `{
  "patient_info": {"firstname": "Jane", "lastname": "Doe", "age": "34", "address": "12 Main St, Springfield, IL 62704", "zipcode": null},
  "hospital_info": {"name": "General Hospital", "address": "1 Health Way, Springfield, IL 62701-0001"},
  "medical_bill_info": {
    "items": [
      {"code": "99213", "description": "Office visit", "bill": "$1,234.50"},
      {"code": null, "description": "Supplies", "bill": 15}
    ],
    "subtotal": 1249.50,
    "discount": null,
    "balance_due": "1,249.50"
  },
  "icd_10_codes": [{"code": "J02.9", "description": "Acute pharyngitis"}]
}` + "\n```"

func TestNormalizerExtract(t *testing.T) {
	model := testutil.NewScriptedModel().On(extract.CallExtraction, testutil.Text(sampleReply))
	n := extract.NewNormalizer(model, 4500)

	doc, err := n.Extract(context.Background(), []byte("%PDF-1.4"))
	require.NoError(t, err)

	assert.Equal(t, "Jane", doc.Patient.FirstName)
	assert.True(t, doc.Patient.Age.Decimal.Equal(decimal.NewFromInt(34)))
	assert.Equal(t, "62704", doc.Patient.ZipCode)
	assert.Equal(t, "62701-0001", doc.Provider.ZipCode)
	require.Len(t, doc.Bill.Items, 2)
	assert.True(t, doc.Bill.Items[0].Amount.Decimal.Equal(decimal.RequireFromString("1234.50")))
	assert.Equal(t, "", doc.Bill.Items[1].Code)
	assert.False(t, doc.Bill.Discount.Valid)
	assert.True(t, doc.Bill.BalanceDue.Decimal.Equal(decimal.RequireFromString("1249.50")))
	require.Len(t, doc.Diagnoses, 1)
	assert.Equal(t, "J02.9", doc.Diagnoses[0].Code)

	calls := model.Calls(extract.CallExtraction)
	require.Len(t, calls, 1)
	assert.Equal(t, int32(4500), calls[0].MaxTokens)
	assert.True(t, calls[0].JSON)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	raw, err := extract.ExtractJSON(sampleReply)
	require.NoError(t, err)
	first, err := extract.Normalize(raw)
	require.NoError(t, err)

	encoded, err := json.Marshal(first)
	require.NoError(t, err)
	raw2, err := extract.ExtractJSON(string(encoded))
	require.NoError(t, err)
	second, err := extract.Normalize(raw2)
	require.NoError(t, err)

	again, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(encoded), string(again))
}

func TestNormalizerReportsRefusal(t *testing.T) {
	model := testutil.NewScriptedModel().On(extract.CallExtraction, testutil.Text("I am unable to process medical documents."))

	_, err := extract.NewNormalizer(model, 100).Extract(context.Background(), nil)

	var parseErr *extract.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "model refused", parseErr.Reason)
}

func TestNormalizerSurfacesModelErrors(t *testing.T) {
	model := testutil.NewScriptedModel()

	_, err := extract.NewNormalizer(model, 100).Extract(context.Background(), nil)
	assert.ErrorContains(t, err, "failed to extract document")
}
