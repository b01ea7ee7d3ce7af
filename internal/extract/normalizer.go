// Package extract turns free-form model output into typed bill records.
package extract

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/medbillflow/internal/llm"
	"github.com/Lllllllleong/medbillflow/internal/models"
)

// CallExtraction names the whole-document extraction call.
const CallExtraction = "extraction"

// ExtractionPrompt asks for the full bill as one JSON object.
const ExtractionPrompt = `You are extracting structured data from a medical receipt. READ THE ENTIRE PDF FILE IN ITS ENTIRETY.

Return ONLY a JSON object matching EXACTLY this schema:

{
  "patient_info": {
    "firstname": string|null,
    "lastname": string|null,
    "age": number|null,
    "phone": string|null,
    "address": string|null,
    "city": string|null,
    "state": string|null,
    "zipcode": string|null
  },
  "hospital_info": {
    "name": string|null,
    "phone": string|null,
    "address": string|null,
    "city": string|null,
    "state": string|null,
    "zipcode": string|null
  },
  "medical_bill_info": {
    "items": [
      {"code": string|null, "description": string|null, "bill": number|null}
    ],
    "subtotal": number|null,
    "discount": number|null,
    "tax_rate_percent": number|null,
    "total_tax": number|null,
    "balance_due": number|null
  },
  "icd_10_codes": [
    {"code": string|null, "description": string|null}
  ]
}

Rules:
- Output MUST be valid JSON only. No backticks, no markdown, no extra commentary.
- Amounts (bill, subtotal, discount, taxes, balance_due) MUST be numbers (no $ or commas).
- If a field is missing on the document, set it to null.
- If a ZIP code appears inside an address, also copy it to zipcode.
- Do not invent data. Be conservative.
- "items" contain billing procedure codes (CPT/HCPCS) with amounts.
- "icd_10_codes" contains diagnosis codes labeled ICD-10, DX or similar, with their descriptions. It may be empty.`

// Normalizer extracts a NormalizedDocument from a PDF in one model call.
type Normalizer struct {
	invoker   llm.Caller
	maxTokens int32
}

func NewNormalizer(invoker llm.Caller, maxTokens int32) *Normalizer {
	return &Normalizer{invoker: invoker, maxTokens: maxTokens}
}

// Extract sends the whole document with the schema instruction and normalizes the reply.
func (n *Normalizer) Extract(ctx context.Context, pdf []byte) (*models.NormalizedDocument, error) {
	text, err := n.invoker.Invoke(ctx, llm.Request{
		Name:      CallExtraction,
		Parts:     []llm.Part{llm.Text(ExtractionPrompt), llm.PDF(pdf)},
		MaxTokens: n.maxTokens,
		JSON:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract document: %w", err)
	}

	raw, err := ExtractJSON(text)
	if err != nil {
		if llm.IsRefusal(text) {
			return nil, &ParseError{Reason: "model refused", Snippet: snippet(text)}
		}
		return nil, err
	}
	if err := CheckShape(raw); err != nil {
		slog.Warn("Extraction output departs from schema, normalizing anyway.", "error", err)
	}
	doc, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	slog.Debug("Normalized extracted document.", "items", len(doc.Bill.Items), "diagnoses", len(doc.Diagnoses))
	return doc, nil
}

// Normalize converts decoded model JSON into a NormalizedDocument. It is pure:
// normalizing the JSON encoding of its own output yields the same values.
func Normalize(raw any) (*models.NormalizedDocument, error) {
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, &ParseError{Reason: "expected a JSON object"}
	}

	patient := object(root["patient_info"])
	hospital := object(root["hospital_info"])
	bill := object(root["medical_bill_info"])

	doc := &models.NormalizedDocument{
		Patient: models.PatientInfo{
			FirstName: ToString(patient["firstname"]),
			LastName:  ToString(patient["lastname"]),
			Age:       ToDecimal(patient["age"]),
			Phone:     ToString(patient["phone"]),
			Address:   ToString(patient["address"]),
			City:      ToString(patient["city"]),
			State:     ToString(patient["state"]),
			ZipCode:   ToString(patient["zipcode"]),
		},
		Provider: models.ProviderInfo{
			Name:    ToString(hospital["name"]),
			Phone:   ToString(hospital["phone"]),
			Address: ToString(hospital["address"]),
			City:    ToString(hospital["city"]),
			State:   ToString(hospital["state"]),
			ZipCode: ToString(hospital["zipcode"]),
		},
		Bill: models.BillInfo{
			Items: []models.LineItem{},
			BillTotals: models.BillTotals{
				Subtotal:       ToDecimal(bill["subtotal"]),
				Discount:       ToDecimal(bill["discount"]),
				TaxRatePercent: ToDecimal(bill["tax_rate_percent"]),
				TotalTax:       ToDecimal(bill["total_tax"]),
				BalanceDue:     ToDecimal(bill["balance_due"]),
			},
		},
		Diagnoses: []models.DiagnosisCode{},
	}
	if doc.Patient.ZipCode == "" {
		doc.Patient.ZipCode = InferZIP(doc.Patient.Address)
	}
	if doc.Provider.ZipCode == "" {
		doc.Provider.ZipCode = InferZIP(doc.Provider.Address)
	}

	for _, entry := range list(bill["items"]) {
		item, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		doc.Bill.Items = append(doc.Bill.Items, models.LineItem{
			Code:        ToString(item["code"]),
			Description: ToString(item["description"]),
			Amount:      ToDecimal(item["bill"]),
		})
	}
	for _, entry := range list(root["icd_10_codes"]) {
		dx, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		doc.Diagnoses = append(doc.Diagnoses, models.DiagnosisCode{
			Code:        ToString(dx["code"]),
			Description: ToString(dx["description"]),
		})
	}
	return doc, nil
}

func object(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func list(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return nil
}
