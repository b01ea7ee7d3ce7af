package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PatientInfo is the patient block of an extracted bill.
type PatientInfo struct {
	FirstName string              `json:"firstname,omitempty"`
	LastName  string              `json:"lastname,omitempty"`
	Age       decimal.NullDecimal `json:"age"`
	Phone     string              `json:"phone,omitempty"`
	Address   string              `json:"address,omitempty"`
	City      string              `json:"city,omitempty"`
	State     string              `json:"state,omitempty"`
	ZipCode   string              `json:"zipcode,omitempty"`
}

// ProviderInfo is the hospital/provider block of an extracted bill.
type ProviderInfo struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zipcode,omitempty"`
}

// LineItem is one billed procedure. Identity is (Code, CorrelationID).
type LineItem struct {
	Code        string              `json:"code,omitempty"`
	Description string              `json:"description,omitempty"`
	Amount      decimal.NullDecimal `json:"bill"`
}

// DiagnosisCode is one ICD-style code found on a bill. Description may be empty.
type DiagnosisCode struct {
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
}

// BillTotals holds the summary money fields. Absent values stay invalid, never zero.
type BillTotals struct {
	Subtotal       decimal.NullDecimal `json:"subtotal"`
	Discount       decimal.NullDecimal `json:"discount"`
	TaxRatePercent decimal.NullDecimal `json:"tax_rate_percent"`
	TotalTax       decimal.NullDecimal `json:"total_tax"`
	BalanceDue     decimal.NullDecimal `json:"balance_due"`
}

// BillInfo mirrors the medical_bill_info block: line items plus totals.
type BillInfo struct {
	Items []LineItem `json:"items"`
	BillTotals
}

// NormalizedDocument is the typed form of one extracted bill. Its JSON encoding uses
// the same schema the extraction prompt asks the model for.
type NormalizedDocument struct {
	Patient   PatientInfo     `json:"patient_info"`
	Provider  ProviderInfo    `json:"hospital_info"`
	Bill      BillInfo        `json:"medical_bill_info"`
	Diagnoses []DiagnosisCode `json:"icd_10_codes"`
}

// ReferenceCode is an authoritative code -> description entry.
type ReferenceCode struct {
	Code        string `json:"code" firestore:"code"`
	Description string `json:"description" firestore:"description"`
}

// Location points at an object in object storage.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// BillRecord is a bill reassembled from the working tables for one correlation id.
type BillRecord struct {
	CorrelationID string          `json:"correlation_id"`
	PatientID     string          `json:"patient_id,omitempty"`
	ProviderID    string          `json:"provider_id,omitempty"`
	Source        Location        `json:"source"`
	CreatedAt     time.Time       `json:"created_at"`
	Patient       PatientInfo     `json:"patient_info"`
	Provider      ProviderInfo    `json:"hospital_info"`
	Totals        BillTotals      `json:"totals"`
	Items         []LineItem      `json:"items"`
	Diagnoses     []DiagnosisCode `json:"icd_10_codes"`
}

// PolicyDocument is a parsed insurance policy.
type PolicyDocument struct {
	PolicyID string         `json:"policy_id"`
	Key      string         `json:"key"`
	Data     map[string]any `json:"data"`
}

// ValidationResult is produced once per validation pass and handed to reconciliation by value.
type ValidationResult struct {
	CorrelationID      string   `json:"correlation_id"`
	Valid              bool     `json:"all_valid"`
	Issues             []string `json:"issues"`
	JustificationIssue string   `json:"justification_issue,omitempty"`
}

// ComparisonResult is the final artifact fetched by job id.
type ComparisonResult struct {
	ComparisonID   string    `json:"comparison_id"`
	Timestamp      time.Time `json:"timestamp"`
	CorrelationID  string    `json:"correlation_id"`
	JobID          string    `json:"job_id,omitempty"`
	SourceLocation string    `json:"source_location"`
	PolicyID       string    `json:"policy_id"`
	Comparison     any       `json:"comparison"`
}
