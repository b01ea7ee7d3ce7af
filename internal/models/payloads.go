package models

// These structs define the JSON payloads exchanged between the entry points and
// the pipeline stages.

// Stage names used when handing work to the next function.
const (
	StageValidate  = "validate"
	StageReconcile = "reconcile"
)

// MetadataJobID is the object metadata key carrying the caller's job id.
const MetadataJobID = "job_id"

// StageRequest is the stage-to-stage handoff payload. Every field except CorrelationID
// is optional; a nil Validation means "proceed normally".
type StageRequest struct {
	CorrelationID string            `json:"correlationId"`
	JobID         string            `json:"jobId,omitempty"`
	Source        *Location         `json:"storageLocation,omitempty"`
	Validation    *ValidationResult `json:"validationResult,omitempty"`
}

// UploadRequest is the input for the bill-uploader function.
type UploadRequest struct {
	JobID       string `json:"job_id" validate:"required"`
	FileName    string `json:"file_name" validate:"required,excludesall=/\\"`
	FileContent string `json:"file_content" validate:"required"`
}

// UploadResponse is the output of the bill-uploader function.
type UploadResponse struct {
	Message string `json:"message"`
	Key     string `json:"key"`
	JobID   string `json:"job_id"`
}

// StorageNotification names one object-storage change.
type StorageNotification struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

// Document states, in order. Cleaned is terminal on every path that reads the
// object; an object that is not a PDF records Skipped alone.
const (
	StateSkipped      = "SKIPPED"
	StateFetched      = "FETCHED"
	StateExtracted    = "EXTRACTED"
	StatePersisted    = "PERSISTED"
	StateChained      = "CHAINED"
	StateChainSkipped = "CHAIN_SKIPPED"
	StateCleaned      = "CLEANED"
)

// DocumentOutcome records what happened to one document of an ingestion batch.
type DocumentOutcome struct {
	Bucket        string   `json:"bucket"`
	Key           string   `json:"key"`
	Kind          string   `json:"kind"`
	JobID         string   `json:"jobId,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
	Parsed        bool     `json:"parsed"`
	Error         string   `json:"error,omitempty"`
	States        []string `json:"states"`
}

// Final returns the last state the document reached.
func (o DocumentOutcome) Final() string {
	if len(o.States) == 0 {
		return ""
	}
	return o.States[len(o.States)-1]
}

// IngestReport is the output of one ingestion batch.
type IngestReport struct {
	Documents []DocumentOutcome `json:"documents"`
}

// ReconcileOutcome is the output of the reconciler function.
type ReconcileOutcome struct {
	Status    string `json:"status"`
	ResultKey string `json:"resultKey,omitempty"`
	Purged    bool   `json:"purged"`
}
