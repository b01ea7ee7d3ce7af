// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is every setting the functions read. Keys match environment variable names.
type Config struct {
	ProjectID     string `mapstructure:"PROJECT_ID"`
	Region        string `mapstructure:"REGION"`
	ModelProvider string `mapstructure:"MODEL_PROVIDER"`
	ModelName     string `mapstructure:"MODEL_NAME"`
	AnthropicKey  string `mapstructure:"ANTHROPIC_API_KEY"`

	UploadBucket       string `mapstructure:"UPLOAD_BUCKET"`
	ResultsBucket      string `mapstructure:"RESULTS_BUCKET"`
	ResultsPrefix      string `mapstructure:"RESULTS_PREFIX"`
	PolicySourcePrefix string `mapstructure:"POLICY_SOURCE_PREFIX"`
	ParsedPolicyPrefix string `mapstructure:"PARSED_POLICY_PREFIX"`
	MaxUploadPages     int    `mapstructure:"MAX_UPLOAD_PAGES"`

	RetryBaseDelay     time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryJitterMax     time.Duration `mapstructure:"RETRY_JITTER_MAX"`
	RetryMaxAttempts   uint          `mapstructure:"RETRY_MAX_ATTEMPTS"`
	ExtractionCooldown time.Duration `mapstructure:"EXTRACTION_COOLDOWN"`
	BatchConcurrency   int           `mapstructure:"BATCH_CONCURRENCY"`

	DocMaxTokens       int32 `mapstructure:"DOC_MAX_TOKENS"`
	CompareMaxTokens   int32 `mapstructure:"COMPARE_MAX_TOKENS"`
	ReconcileMaxTokens int32 `mapstructure:"RECONCILE_MAX_TOKENS"`
	PolicyMaxTokens    int32 `mapstructure:"POLICY_MAX_TOKENS"`

	PatientsTable            string `mapstructure:"PATIENTS_COLLECTION"`
	ProvidersTable           string `mapstructure:"PROVIDERS_COLLECTION"`
	BillsTable               string `mapstructure:"BILLS_COLLECTION"`
	LineItemsTable           string `mapstructure:"LINE_ITEMS_COLLECTION"`
	DiagnosesTable           string `mapstructure:"DIAGNOSES_COLLECTION"`
	ReferenceProceduresTable string `mapstructure:"CPT_REFERENCE_COLLECTION"`
	ReferenceDiagnosesTable  string `mapstructure:"ICD_REFERENCE_COLLECTION"`
	PublishedTable           string `mapstructure:"PUBLISHED_COLLECTION"`
	ScanPageSize             int    `mapstructure:"SCAN_PAGE_SIZE"`

	DispatchMode      string `mapstructure:"DISPATCH_MODE"`
	ValidateTopic     string `mapstructure:"VALIDATE_TOPIC"`
	ReconcileTopic    string `mapstructure:"RECONCILE_TOPIC"`
	WorkflowLocation  string `mapstructure:"WORKFLOW_LOCATION"`
	ValidateWorkflow  string `mapstructure:"VALIDATE_WORKFLOW"`
	ReconcileWorkflow string `mapstructure:"RECONCILE_WORKFLOW"`
	StageBaseURL      string `mapstructure:"STAGE_BASE_URL"`

	Port string `mapstructure:"PORT"`
}

// Dispatch modes.
const (
	DispatchPubSub    = "pubsub"
	DispatchWorkflows = "workflows"
	DispatchHTTP      = "http"
)

// Model providers.
const (
	ProviderVertex    = "vertex"
	ProviderAnthropic = "anthropic"
)

var defaults = map[string]any{
	"PROJECT_ID":           "",
	"REGION":               "us-central1",
	"MODEL_PROVIDER":       ProviderVertex,
	"MODEL_NAME":           "gemini-1.5-pro",
	"ANTHROPIC_API_KEY":    "",
	"UPLOAD_BUCKET":        "",
	"RESULTS_BUCKET":       "",
	"RESULTS_PREFIX":       "parsed/comparisons/",
	"POLICY_SOURCE_PREFIX": "policies/",
	"PARSED_POLICY_PREFIX": "parsed/policies/",
	"MAX_UPLOAD_PAGES":     3,

	"RETRY_BASE_DELAY":    "800ms",
	"RETRY_JITTER_MAX":    "600ms",
	"RETRY_MAX_ATTEMPTS":  8,
	"EXTRACTION_COOLDOWN": "3s",
	"BATCH_CONCURRENCY":   4,

	"DOC_MAX_TOKENS":       4500,
	"COMPARE_MAX_TOKENS":   100,
	"RECONCILE_MAX_TOKENS": 4000,
	"POLICY_MAX_TOKENS":    4000,

	"PATIENTS_COLLECTION":      "patients",
	"PROVIDERS_COLLECTION":     "providers",
	"BILLS_COLLECTION":         "bill_summaries",
	"LINE_ITEMS_COLLECTION":    "line_items",
	"DIAGNOSES_COLLECTION":     "diagnoses",
	"CPT_REFERENCE_COLLECTION": "cpt_reference",
	"ICD_REFERENCE_COLLECTION": "icd10_reference",
	"PUBLISHED_COLLECTION":     "published_results",
	"SCAN_PAGE_SIZE":           100,

	"DISPATCH_MODE":      DispatchPubSub,
	"VALIDATE_TOPIC":     "bill-validate",
	"RECONCILE_TOPIC":    "bill-reconcile",
	"WORKFLOW_LOCATION":  "us-central1",
	"VALIDATE_WORKFLOW":  "bill-validate",
	"RECONCILE_WORKFLOW": "bill-reconcile",
	"STAGE_BASE_URL":     "http://localhost:8080",

	"PORT": "8080",
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every deployment needs.
func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if c.UploadBucket == "" {
		return fmt.Errorf("UPLOAD_BUCKET environment variable must be set")
	}
	if c.ResultsBucket == "" {
		return fmt.Errorf("RESULTS_BUCKET environment variable must be set")
	}
	switch c.ModelProvider {
	case ProviderVertex:
	case ProviderAnthropic:
		if c.AnthropicKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY must be set when MODEL_PROVIDER is %q", ProviderAnthropic)
		}
	default:
		return fmt.Errorf("unknown MODEL_PROVIDER %q", c.ModelProvider)
	}
	switch c.DispatchMode {
	case DispatchPubSub, DispatchWorkflows, DispatchHTTP:
	default:
		return fmt.Errorf("unknown DISPATCH_MODE %q", c.DispatchMode)
	}
	if c.RetryMaxAttempts == 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}
