package extract

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// documentSchema is the shape ExtractionPrompt asks for. Every field may be
// null; unknown fields are allowed.
const documentSchema = `{
  "type": "object",
  "definitions": {
    "text": {"type": ["string", "null"]},
    "amount": {"type": ["number", "string", "null"]},
    "party": {
      "type": ["object", "null"],
      "properties": {
        "name": {"$ref": "#/definitions/text"},
        "firstname": {"$ref": "#/definitions/text"},
        "lastname": {"$ref": "#/definitions/text"},
        "age": {"$ref": "#/definitions/amount"},
        "phone": {"$ref": "#/definitions/text"},
        "address": {"$ref": "#/definitions/text"},
        "city": {"$ref": "#/definitions/text"},
        "state": {"$ref": "#/definitions/text"},
        "zipcode": {"type": ["string", "number", "null"]}
      }
    }
  },
  "properties": {
    "patient_info": {"$ref": "#/definitions/party"},
    "hospital_info": {"$ref": "#/definitions/party"},
    "medical_bill_info": {
      "type": ["object", "null"],
      "properties": {
        "items": {
          "type": ["array", "null"],
          "items": {
            "type": "object",
            "properties": {
              "code": {"type": ["string", "number", "null"]},
              "description": {"$ref": "#/definitions/text"},
              "bill": {"$ref": "#/definitions/amount"}
            }
          }
        },
        "subtotal": {"$ref": "#/definitions/amount"},
        "discount": {"$ref": "#/definitions/amount"},
        "tax_rate_percent": {"$ref": "#/definitions/amount"},
        "total_tax": {"$ref": "#/definitions/amount"},
        "balance_due": {"$ref": "#/definitions/amount"}
      }
    },
    "icd_10_codes": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "properties": {
          "code": {"$ref": "#/definitions/text"},
          "description": {"$ref": "#/definitions/text"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("document.json", strings.NewReader(documentSchema)); err != nil {
			schemaErr = fmt.Errorf("failed to load document schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("document.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile document schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// CheckShape reports where decoded model JSON departs from the extraction
// schema. Normalize tolerates every departure; the result is diagnostic only.
func CheckShape(raw any) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(raw); err != nil {
		return fmt.Errorf("extracted document does not match schema: %w", err)
	}
	return nil
}
