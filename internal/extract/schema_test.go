package extract_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/medbillflow/internal/extract"
)

func TestCheckShape(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		ok    bool
	}{
		{"full document", sampleReply, true},
		{"empty object", `{}`, true},
		{"null sections", `{"patient_info": null, "medical_bill_info": null, "icd_10_codes": null}`, true},
		{"items not a list", `{"medical_bill_info": {"items": "99213"}}`, false},
		{"diagnosis not an object", `{"icd_10_codes": ["J02.9"]}`, false},
		{"top-level array", `[{"code": "99213"}]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := extract.ExtractJSON(tt.reply)
			require.NoError(t, err)
			err = extract.CheckShape(raw)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
