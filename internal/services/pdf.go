package services

import (
	"bytes"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// pageMarker is the literal page-object marker counted by EstimatePages.
var pageMarker = []byte("/Type /Page")

// EstimatePages counts page-object markers in the raw bytes. It is a cheap
// heuristic used to reject oversized uploads, not a PDF parse; the marker also
// matches "/Type /Pages", so it never undercounts.
func EstimatePages(data []byte) int {
	return bytes.Count(data, pageMarker)
}

// CountPages parses the PDF with relaxed validation and returns its page count.
func CountPages(data []byte) (int, error) {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), cfg)
}
