package export

import (
	"encoding/json"
	"fmt"

	"threatdeck/api/internal/threatmodel"
)

// ModelJSON serializes a merged document for download. Unknown vendor fields
// captured at parse time are re-emitted untouched, so the output stays
// round-trip compatible with every consumer of the original document format.
func ModelJSON(doc threatmodel.Document, generatedAt string) (*Result, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return &Result{
		Data:     append(data, '\n'),
		Filename: ModelFilename(doc.Summary.Title, generatedAt),
		MimeType: "application/json",
	}, nil
}
