package export

import "strings"

// ModelFilename names the re-importable JSON document download:
// the document title with spaces turned into hyphens, then the timestamp
// with only its first colon replaced so the result stays recognizable.
func ModelFilename(title, generatedAt string) string {
	return strings.ReplaceAll(title, " ", "-") + "-" + strings.Replace(generatedAt, ":", "-", 1) + ".json"
}

// ReportFilename names the threat report download. The extension follows the
// report format.
func ReportFilename(slug, generatedAt string, format Format) string {
	ext := ".md"
	switch format {
	case FormatPDF:
		ext = ".pdf"
	case FormatDOCX:
		ext = ".docx"
	}
	return "threats-" + slug + "-" + strings.ReplaceAll(generatedAt, ":", "-") + ext
}

// ReportSlug derives the report filename slug: the document title with spaces
// removed when the match has a structured document, otherwise the game mode
// with all whitespace removed, otherwise empty.
func ReportSlug(documentTitle, gameMode string) string {
	if documentTitle != "" {
		return strings.ReplaceAll(documentTitle, " ", "")
	}
	return strings.Join(strings.Fields(gameMode), "")
}
