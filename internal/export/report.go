package export

import (
	"bytes"
	"fmt"
	"html/template"

	"threatdeck/api/internal/threatmodel"
)

// ThreatsReport renders the threat report in the requested format. Markdown
// is the canonical template; PDF and DOCX render an HTML twin of the same
// items through headless Chrome and pandoc respectively.
func ThreatsReport(format Format, threats []threatmodel.Threat, slug, generatedAt string) (*Result, error) {
	switch format {
	case FormatMarkdown, "":
		return &Result{
			Data:     []byte(ThreatsMarkdown(threats, generatedAt)),
			Filename: ReportFilename(slug, generatedAt, FormatMarkdown),
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	case FormatPDF, FormatDOCX:
		html, err := renderReportHTML(threats, generatedAt)
		if err != nil {
			return nil, fmt.Errorf("render report html: %w", err)
		}
		if format == FormatPDF {
			return reportPDF(html, slug, generatedAt)
		}
		return reportDOCX(html, slug, generatedAt)
	default:
		return nil, fmt.Errorf("unsupported report format: %s", format)
	}
}

var reportTemplate = template.Must(template.New("report").Parse(reportHTML))

type reportPage struct {
	Title   string
	Threats []reportItem
}

func renderReportHTML(threats []threatmodel.Threat, generatedAt string) (string, error) {
	var buf bytes.Buffer
	page := reportPage{
		Title:   "Threats " + generatedAt,
		Threats: buildReportItems(threats),
	}
	if err := reportTemplate.Execute(&buf, page); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    ol li { margin-bottom: 1.25rem; }
    dt { font-style: italic; }
    dd { margin: 0 0 0.25rem 1rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <ol>
  {{range .Threats}}
    <li>
      <strong>{{.Title}}</strong>
      <dl>
        {{if .Category}}<dt>Category</dt><dd>{{.Category}}</dd>{{end}}
        {{if .Severity}}<dt>Severity</dt><dd>{{.Severity}}</dd>{{end}}
        {{if .Author}}<dt>Author</dt><dd>{{.Author}}</dd>{{end}}
        {{if .Description}}<dt>Description</dt><dd>{{.Description}}</dd>{{end}}
        {{if .Mitigation}}<dt>Mitigation</dt><dd>{{.Mitigation}}</dd>{{end}}
      </dl>
    </li>
  {{end}}
  </ol>
</body>
</html>`
