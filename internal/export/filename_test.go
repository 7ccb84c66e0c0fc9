package export

import (
	"encoding/json"
	"strings"
	"testing"

	"threatdeck/api/internal/threatmodel"
)

func TestModelFilename(t *testing.T) {
	got := ModelFilename("Demo Threat Model", "2026-08-26T10:00:00Z")
	want := "Demo-Threat-Model-2026-08-26T10-00:00Z.json"
	if got != want {
		t.Errorf("ModelFilename() = %q, want %q", got, want)
	}
}

func TestReportFilename(t *testing.T) {
	tests := []struct {
		name   string
		slug   string
		format Format
		want   string
	}{
		{"markdown", "DemoModel", FormatMarkdown, "threats-DemoModel-2026-08-26T10-00-00Z.md"},
		{"pdf", "DemoModel", FormatPDF, "threats-DemoModel-2026-08-26T10-00-00Z.pdf"},
		{"empty slug", "", FormatMarkdown, "threats--2026-08-26T10-00-00Z.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReportFilename(tt.slug, "2026-08-26T10:00:00Z", tt.format)
			if got != tt.want {
				t.Errorf("ReportFilename() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReportSlug(t *testing.T) {
	tests := []struct {
		title    string
		gameMode string
		want     string
	}{
		{"Demo Threat Model", "EoP", "DemoThreatModel"},
		{"", "Elevation of Privilege", "ElevationofPrivilege"},
		{"", "", ""},
	}
	for _, tt := range tests {
		if got := ReportSlug(tt.title, tt.gameMode); got != tt.want {
			t.Errorf("ReportSlug(%q, %q) = %q, want %q", tt.title, tt.gameMode, got, tt.want)
		}
	}
}

func TestModelJSONRoundTrips(t *testing.T) {
	raw := `{"version": "1.6.1", "summary": {"title": "My Model", "vendor": [1, 2]}, "detail": {"diagrams": []}}`
	doc, err := threatmodel.ParseDocument([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}

	result, err := ModelJSON(doc, "2026-08-26T10:00:00Z")
	if err != nil {
		t.Fatalf("ModelJSON() error = %v", err)
	}
	if result.Filename != "My-Model-2026-08-26T10-00:00Z.json" {
		t.Errorf("filename = %q", result.Filename)
	}
	if result.MimeType != "application/json" {
		t.Errorf("mime = %q", result.MimeType)
	}

	var reparsed map[string]any
	if err := json.Unmarshal(result.Data, &reparsed); err != nil {
		t.Fatalf("exported document does not parse: %v", err)
	}
	if !strings.Contains(string(result.Data), `"vendor"`) {
		t.Error("vendor field stripped from export")
	}
}
