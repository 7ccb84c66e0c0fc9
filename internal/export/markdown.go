package export

import (
	"fmt"
	"regexp"
	"strings"

	"threatdeck/api/internal/threatmodel"
)

// mitigationSentinel is the placeholder some decks write when a player skips
// the mitigation prompt; reports omit it to avoid a noisy default line.
const mitigationSentinel = "No mitigation provided."

const untitledThreat = "No title given"

var newlineRuns = regexp.MustCompile(`[\r\n]+`)

// reportItem is one threat prepared for report rendering. Empty fields are
// omitted from the output.
type reportItem struct {
	Title       string
	Category    string
	Severity    string
	Author      string
	Description string
	Mitigation  string
}

// buildReportItems applies the shared presentation rules so that the
// Markdown, PDF and DOCX variants of the report stay in step.
func buildReportItems(threats []threatmodel.Threat) []reportItem {
	items := make([]reportItem, 0, len(threats))
	for _, t := range threats {
		item := reportItem{
			Title:       strings.TrimSpace(t.Title),
			Category:    strings.TrimSpace(t.Type),
			Severity:    strings.TrimSpace(t.Severity),
			Author:      strings.TrimSpace(t.Owner),
			Description: collapseNewlines(t.Description),
		}
		if item.Title == "" {
			item.Title = untitledThreat
		}
		if m := strings.TrimSpace(t.Mitigation); m != "" && m != mitigationSentinel {
			item.Mitigation = collapseNewlines(t.Mitigation)
		}
		items = append(items, item)
	}
	return items
}

// ThreatsMarkdown renders the report template. Threats appear in list order;
// callers own the ordering (reports use reverse discovery order).
func ThreatsMarkdown(threats []threatmodel.Threat, generatedAt string) string {
	var b strings.Builder

	title := "Threats " + generatedAt
	b.WriteString(title)
	b.WriteByte('\n')
	b.WriteString(strings.Repeat("=", len(title)))
	b.WriteString("\n\n")

	for i, item := range buildReportItems(threats) {
		fmt.Fprintf(&b, "%d. **%s**\n", i+1, EscapeMarkdownText(item.Title))
		writeMarkdownField(&b, "Category", item.Category)
		writeMarkdownField(&b, "Severity", item.Severity)
		writeMarkdownField(&b, "Author", item.Author)
		writeMarkdownField(&b, "Description", item.Description)
		writeMarkdownField(&b, "Mitigation", item.Mitigation)
		b.WriteByte('\n')
	}
	return b.String()
}

func writeMarkdownField(b *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	fmt.Fprintf(b, "   - *%s:* %s\n", label, EscapeMarkdownText(value))
}

func collapseNewlines(s string) string {
	return strings.TrimSpace(newlineRuns.ReplaceAllString(s, " "))
}

var markdownEscaper = strings.NewReplacer(
	`!`, `\!`,
	`[`, `\[`,
	`]`, `\]`,
	`(`, `\(`,
	`)`, `\)`,
	`<`, "&lt;",
	`>`, "&gt;",
)

// EscapeMarkdownText neutralizes link and image syntax plus inline HTML in
// free-text fields. Emphasis markers (* and _) stay usable on purpose so
// authors can format their threat descriptions.
func EscapeMarkdownText(s string) string {
	return markdownEscaper.Replace(s)
}
