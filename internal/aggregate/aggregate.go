// Package aggregate reconciles threats discovered during play with threats
// already embedded in the architecture-diagram document. Both operations are
// pure: field-level defects are absorbed with documented defaults and the
// document input is never mutated.
package aggregate

import (
	"strconv"

	"threatdeck/api/internal/threatmodel"
)

const defaultSeverity = "Low"

// Flatten produces the full threat list for a report: gameplay threats in
// discovery order first, then any threats already embedded in the document.
// Callers own the display order (reports reverse it). doc may be nil when a
// match has no structured document.
func Flatten(arena threatmodel.Arena, doc *threatmodel.Document, roster []string) []threatmodel.Threat {
	threats := make([]threatmodel.Threat, 0, arena.Len())

	for _, rec := range arena.Records() {
		threats = append(threats, threatmodel.Threat{
			ID:          rec.ThreatID,
			Title:       orEmpty(rec.Title),
			Status:      threatmodel.StatusNA,
			Severity:    orDefault(rec.Severity, defaultSeverity),
			Type:        orEmpty(rec.Type),
			Description: orEmpty(rec.Description),
			Mitigation:  orEmpty(rec.Mitigation),
			Owner:       resolveOwner(roster, rec.Owner),
		})
	}

	if doc != nil {
		for _, dg := range doc.Detail.Diagrams {
			for _, cell := range dg.Cells {
				threats = append(threats, cell.Data.Threats...)
			}
		}
	}
	return threats
}

// MergeIntoDocument folds gameplay threats into the document's per-cell
// threat lists and returns a new document; the input is left untouched.
// Diagram slots or cell ids that no longer exist are skipped silently: the
// document may have been edited after play started.
func MergeIntoDocument(doc threatmodel.Document, arena threatmodel.Arena, roster []string, gameMode, matchID string) threatmodel.Document {
	out := doc
	out.Detail.Diagrams = append([]threatmodel.Diagram(nil), doc.Detail.Diagrams...)
	scheme := MethodologyFor(gameMode)

	// copy-on-write per cell so the caller's document stays intact
	touched := map[[2]int]bool{}

	for _, rec := range arena.Records() {
		dg, ok := out.DiagramAt(rec.DiagramIndex)
		if !ok {
			continue
		}
		cellIdx := -1
		for i := range dg.Cells {
			if dg.Cells[i].ID == rec.ComponentID {
				cellIdx = i
				break
			}
		}
		if cellIdx < 0 {
			continue
		}

		key := [2]int{rec.DiagramIndex, cellIdx}
		if !touched[key] {
			dg.Cells = append([]threatmodel.Cell(nil), dg.Cells...)
			cell := dg.Cells[cellIdx]
			cell.Data.Threats = append([]threatmodel.Threat(nil), cell.Data.Threats...)
			dg.Cells[cellIdx] = cell
			touched[key] = true
		}

		cell := &dg.Cells[cellIdx]
		merged := threatmodel.Threat{
			ID:          rec.ThreatID,
			Title:       orEmpty(rec.Title),
			Status:      threatmodel.StatusOpen,
			Severity:    orEmpty(rec.Severity),
			Type:        scheme.Category(orEmpty(rec.Type)),
			Description: orEmpty(rec.Description),
			Mitigation:  orEmpty(rec.Mitigation),
			Owner:       resolveOwner(roster, rec.Owner),
			Game:        matchID,
		}
		if scheme != nil {
			merged.ModelType = scheme.Name
		}
		cell.Data.Threats = append(cell.Data.Threats, merged)
		cell.Data.HasOpenThreats = cell.Data.HasOpenThreats || anyOpen(cell.Data.Threats)
	}
	return out
}

// resolveOwner maps a player-index string to a roster name. Unparsable or
// out-of-range indexes resolve to no owner.
func resolveOwner(roster []string, index *string) string {
	if index == nil {
		return ""
	}
	i, err := strconv.Atoi(*index)
	if err != nil || i < 0 || i >= len(roster) {
		return ""
	}
	return roster[i]
}

func anyOpen(threats []threatmodel.Threat) bool {
	for _, t := range threats {
		if t.Status == threatmodel.StatusOpen {
			return true
		}
	}
	return false
}

func orEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orDefault(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
