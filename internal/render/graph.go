// Package render converts a document diagram into the rendering graph the
// interactive UI draws and selects against.
package render

import (
	"strings"

	"threatdeck/api/internal/threatmodel"
)

// Graph is the UI-consumable form of one diagram.
type Graph struct {
	Cells []Cell `json:"cells"`
}

// Cell is one renderable element. Node cells carry Position and Size; edge
// cells carry Source/Target, Vertices and Labels. The renderer distinguishes
// the two by which geometry is present.
type Cell struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	ZIndex int            `json:"zIndex"`
	Attrs  map[string]any `json:"attrs"`

	Position *threatmodel.Point `json:"position,omitempty"`
	Size     *threatmodel.Size  `json:"size,omitempty"`

	Source   *Endpoint           `json:"source,omitempty"`
	Target   *Endpoint           `json:"target,omitempty"`
	Vertices []threatmodel.Point `json:"vertices,omitempty"`
	Smooth   bool                `json:"smooth,omitempty"`
	Labels   []Label             `json:"labels,omitempty"`

	Description      string               `json:"description"`
	HasOpenThreats   bool                 `json:"hasOpenThreats"`
	OutOfScope       bool                 `json:"outOfScope"`
	ReasonOutOfScope string               `json:"reasonOutOfScope"`
	IsTrustBoundary  bool                 `json:"isTrustBoundary"`
	Threats          []threatmodel.Threat `json:"threats"`
	Visible          bool                 `json:"visible"`

	// flow only
	IsBidirectional bool   `json:"isBidirectional,omitempty"`
	IsEncrypted     bool   `json:"isEncrypted,omitempty"`
	IsPublicNetwork bool   `json:"isPublicNetwork,omitempty"`
	Protocol        string `json:"protocol,omitempty"`
}

// Endpoint is a mapped edge end: attached to a node by id, a free point, or
// empty when the source data was unrecognizable (the renderer treats an empty
// endpoint as unattached).
type Endpoint struct {
	ID   string   `json:"id,omitempty"`
	Port string   `json:"port,omitempty"`
	X    *float64 `json:"x,omitempty"`
	Y    *float64 `json:"y,omitempty"`
}

// Label is a resolved edge label with its placement along the edge.
type Label struct {
	Text     string  `json:"text"`
	Distance float64 `json:"distance"`
}

const defaultLabelDistance = 0.5

// fallback classification for cells whose data carries no semantic type
var shapeTypes = map[string]string{
	"process":              threatmodel.TypeProcess,
	"actor":                threatmodel.TypeActor,
	"store":                threatmodel.TypeStore,
	"flow":                 threatmodel.TypeFlow,
	"trust-boundary-curve": threatmodel.TypeBoundary,
	"trust-boundary-box":   threatmodel.TypeBoundary,
}

// ToGraph builds the rendering graph for one diagram. It never fails:
// cells that cannot be classified as a node or an edge are dropped and the
// rest of the diagram still renders.
func ToGraph(diagram threatmodel.Diagram) Graph {
	graph := Graph{Cells: make([]Cell, 0, len(diagram.Cells))}
	for i := range diagram.Cells {
		if cell, ok := toCell(&diagram.Cells[i]); ok {
			graph.Cells = append(graph.Cells, cell)
		}
	}
	return graph
}

func toCell(src *threatmodel.Cell) (Cell, bool) {
	cell := Cell{
		ID:               src.ID,
		Type:             cellType(src),
		ZIndex:           src.ZIndex,
		Attrs:            normalizeAttrs(src),
		Description:      src.Data.Description,
		HasOpenThreats:   src.Data.HasOpenThreats,
		OutOfScope:       src.Data.OutOfScope,
		ReasonOutOfScope: src.Data.ReasonOutOfScope,
		Threats:          src.Data.Threats,
		Visible:          src.Visible == nil || *src.Visible,
	}
	cell.IsTrustBoundary = cell.Type == threatmodel.TypeBoundary

	switch src.Kind {
	case threatmodel.CellKindNode:
		cell.Position = src.Position
		cell.Size = src.Size
	case threatmodel.CellKindEdge:
		cell.Source = mapEndpoint(src.Source)
		cell.Target = mapEndpoint(src.Target)
		cell.Vertices = append([]threatmodel.Point{}, src.Vertices...)
		cell.Smooth = src.Connector == "smooth"
		cell.Labels = mapLabels(src.Labels)
		if src.Data.Type == threatmodel.TypeFlow {
			cell.IsBidirectional = src.Data.IsBidirectional
			cell.IsEncrypted = src.Data.IsEncrypted
			cell.IsPublicNetwork = src.Data.IsPublicNetwork
			cell.Protocol = src.Data.Protocol
		}
	default:
		return Cell{}, false
	}
	return cell, true
}

// cellType resolves the rendering type. Semantic data types win over the
// shape hint; boundary boxes select like boundary curves and text elements
// render as a plain box.
func cellType(src *threatmodel.Cell) string {
	if strings.HasPrefix(src.Data.Type, "tm.") {
		switch src.Data.Type {
		case threatmodel.TypeBoundaryBox:
			return threatmodel.TypeBoundary
		case threatmodel.TypeText:
			return threatmodel.TypeProcess
		default:
			return src.Data.Type
		}
	}
	if t, ok := shapeTypes[src.Shape]; ok {
		return t
	}
	return threatmodel.TypeProcess
}

func mapEndpoint(src *threatmodel.Endpoint) *Endpoint {
	switch {
	case src.Bound():
		return &Endpoint{ID: src.Cell, Port: src.Port}
	case src.Free():
		return &Endpoint{X: src.X, Y: src.Y}
	default:
		return &Endpoint{}
	}
}

// normalizeAttrs copies the cell's rendering attributes and guarantees a
// display label at attrs.text.text without overwriting an explicit one.
func normalizeAttrs(src *threatmodel.Cell) map[string]any {
	attrs := make(map[string]any, len(src.Attrs)+1)
	for k, v := range src.Attrs {
		attrs[k] = v
	}

	// never overwrite an explicit label
	if text, ok := attrText(attrs, "text"); ok && text != "" {
		return attrs
	}

	textAttr := map[string]any{}
	if existing, ok := attrs["text"].(map[string]any); ok {
		for k, v := range existing {
			textAttr[k] = v
		}
	}
	textAttr["text"] = displayName(src)
	attrs["text"] = textAttr
	return attrs
}

// displayName resolves a cell's label by precedence: the semantic name, then
// attrs.text.text, then attrs.label.text, then empty.
func displayName(src *threatmodel.Cell) string {
	if strings.TrimSpace(src.Data.Name) != "" {
		return src.Data.Name
	}
	for _, slot := range []string{"text", "label"} {
		if text, ok := attrText(src.Attrs, slot); ok && strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ""
}

func attrText(attrs map[string]any, slot string) (string, bool) {
	container, ok := attrs[slot].(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := container["text"].(string)
	return text, ok
}

func mapLabels(labels []threatmodel.Label) []Label {
	out := make([]Label, 0, len(labels))
	for _, l := range labels {
		text := ""
		if l.Attrs.LabelText != nil {
			text = l.Attrs.LabelText.Text
		}
		if text == "" && l.Attrs.Label != nil {
			text = l.Attrs.Label.Text
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		distance := defaultLabelDistance
		if l.Position != nil && l.Position.Distance != nil {
			distance = *l.Position.Distance
		}
		out = append(out, Label{Text: text, Distance: distance})
	}
	return out
}
