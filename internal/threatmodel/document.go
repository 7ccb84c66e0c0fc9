// Package threatmodel holds the passive data structures for the
// architecture-diagram document and the gameplay threat index.
//
// Documents are owned by external storage. Parsing lifts only the fields the
// core reads or rewrites into typed Go values; everything else stays in a raw
// field bag and is re-emitted verbatim on marshal, so an exported document
// remains parseable by any consumer of the original format.
package threatmodel

import (
	"encoding/json"
	"errors"
)

var ErrNotStructured = errors.New("stored model is not a structured document")

// ModelKind classifies what a match has stored as its "model".
type ModelKind int

const (
	KindUnknown ModelKind = iota
	KindDocument
	KindImage
)

// DetectKind inspects a stored model without fully parsing it. Image-backed
// matches store a small placeholder object carrying the upload's extension.
func DetectKind(raw json.RawMessage) ModelKind {
	var probe struct {
		Extension *string         `json:"extension"`
		Detail    json.RawMessage `json:"detail"`
		Summary   json.RawMessage `json:"summary"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return KindUnknown
	}
	if probe.Extension != nil {
		return KindImage
	}
	if probe.Detail != nil || probe.Summary != nil {
		return KindDocument
	}
	return KindUnknown
}

// ImagePlaceholder is the stored model for an image-backed match.
type ImagePlaceholder struct {
	Name      string `json:"name"`
	Extension string `json:"extension"`
}

// Document is the persisted architecture-diagram-plus-threats artifact.
type Document struct {
	Version string
	Summary Summary
	Detail  Detail

	extra rawFields
}

type Summary struct {
	Title string

	extra rawFields
}

type Detail struct {
	Diagrams []Diagram

	extra rawFields
}

// Diagram is one drawing in the document. Its id is stable and used as an
// external index; array position is not guaranteed to equal id.
type Diagram struct {
	ID          int
	Title       string
	DiagramType string
	Cells       []Cell

	extra rawFields
}

// CellKind tags the geometric variant of a cell. The document format
// distinguishes nodes from edges only by which fields are present; the tag is
// derived once at parse time so the rest of the core never re-derives it.
type CellKind int

const (
	CellKindUnknown CellKind = iota
	CellKindNode
	CellKindEdge
)

// Cell is one diagram element, either a positioned node or a connecting edge.
type Cell struct {
	Kind CellKind

	ID        string
	Shape     string
	ZIndex    int
	Connector string
	Visible   *bool
	Attrs     map[string]any
	Data      CellData

	// node geometry
	Position *Point
	Size     *Size

	// edge geometry
	Source   *Endpoint
	Target   *Endpoint
	Vertices []Point
	Labels   []Label

	extra rawFields
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Endpoint is one end of an edge: either bound to a node cell by id (with an
// optional port) or a free point used by boundary curves.
type Endpoint struct {
	Cell string   `json:"cell,omitempty"`
	Port string   `json:"port,omitempty"`
	X    *float64 `json:"x,omitempty"`
	Y    *float64 `json:"y,omitempty"`
}

// Bound reports whether the endpoint is attached to a node cell.
func (e *Endpoint) Bound() bool { return e != nil && e.Cell != "" }

// Free reports whether the endpoint is a free point.
func (e *Endpoint) Free() bool { return e != nil && e.Cell == "" && e.X != nil && e.Y != nil }

// Label is an edge label as stored in the document.
type Label struct {
	Attrs    LabelAttrs     `json:"attrs"`
	Position *LabelPosition `json:"position"`
}

type LabelAttrs struct {
	LabelText *TextAttr `json:"labelText"`
	Label     *TextAttr `json:"label"`
}

type TextAttr struct {
	Text string `json:"text"`
}

type LabelPosition struct {
	Distance *float64 `json:"distance"`
}

// CellData is the semantic payload of a cell, tagged by Type.
type CellData struct {
	Type             string
	Name             string
	Description      string
	OutOfScope       bool
	ReasonOutOfScope string
	HasOpenThreats   bool
	IsTrustBoundary  bool
	IsBidirectional  bool
	IsEncrypted      bool
	IsPublicNetwork  bool
	Protocol         string
	Threats          []Threat

	extra rawFields
}

// Semantic cell data types.
const (
	TypeProcess     = "tm.Process"
	TypeActor       = "tm.Actor"
	TypeStore       = "tm.Store"
	TypeFlow        = "tm.Flow"
	TypeBoundary    = "tm.Boundary"
	TypeBoundaryBox = "tm.BoundaryBox"
	TypeText        = "tm.Text"

	typePrefix = "tm."
)

// Threat statuses.
const (
	StatusNA        = "NA"
	StatusOpen      = "Open"
	StatusMitigated = "Mitigated"
)

// Threat is a single finding, either embedded in a document cell or produced
// from gameplay. Threats parsed from a document keep their original bytes and
// round-trip unmodified; threats built by the aggregator marshal from the
// typed fields.
type Threat struct {
	ID          string
	Title       string
	Status      string
	Severity    string
	Type        string
	Description string
	Mitigation  string
	ModelType   string
	Owner       string
	Game        string

	raw json.RawMessage
}

func (t *Threat) UnmarshalJSON(data []byte) error {
	type alias struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Status      string `json:"status"`
		Severity    string `json:"severity"`
		Type        string `json:"type"`
		Description string `json:"description"`
		Mitigation  string `json:"mitigation"`
		ModelType   string `json:"modelType"`
		Owner       string `json:"owner"`
		Game        string `json:"game"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = Threat{
		ID:          a.ID,
		Title:       a.Title,
		Status:      a.Status,
		Severity:    a.Severity,
		Type:        a.Type,
		Description: a.Description,
		Mitigation:  a.Mitigation,
		ModelType:   a.ModelType,
		Owner:       a.Owner,
		Game:        a.Game,
	}
	t.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (t Threat) MarshalJSON() ([]byte, error) {
	if t.raw != nil {
		return t.raw, nil
	}
	type alias struct {
		ID          string `json:"id,omitempty"`
		Title       string `json:"title"`
		Status      string `json:"status"`
		Severity    string `json:"severity"`
		Type        string `json:"type"`
		Description string `json:"description"`
		Mitigation  string `json:"mitigation"`
		ModelType   string `json:"modelType,omitempty"`
		Owner       string `json:"owner,omitempty"`
		Game        string `json:"game,omitempty"`
	}
	return json.Marshal(alias{
		ID:          t.ID,
		Title:       t.Title,
		Status:      t.Status,
		Severity:    t.Severity,
		Type:        t.Type,
		Description: t.Description,
		Mitigation:  t.Mitigation,
		ModelType:   t.ModelType,
		Owner:       t.Owner,
		Game:        t.Game,
	})
}

// ParseDocument parses a stored model into a Document. It returns
// ErrNotStructured for image placeholders and anything else that is not a
// diagram document.
func ParseDocument(raw json.RawMessage) (Document, error) {
	if DetectKind(raw) != KindDocument {
		return Document{}, ErrNotStructured
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// DiagramAt returns the diagram at the given array position. Gameplay indexes
// diagrams by position, not by id.
func (d *Document) DiagramAt(index int) (*Diagram, bool) {
	if index < 0 || index >= len(d.Detail.Diagrams) {
		return nil, false
	}
	return &d.Detail.Diagrams[index], true
}

// CellByID returns the cell with the given id, if any.
func (dg *Diagram) CellByID(id string) (*Cell, bool) {
	for i := range dg.Cells {
		if dg.Cells[i].ID == id {
			return &dg.Cells[i], true
		}
	}
	return nil, false
}
