package threatmodel

import "encoding/json"

// rawFields keeps every field of the source object as raw JSON. Lifting a
// field into a typed value is best effort and never removes it from the bag;
// marshal starts from the bag and overrides only the subtrees the core may
// have rewritten. Fields with unexpected types simply stay raw, which is the
// forward-compatibility behavior the document format asks for.
type rawFields map[string]json.RawMessage

func (f rawFields) lift(key string, dst any) bool {
	raw, ok := f[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func (f rawFields) clone() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(f)+2)
	for k, v := range f {
		out[k] = v
	}
	return out
}

func setField(out map[string]json.RawMessage, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	out[key] = raw
	return nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var raw rawFields
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.extra = raw
	raw.lift("version", &d.Version)
	raw.lift("summary", &d.Summary)
	raw.lift("detail", &d.Detail)
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	out := d.extra.clone()
	// detail is the only subtree the core rewrites (merged threats).
	if err := setField(out, "detail", d.Detail); err != nil {
		return nil, err
	}
	if _, ok := out["version"]; !ok && d.Version != "" {
		if err := setField(out, "version", d.Version); err != nil {
			return nil, err
		}
	}
	if _, ok := out["summary"]; !ok && d.Summary.Title != "" {
		if err := setField(out, "summary", d.Summary); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (s *Summary) UnmarshalJSON(data []byte) error {
	var raw rawFields
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.extra = raw
	raw.lift("title", &s.Title)
	return nil
}

func (s Summary) MarshalJSON() ([]byte, error) {
	out := s.extra.clone()
	if _, ok := out["title"]; !ok && s.Title != "" {
		if err := setField(out, "title", s.Title); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (d *Detail) UnmarshalJSON(data []byte) error {
	var raw rawFields
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.extra = raw
	raw.lift("diagrams", &d.Diagrams)
	return nil
}

func (d Detail) MarshalJSON() ([]byte, error) {
	out := d.extra.clone()
	// Only re-emit diagrams when something was lifted; a source without the
	// key must not gain it, and a raw value of an unexpected type stays raw.
	if d.Diagrams != nil {
		if err := setField(out, "diagrams", d.Diagrams); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (dg *Diagram) UnmarshalJSON(data []byte) error {
	var raw rawFields
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	dg.extra = raw
	raw.lift("id", &dg.ID)
	raw.lift("title", &dg.Title)
	raw.lift("diagramType", &dg.DiagramType)
	raw.lift("cells", &dg.Cells)
	return nil
}

func (dg Diagram) MarshalJSON() ([]byte, error) {
	out := dg.extra.clone()
	if dg.Cells != nil {
		if err := setField(out, "cells", dg.Cells); err != nil {
			return nil, err
		}
	}
	if _, ok := out["id"]; !ok {
		if err := setField(out, "id", dg.ID); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (c *Cell) UnmarshalJSON(data []byte) error {
	var raw rawFields
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.extra = raw
	raw.lift("id", &c.ID)
	raw.lift("shape", &c.Shape)
	raw.lift("zIndex", &c.ZIndex)
	raw.lift("connector", &c.Connector)
	raw.lift("visible", &c.Visible)
	raw.lift("attrs", &c.Attrs)
	raw.lift("data", &c.Data)
	raw.lift("position", &c.Position)
	raw.lift("size", &c.Size)
	raw.lift("source", &c.Source)
	raw.lift("target", &c.Target)
	raw.lift("vertices", &c.Vertices)
	raw.lift("labels", &c.Labels)

	switch {
	case c.Position != nil && c.Size != nil:
		c.Kind = CellKindNode
	case c.Source != nil || c.Target != nil:
		c.Kind = CellKindEdge
	default:
		c.Kind = CellKindUnknown
	}
	return nil
}

func (c Cell) MarshalJSON() ([]byte, error) {
	out := c.extra.clone()
	if err := setField(out, "data", c.Data); err != nil {
		return nil, err
	}
	if _, ok := out["id"]; !ok && c.ID != "" {
		if err := setField(out, "id", c.ID); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (d *CellData) UnmarshalJSON(data []byte) error {
	var raw rawFields
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.extra = raw
	raw.lift("type", &d.Type)
	raw.lift("name", &d.Name)
	raw.lift("description", &d.Description)
	raw.lift("outOfScope", &d.OutOfScope)
	raw.lift("reasonOutOfScope", &d.ReasonOutOfScope)
	raw.lift("hasOpenThreats", &d.HasOpenThreats)
	raw.lift("isTrustBoundary", &d.IsTrustBoundary)
	raw.lift("isBidirectional", &d.IsBidirectional)
	raw.lift("isEncrypted", &d.IsEncrypted)
	raw.lift("isPublicNetwork", &d.IsPublicNetwork)
	raw.lift("protocol", &d.Protocol)
	raw.lift("threats", &d.Threats)
	return nil
}

func (d CellData) MarshalJSON() ([]byte, error) {
	out := d.extra.clone()
	_, hadThreats := out["threats"]
	if d.Threats != nil || hadThreats {
		threats := d.Threats
		if threats == nil {
			threats = []Threat{}
		}
		if err := setField(out, "threats", threats); err != nil {
			return nil, err
		}
	}
	if _, ok := out["hasOpenThreats"]; ok || d.HasOpenThreats {
		if err := setField(out, "hasOpenThreats", d.HasOpenThreats); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}
