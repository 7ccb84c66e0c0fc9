package threatmodel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var ErrBadThreatIndex = errors.New("identified-threats index does not match the expected schema")

// GameThreat is one gameplay finding: a partial threat record located at
// (diagram position, component cell id, threat id). Optional fields are
// pointers so that "absent" survives until the aggregator substitutes
// defaults.
type GameThreat struct {
	DiagramIndex int
	ComponentID  string
	ThreatID     string

	Title       *string `json:"title"`
	Description *string `json:"description"`
	Mitigation  *string `json:"mitigation"`
	Severity    *string `json:"severity"`
	Type        *string `json:"type"`
	Owner       *string `json:"owner"`
}

// Arena is the identified-threats index flattened into a single
// discovery-ordered sequence keyed by (diagramIndex, componentId, threatId).
// The wire format is either a sparse array of nested objects or an object
// keyed by decimal diagram positions; in both cases insertion order is
// semantically meaningful, so it is parsed with a token decoder rather
// than into Go maps, which would lose the order.
type Arena struct {
	records []GameThreat
}

// Records returns the gameplay threats in discovery order.
func (a Arena) Records() []GameThreat { return a.records }

// Empty reports whether gameplay produced no threats at all.
func (a Arena) Empty() bool { return len(a.records) == 0 }

// Len returns the number of gameplay threats.
func (a Arena) Len() int { return len(a.records) }

// ParseArena decodes the identified-threats index. The game engine writes
// either a sparse array indexed by diagram position or an object whose keys
// are decimal diagram positions; both are accepted. Absent diagram slots
// (null entries) are skipped; a diagram slot holding an empty object simply
// contributes no records. Any structural mismatch is reported as
// ErrBadThreatIndex so callers can reject the request before aggregation.
func ParseArena(data []byte) (Arena, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Arena{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return Arena{}, fmt.Errorf("%w: %v", ErrBadThreatIndex, err)
	}
	switch tok {
	case json.Delim('['):
		return parseArenaArray(dec)
	case json.Delim('{'):
		return parseArenaObject(dec)
	default:
		return Arena{}, fmt.Errorf("%w: expected array or object, found %v", ErrBadThreatIndex, tok)
	}
}

func parseArenaArray(dec *json.Decoder) (Arena, error) {
	var arena Arena
	for index := 0; dec.More(); index++ {
		tok, err := dec.Token()
		if err != nil {
			return Arena{}, fmt.Errorf("%w: diagram slot %d: %v", ErrBadThreatIndex, index, err)
		}
		if tok == nil {
			// absent diagram slot
			continue
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			return Arena{}, fmt.Errorf("%w: diagram slot %d is not an object", ErrBadThreatIndex, index)
		}
		if err := parseDiagramSlot(dec, index, &arena); err != nil {
			return Arena{}, err
		}
	}
	if err := expectDelim(dec, ']'); err != nil {
		return Arena{}, err
	}
	return arena, nil
}

func parseArenaObject(dec *json.Decoder) (Arena, error) {
	var arena Arena
	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return Arena{}, fmt.Errorf("%w: %v", ErrBadThreatIndex, err)
		}
		index, err := strconv.Atoi(key)
		if err != nil || index < 0 {
			return Arena{}, fmt.Errorf("%w: diagram key %q is not a position", ErrBadThreatIndex, key)
		}
		tok, err := dec.Token()
		if err != nil {
			return Arena{}, fmt.Errorf("%w: diagram slot %d: %v", ErrBadThreatIndex, index, err)
		}
		if tok == nil {
			// absent diagram slot
			continue
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			return Arena{}, fmt.Errorf("%w: diagram slot %d is not an object", ErrBadThreatIndex, index)
		}
		if err := parseDiagramSlot(dec, index, &arena); err != nil {
			return Arena{}, err
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return Arena{}, err
	}
	return arena, nil
}

func parseDiagramSlot(dec *json.Decoder, index int, arena *Arena) error {
	for dec.More() {
		componentID, err := stringToken(dec)
		if err != nil {
			return fmt.Errorf("%w: diagram slot %d: %v", ErrBadThreatIndex, index, err)
		}
		if err := expectDelim(dec, '{'); err != nil {
			return fmt.Errorf("%w: component %q", err, componentID)
		}
		for dec.More() {
			threatID, err := stringToken(dec)
			if err != nil {
				return fmt.Errorf("%w: component %q: %v", ErrBadThreatIndex, componentID, err)
			}
			rec := GameThreat{
				DiagramIndex: index,
				ComponentID:  componentID,
				ThreatID:     threatID,
			}
			if err := dec.Decode(&rec); err != nil {
				return fmt.Errorf("%w: threat %q: %v", ErrBadThreatIndex, threatID, err)
			}
			arena.records = append(arena.records, rec)
		}
		if err := expectDelim(dec, '}'); err != nil {
			return err
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return err
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadThreatIndex, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("%w: expected %q, found %v", ErrBadThreatIndex, want, tok)
	}
	return nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected string key, found %v", tok)
	}
	return s, nil
}
