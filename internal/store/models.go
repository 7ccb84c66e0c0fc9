package store

import (
	"encoding/json"
	"time"
)

const (
	ModelKindDocument = "document"
	ModelKindImage    = "image"
)

type Match struct {
	ID         string
	GameMode   string
	Spectators int
	CreatedAt  time.Time
	Players    []Player
	Model      *StoredModel
}

type Player struct {
	MatchID  string
	Position int
	Name     string
}

type StoredModel struct {
	MatchID   string
	Kind      string
	Body      json.RawMessage
	UpdatedAt time.Time
}

// Projection selects which parts of a match FetchMatch loads. Metadata is
// always implied; Players and Model cost extra queries and are opt-in.
type Projection struct {
	Players bool
	Model   bool
}

func FullProjection() Projection {
	return Projection{Players: true, Model: true}
}
