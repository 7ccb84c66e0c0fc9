// Package search indexes flattened threats so players can find prior
// findings across a match. Meilisearch is the primary backend with a
// PostgreSQL full-text fallback.
package search

// ThreatRecord is the data indexed for one threat. The ID is synthesized as
// matchID:diagramIndex:cellID:threatID so reindexing a match overwrites its
// previous entries instead of duplicating them.
type ThreatRecord struct {
	ID          string `json:"id"`
	MatchID     string `json:"matchId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Mitigation  string `json:"mitigation"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Status      string `json:"status"`
	Owner       string `json:"owner"`
}

// Query describes a search request, always scoped to one match.
type Query struct {
	MatchID string
	Text    string
	Limit   int
	Offset  int
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	MatchID  string `json:"matchId"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Severity string `json:"severity"`
	Status   string `json:"status"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a threat search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push threat records into an index.
type Indexer interface {
	IndexThreats(matchID string, records []ThreatRecord) error
}
