package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher and Indexer over a threat_index table using
// PostgreSQL full-text search. It is the fallback when Meilisearch is not
// configured or unhealthy.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the threat_index table, ranked, with
// ts_headline snippets from the description.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM threat_index
		WHERE match_id = $1 AND fts @@ plainto_tsquery('english', $2)
	`, q.MatchID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, match_id, title,
			ts_headline('english', coalesce(description, ''), plainto_tsquery('english', $2), 'MaxFragments=1,MaxWords=30') AS snippet,
			severity, status
		FROM threat_index
		WHERE match_id = $1 AND fts @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(fts, plainto_tsquery('english', $2)) DESC
		LIMIT %d OFFSET %d
	`, limit, offset), q.MatchID, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.MatchID, &r.Title, &r.Snippet, &r.Severity, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// IndexThreats rewrites a match's rows in threat_index.
func (p *PgFTS) IndexThreats(matchID string, records []ThreatRecord) error {
	ctx := context.Background()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reindex tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM threat_index WHERE match_id = $1`, matchID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear threat index: %w", err)
	}
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO threat_index (id, match_id, title, description, mitigation, category, severity, status, owner)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				description = EXCLUDED.description,
				mitigation = EXCLUDED.mitigation,
				category = EXCLUDED.category,
				severity = EXCLUDED.severity,
				status = EXCLUDED.status,
				owner = EXCLUDED.owner
		`, r.ID, r.MatchID, r.Title, r.Description, r.Mitigation, r.Category, r.Severity, r.Status, r.Owner); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("index threat %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reindex: %w", err)
	}
	return nil
}
