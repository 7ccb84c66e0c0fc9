package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrMatchNotFound = errors.New("match not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateMatch(ctx context.Context, match Match) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create match: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO matches (id, game_mode, spectators)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, match.ID, match.GameMode, match.Spectators); err != nil {
		return fmt.Errorf("insert match: %w", err)
	}

	for _, player := range match.Players {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO players (match_id, position, name)
			VALUES ($1, $2, $3)
			ON CONFLICT (match_id, position) DO UPDATE SET name=EXCLUDED.name
		`, match.ID, player.Position, player.Name); err != nil {
			return fmt.Errorf("insert player: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create match: %w", err)
	}
	return nil
}

func (s *PostgresStore) FetchMatch(ctx context.Context, matchID string, projection Projection) (Match, error) {
	var match Match
	err := s.db.QueryRowContext(ctx, `
		SELECT id, game_mode, spectators, created_at
		FROM matches
		WHERE id=$1
	`, matchID).Scan(&match.ID, &match.GameMode, &match.Spectators, &match.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Match{}, ErrMatchNotFound
	}
	if err != nil {
		return Match{}, fmt.Errorf("fetch match: %w", err)
	}

	if projection.Players {
		players, err := s.listPlayers(ctx, matchID)
		if err != nil {
			return Match{}, err
		}
		match.Players = players
	}

	if projection.Model {
		model, err := s.GetModel(ctx, matchID)
		if err != nil {
			return Match{}, err
		}
		match.Model = model
	}

	return match, nil
}

func (s *PostgresStore) listPlayers(ctx context.Context, matchID string) ([]Player, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT match_id, position, name
		FROM players
		WHERE match_id=$1
		ORDER BY position
	`, matchID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	players := make([]Player, 0)
	for rows.Next() {
		var player Player
		if err := rows.Scan(&player.MatchID, &player.Position, &player.Name); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		players = append(players, player)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate players: %w", err)
	}
	return players, nil
}

// GetModel returns nil when the match has no stored model yet.
func (s *PostgresStore) GetModel(ctx context.Context, matchID string) (*StoredModel, error) {
	var model StoredModel
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT match_id, kind, body::text, updated_at
		FROM models
		WHERE match_id=$1
	`, matchID).Scan(&model.MatchID, &model.Kind, &body, &model.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	model.Body = json.RawMessage(body)
	return &model, nil
}

func (s *PostgresStore) SetModel(ctx context.Context, matchID, kind string, body json.RawMessage) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO models (match_id, kind, body)
		SELECT m.id, $2, $3::jsonb FROM matches m WHERE m.id=$1
		ON CONFLICT (match_id) DO UPDATE SET kind=EXCLUDED.kind, body=EXCLUDED.body, updated_at=NOW()
	`, matchID, kind, string(body))
	if err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set model rows: %w", err)
	}
	if affected == 0 {
		return ErrMatchNotFound
	}
	return nil
}

func (s *PostgresStore) SetPlayerSecret(ctx context.Context, matchID string, position int, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash player secret: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE players SET secret_hash=$3 WHERE match_id=$1 AND position=$2
	`, matchID, position, string(hash))
	if err != nil {
		return fmt.Errorf("set player secret: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set player secret rows: %w", err)
	}
	if affected == 0 {
		return ErrMatchNotFound
	}
	return nil
}

func (s *PostgresStore) VerifyPlayerSecret(ctx context.Context, matchID string, position int, secret string) (bool, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT secret_hash FROM players WHERE match_id=$1 AND position=$2
	`, matchID, position).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrMatchNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read player secret: %w", err)
	}
	if !hash.Valid || hash.String == "" {
		return false, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash.String), []byte(secret)); err != nil {
		return false, nil
	}
	return true, nil
}
