// Package state reads live match state from Redis. The card engine owns
// these keys; this service only takes read-only snapshots.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoState is returned when no live state exists for a match, which is
// normal for finished or never-started games.
var ErrNoState = errors.New("no live state for match")

// MatchState is the slice of the engine's state this service cares about.
// Threats carries the identified-threats index exactly as the engine wrote
// it; callers hand it to threatmodel.ParseArena.
type MatchState struct {
	Phase      string          `json:"phase"`
	Round      int             `json:"round"`
	TurnPlayer int             `json:"turnPlayer"`
	Threats    json.RawMessage `json:"threats"`
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "match:state:"}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "match:state:"}
}

func (s *RedisStore) key(matchID string) string {
	return s.prefix + matchID
}

// Snapshot reads the current live state for a match.
func (s *RedisStore) Snapshot(ctx context.Context, matchID string) (MatchState, error) {
	raw, err := s.client.Get(ctx, s.key(matchID)).Result()
	if errors.Is(err, redis.Nil) {
		return MatchState{}, ErrNoState
	}
	if err != nil {
		return MatchState{}, fmt.Errorf("read match state: %w", err)
	}

	var state MatchState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return MatchState{}, fmt.Errorf("unmarshal match state: %w", err)
	}
	return state, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
