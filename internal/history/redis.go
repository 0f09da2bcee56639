package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/avetra/sessionlink/internal/domain"
)

// RedisStore keeps message history in a Redis list per session, trimmed to
// the configured limit. Survives sessiond restarts, unlike MemoryStore.
type RedisStore struct {
	rdb   *redis.Client
	limit int
}

func NewRedisStore(addr string, limit int) *RedisStore {
	if limit <= 0 {
		limit = 500
	}
	return &RedisStore{
		rdb:   redis.NewClient(&redis.Options{Addr: addr}),
		limit: limit,
	}
}

func key(session domain.SessionID) string {
	return fmt.Sprintf("session:%s:messages", session)
}

func (s *RedisStore) Append(ctx context.Context, session domain.SessionID, msg domain.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key(session), b)
	pipe.LTrim(ctx, key(session), int64(-s.limit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, session domain.SessionID) ([]domain.Message, error) {
	rows, err := s.rdb.LRange(ctx, key(session), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	out := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		var m domain.Message
		if err := json.Unmarshal([]byte(row), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
