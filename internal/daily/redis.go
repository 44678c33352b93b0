package daily

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads challenges stored as JSON under othello:daily:<date>.
type RedisSource struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisSource(rdb *redis.Client) *RedisSource {
	return &RedisSource{rdb: rdb, prefix: "othello:daily:"}
}

func (s *RedisSource) key(date string) string { return s.prefix + date }

func (s *RedisSource) GetChallenge(ctx context.Context, date string) (*Challenge, error) {
	raw, err := s.rdb.Get(ctx, s.key(date)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", date, err)
	}
	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode challenge %s: %w", date, err)
	}
	if c.Date == "" {
		c.Date = date
	}
	return &c, nil
}

// Put stores c under its date. A zero ttl keeps the key forever.
func (s *RedisSource) Put(ctx context.Context, c Challenge, ttl time.Duration) error {
	if _, err := NormalizeDate(c.Date, time.Time{}); err != nil || c.Date == "" {
		return fmt.Errorf("%w: %q", ErrInvalidDate, c.Date)
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(c.Date), b, ttl).Err()
}
