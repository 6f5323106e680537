package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "gridgate:session:"

// redisClient is the subset of go-redis used by Redis.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Redis stores sessions as JSON values with a server-side expiry.
type Redis struct {
	client redisClient
	ttl    time.Duration
}

// OpenRedis parses a redis:// or rediss:// URL and connects.
func OpenRedis(ctx context.Context, rawURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("session: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis ping: %w", err)
	}
	return newRedis(client, ttl), nil
}

func newRedis(client redisClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Load fetches and decodes the session.
func (r *Redis) Load(ctx context.Context, id string) (*Session, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: redis get: %w", err)
	}
	values := make(map[string]string)
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	return &Session{ID: id, Values: values}, nil
}

// Save encodes the session and resets its expiry.
func (r *Redis) Save(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s.Values)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+s.ID, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}
	s.dirty = false
	return nil
}

// Delete removes the session key.
func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("session: redis del: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error { return r.client.Close() }
