package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces session keys.
const DefaultRedisPrefix = "catlink:auth:"

// RedisStore keeps sessions as JSON strings under <prefix><phone>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("auth: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("auth: ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisStore) key(phone string) string {
	return r.prefix + phone
}

// Load fetches the session for phone. A missing key yields ErrNoSession.
func (r *RedisStore) Load(ctx context.Context, phone string) (*Session, error) {
	raw, err := r.client.Get(ctx, r.key(phone)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("auth: get session: %w", err)
	}

	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("auth: unmarshal session: %w", err)
	}
	return &s, nil
}

// Save writes the session without expiry; the server decides token lifetime.
func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	if s == nil {
		return fmt.Errorf("auth: session cannot be nil")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("auth: marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.Phone), data, 0).Err(); err != nil {
		return fmt.Errorf("auth: set session: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
