package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix prefixes every session hash.
const DefaultKeyPrefix = "moat:session:"

// RedisConfig configures a RedisStore connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// KeyPrefix namespaces session hashes. Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// TTL expires a session hash that was never purged, for example after a
	// crash. Zero disables expiry.
	TTL time.Duration

	DialTimeout time.Duration
}

// RedisStore keeps each session in one Redis hash, so purging a session is
// a single DEL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(client, cfg.KeyPrefix, cfg.TTL), nil
}

func (s *RedisStore) hashKey(session string) string {
	return s.prefix + session
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, session, key string) ([]byte, bool, error) {
	if session == "" {
		return nil, false, ErrEmptySession
	}
	v, err := s.client.HGet(ctx, s.hashKey(session), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, session, key string, value []byte) error {
	if session == "" {
		return ErrEmptySession
	}
	hash := s.hashKey(session)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hash, key, value)
		if s.ttl > 0 {
			pipe.Expire(ctx, hash, s.ttl)
		}
		return nil
	})
	return err
}

// Snapshot implements Store.
func (s *RedisStore) Snapshot(ctx context.Context, session string) (map[string][]byte, error) {
	if session == "" {
		return nil, ErrEmptySession
	}
	all, err := s.client.HGetAll(ctx, s.hashKey(session)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		out[k] = []byte(v)
	}
	return out, nil
}

// Purge implements Store.
func (s *RedisStore) Purge(ctx context.Context, session string) error {
	if session == "" {
		return ErrEmptySession
	}
	return s.client.Del(ctx, s.hashKey(session)).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
