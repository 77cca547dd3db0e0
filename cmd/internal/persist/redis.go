package persist

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStorage stores blobs as plain redis strings under "<namespace>:<key>".
// The client is owned by the caller.
type RedisStorage struct {
	client    redis.UniversalClient
	namespace string
}

// RedisOption configures RedisStorage.
type RedisOption func(*RedisStorage) error

// WithNamespace sets the key prefix (default: "sbstate").
func WithNamespace(ns string) RedisOption {
	return func(s *RedisStorage) error {
		ns = strings.TrimSpace(ns)
		if ns == "" || !validKey(ns) {
			return ErrInvalidKey
		}
		s.namespace = ns
		return nil
	}
}

// NewRedisStorage constructs a RedisStorage on top of client.
func NewRedisStorage(client redis.UniversalClient, opts ...RedisOption) (*RedisStorage, error) {
	s := &RedisStorage{client: client, namespace: "sbstate"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.client == nil {
		return nil, errors.New("persist: nil redis client")
	}
	return s, nil
}

func (s *RedisStorage) redisKey(key string) string { return s.namespace + ":" + key }

func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if !validKey(key) {
		return nil, ErrInvalidKey
	}
	b, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return b, nil
}

func (s *RedisStorage) Set(ctx context.Context, key string, value []byte) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	return unavailable(s.client.Set(ctx, s.redisKey(key), value, 0).Err())
}

func (s *RedisStorage) Remove(ctx context.Context, key string) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	return unavailable(s.client.Del(ctx, s.redisKey(key)).Err())
}
