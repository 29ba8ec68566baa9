package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisStore backs the Store contract with a Redis key space. Backend errors
// are logged and reported as misses so the orchestrated fetch proceeds.
type RedisStore struct {
	client *redis.Client
	opTime time.Duration
}

// NewRedisStore wraps an existing client. Per-operation timeout defaults to
// 500ms when opTimeout is zero.
func NewRedisStore(client *redis.Client, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}
	return &RedisStore{client: client, opTime: opTimeout}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opTime)
	defer cancel()

	b, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("Redis get failed, treating as miss")
		}
		return nil, false
	}
	return b, true
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, s.opTime)
	defer cancel()

	if err := s.client.Set(ctx, key, val, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Redis set failed, dropping write")
	}
}

func (s *RedisStore) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, s.opTime)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Redis delete failed")
	}
}

func (s *RedisStore) Clear(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.opTime)
	defer cancel()

	if err := s.client.FlushDB(ctx).Err(); err != nil {
		log.Debug().Err(err).Msg("Redis flush failed")
	}
}
