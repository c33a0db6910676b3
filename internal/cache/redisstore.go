package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"researchline/internal/domain"
)

// RedisStore keeps completions as JSON strings written with SET NX, with hit
// counters in a companion hash.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) rowKey(model, key string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "researchline:cache"
	}
	return prefix + ":" + model + ":" + key
}

func (s *RedisStore) hitsKey(model, key string) string {
	return s.rowKey(model, key) + ":hits"
}

func (s *RedisStore) Get(ctx context.Context, model, key string) (domain.CachedCompletion, error) {
	data, err := s.Client.Get(ctx, s.rowKey(model, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CachedCompletion{}, ErrMiss
	}
	if err != nil {
		return domain.CachedCompletion{}, err
	}
	var row domain.CachedCompletion
	if err := json.Unmarshal(data, &row); err != nil {
		return domain.CachedCompletion{}, fmt.Errorf("decode cached completion: %w", err)
	}
	vals, err := s.Client.HMGet(ctx, s.hitsKey(model, key), "id", "hit_count", "last_hit_at").Result()
	if err != nil {
		return domain.CachedCompletion{}, err
	}
	// Counters left over from a replaced row belong to a different id.
	if id, _ := vals[0].(string); id == row.ID {
		if n, ok := vals[1].(string); ok {
			_, _ = fmt.Sscan(n, &row.HitCount)
		}
		if ts, ok := vals[2].(string); ok && ts != "" {
			if t, err := domain.ParseTime(ts); err == nil {
				row.LastHitAt = &t
			}
		}
	}
	return row, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, row domain.CachedCompletion, now time.Time) (domain.CachedCompletion, error) {
	row.HitCount = 0
	row.LastHitAt = nil
	data, err := json.Marshal(row)
	if err != nil {
		return domain.CachedCompletion{}, err
	}
	var ttl time.Duration
	if row.ExpiresAt != nil {
		ttl = row.ExpiresAt.Sub(now)
		if ttl <= 0 {
			return row, nil
		}
	}
	// A key that expires between SETNX and GET is retried once.
	for i := 0; i < 2; i++ {
		ok, err := s.Client.SetNX(ctx, s.rowKey(row.Model, row.CacheKey), data, ttl).Result()
		if err != nil {
			return domain.CachedCompletion{}, err
		}
		if ok {
			return row, nil
		}
		existing, err := s.Get(ctx, row.Model, row.CacheKey)
		if errors.Is(err, ErrMiss) {
			continue
		}
		return existing, err
	}
	return domain.CachedCompletion{}, fmt.Errorf("cache key %s kept flapping", row.CacheKey)
}

func (s *RedisStore) IncrementHit(ctx context.Context, row domain.CachedCompletion, at time.Time) error {
	hk := s.hitsKey(row.Model, row.CacheKey)
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, hk, "id", row.ID)
		pipe.HIncrBy(ctx, hk, "hit_count", 1)
		pipe.HSet(ctx, hk, "last_hit_at", domain.FormatTime(at))
		if row.ExpiresAt != nil {
			pipe.ExpireAt(ctx, hk, *row.ExpiresAt)
		}
		return nil
	})
	return err
}
