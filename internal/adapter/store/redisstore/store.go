// Package redisstore persists per-model usage counters in Redis.
//
// Redis is the cross-process source of truth for the budget manager. Each
// model owns one key holding a JSON usage record with a rolling expiry, so
// records for models that are never touched again purge themselves.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/llm-budget-manager/internal/config"
	"github.com/fairyhunter13/llm-budget-manager/internal/domain"
)

// Store implements domain.UsageStore on a Redis client.
type Store struct {
	rdb       *redis.Client
	prefix    string
	ttl       time.Duration
	opTimeout time.Duration
}

// NewClient builds a Redis client from the store connection configuration.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.RedisConnectTimeout,
		ReadTimeout:  cfg.RedisOpTimeout,
		WriteTimeout: cfg.RedisOpTimeout,
	})
}

// New wraps an existing Redis client as a usage store. ttl bounds the life
// of every persisted record; opTimeout caps each round trip so a dead
// backend degrades quickly instead of stalling callers.
func New(rdb *redis.Client, prefix string, ttl, opTimeout time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}
	return &Store{rdb: rdb, prefix: prefix, ttl: ttl, opTimeout: opTimeout}
}

// Key returns the Redis key owning the usage record for model.
func (s *Store) Key(model domain.Model) string {
	return fmt.Sprintf("%s:budget:%s", s.prefix, model)
}

// Get loads the usage record for model. found is false when no record
// exists; an error means the backend is unreachable.
func (s *Store) Get(ctx context.Context, model domain.Model) (domain.ModelUsage, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := s.rdb.Get(ctx, s.Key(model)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ModelUsage{}, false, nil
	}
	if err != nil {
		return domain.ModelUsage{}, false, fmt.Errorf("op=redisstore.Get model=%s: %w", model, err)
	}

	var usage domain.ModelUsage
	if err := json.Unmarshal(data, &usage); err != nil {
		// A corrupt record is unrecoverable; treat it as absent so the
		// caller recreates it rather than failing every request.
		return domain.ModelUsage{}, false, nil
	}
	return usage, true, nil
}

// Put upserts the usage record for model with the configured expiry.
func (s *Store) Put(ctx context.Context, model domain.Model, usage domain.ModelUsage) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("op=redisstore.Put model=%s: %w", model, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.rdb.Set(ctx, s.Key(model), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("op=redisstore.Put model=%s: %w", model, err)
	}
	return nil
}

// Ping reports whether the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
