// Package historystore is the Redis-backed implementation of the Timeout
// Estimator's HistoryStore, grounded on the teacher's
// internal/redis/channel_repo.go Upsert/GetByID shape: one capped list per
// fingerprint, trimmed on write so lookups stay O(n) in the sample size
// rather than the full history.
package historystore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "cmdgate:history:"

// maxListLen bounds how many samples a fingerprint retains; older entries
// fall off the tail on every push (LTRIM), matching the teacher's
// bounded-buffer pattern (logBuffer's fixed-size ring).
const maxListLen = 50

// RedisStore persists recent execution durations per task fingerprint.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. ttl, if > 0, expires a
// fingerprint's history after that long of disuse.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Durations returns up to n most recent durations, most recent first.
func (s *RedisStore) Durations(ctx context.Context, fingerprint string, n int) ([]time.Duration, error) {
	key := keyPrefix + fingerprint
	raw, err := s.client.LRange(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("historystore: lrange %s: %w", key, err)
	}

	out := make([]time.Duration, 0, len(raw))
	for _, v := range raw {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue // skip a corrupt entry rather than fail the whole lookup
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, nil
}

// Record pushes d onto the front of fingerprint's list and trims it back
// to maxListLen, all in one round trip via a transaction pipeline
// (grounded on channel_repo.go's TxPipeline usage).
func (s *RedisStore) Record(ctx context.Context, fingerprint string, d time.Duration) error {
	key := keyPrefix + fingerprint

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, d.Milliseconds())
	pipe.LTrim(ctx, key, 0, maxListLen-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("historystore: record %s: %w", key, err)
	}
	return nil
}
