package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tierfence/tierfence/core"
	"github.com/tierfence/tierfence/pkg/tierfence"
)

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 16

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr     string        // Redis address (e.g., "localhost:6379")
	Password string        // Redis password (empty for no auth)
	DB       int           // Redis database number
	TTL      time.Duration // TTL for bucket states (default: 1 hour)
	Prefix   string        // Key prefix (default: "tierfence:")
}

// RedisStore holds the connection shared by the Redis backends.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration // How long to keep idle state in Redis
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(config RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ttl := config.TTL
	if ttl == 0 {
		ttl = 1 * time.Hour // Default TTL
	}
	prefix := config.Prefix
	if prefix == "" {
		prefix = "tierfence:"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Clear removes all keys under the store's prefix
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// bucketRecord is the JSON stored per bucket.
type bucketRecord struct {
	core.BucketState
	Role tierfence.Role `json:"role"`
}

// RedisBuckets is a tierfence.Backend keeping bucket state in Redis, so that
// several instances share one budget per identifier.
type RedisBuckets struct {
	store      *RedisStore
	table      *tierfence.PolicyTable
	clock      tierfence.Clock
	roleChange tierfence.RoleChangeMode
}

var _ tierfence.Backend = (*RedisBuckets)(nil)

// BucketsOption configures RedisBuckets.
type BucketsOption func(*RedisBuckets)

// WithBucketsClock sets the clock buckets refill against.
func WithBucketsClock(clock tierfence.Clock) BucketsOption {
	return func(b *RedisBuckets) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithBucketsRoleChange sets the role change mode.
func WithBucketsRoleChange(mode tierfence.RoleChangeMode) BucketsOption {
	return func(b *RedisBuckets) {
		b.roleChange = mode
	}
}

// Buckets returns a bucket backend drawing policies from table.
func (s *RedisStore) Buckets(table *tierfence.PolicyTable, opts ...BucketsOption) *RedisBuckets {
	b := &RedisBuckets{
		store:      s,
		table:      table,
		clock:      time.Now,
		roleChange: tierfence.RoleChangeRebind,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBuckets) key(identifier string) string {
	return b.store.prefix + "bucket:" + identifier
}

// Take implements tierfence.Backend. The read-refill-write cycle runs in a
// WATCH/MULTI transaction and is retried if another instance wrote first.
func (b *RedisBuckets) Take(ctx context.Context, identifier string, role tierfence.Role, n int64) (core.CheckResult, error) {
	if identifier == "" {
		return core.CheckResult{}, tierfence.ErrInvalidIdentifier
	}
	if n < 1 {
		return core.CheckResult{}, tierfence.ErrInvalidAmount
	}

	key := b.key(identifier)
	var result core.CheckResult

	txf := func(tx *redis.Tx) error {
		record, err := loadRecord(ctx, tx, key)
		if err != nil {
			return err
		}

		now := b.clock()
		active := role
		var state *core.BucketState
		if record != nil {
			current := record.BucketState
			if record.Role != role {
				if b.roleChange == tierfence.RoleChangeSticky {
					active = record.Role
				} else {
					// Settle what the old policy accrued before switching.
					current = algoFor(b.table.Lookup(record.Role)).Refill(current, now)
				}
			}
			state = &current
		}

		policy := b.table.Lookup(active)
		if n > policy.Capacity {
			return fmt.Errorf("%w: %d exceeds capacity %d", tierfence.ErrInvalidAmount, n, policy.Capacity)
		}
		next, res := algoFor(policy).Take(state, float64(n), now)

		data, err := json.Marshal(bucketRecord{BucketState: next, Role: active})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, b.store.ttl)
			return nil
		})
		if err == nil {
			result = res
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := b.store.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, tierfence.ErrInvalidAmount) {
			return core.CheckResult{}, err
		}
		return core.CheckResult{}, fmt.Errorf("%w: take %s: %w", tierfence.ErrBackendFailed, identifier, err)
	}

	return core.CheckResult{}, fmt.Errorf("%w: take %s: too much contention", tierfence.ErrBackendFailed, identifier)
}

// Sweep implements tierfence.Backend. Redis already expires keys after the
// store TTL; Sweep also removes buckets idle for longer than idle when that
// is shorter than the TTL.
func (b *RedisBuckets) Sweep(ctx context.Context, idle time.Duration) (int, error) {
	if idle <= 0 {
		return 0, fmt.Errorf("%w: idle threshold must be positive", tierfence.ErrInvalidConfig)
	}

	cutoff := b.clock().Add(-idle)
	removed := 0

	iter := b.store.client.Scan(ctx, 0, b.store.prefix+"bucket:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		err := b.store.client.Watch(ctx, func(tx *redis.Tx) error {
			record, err := loadRecord(ctx, tx, key)
			if err != nil || record == nil || !record.LastRefillAt.Before(cutoff) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err == nil {
				removed++
			}
			return err
		}, key)
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return removed, fmt.Errorf("%w: sweep: %w", tierfence.ErrBackendFailed, err)
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: sweep: %w", tierfence.ErrBackendFailed, err)
	}

	return removed, nil
}

// Len implements tierfence.Backend. Counting keys would need a full SCAN,
// so it reports -1.
func (b *RedisBuckets) Len() int {
	return -1
}

func loadRecord(ctx context.Context, tx *redis.Tx, key string) (*bucketRecord, error) {
	val, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var record bucketRecord
	if err := json.Unmarshal(val, &record); err != nil {
		// A corrupt record is treated as missing and overwritten.
		return nil, nil
	}
	return &record, nil
}

func algoFor(policy tierfence.TierPolicy) *core.TokenBucket {
	return core.NewTokenBucket(core.Config{
		Capacity:     float64(policy.Capacity),
		RefillPerSec: policy.RefillRate(),
	})
}

// RedisAttempts is a tierfence.AttemptLog keeping one sorted set per key,
// scored by attempt time in microseconds.
type RedisAttempts struct {
	store *RedisStore
}

var _ tierfence.AttemptLog = (*RedisAttempts)(nil)

// Attempts returns an attempt log sharing the store's connection.
func (s *RedisStore) Attempts() *RedisAttempts {
	return &RedisAttempts{store: s}
}

func (a *RedisAttempts) key(key string) string {
	return a.store.prefix + "auth:" + key
}

// Count implements tierfence.AttemptLog. Entries at or before since are
// removed in the same round trip.
func (a *RedisAttempts) Count(ctx context.Context, key string, since time.Time) (int, error) {
	redisKey := a.key(key)
	var card *redis.IntCmd

	_, err := a.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(since.UnixMicro(), 10))
		card = pipe.ZCard(ctx, redisKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: count attempts: %w", tierfence.ErrBackendFailed, err)
	}
	return int(card.Val()), nil
}

// Append implements tierfence.AttemptLog. The key expires retain after its
// newest attempt.
func (a *RedisAttempts) Append(ctx context.Context, key string, at time.Time, retain time.Duration) error {
	redisKey := a.key(key)

	_, err := a.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, redisKey, redis.Z{
			Score:  float64(at.UnixMicro()),
			Member: uuid.NewString(),
		})
		pipe.PExpire(ctx, redisKey, retain)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: record attempt: %w", tierfence.ErrBackendFailed, err)
	}
	return nil
}

// Sweep implements tierfence.AttemptLog. Redis expires attempt keys on its
// own, so there is nothing to remove.
func (a *RedisAttempts) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
