package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tutormesh/control-plane/pkg/models"
)

// RedisStoreConfig configures the Redis-backed Store. Grounded on the
// config-struct-with-defaults shape used throughout the pack's Redis
// adapters (e.g. RedisTaskStoreConfig).
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int

	// AggregateTTL, IdempotencyTTL, PredictionTTL, ProcessedTTL are the
	// TTLs named in spec §6's key-pattern table. Zero uses the spec
	// default for that surface.
	AggregateTTL   time.Duration
	IdempotencyTTL time.Duration
	PredictionTTL  time.Duration
	ProcessedTTL   time.Duration
}

func (c RedisStoreConfig) withDefaults() RedisStoreConfig {
	if c.AggregateTTL <= 0 {
		c.AggregateTTL = 90 * 24 * time.Hour
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.PredictionTTL <= 0 {
		c.PredictionTTL = time.Hour
	}
	if c.ProcessedTTL <= 0 {
		c.ProcessedTTL = 7 * 24 * time.Hour
	}
	return c
}

// RedisStore implements Store against a single go-redis/redis/v8 client,
// using the exact key patterns named in spec §6. CAS on MasteryAggregate
// is implemented with WATCH/MULTI so a version conflict is detected
// before the write lands, never after.
type RedisStore struct {
	client *redis.Client
	cfg    RedisStoreConfig
}

// NewRedisStore builds a RedisStore and eagerly creates the underlying
// client; callers should follow with Ping to fail fast at startup.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, cfg: cfg}
}

func aggregateRedisKey(studentIdentity, date string) string {
	return fmt.Sprintf("student:%s:mastery:%s", studentIdentity, date)
}

func componentRedisKey(studentIdentity, date string, component models.ComponentName) string {
	return fmt.Sprintf("student:%s:mastery:%s:%s", studentIdentity, date, component)
}

func idempotencyRedisKey(studentIdentity, key string) string {
	return fmt.Sprintf("student:%s:idempotency:%s", studentIdentity, key)
}

func predictionRedisKey(studentIdentity string) string {
	return fmt.Sprintf("student:%s:prediction:cache", studentIdentity)
}

func profilePointerKey(studentIdentity string) string {
	return fmt.Sprintf("student:%s:profile:current", studentIdentity)
}

func processedRedisKey(eventIdempotencyKey string) string {
	return fmt.Sprintf("processed:%s", eventIdempotencyKey)
}

// GetAggregate implements MasteryStore.
func (s *RedisStore) GetAggregate(ctx context.Context, studentIdentity, date string) (*models.MasteryAggregate, error) {
	key := aggregateRedisKey(studentIdentity, date)
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, &ErrNotFound{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var agg models.MasteryAggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, fmt.Errorf("decode aggregate %s: %w", key, err)
	}
	return &agg, nil
}

// CompareAndSwapAggregate implements MasteryStore using WATCH/MULTI: the
// watched key is re-read inside the transaction function, so a concurrent
// writer that lands between our read and our write aborts us with
// redis.TxFailedErr, which we translate to ErrVersionConflict for the
// Mastery Aggregator's bounded retry loop (spec §4.8).
func (s *RedisStore) CompareAndSwapAggregate(ctx context.Context, agg *models.MasteryAggregate, expectedVersion int64) error {
	key := aggregateRedisKey(agg.StudentIdentity, agg.Date)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		var currentVersion int64
		exists := true
		switch {
		case err == redis.Nil:
			exists = false
		case err != nil:
			return err
		default:
			var existing models.MasteryAggregate
			if err := json.Unmarshal(current, &existing); err != nil {
				return err
			}
			currentVersion = existing.Version
		}

		if expectedVersion == 0 && exists {
			return &ErrVersionConflict{Key: key, ExpectedVersion: expectedVersion, ActualVersion: currentVersion}
		}
		if expectedVersion != 0 && (!exists || currentVersion != expectedVersion) {
			return &ErrVersionConflict{Key: key, ExpectedVersion: expectedVersion, ActualVersion: currentVersion}
		}

		body, err := json.Marshal(agg)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, s.cfg.AggregateTTL)
			for name, rec := range agg.Components {
				compBody, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				pipe.Set(ctx, componentRedisKey(agg.StudentIdentity, agg.Date, name), compBody, s.cfg.AggregateTTL)
			}
			pipe.Set(ctx, profilePointerKey(agg.StudentIdentity), agg.Date, s.cfg.AggregateTTL)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		var existingVersion int64
		if existing, gerr := s.GetAggregate(ctx, agg.StudentIdentity, agg.Date); gerr == nil {
			existingVersion = existing.Version
		}
		return &ErrVersionConflict{Key: key, ExpectedVersion: expectedVersion, ActualVersion: existingVersion}
	}
	return err
}

// ListAggregates implements MasteryStore via SCAN over the student's
// mastery-key prefix, filtered to whole-aggregate keys (component
// sub-keys share the prefix but carry a fourth segment).
func (s *RedisStore) ListAggregates(ctx context.Context, studentIdentity, from, to string) ([]models.MasteryAggregate, error) {
	prefix := fmt.Sprintf("student:%s:mastery:", studentIdentity)
	var out []models.MasteryAggregate
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		for _, k := range keys {
			date := k[len(prefix):]
			if containsColon(date) {
				continue // component sub-key, not a whole aggregate
			}
			if date < from || date > to {
				continue
			}
			data, err := s.client.Get(ctx, k).Bytes()
			if err != nil {
				continue
			}
			var agg models.MasteryAggregate
			if err := json.Unmarshal(data, &agg); err != nil {
				continue
			}
			out = append(out, agg)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func containsColon(s string) bool {
	for _, r := range s {
		if r == ':' {
			return true
		}
	}
	return false
}

// DeleteStudent implements MasteryStore, scanning and deleting every key
// under the student's prefix across all surfaces — the compliance erase
// path.
func (s *RedisStore) DeleteStudent(ctx context.Context, studentIdentity string) error {
	prefix := fmt.Sprintf("student:%s:", studentIdentity)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete %s: %w", prefix, err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// Get implements IdempotencyStore.
func (s *RedisStore) Get(ctx context.Context, studentIdentity, key string) (*models.IdempotencyRecord, bool, error) {
	data, err := s.client.Get(ctx, idempotencyRedisKey(studentIdentity, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec models.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// Put implements IdempotencyStore.
func (s *RedisStore) Put(ctx context.Context, studentIdentity, key string, record models.IdempotencyRecord, ttl time.Duration) error {
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.cfg.IdempotencyTTL
	}
	return s.client.Set(ctx, idempotencyRedisKey(studentIdentity, key), body, ttl).Err()
}

// GetPrediction implements PredictionCacheStore.
func (s *RedisStore) GetPrediction(ctx context.Context, studentIdentity string) (*models.PredictionCacheEntry, bool, error) {
	data, err := s.client.Get(ctx, predictionRedisKey(studentIdentity)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry models.PredictionCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

// PutPrediction implements PredictionCacheStore.
func (s *RedisStore) PutPrediction(ctx context.Context, studentIdentity string, entry models.PredictionCacheEntry, ttl time.Duration) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.cfg.PredictionTTL
	}
	return s.client.Set(ctx, predictionRedisKey(studentIdentity), body, ttl).Err()
}

// InvalidatePrediction implements PredictionCacheStore.
func (s *RedisStore) InvalidatePrediction(ctx context.Context, studentIdentity string) error {
	return s.client.Del(ctx, predictionRedisKey(studentIdentity)).Err()
}

// WasProcessed implements EventDedupStore.
func (s *RedisStore) WasProcessed(ctx context.Context, eventIdempotencyKey string) (bool, error) {
	n, err := s.client.Exists(ctx, processedRedisKey(eventIdempotencyKey)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed implements EventDedupStore.
func (s *RedisStore) MarkProcessed(ctx context.Context, eventIdempotencyKey string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.ProcessedTTL
	}
	return s.client.Set(ctx, processedRedisKey(eventIdempotencyKey), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
