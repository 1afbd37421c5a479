// Package store provides the KV state store interfaces for the Mastery
// Engine. Phase 1 ships an in-memory implementation for tests and small
// deployments; Phase 2 (redis.go) adds a Redis-backed implementation for
// multi-instance deployments, selected at startup by StoreConfig.Backend.
package store

import (
	"context"
	"time"

	"github.com/tutormesh/control-plane/pkg/models"
)

// MasteryStore owns the per (student, date) MasteryAggregate, keyed
// "student:{id}:mastery:{date}". Updates are optimistic: callers read a
// version, compute a new aggregate, and CompareAndSwap it back.
type MasteryStore interface {
	GetAggregate(ctx context.Context, studentIdentity, date string) (*models.MasteryAggregate, error)
	CompareAndSwapAggregate(ctx context.Context, agg *models.MasteryAggregate, expectedVersion int64) error
	ListAggregates(ctx context.Context, studentIdentity string, from, to string) ([]models.MasteryAggregate, error)
	DeleteStudent(ctx context.Context, studentIdentity string) error
}

// IdempotencyStore guards (student, idempotency key) pairs for 24h so a
// replayed triage request carrying the same Idempotency-Key gets the
// stored response instead of a second invocation.
type IdempotencyStore interface {
	Get(ctx context.Context, studentIdentity, key string) (*models.IdempotencyRecord, bool, error)
	Put(ctx context.Context, studentIdentity, key string, record models.IdempotencyRecord, ttl time.Duration) error
}

// PredictionCacheStore caches the Predictor's per-student output for 1h.
type PredictionCacheStore interface {
	GetPrediction(ctx context.Context, studentIdentity string) (*models.PredictionCacheEntry, bool, error)
	PutPrediction(ctx context.Context, studentIdentity string, entry models.PredictionCacheEntry, ttl time.Duration) error
	InvalidatePrediction(ctx context.Context, studentIdentity string) error
}

// EventDedupStore guards `processed:{event_idempotency_key}` markers for
// 7 days (spec §6), independent of the per-student IdempotencyStore: an
// event's idempotency_key is globally unique on its own, with no student
// scoping in its key pattern.
type EventDedupStore interface {
	WasProcessed(ctx context.Context, eventIdempotencyKey string) (bool, error)
	MarkProcessed(ctx context.Context, eventIdempotencyKey string, ttl time.Duration) error
}

// Store composes the KV surfaces the Mastery Engine needs, plus
// lifecycle management.
type Store interface {
	MasteryStore
	IdempotencyStore
	PredictionCacheStore
	EventDedupStore

	Ping(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned when a requested key does not exist.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return "not found: " + e.Key
}

// ErrVersionConflict is returned by CompareAndSwapAggregate when the
// stored version no longer matches expectedVersion — another writer won
// the race and the caller must re-read and retry.
type ErrVersionConflict struct {
	Key             string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ErrVersionConflict) Error() string {
	return "version conflict on " + e.Key
}
