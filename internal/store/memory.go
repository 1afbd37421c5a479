package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tutormesh/control-plane/pkg/models"
)

type ttlEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded in-memory Store, used in tests and
// single-instance deployments. Every read returns a copy so callers can
// never mutate state out from under the lock.
type MemoryStore struct {
	mu sync.Mutex

	// key: "student:{id}:mastery:{date}"
	aggregates map[string]models.MasteryAggregate

	// key: "student:{id}:idem:{key}"
	idempotency map[string]ttlEntry[models.IdempotencyRecord]

	// key: "student:{id}:prediction"
	predictions map[string]ttlEntry[models.PredictionCacheEntry]

	// key: "processed:{event_idempotency_key}"
	processed map[string]time.Time
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		aggregates:  make(map[string]models.MasteryAggregate),
		idempotency: make(map[string]ttlEntry[models.IdempotencyRecord]),
		predictions: make(map[string]ttlEntry[models.PredictionCacheEntry]),
		processed:   make(map[string]time.Time),
	}
}

func aggregateKey(studentIdentity, date string) string {
	return "student:" + studentIdentity + ":mastery:" + date
}

func idempotencyKey(studentIdentity, key string) string {
	return "student:" + studentIdentity + ":idem:" + key
}

func predictionKey(studentIdentity string) string {
	return "student:" + studentIdentity + ":prediction"
}

// GetAggregate implements MasteryStore.
func (m *MemoryStore) GetAggregate(_ context.Context, studentIdentity, date string) (*models.MasteryAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := aggregateKey(studentIdentity, date)
	agg, ok := m.aggregates[k]
	if !ok {
		return nil, &ErrNotFound{Key: k}
	}
	out := agg
	return &out, nil
}

// CompareAndSwapAggregate implements MasteryStore. A zero expectedVersion
// means "create if absent"; any existing value at that key is a conflict.
func (m *MemoryStore) CompareAndSwapAggregate(_ context.Context, agg *models.MasteryAggregate, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := aggregateKey(agg.StudentIdentity, agg.Date)
	current, exists := m.aggregates[k]

	switch {
	case expectedVersion == 0 && exists:
		return &ErrVersionConflict{Key: k, ExpectedVersion: expectedVersion, ActualVersion: current.Version}
	case expectedVersion != 0 && (!exists || current.Version != expectedVersion):
		actual := int64(0)
		if exists {
			actual = current.Version
		}
		return &ErrVersionConflict{Key: k, ExpectedVersion: expectedVersion, ActualVersion: actual}
	}

	m.aggregates[k] = *agg
	return nil
}

// ListAggregates implements MasteryStore, returning aggregates for dates
// in [from, to] sorted ascending by date.
func (m *MemoryStore) ListAggregates(_ context.Context, studentIdentity, from, to string) ([]models.MasteryAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := "student:" + studentIdentity + ":mastery:"
	var out []models.MasteryAggregate
	for k, agg := range m.aggregates {
		if !hasPrefix(k, prefix) {
			continue
		}
		if agg.Date < from || agg.Date > to {
			continue
		}
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// DeleteStudent implements MasteryStore, removing every key for a student
// across all three KV surfaces (compliance erase).
func (m *MemoryStore) DeleteStudent(_ context.Context, studentIdentity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := "student:" + studentIdentity + ":"
	for k := range m.aggregates {
		if hasPrefix(k, prefix) {
			delete(m.aggregates, k)
		}
	}
	for k := range m.idempotency {
		if hasPrefix(k, prefix) {
			delete(m.idempotency, k)
		}
	}
	for k := range m.predictions {
		if hasPrefix(k, prefix) {
			delete(m.predictions, k)
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Get implements IdempotencyStore.
func (m *MemoryStore) Get(_ context.Context, studentIdentity, key string) (*models.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.idempotency[idempotencyKey(studentIdentity, key)]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	out := e.value
	return &out, true, nil
}

// Put implements IdempotencyStore.
func (m *MemoryStore) Put(_ context.Context, studentIdentity, key string, record models.IdempotencyRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.idempotency[idempotencyKey(studentIdentity, key)] = ttlEntry[models.IdempotencyRecord]{
		value:     record,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// GetPrediction implements PredictionCacheStore.
func (m *MemoryStore) GetPrediction(_ context.Context, studentIdentity string) (*models.PredictionCacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.predictions[predictionKey(studentIdentity)]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	out := e.value
	return &out, true, nil
}

// PutPrediction implements PredictionCacheStore.
func (m *MemoryStore) PutPrediction(_ context.Context, studentIdentity string, entry models.PredictionCacheEntry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.predictions[predictionKey(studentIdentity)] = ttlEntry[models.PredictionCacheEntry]{
		value:     entry,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// InvalidatePrediction implements PredictionCacheStore, dropping any
// cached prediction for studentIdentity. The Mastery Aggregator calls
// this on every aggregate write for that student (spec §3 lifecycle).
func (m *MemoryStore) InvalidatePrediction(_ context.Context, studentIdentity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.predictions, predictionKey(studentIdentity))
	return nil
}

// WasProcessed implements EventDedupStore.
func (m *MemoryStore) WasProcessed(_ context.Context, eventIdempotencyKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiresAt, ok := m.processed[eventIdempotencyKey]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		delete(m.processed, eventIdempotencyKey)
		return false, nil
	}
	return true, nil
}

// MarkProcessed implements EventDedupStore.
func (m *MemoryStore) MarkProcessed(_ context.Context, eventIdempotencyKey string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventIdempotencyKey] = time.Now().Add(ttl)
	return nil
}

// Ping implements Store; the in-memory backend is always reachable.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close implements Store; nothing to release.
func (m *MemoryStore) Close() error { return nil }
