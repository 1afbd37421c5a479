package store

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tutormesh/control-plane/pkg/models"
)

// hotCacheTTL is the fixed TTL for cached current-mastery reads (spec §4.9).
const hotCacheTTL = 30 * time.Second

type cacheEntry struct {
	agg       models.MasteryAggregate
	expiresAt time.Time
}

// CachingStore fronts any Store with a thread-safe local cache for
// current-mastery (GetAggregate) reads, invalidated synchronously before
// every write is acknowledged upward. A single mutex guards the whole
// cache map (locking is not per key), and singleflight collapses concurrent cache misses for the same key into
// one underlying store round trip (preventing a cache stampede when many
// requests for the same stale key arrive at once).
type CachingStore struct {
	Store

	mu    sync.Mutex
	cache map[string]cacheEntry
	group singleflight.Group
}

// NewCachingStore wraps inner with the 30s current-mastery hot cache.
func NewCachingStore(inner Store) *CachingStore {
	return &CachingStore{
		Store: inner,
		cache: make(map[string]cacheEntry),
	}
}

// GetAggregate overrides the embedded Store: cache hit returns
// immediately; a miss single-flights the underlying read so N concurrent
// callers for the same (student, date) produce exactly one store call.
func (c *CachingStore) GetAggregate(ctx context.Context, studentIdentity, date string) (*models.MasteryAggregate, error) {
	key := aggregateKey(studentIdentity, date)

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		out := e.agg
		return &out, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		agg, err := c.Store.GetAggregate(ctx, studentIdentity, date)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[key] = cacheEntry{agg: *agg, expiresAt: time.Now().Add(hotCacheTTL)}
		c.mu.Unlock()
		return agg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.MasteryAggregate), nil
}

// CompareAndSwapAggregate invalidates the cache entry before the
// underlying write is acknowledged upward, so a read racing the write
// never observes a stale cached value surviving past it (spec §4.9).
func (c *CachingStore) CompareAndSwapAggregate(ctx context.Context, agg *models.MasteryAggregate, expectedVersion int64) error {
	key := aggregateKey(agg.StudentIdentity, agg.Date)
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()

	return c.Store.CompareAndSwapAggregate(ctx, agg, expectedVersion)
}

// Invalidate evicts a single cached (student, date) entry, for callers
// (e.g. compliance erase) that bypass CompareAndSwapAggregate entirely.
func (c *CachingStore) Invalidate(studentIdentity, date string) {
	c.mu.Lock()
	delete(c.cache, aggregateKey(studentIdentity, date))
	c.mu.Unlock()
}

// DeleteStudent clears every cached entry for the student in addition to
// delegating the underlying erase.
func (c *CachingStore) DeleteStudent(ctx context.Context, studentIdentity string) error {
	c.mu.Lock()
	prefix := "student:" + studentIdentity + ":mastery:"
	for k := range c.cache {
		if hasPrefix(k, prefix) {
			delete(c.cache, k)
		}
	}
	c.mu.Unlock()
	return c.Store.DeleteStudent(ctx, studentIdentity)
}
