package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/tutormesh/control-plane/internal/store"
	"github.com/tutormesh/control-plane/pkg/models"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAggregate(student, date string, version int64) *models.MasteryAggregate {
	return &models.MasteryAggregate{
		StudentIdentity: student,
		Date:            date,
		Components: map[models.ComponentName]models.MasteryComponentRecord{
			models.ComponentCompletion: {Value: 0.75, SampleCount: 1, LastUpdated: time.Now()},
		},
		FinalScore:   0.3,
		CalculatedAt: time.Now(),
		Version:      version,
	}
}

func TestMemoryStore_CompareAndSwapAggregate_CreateThenConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agg := sampleAggregate("stu-a1b2c3d4", "2026-07-29", 1)
	if err := s.CompareAndSwapAggregate(ctx, agg, 0); err != nil {
		t.Fatalf("create: unexpected error: %v", err)
	}

	// Creating again at expectedVersion=0 must conflict: the key now exists.
	dup := sampleAggregate("stu-a1b2c3d4", "2026-07-29", 1)
	err := s.CompareAndSwapAggregate(ctx, dup, 0)
	if _, ok := err.(*store.ErrVersionConflict); !ok {
		t.Fatalf("expected ErrVersionConflict on duplicate create, got %v", err)
	}

	// Correct expectedVersion succeeds and bumps the stored version.
	next := sampleAggregate("stu-a1b2c3d4", "2026-07-29", 2)
	if err := s.CompareAndSwapAggregate(ctx, next, 1); err != nil {
		t.Fatalf("update: unexpected error: %v", err)
	}

	got, err := s.GetAggregate(ctx, "stu-a1b2c3d4", "2026-07-29")
	if err != nil {
		t.Fatalf("GetAggregate: unexpected error: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestMemoryStore_CompareAndSwapAggregate_StaleVersionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agg := sampleAggregate("stu-a1b2c3d4", "2026-07-29", 1)
	if err := s.CompareAndSwapAggregate(ctx, agg, 0); err != nil {
		t.Fatalf("create: unexpected error: %v", err)
	}

	stale := sampleAggregate("stu-a1b2c3d4", "2026-07-29", 2)
	err := s.CompareAndSwapAggregate(ctx, stale, 0)
	if _, ok := err.(*store.ErrVersionConflict); !ok {
		t.Fatalf("expected ErrVersionConflict on stale write, got %v", err)
	}
}

func TestMemoryStore_GetAggregate_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAggregate(context.Background(), "stu-a1b2c3d4", "2026-07-29")
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListAggregates_FiltersDateRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, date := range []string{"2026-07-27", "2026-07-28", "2026-07-29", "2026-07-30"} {
		agg := sampleAggregate("stu-a1b2c3d4", date, int64(i+1))
		if err := s.CompareAndSwapAggregate(ctx, agg, 0); err != nil {
			t.Fatalf("seed %s: %v", date, err)
		}
	}

	got, err := s.ListAggregates(ctx, "stu-a1b2c3d4", "2026-07-28", "2026-07-29")
	if err != nil {
		t.Fatalf("ListAggregates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Date != "2026-07-28" || got[1].Date != "2026-07-29" {
		t.Errorf("got dates %q, %q, want sorted 2026-07-28, 2026-07-29", got[0].Date, got[1].Date)
	}
}

func TestMemoryStore_IdempotencyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "stu-a1b2c3d4", "deadbeefdeadbeefdeadbeefdeadbeef")
	if err != nil || ok {
		t.Fatalf("expected miss before Put, ok=%v err=%v", ok, err)
	}

	rec := models.IdempotencyRecord{ProcessedAt: time.Now(), ResultSummary: []byte(`{"ok":true}`)}
	if err := s.Put(ctx, "stu-a1b2c3d4", "deadbeefdeadbeefdeadbeefdeadbeef", rec, 24*time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "stu-a1b2c3d4", "deadbeefdeadbeefdeadbeefdeadbeef")
	if err != nil || !ok {
		t.Fatalf("expected hit after Put, ok=%v err=%v", ok, err)
	}
	if string(got.ResultSummary) != `{"ok":true}` {
		t.Errorf("ResultSummary = %q, want preserved payload", got.ResultSummary)
	}
}

func TestMemoryStore_IdempotencyExpires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := models.IdempotencyRecord{ProcessedAt: time.Now()}
	if err := s.Put(ctx, "stu-a1b2c3d4", "deadbeefdeadbeefdeadbeefdeadbeef", rec, time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.Get(ctx, "stu-a1b2c3d4", "deadbeefdeadbeefdeadbeefdeadbeef")
	if err != nil || ok {
		t.Fatalf("expected expired entry to miss, ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_PredictionCache_RoundTripAndInvalidate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := models.PredictionCacheEntry{PredictedScore: 0.74, Confidence: 0.8, Trend: models.TrendImproving, HorizonDays: 7, GeneratedAt: time.Now()}
	if err := s.PutPrediction(ctx, "stu-a1b2c3d4", entry, time.Hour); err != nil {
		t.Fatalf("PutPrediction: %v", err)
	}

	got, ok, err := s.GetPrediction(ctx, "stu-a1b2c3d4")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if got.PredictedScore != 0.74 {
		t.Errorf("PredictedScore = %v, want 0.74", got.PredictedScore)
	}

	if err := s.InvalidatePrediction(ctx, "stu-a1b2c3d4"); err != nil {
		t.Fatalf("InvalidatePrediction: %v", err)
	}
	_, ok, err = s.GetPrediction(ctx, "stu-a1b2c3d4")
	if err != nil || ok {
		t.Fatalf("expected miss after invalidate, ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_EventDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const key = "11112222333344445555666677778888"

	was, err := s.WasProcessed(ctx, key)
	if err != nil || was {
		t.Fatalf("expected not-yet-processed, was=%v err=%v", was, err)
	}

	if err := s.MarkProcessed(ctx, key, 7*24*time.Hour); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	was, err = s.WasProcessed(ctx, key)
	if err != nil || !was {
		t.Fatalf("expected processed after MarkProcessed, was=%v err=%v", was, err)
	}
}

func TestMemoryStore_DeleteStudent_ClearsAllSurfaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agg := sampleAggregate("stu-a1b2c3d4", "2026-07-29", 1)
	_ = s.CompareAndSwapAggregate(ctx, agg, 0)
	_ = s.Put(ctx, "stu-a1b2c3d4", "deadbeefdeadbeefdeadbeefdeadbeef", models.IdempotencyRecord{ProcessedAt: time.Now()}, time.Hour)
	_ = s.PutPrediction(ctx, "stu-a1b2c3d4", models.PredictionCacheEntry{PredictedScore: 0.5}, time.Hour)

	if err := s.DeleteStudent(ctx, "stu-a1b2c3d4"); err != nil {
		t.Fatalf("DeleteStudent: %v", err)
	}

	if _, err := s.GetAggregate(ctx, "stu-a1b2c3d4", "2026-07-29"); err == nil {
		t.Error("expected aggregate to be gone after DeleteStudent")
	}
	if _, ok, _ := s.Get(ctx, "stu-a1b2c3d4", "deadbeefdeadbeefdeadbeefdeadbeef"); ok {
		t.Error("expected idempotency record to be gone after DeleteStudent")
	}
	if _, ok, _ := s.GetPrediction(ctx, "stu-a1b2c3d4"); ok {
		t.Error("expected prediction cache to be gone after DeleteStudent")
	}
}
