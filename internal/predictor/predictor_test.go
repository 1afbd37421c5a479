package predictor_test

import (
	"context"
	"testing"
	"time"

	"github.com/tutormesh/control-plane/internal/predictor"
	"github.com/tutormesh/control-plane/internal/store"
	"github.com/tutormesh/control-plane/pkg/apierr"
	"github.com/tutormesh/control-plane/pkg/models"
)

// seedDaily writes one aggregate per day ending at `end`, with final
// scores taken from scores (oldest first).
func seedDaily(t *testing.T, s *store.MemoryStore, student string, end time.Time, scores []float64) {
	t.Helper()
	ctx := context.Background()
	for i, score := range scores {
		date := end.AddDate(0, 0, -(len(scores) - 1 - i)).Format("2006-01-02")
		agg := &models.MasteryAggregate{
			StudentIdentity: student,
			Date:            date,
			Components:      map[models.ComponentName]models.MasteryComponentRecord{},
			FinalScore:      score,
			Version:         1,
			CalculatedAt:    end,
		}
		if err := s.CompareAndSwapAggregate(ctx, agg, 0); err != nil {
			t.Fatalf("seed %s: %v", date, err)
		}
	}
}

func TestPredict_InsufficientHistory(t *testing.T) {
	s := store.NewMemoryStore()
	end := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	seedDaily(t, s, "stu-a1b2c3d4", end, []float64{0.5, 0.52})

	p := predictor.New(s).WithClock(func() time.Time { return end })
	_, err := p.Predict(context.Background(), "stu-a1b2c3d4")
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindInsufficientHistory {
		t.Fatalf("expected insufficient history error, got %v", err)
	}
}

func TestPredict_ImprovingSlopeProjectsForward(t *testing.T) {
	s := store.NewMemoryStore()
	end := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	// Six days climbing +0.02/day, ending at 0.60.
	seedDaily(t, s, "stu-a1b2c3d4", end, []float64{0.50, 0.52, 0.54, 0.56, 0.58, 0.60})

	p := predictor.New(s).WithClock(func() time.Time { return end })
	got, err := p.Predict(context.Background(), "stu-a1b2c3d4")
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	if got.PredictedScore < 0.72 || got.PredictedScore > 0.76 {
		t.Errorf("predicted score = %v, want ~0.74", got.PredictedScore)
	}
	if got.Trend != models.TrendImproving {
		t.Errorf("trend = %v, want improving", got.Trend)
	}
	if got.InterventionFlag {
		t.Error("intervention flag should be false on an improving trajectory")
	}
	if got.HorizonDays != 7 {
		t.Errorf("horizon = %d, want 7", got.HorizonDays)
	}
	if got.Confidence <= 0 || got.Confidence > 1 {
		t.Errorf("confidence = %v, want in (0, 1]", got.Confidence)
	}
}

func TestPredict_DecliningBelowHalfSetsIntervention(t *testing.T) {
	s := store.NewMemoryStore()
	end := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	seedDaily(t, s, "stu-a1b2c3d4", end, []float64{0.55, 0.50, 0.45, 0.40})

	p := predictor.New(s).WithClock(func() time.Time { return end })
	got, err := p.Predict(context.Background(), "stu-a1b2c3d4")
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got.Trend != models.TrendDeclining {
		t.Errorf("trend = %v, want declining", got.Trend)
	}
	if !got.InterventionFlag {
		t.Error("intervention flag should be set: projected < 0.5 with a negative slope")
	}
}

func TestPredict_FlatSeriesIsStable(t *testing.T) {
	s := store.NewMemoryStore()
	end := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	seedDaily(t, s, "stu-a1b2c3d4", end, []float64{0.7, 0.7, 0.7, 0.7})

	p := predictor.New(s).WithClock(func() time.Time { return end })
	got, err := p.Predict(context.Background(), "stu-a1b2c3d4")
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got.Trend != models.TrendStable {
		t.Errorf("trend = %v, want stable", got.Trend)
	}
	if got.PredictedScore != 0.7 {
		t.Errorf("predicted = %v, want 0.7", got.PredictedScore)
	}
}

func TestPredict_SecondCallServedFromCache(t *testing.T) {
	s := store.NewMemoryStore()
	end := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	seedDaily(t, s, "stu-a1b2c3d4", end, []float64{0.50, 0.52, 0.54})

	now := end
	p := predictor.New(s).WithClock(func() time.Time { return now })
	ctx := context.Background()

	first, err := p.Predict(ctx, "stu-a1b2c3d4")
	if err != nil {
		t.Fatalf("first Predict: %v", err)
	}

	// A day passes and new data lands, but the cache hasn't been
	// invalidated — the cached entry must still be served.
	seedDaily(t, s, "stu-a1b2c3d4", end.AddDate(0, 0, 1), []float64{0.9})
	now = end.AddDate(0, 0, 1)
	second, err := p.Predict(ctx, "stu-a1b2c3d4")
	if err != nil {
		t.Fatalf("second Predict: %v", err)
	}
	if *second != *first {
		t.Errorf("second call should be the cached entry: %+v vs %+v", second, first)
	}

	// Invalidation (what the aggregator does on every write) forces a refit.
	if err := s.InvalidatePrediction(ctx, "stu-a1b2c3d4"); err != nil {
		t.Fatalf("InvalidatePrediction: %v", err)
	}
	third, err := p.Predict(ctx, "stu-a1b2c3d4")
	if err != nil {
		t.Fatalf("third Predict: %v", err)
	}
	if *third == *first {
		t.Error("post-invalidation prediction should reflect the new data")
	}
}
