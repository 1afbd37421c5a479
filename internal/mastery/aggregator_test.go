package mastery_test

import (
	"context"
	"testing"
	"time"

	"github.com/tutormesh/control-plane/internal/mastery"
	"github.com/tutormesh/control-plane/internal/store"
	"github.com/tutormesh/control-plane/pkg/models"
)

func f(v float64) *float64 { return &v }

func TestAggregator_Apply_WeightedFormula(t *testing.T) {
	s := store.NewMemoryStore()
	agg := mastery.New(s)
	ctx := context.Background()

	snapshot := &models.ProgressSnapshot{
		StudentIdentity:    "stu-a1b2c3d4",
		ExerciseIdentifier: "ex_loops_014",
		CompletionScore:    f(0.75),
		QuizScore:          f(0.80),
		QualityScore:       f(0.90),
		ConsistencyScore:   f(0.85),
		ServerTimestamp:    time.Now(),
		AgentSource:        models.SourceExercise,
		IdempotencyKey:     "11112222333344445555666677778888",
	}

	got, err := agg.Apply(ctx, snapshot, "2026-07-29")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	want := 0.40*0.75 + 0.30*0.80 + 0.20*0.90 + 0.10*0.85
	if diff := got.FinalScore - want; diff > 1e-3 || diff < -1e-3 {
		t.Errorf("FinalScore = %v, want ~%v", got.FinalScore, want)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1 on first write", got.Version)
	}

	stored, err := s.GetAggregate(ctx, "stu-a1b2c3d4", "2026-07-29")
	if err != nil {
		t.Fatalf("GetAggregate: %v", err)
	}
	if stored.Version != 1 {
		t.Errorf("stored Version = %d, want 1", stored.Version)
	}
}

func TestAggregator_Apply_PartialComponentsLeaveOthersUntouched(t *testing.T) {
	s := store.NewMemoryStore()
	agg := mastery.New(s)
	ctx := context.Background()

	first := &models.ProgressSnapshot{
		StudentIdentity: "stu-a1b2c3d4", ExerciseIdentifier: "ex_loops_014",
		CompletionScore: f(0.5), ServerTimestamp: time.Now(),
		AgentSource: models.SourceExercise, IdempotencyKey: "11112222333344445555666677778888",
	}
	if _, err := agg.Apply(ctx, first, "2026-07-29"); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	second := &models.ProgressSnapshot{
		StudentIdentity: "stu-a1b2c3d4", ExerciseIdentifier: "ex_loops_015",
		QuizScore: f(0.9), ServerTimestamp: time.Now(),
		AgentSource: models.SourceExercise, IdempotencyKey: "22223333444455556666777788889999",
	}
	got, err := agg.Apply(ctx, second, "2026-07-29")
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}

	if got.Components[models.ComponentCompletion].Value != 0.5 {
		t.Errorf("completion value = %v, want unchanged 0.5", got.Components[models.ComponentCompletion].Value)
	}
	if got.Components[models.ComponentCompletion].SampleCount != 1 {
		t.Errorf("completion sample_count = %d, want 1 (untouched by second event)", got.Components[models.ComponentCompletion].SampleCount)
	}
	if got.Components[models.ComponentQuiz].Value != 0.9 {
		t.Errorf("quiz value = %v, want 0.9", got.Components[models.ComponentQuiz].Value)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestAggregator_Apply_RunningMean(t *testing.T) {
	s := store.NewMemoryStore()
	agg := mastery.New(s)
	ctx := context.Background()

	values := []float64{0.6, 0.8, 1.0}
	var got *models.MasteryAggregate
	var err error
	for i, v := range values {
		snap := &models.ProgressSnapshot{
			StudentIdentity: "stu-a1b2c3d4", ExerciseIdentifier: "ex_loops_014",
			CompletionScore: f(v), ServerTimestamp: time.Now(),
			AgentSource: models.SourceExercise, IdempotencyKey: idFor(i),
		}
		got, err = agg.Apply(ctx, snap, "2026-07-29")
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	// running mean of 0.6, 0.8, 1.0 = 0.8
	if got.Components[models.ComponentCompletion].Value != 0.8 {
		t.Errorf("completion mean = %v, want 0.8", got.Components[models.ComponentCompletion].Value)
	}
	if got.Components[models.ComponentCompletion].SampleCount != 3 {
		t.Errorf("sample_count = %d, want 3", got.Components[models.ComponentCompletion].SampleCount)
	}
}

func TestAggregator_Apply_InvalidatesPredictionCache(t *testing.T) {
	s := store.NewMemoryStore()
	agg := mastery.New(s)
	ctx := context.Background()

	if err := s.PutPrediction(ctx, "stu-a1b2c3d4", models.PredictionCacheEntry{PredictedScore: 0.9}, time.Hour); err != nil {
		t.Fatalf("seed prediction cache: %v", err)
	}

	snap := &models.ProgressSnapshot{
		StudentIdentity: "stu-a1b2c3d4", ExerciseIdentifier: "ex_loops_014",
		CompletionScore: f(0.5), ServerTimestamp: time.Now(),
		AgentSource: models.SourceExercise, IdempotencyKey: "11112222333344445555666677778888",
	}
	if _, err := agg.Apply(ctx, snap, "2026-07-29"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if _, ok, _ := s.GetPrediction(ctx, "stu-a1b2c3d4"); ok {
		t.Error("expected prediction cache to be invalidated by an aggregate write")
	}
}

func idFor(i int) string {
	hex := []string{
		"11112222333344445555666677778888",
		"22223333444455556666777788889999",
		"3333444455556666777788889999aaaa",
	}
	return hex[i]
}
