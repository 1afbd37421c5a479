package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/tutormesh/control-plane/internal/query"
	"github.com/tutormesh/control-plane/internal/store"
	"github.com/tutormesh/control-plane/pkg/apierr"
	pkgmw "github.com/tutormesh/control-plane/pkg/middleware"
	"github.com/tutormesh/control-plane/pkg/models"
)

const studentID = "stu-a1b2c3d4"

func seed(t *testing.T, s *store.MemoryStore, dates []string, scores []float64) {
	t.Helper()
	for i, date := range dates {
		agg := &models.MasteryAggregate{
			StudentIdentity: studentID,
			Date:            date,
			Components: map[models.ComponentName]models.MasteryComponentRecord{
				models.ComponentCompletion: {Value: scores[i], SampleCount: 1},
			},
			FinalScore: scores[i],
			Version:    1,
		}
		if err := s.CompareAndSwapAggregate(context.Background(), agg, 0); err != nil {
			t.Fatalf("seed %s: %v", date, err)
		}
	}
}

func asStudent(id string) *pkgmw.Identity {
	return &pkgmw.Identity{StudentIdentity: id, Role: "student"}
}

func asTeacher() *pkgmw.Identity {
	return &pkgmw.Identity{StudentIdentity: "tea-x9y8z7", Role: "teacher"}
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC) }
}

func TestCurrentMastery_ReturnsLatest(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, []string{"2026-07-28", "2026-07-29", "2026-07-30"}, []float64{0.5, 0.6, 0.7})

	svc := query.New(s).WithClock(fixedClock())
	got, err := svc.CurrentMastery(context.Background(), asStudent(studentID), studentID)
	if err != nil {
		t.Fatalf("CurrentMastery: %v", err)
	}
	if got.Date != "2026-07-30" {
		t.Errorf("date = %s, want the latest day", got.Date)
	}
	if got.FinalScore != 0.7 {
		t.Errorf("final score = %v, want 0.7", got.FinalScore)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

func TestCurrentMastery_NoHistorySynthesizesEmptyView(t *testing.T) {
	svc := query.New(store.NewMemoryStore()).WithClock(fixedClock())
	got, err := svc.CurrentMastery(context.Background(), asStudent(studentID), studentID)
	if err != nil {
		t.Fatalf("CurrentMastery: %v", err)
	}
	if got.Version != 0 || len(got.Components) != 0 {
		t.Errorf("expected empty synthesized view, got %+v", got)
	}
}

func TestCurrentMastery_StudentCannotReadAnother(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, []string{"2026-07-30"}, []float64{0.7})

	svc := query.New(s).WithClock(fixedClock())
	_, err := svc.CurrentMastery(context.Background(), asStudent("stu-other999"), studentID)
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestCurrentMastery_TeacherReadsAny(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, []string{"2026-07-30"}, []float64{0.7})

	svc := query.New(s).WithClock(fixedClock())
	if _, err := svc.CurrentMastery(context.Background(), asTeacher(), studentID); err != nil {
		t.Fatalf("teacher read should pass: %v", err)
	}
}

func TestHistory_SpanOver90DaysRejected(t *testing.T) {
	svc := query.New(store.NewMemoryStore()).WithClock(fixedClock())
	_, err := svc.History(context.Background(), asTeacher(), &query.HistoryRequest{
		StudentIdentity: studentID,
		StartDate:       "2026-01-01",
		EndDate:         "2026-07-30",
		Granularity:     models.GranularityDaily,
	})
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindValidation {
		t.Fatalf("expected validation error on >90 day span, got %v", err)
	}
}

func TestHistory_WeeklyBucketsAverage(t *testing.T) {
	s := store.NewMemoryStore()
	// Mon 2026-07-20 through Wed 2026-07-22 (one ISO week), then Mon 2026-07-27.
	seed(t, s,
		[]string{"2026-07-20", "2026-07-21", "2026-07-22", "2026-07-27"},
		[]float64{0.4, 0.6, 0.8, 1.0})

	svc := query.New(s).WithClock(fixedClock())
	got, err := svc.History(context.Background(), asStudent(studentID), &query.HistoryRequest{
		StudentIdentity: studentID,
		StartDate:       "2026-07-20",
		EndDate:         "2026-07-30",
		Granularity:     models.GranularityWeekly,
	})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got.Points) != 2 {
		t.Fatalf("got %d points, want 2 weeks", len(got.Points))
	}
	if got.Points[0].PeriodStart != "2026-07-20" {
		t.Errorf("first period = %s, want week starting 2026-07-20", got.Points[0].PeriodStart)
	}
	if got.Points[0].FinalScore != 0.6 {
		t.Errorf("first week mean = %v, want 0.6", got.Points[0].FinalScore)
	}
	if got.Points[0].SampleDays != 3 {
		t.Errorf("first week sample days = %d, want 3", got.Points[0].SampleDays)
	}
	if got.Points[1].FinalScore != 1.0 {
		t.Errorf("second week mean = %v, want 1.0", got.Points[1].FinalScore)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

func TestExportEraseRoundTrip(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, []string{"2026-07-29", "2026-07-30"}, []float64{0.5, 0.7})
	svc := query.New(s).WithClock(fixedClock())
	ctx := context.Background()

	bundle, err := svc.Export(ctx, asStudent(studentID), studentID)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(bundle.Aggregates) != 2 {
		t.Fatalf("exported %d aggregates, want 2", len(bundle.Aggregates))
	}

	summary, err := svc.Erase(ctx, asStudent(studentID), studentID)
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if summary.AggregatesRemoved != 2 {
		t.Errorf("erased %d aggregates, want 2", summary.AggregatesRemoved)
	}

	after, err := svc.CurrentMastery(ctx, asStudent(studentID), studentID)
	if err != nil {
		t.Fatalf("CurrentMastery after erase: %v", err)
	}
	if after.Version != 0 {
		t.Errorf("expected empty view after erase, got version %d", after.Version)
	}

	if err := svc.Reimport(ctx, asStudent(studentID), bundle); err != nil {
		t.Fatalf("Reimport: %v", err)
	}
	restored, err := svc.CurrentMastery(ctx, asStudent(studentID), studentID)
	if err != nil {
		t.Fatalf("CurrentMastery after reimport: %v", err)
	}
	if restored.Date != "2026-07-30" || restored.FinalScore != 0.7 {
		t.Errorf("reimported view = %+v, want the exported latest day back", restored)
	}
}
