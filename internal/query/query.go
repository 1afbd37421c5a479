// Package query is the Mastery Engine's read side: current mastery,
// aggregated history, and the compliance export/erase paths. Reads never
// write (the prediction cache is the Predictor's concern, not this
// package's), and every call is authorized against the caller's
// gateway-asserted identity before any key is touched — an unauthorized
// caller learns nothing about whether a student exists.
package query

import (
	"context"
	"time"

	"github.com/tutormesh/control-plane/internal/store"
	"github.com/tutormesh/control-plane/internal/validation"
	"github.com/tutormesh/control-plane/pkg/apierr"
	pkgmw "github.com/tutormesh/control-plane/pkg/middleware"
	"github.com/tutormesh/control-plane/pkg/models"
)

// maxHistorySpanDays bounds a history request's date range.
const maxHistorySpanDays = 90

// Service answers mastery reads over the state store.
type Service struct {
	store store.Store
	now   func() time.Time
}

// New builds the read service over s (normally the caching store).
func New(s store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

// WithClock overrides the Service's clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// QueryRequest is the body for POST /api/v1/mastery/query.
type QueryRequest struct {
	StudentIdentity string `json:"student_identity" validate:"required,studentid"`
}

// HistoryRequest is the body for POST /api/v1/mastery/history.
type HistoryRequest struct {
	StudentIdentity string             `json:"student_identity" validate:"required,studentid"`
	StartDate       string             `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate         string             `json:"end_date" validate:"required,datetime=2006-01-02"`
	Granularity     models.Granularity `json:"granularity" validate:"required,oneof=daily weekly monthly"`
}

// HistoryResponse is the aggregated series plus the latest underlying
// aggregate version at read time.
type HistoryResponse struct {
	StudentIdentity string                       `json:"student_identity"`
	Granularity     models.Granularity           `json:"granularity"`
	Points          []models.MasteryHistoryPoint `json:"points"`
	Version         int64                        `json:"version"`
}

// ExportBundle is the compliance export: every record the control plane
// holds for one student.
type ExportBundle struct {
	StudentIdentity string                       `json:"student_identity"`
	Aggregates      []models.MasteryAggregate    `json:"aggregates"`
	Prediction      *models.PredictionCacheEntry `json:"prediction,omitempty"`
	ExportedAt      time.Time                    `json:"exported_at"`
}

// EraseSummary reports what a compliance erase removed.
type EraseSummary struct {
	StudentIdentity   string    `json:"student_identity"`
	AggregatesRemoved int       `json:"aggregates_removed"`
	ErasedAt          time.Time `json:"erased_at"`
}

// Authorize enforces the read policy: a student reads only their own
// records; teacher and admin roles read any. Exported so the prediction
// and recommendation handlers apply the same policy before touching the
// store.
func Authorize(caller *pkgmw.Identity, studentIdentity string) error {
	if caller == nil {
		return apierr.Authentication("no authenticated identity on request")
	}
	switch caller.Role {
	case string(models.RoleTeacher), string(models.RoleAdmin):
		return nil
	default:
		if caller.StudentIdentity != studentIdentity {
			return apierr.Authorization("not permitted to read this student's records")
		}
		return nil
	}
}

// CurrentMastery returns the student's most recent daily aggregate,
// synthesizing an empty view (version 0, no components) when the student
// has no history yet — absence of data is not an error on the read path.
func (s *Service) CurrentMastery(ctx context.Context, caller *pkgmw.Identity, studentIdentity string) (*models.MasteryAggregate, error) {
	if err := Authorize(caller, studentIdentity); err != nil {
		return nil, err
	}
	if details := validation.Struct(&QueryRequest{StudentIdentity: studentIdentity}); details != nil {
		return nil, apierr.Validation("invalid student identity").WithDetails(details...)
	}

	today := s.now().UTC()
	from := today.AddDate(0, 0, -maxHistorySpanDays).Format("2006-01-02")
	to := today.Format("2006-01-02")

	aggregates, err := s.store.ListAggregates(ctx, studentIdentity, from, to)
	if err != nil {
		return nil, apierr.Internal(err, "failed to read mastery records")
	}
	if len(aggregates) == 0 {
		return &models.MasteryAggregate{
			StudentIdentity: studentIdentity,
			Date:            to,
			Components:      map[models.ComponentName]models.MasteryComponentRecord{},
		}, nil
	}
	latest := aggregates[len(aggregates)-1]
	return &latest, nil
}

// History returns the student's final scores over [start, end] bucketed
// by the requested granularity. Spans beyond 90 days are rejected.
func (s *Service) History(ctx context.Context, caller *pkgmw.Identity, req *HistoryRequest) (*HistoryResponse, error) {
	if err := Authorize(caller, req.StudentIdentity); err != nil {
		return nil, err
	}
	if details := validation.Struct(req); details != nil {
		return nil, apierr.Validation("invalid history request").WithDetails(details...)
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return nil, apierr.Validation("start_date must be YYYY-MM-DD")
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		return nil, apierr.Validation("end_date must be YYYY-MM-DD")
	}
	if end.Before(start) {
		return nil, apierr.Validation("end_date precedes start_date")
	}
	if end.Sub(start) > maxHistorySpanDays*24*time.Hour {
		return nil, apierr.Newf(apierr.KindValidation, "history span exceeds %d days", maxHistorySpanDays)
	}

	aggregates, err := s.store.ListAggregates(ctx, req.StudentIdentity, req.StartDate, req.EndDate)
	if err != nil {
		return nil, apierr.Internal(err, "failed to read mastery history")
	}

	var version int64
	for _, agg := range aggregates {
		if agg.Version > version {
			version = agg.Version
		}
	}

	return &HistoryResponse{
		StudentIdentity: req.StudentIdentity,
		Granularity:     req.Granularity,
		Points:          bucket(aggregates, req.Granularity),
		Version:         version,
	}, nil
}

// Export assembles the compliance bundle for one student.
func (s *Service) Export(ctx context.Context, caller *pkgmw.Identity, studentIdentity string) (*ExportBundle, error) {
	if err := Authorize(caller, studentIdentity); err != nil {
		return nil, err
	}

	aggregates, err := s.store.ListAggregates(ctx, studentIdentity, "0000-01-01", "9999-12-31")
	if err != nil {
		return nil, apierr.Internal(err, "failed to read records for export")
	}

	bundle := &ExportBundle{
		StudentIdentity: studentIdentity,
		Aggregates:      aggregates,
		ExportedAt:      s.now().UTC(),
	}
	if pred, ok, err := s.store.GetPrediction(ctx, studentIdentity); err == nil && ok {
		bundle.Prediction = pred
	}
	return bundle, nil
}

// Erase removes every record held for the student and reports what was
// removed. The same ownership policy applies as for reads: a student may
// erase their own records, teacher/admin any.
func (s *Service) Erase(ctx context.Context, caller *pkgmw.Identity, studentIdentity string) (*EraseSummary, error) {
	if err := Authorize(caller, studentIdentity); err != nil {
		return nil, err
	}

	aggregates, err := s.store.ListAggregates(ctx, studentIdentity, "0000-01-01", "9999-12-31")
	if err != nil {
		return nil, apierr.Internal(err, "failed to enumerate records for erase")
	}
	if err := s.store.DeleteStudent(ctx, studentIdentity); err != nil {
		return nil, apierr.Internal(err, "failed to erase student records")
	}
	if err := s.store.InvalidatePrediction(ctx, studentIdentity); err != nil {
		// DeleteStudent already covered the prediction key on both
		// backends; this is the cache-layer sweep.
		_ = err
	}

	return &EraseSummary{
		StudentIdentity:   studentIdentity,
		AggregatesRemoved: len(aggregates),
		ErasedAt:          s.now().UTC(),
	}, nil
}

// Reimport writes previously exported aggregates back into the store, in
// support of the export/erase/re-import round trip. Each aggregate is
// written fresh (version discipline restarts at 1).
func (s *Service) Reimport(ctx context.Context, caller *pkgmw.Identity, bundle *ExportBundle) error {
	if err := Authorize(caller, bundle.StudentIdentity); err != nil {
		return err
	}
	for _, agg := range bundle.Aggregates {
		restored := agg
		restored.Version = 1
		if err := s.store.CompareAndSwapAggregate(ctx, &restored, 0); err != nil {
			return apierr.Wrap(err, apierr.KindConflict, "record already exists for "+agg.Date)
		}
	}
	return nil
}

// bucket folds daily aggregates into points at the requested granularity.
// Each point's final score is the unweighted mean of the days in its
// bucket.
func bucket(aggregates []models.MasteryAggregate, granularity models.Granularity) []models.MasteryHistoryPoint {
	type acc struct {
		sum  float64
		days int
	}
	sums := make(map[string]*acc)
	var order []string

	for _, agg := range aggregates {
		day, err := time.Parse("2006-01-02", agg.Date)
		if err != nil {
			continue
		}
		key := periodStart(day, granularity)
		a, ok := sums[key]
		if !ok {
			a = &acc{}
			sums[key] = a
			order = append(order, key)
		}
		a.sum += agg.FinalScore
		a.days++
	}

	points := make([]models.MasteryHistoryPoint, 0, len(order))
	for _, key := range order {
		a := sums[key]
		points = append(points, models.MasteryHistoryPoint{
			PeriodStart: key,
			FinalScore:  round3(a.sum / float64(a.days)),
			SampleDays:  a.days,
		})
	}
	return points
}

// periodStart normalizes a date onto its bucket's first day: the date
// itself for daily, the preceding Monday for weekly, the first of the
// month for monthly.
func periodStart(day time.Time, granularity models.Granularity) string {
	switch granularity {
	case models.GranularityWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset).Format("2006-01-02")
	case models.GranularityMonthly:
		return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
	default:
		return day.Format("2006-01-02")
	}
}

func round3(v float64) float64 {
	scaled := v * 1000
	if scaled >= 0 {
		return float64(int64(scaled+0.5)) / 1000
	}
	return float64(int64(scaled-0.5)) / 1000
}
