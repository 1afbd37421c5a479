// Package predictor projects a student's mastery trajectory: an ordinary
// least-squares line fitted to the last month of daily final scores,
// extended seven days ahead. Results are cached per student
// for an hour and invalidated whenever the Mastery Aggregator writes a
// new aggregate for that student.
package predictor

import (
	"context"
	"math"
	"time"

	"github.com/tutormesh/control-plane/internal/store"
	"github.com/tutormesh/control-plane/pkg/apierr"
	"github.com/tutormesh/control-plane/pkg/models"
)

const (
	defaultHorizonDays = 7
	defaultMaxPoints   = 30
	minPoints          = 3
	cacheTTL           = time.Hour

	// trendDeadBand is the slope magnitude below which the trajectory is
	// reported stable rather than improving or declining.
	trendDeadBand = 0.005

	// fullConfidencePoints is the history depth at which the fit quality
	// alone determines confidence; shallower histories scale it down.
	fullConfidencePoints = 14
)

// Predictor fits and caches per-student projections.
type Predictor struct {
	store       store.Store
	horizonDays int
	maxPoints   int
	now         func() time.Time
}

// New builds a Predictor with the default 7-day horizon over up to 30
// daily points.
func New(s store.Store) *Predictor {
	return &Predictor{
		store:       s,
		horizonDays: defaultHorizonDays,
		maxPoints:   defaultMaxPoints,
		now:         time.Now,
	}
}

// WithClock overrides the Predictor's clock, for tests.
func (p *Predictor) WithClock(now func() time.Time) *Predictor {
	p.now = now
	return p
}

// Predict returns the cached projection for studentIdentity if fresh,
// otherwise fits a new one over the student's recent daily aggregates.
// Fewer than three daily points is an InsufficientHistoryError.
func (p *Predictor) Predict(ctx context.Context, studentIdentity string) (*models.PredictionCacheEntry, error) {
	if cached, ok, err := p.store.GetPrediction(ctx, studentIdentity); err == nil && ok {
		return cached, nil
	}

	now := p.now().UTC()
	from := now.AddDate(0, 0, -(p.maxPoints - 1)).Format("2006-01-02")
	to := now.Format("2006-01-02")

	aggregates, err := p.store.ListAggregates(ctx, studentIdentity, from, to)
	if err != nil {
		return nil, apierr.Internal(err, "failed to load mastery history")
	}
	if len(aggregates) < minPoints {
		return nil, apierr.Newf(apierr.KindInsufficientHistory,
			"prediction requires at least %d daily aggregates, found %d", minPoints, len(aggregates))
	}

	xs, ys := series(aggregates)
	slope, intercept, r2 := fitLine(xs, ys)

	projected := intercept + slope*(xs[len(xs)-1]+float64(p.horizonDays))
	entry := models.PredictionCacheEntry{
		PredictedScore:   round3(clamp01(projected)),
		Confidence:       round3(clamp01(r2) * math.Min(float64(len(xs))/fullConfidencePoints, 1.0)),
		Trend:            trendFor(slope),
		InterventionFlag: clamp01(projected) < 0.5 && slope <= 0,
		HorizonDays:      p.horizonDays,
		GeneratedAt:      now,
	}

	if err := p.store.PutPrediction(ctx, studentIdentity, entry, cacheTTL); err != nil {
		// A cache write failure costs a refit on the next request, nothing
		// else.
		_ = err
	}
	return &entry, nil
}

// series converts daily aggregates (already sorted ascending by date)
// into day-index/final-score pairs, with day 0 at the earliest date so
// gaps between days are weighted as real elapsed time.
func series(aggregates []models.MasteryAggregate) (xs, ys []float64) {
	base, _ := time.Parse("2006-01-02", aggregates[0].Date)
	xs = make([]float64, 0, len(aggregates))
	ys = make([]float64, 0, len(aggregates))
	for _, agg := range aggregates {
		day, err := time.Parse("2006-01-02", agg.Date)
		if err != nil {
			continue
		}
		xs = append(xs, day.Sub(base).Hours()/24)
		ys = append(ys, agg.FinalScore)
	}
	return xs, ys
}

// fitLine computes the ordinary least-squares fit y = intercept + slope·x
// and the coefficient of determination R². A flat series fits itself
// perfectly: zero residuals against zero variance reports R² = 1.
func fitLine(xs, ys []float64) (slope, intercept, r2 float64) {
	n := float64(len(xs))
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var ssXX, ssXY float64
	for i := range xs {
		dx := xs[i] - meanX
		ssXX += dx * dx
		ssXY += dx * (ys[i] - meanY)
	}
	if ssXX == 0 {
		return 0, meanY, 0
	}
	slope = ssXY / ssXX
	intercept = meanY - slope*meanX

	var ssRes, ssTot float64
	for i := range xs {
		pred := intercept + slope*xs[i]
		ssRes += (ys[i] - pred) * (ys[i] - pred)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return slope, intercept, 1
		}
		return slope, intercept, 0
	}
	return slope, intercept, 1 - ssRes/ssTot
}

func trendFor(slope float64) models.Trend {
	switch {
	case slope > trendDeadBand:
		return models.TrendImproving
	case slope < -trendDeadBand:
		return models.TrendDeclining
	default:
		return models.TrendStable
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
