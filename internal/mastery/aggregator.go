// Package mastery implements the Mastery Aggregator (spec §4.8): applying
// an incoming ProgressSnapshot's present components to the per-(student,
// date) MasteryAggregate with the fixed weighted formula, under optimistic
// concurrency control.
package mastery

import (
	"context"
	"math"
	"time"

	"github.com/tutormesh/control-plane/internal/store"
	"github.com/tutormesh/control-plane/pkg/apierr"
	"github.com/tutormesh/control-plane/pkg/models"
)

// maxCASRetries bounds the compare-and-swap retry loop before surfacing
// ConflictError to the caller (spec §4.8).
const maxCASRetries = 5

// Aggregator owns the weighted-formula update and CAS retry loop against
// a Store. It never holds state of its own between calls — every update
// starts from a fresh read of the current aggregate.
type Aggregator struct {
	store store.Store
}

// New builds an Aggregator over the given Store.
func New(s store.Store) *Aggregator {
	return &Aggregator{store: s}
}

// Apply updates the MasteryAggregate for (snapshot.StudentIdentity,
// eventDate) with every present component on snapshot, recomputes
// final_score and bumps version, and stores the result atomically. Any
// component pointer left nil on snapshot is left untouched, per spec
// §4.8 ("any subset may be present").
//
// On a CAS conflict the current aggregate is re-read and the update is
// recomputed against it, up to maxCASRetries times, before surfacing
// apierr.Conflict.
func (a *Aggregator) Apply(ctx context.Context, snapshot *models.ProgressSnapshot, eventDate string) (*models.MasteryAggregate, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, expectedVersion, err := a.load(ctx, snapshot.StudentIdentity, eventDate)
		if err != nil {
			return nil, err
		}

		next := applyComponents(current, snapshot, eventDate)

		err = a.store.CompareAndSwapAggregate(ctx, next, expectedVersion)
		if err == nil {
			if invErr := a.store.InvalidatePrediction(ctx, snapshot.StudentIdentity); invErr != nil {
				// Prediction cache invalidation failing doesn't undo the
				// aggregate write; the 1h TTL bounds the staleness anyway.
				_ = invErr
			}
			return next, nil
		}
		if _, ok := err.(*store.ErrVersionConflict); ok {
			continue
		}
		return nil, apierr.Wrap(err, apierr.KindInternal, "failed to persist mastery aggregate")
	}

	return nil, apierr.Conflict("mastery aggregate update lost too many compare-and-swap races")
}

// load returns the current aggregate (zero-valued if absent) and the
// version CompareAndSwapAggregate should expect: 0 means "create".
func (a *Aggregator) load(ctx context.Context, studentIdentity, eventDate string) (models.MasteryAggregate, int64, error) {
	existing, err := a.store.GetAggregate(ctx, studentIdentity, eventDate)
	if err == nil {
		return *existing, existing.Version, nil
	}
	if _, ok := err.(*store.ErrNotFound); ok {
		return models.MasteryAggregate{
			StudentIdentity: studentIdentity,
			Date:            eventDate,
			Components:      make(map[models.ComponentName]models.MasteryComponentRecord),
		}, 0, nil
	}
	return models.MasteryAggregate{}, 0, apierr.Wrap(err, apierr.KindInternal, "failed to load mastery aggregate")
}

// applyComponents returns the next version of the aggregate with every
// present component on snapshot folded into its running mean, and
// final_score/version recomputed in the same pass (spec §3, §4.8).
func applyComponents(current models.MasteryAggregate, snapshot *models.ProgressSnapshot, eventDate string) *models.MasteryAggregate {
	next := models.MasteryAggregate{
		StudentIdentity: snapshot.StudentIdentity,
		Date:            eventDate,
		Components:      make(map[models.ComponentName]models.MasteryComponentRecord, len(current.Components)),
		Version:         current.Version + 1,
		CalculatedAt:    snapshot.ServerTimestamp,
	}
	for name, rec := range current.Components {
		next.Components[name] = rec
	}

	now := snapshot.ServerTimestamp
	fold(next.Components, models.ComponentCompletion, snapshot.CompletionScore, now)
	fold(next.Components, models.ComponentQuiz, snapshot.QuizScore, now)
	fold(next.Components, models.ComponentQuality, snapshot.QualityScore, now)
	fold(next.Components, models.ComponentConsistency, snapshot.ConsistencyScore, now)

	next.FinalScore = finalScore(next.Components)
	return &next
}

// fold updates a single component's running mean in place:
// value ← (value·sample_count + new_value) / (sample_count+1).
// A nil newValue leaves the component entirely untouched.
func fold(components map[models.ComponentName]models.MasteryComponentRecord, name models.ComponentName, newValue *float64, at time.Time) {
	if newValue == nil {
		return
	}
	rec := components[name]
	rec.Value = round3((rec.Value*float64(rec.SampleCount) + *newValue) / float64(rec.SampleCount+1))
	rec.SampleCount++
	rec.LastUpdated = at
	components[name] = rec
}

// finalScore applies the fixed weighted formula (spec §3): 0.40·completion
// + 0.30·quiz + 0.20·quality + 0.10·consistency, rounded to 3 decimals.
// A missing component contributes 0 to the weighted sum — this only
// matters before a student has any sample for that dimension, since the
// formula's own weights already bound the contribution of the others.
func finalScore(components map[models.ComponentName]models.MasteryComponentRecord) float64 {
	var sum float64
	for name, weight := range models.ComponentWeights {
		sum += weight * components[name].Value
	}
	return round3(sum)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
