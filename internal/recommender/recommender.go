// Package recommender turns a student's current MasteryAggregate into a
// ranked list of concrete next actions. Pure rule evaluation over the
// component thresholds — no I/O, no state, fully deterministic.
package recommender

import (
	"math"
	"sort"
	"time"

	"github.com/tutormesh/control-plane/pkg/models"
)

// scoreEpsilon is the tolerance for treating two urgency scores as tied;
// the scores are products of 2-decimal weights and 3-decimal values, so
// anything closer than this is rounding noise.
const scoreEpsilon = 1e-9

// threshold is the component value below which a dimension becomes a
// recommendation candidate.
const threshold = 0.70

// maxItems bounds the emitted recommendation list.
const maxItems = 10

// actionFor maps a weak component onto the action that addresses it:
// practice closes completion and quiz gaps, refactoring addresses code
// quality, scheduling addresses consistency. A candidate tied with the
// one ranked above it gets review instead — equal urgency across
// dimensions is the signal for a broad review session, not two parallel
// drills.
var actionFor = map[models.ComponentName]models.RecommendedAction{
	models.ComponentCompletion:  models.ActionPractice,
	models.ComponentQuiz:        models.ActionPractice,
	models.ComponentQuality:     models.ActionRefactor,
	models.ComponentConsistency: models.ActionSchedule,
}

// estimatedMinutes is the per-action time estimate surfaced to students.
var estimatedMinutes = map[models.RecommendedAction]int{
	models.ActionPractice: 30,
	models.ActionReview:   20,
	models.ActionRefactor: 25,
	models.ActionSchedule: 15,
}

var resourceRefs = map[models.ComponentName][]string{
	models.ComponentCompletion:  {"catalog://exercises/completion-drills"},
	models.ComponentQuiz:        {"catalog://quizzes/review-sets"},
	models.ComponentQuality:     {"catalog://guides/refactoring-basics"},
	models.ComponentConsistency: {"catalog://planner/study-schedule"},
}

type candidate struct {
	component models.ComponentName
	score     float64
}

// Recommend inspects each sampled component of agg and emits ranked
// action items for every one below the threshold. Rank is
// weight·(threshold − value) descending, so a weak heavily-weighted
// dimension outranks an equally weak lightly-weighted one. Components
// with no samples yet are skipped — there is nothing measured to
// recommend against.
func Recommend(agg *models.MasteryAggregate, at time.Time) models.RecommendationSet {
	var candidates []candidate
	for name, weight := range models.ComponentWeights {
		rec, ok := agg.Components[name]
		if !ok || rec.SampleCount == 0 {
			continue
		}
		if rec.Value >= threshold {
			continue
		}
		candidates = append(candidates, candidate{
			component: name,
			score:     weight * (threshold - rec.Value),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if d := candidates[i].score - candidates[j].score; math.Abs(d) >= scoreEpsilon {
			return d > 0
		}
		// Equal urgency falls back to the heavier weight, then to a fixed
		// name order so output is stable run to run.
		wi, wj := models.ComponentWeights[candidates[i].component], models.ComponentWeights[candidates[j].component]
		if wi != wj {
			return wi > wj
		}
		return candidates[i].component < candidates[j].component
	})

	items := make([]models.RecommendationItem, 0, len(candidates))
	for i, c := range candidates {
		if len(items) == maxItems {
			break
		}
		action := actionFor[c.component]
		if i > 0 && math.Abs(c.score-candidates[i-1].score) < scoreEpsilon {
			action = models.ActionReview
		}
		items = append(items, models.RecommendationItem{
			Action:           action,
			TargetArea:       c.component,
			Priority:         priorityFor(c.score),
			EstimatedMinutes: estimatedMinutes[action],
			ResourceRefs:     resourceRefs[c.component],
		})
	}

	return models.RecommendationSet{
		StudentIdentity: agg.StudentIdentity,
		Items:           items,
		GeneratedAt:     at.UTC(),
	}
}

// priorityFor buckets the urgency score. The maximum possible score is
// 0.28 (completion at 0.0), so the high bucket starts at half of that.
func priorityFor(score float64) models.Priority {
	switch {
	case score >= 0.14:
		return models.PriorityHigh
	case score >= 0.05:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}
