// Package classifier assigns an IntentTag to an incoming TriageRequest.
// Matcher is the deterministic, always-available classifier: each intent
// owns an ordered list of matcher patterns; matches against the
// lowercased query accumulate a per-intent integer score, the
// highest-scoring intent wins, and ties are broken by a fixed priority
// order. LLMClassifier (llm.go) is an optional wrapper that asks an
// Anthropic model for a tag and falls back to Matcher whenever it can't
// answer in time, is disabled, or is under budget pressure — it is never
// authoritative on its own.
package classifier

import (
	"context"
	"strings"

	"github.com/tutormesh/control-plane/pkg/models"
)

const matcherVersion = "matcher-v1"

// confidenceFloor is the minimum winning confidence that may be returned
// as the primary intent. Below this, the classifier returns the review
// fallback at a fixed confidence instead (spec §4.3).
const confidenceFloor = 0.6

// fallbackConfidence is the fixed confidence attached to the review
// fallback tag.
const fallbackConfidence = 0.4

// maxExtractedKeywords bounds Classification.ExtractedKeywords.
const maxExtractedKeywords = 10

// priorityOrder breaks ties between intents with equal scores: earlier
// entries win. syntax_help > progress_check > exercise_request >
// concept_explanation, per spec §4.3.
var priorityOrder = []models.IntentTag{
	models.IntentSyntaxHelp,
	models.IntentProgressCheck,
	models.IntentExerciseRequest,
	models.IntentConceptExplanation,
}

// rule pairs an intent with the ordered matcher patterns that suggest it.
// Patterns are matched as substrings against a lowercased, punctuation-
// collapsed query; a query may trigger more than one pattern per intent,
// and each trigger adds one to that intent's score.
type rule struct {
	intent   models.IntentTag
	patterns []string
}

var rules = []rule{
	{
		intent: models.IntentSyntaxHelp,
		patterns: []string{
			"syntax error", "syntax", "compile", "compiler", "typo",
			"bracket", "parenthes", "indent", "semicolon",
			"doesn't run", "wont run", "won't run", "traceback",
			"stack trace", "exception", "error", "typeerror",
			"valueerror", "nameerror", "keyerror", "indexerror",
			"on line", "unexpected token", "undefined is not",
		},
	},
	{
		intent: models.IntentProgressCheck,
		patterns: []string{
			"how am i doing", "my progress", "progress going",
			"my score", "mastery", "am i ready", "how far along",
			"my grade", "performance", "how is my",
		},
	},
	{
		intent: models.IntentExerciseRequest,
		patterns: []string{
			"exercise", "practice problem", "practice", "problem",
			"give me a", "another one", "quiz me", "challenge", "drill",
		},
	},
	{
		intent: models.IntentConceptExplanation,
		patterns: []string{
			"can you explain", "explain", "what is", "what's",
			"understand", "concept", "how does", "why does",
			"difference between", "meaning of", "definition",
		},
	},
}

var priorityRank = func() map[models.IntentTag]int {
	m := make(map[models.IntentTag]int, len(priorityOrder))
	for i, tag := range priorityOrder {
		m[tag] = i
	}
	return m
}()

// Matcher is the deterministic keyword-rule classifier.
type Matcher struct{}

// NewMatcher constructs the deterministic classifier.
func NewMatcher() *Matcher { return &Matcher{} }

// Classify implements contracts.Classifier. It never returns an error —
// the worst case is a low-confidence IntentReviewFallback tag.
func (m *Matcher) Classify(_ context.Context, req *models.TriageRequest) (models.Classification, error) {
	q := normalize(req.Query)

	type scored struct {
		intent models.IntentTag
		score  int
		hits   []string
	}

	best := scored{intent: models.IntentReviewFallback, score: 0}
	var bestHits []string

	for _, r := range rules {
		var hits []string
		for _, p := range r.patterns {
			if strings.Contains(q, p) {
				hits = append(hits, p)
			}
		}
		score := len(hits)
		if score == 0 {
			continue
		}
		if score > best.score || (score == best.score && lessPriority(r.intent, best.intent)) {
			best = scored{intent: r.intent, score: score}
			bestHits = hits
		}
	}

	confidence := min1(float64(best.score) / 3.0)
	if confidence < confidenceFloor {
		return models.Classification{
			IntentTag:         models.IntentReviewFallback,
			Confidence:        fallbackConfidence,
			ExtractedKeywords: dedupCap(bestHits),
			ClassifierVersion: matcherVersion,
		}, nil
	}

	return models.Classification{
		IntentTag:         best.intent,
		Confidence:        confidence,
		ExtractedKeywords: dedupCap(bestHits),
		ClassifierVersion: matcherVersion,
	}, nil
}

// lessPriority reports whether candidate should win a tie against
// current, using the fixed priority order. An intent absent from the
// order (shouldn't happen) never outranks one present in it.
func lessPriority(candidate, current models.IntentTag) bool {
	cr, cok := priorityRank[candidate]
	ur, uok := priorityRank[current]
	if !cok {
		return false
	}
	if !uok {
		return true
	}
	return cr < ur
}

func min1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}

func dedupCap(hits []string) []string {
	seen := make(map[string]bool, len(hits))
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if seen[h] {
			continue
		}
		seen[h] = true
		if len(h) > 50 {
			h = h[:50]
		}
		out = append(out, h)
		if len(out) == maxExtractedKeywords {
			break
		}
	}
	return out
}

func normalize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
