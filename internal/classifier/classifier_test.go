package classifier_test

import (
	"context"
	"testing"
	"time"

	"github.com/tutormesh/control-plane/internal/classifier"
	"github.com/tutormesh/control-plane/pkg/models"
)

func request(query string) *models.TriageRequest {
	return &models.TriageRequest{
		Query:           query,
		StudentIdentity: "stu-a1b2c3d4",
		ClientTimestamp: time.Now(),
	}
}

func TestMatcher_SyntaxHelp(t *testing.T) {
	m := classifier.NewMatcher()
	got, err := m.Classify(context.Background(), request("I keep getting a syntax error on this line, what's wrong"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.IntentTag != models.IntentSyntaxHelp {
		t.Errorf("IntentTag = %q, want %q", got.IntentTag, models.IntentSyntaxHelp)
	}
	if got.Confidence <= 0.5 {
		t.Errorf("Confidence = %v, want > 0.5", got.Confidence)
	}
}

func TestMatcher_ConceptExplanation(t *testing.T) {
	m := classifier.NewMatcher()
	got, _ := m.Classify(context.Background(), request("Can you explain what a closure is in this language?"))
	if got.IntentTag != models.IntentConceptExplanation {
		t.Errorf("IntentTag = %q, want %q", got.IntentTag, models.IntentConceptExplanation)
	}
}

func TestMatcher_ExerciseRequest(t *testing.T) {
	m := classifier.NewMatcher()
	got, _ := m.Classify(context.Background(), request("Can you give me a practice problem on loops?"))
	if got.IntentTag != models.IntentExerciseRequest {
		t.Errorf("IntentTag = %q, want %q", got.IntentTag, models.IntentExerciseRequest)
	}
}

func TestMatcher_ProgressCheck(t *testing.T) {
	m := classifier.NewMatcher()
	got, _ := m.Classify(context.Background(), request("How is my progress going so far this week?"))
	if got.IntentTag != models.IntentProgressCheck {
		t.Errorf("IntentTag = %q, want %q", got.IntentTag, models.IntentProgressCheck)
	}
}

func TestMatcher_NoKeywordsFallsBackToReview(t *testing.T) {
	m := classifier.NewMatcher()
	got, _ := m.Classify(context.Background(), request("zzz qqq flibbertigibbet"))
	if got.IntentTag != models.IntentReviewFallback {
		t.Errorf("IntentTag = %q, want %q", got.IntentTag, models.IntentReviewFallback)
	}
	if got.Confidence >= 0.5 {
		t.Errorf("Confidence = %v, want low confidence fallback", got.Confidence)
	}
}

func TestMatcher_IsCaseInsensitive(t *testing.T) {
	m := classifier.NewMatcher()
	got, _ := m.Classify(context.Background(), request("SYNTAX ERROR please help"))
	if got.IntentTag != models.IntentSyntaxHelp {
		t.Errorf("IntentTag = %q, want %q", got.IntentTag, models.IntentSyntaxHelp)
	}
}
