package classifier_test

import (
	"context"
	"testing"
	"time"

	"github.com/tutormesh/control-plane/internal/classifier"
	"github.com/tutormesh/control-plane/internal/config"
	"github.com/tutormesh/control-plane/pkg/models"
)

func TestLLMClassifier_DisabledDelegatesToMatcher(t *testing.T) {
	c := classifier.NewLLMClassifier(config.ClassifierConfig{
		LLMEnabled: false,
	}, classifier.NewMatcher())

	got, err := c.Classify(context.Background(), request("syntax error on line 5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.IntentTag != models.IntentSyntaxHelp {
		t.Errorf("IntentTag = %q, want %q", got.IntentTag, models.IntentSyntaxHelp)
	}
}

func TestLLMClassifier_MissingAPIKeyDelegatesToMatcher(t *testing.T) {
	c := classifier.NewLLMClassifier(config.ClassifierConfig{
		LLMEnabled: true,
		LLMAPIKey:  "",
		LLMTimeout: time.Second,
	}, classifier.NewMatcher())

	got, err := c.Classify(context.Background(), request("can you explain recursion to me"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.IntentTag != models.IntentConceptExplanation {
		t.Errorf("IntentTag = %q, want %q", got.IntentTag, models.IntentConceptExplanation)
	}
}

func TestLLMClassifier_BudgetExhaustedDelegatesToMatcher(t *testing.T) {
	c := classifier.NewLLMClassifier(config.ClassifierConfig{
		LLMEnabled:       true,
		LLMAPIKey:        "test-key",
		LLMTimeout:       time.Second,
		DailyTokenBudget: 0,
	}, classifier.NewMatcher())

	got, err := c.Classify(context.Background(), request("give me a practice problem"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.IntentTag != models.IntentExerciseRequest {
		t.Errorf("IntentTag = %q, want %q", got.IntentTag, models.IntentExerciseRequest)
	}
}

func TestLLMClassifier_ResetBudget(t *testing.T) {
	c := classifier.NewLLMClassifier(config.ClassifierConfig{LLMEnabled: false}, classifier.NewMatcher())
	c.ResetBudget()
	if c.TokensUsedToday() != 0 {
		t.Errorf("TokensUsedToday() = %d, want 0", c.TokensUsedToday())
	}
}
