package classifier

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/tutormesh/control-plane/internal/config"
	"github.com/tutormesh/control-plane/pkg/models"
)

const llmVersion = "anthropic-fallback-v1"

const classifierSystemPrompt = `You classify a student's tutoring question into exactly one intent.
Respond with a single compact JSON object: {"intent": "<tag>", "confidence": <0-1>, "keywords": ["..."]}.
Valid tags: syntax_help, concept_explanation, exercise_request, progress_check, review.
Use "review" only when none of the other four clearly fit.`

// LLMClassifier asks an Anthropic model to tag intent, falling back to a
// deterministic Matcher whenever the model is disabled, out of budget,
// slow, errors, or returns a confidence below the configured floor. It
// never returns a worse answer than Matcher would have on its own.
type LLMClassifier struct {
	client     anthropic.Client
	fallback   *Matcher
	cfg        config.ClassifierConfig
	tokensUsed int64 // atomic, zeroed by ResetBudget (main calls it every 24h)
}

// NewLLMClassifier builds the fallback-wrapped classifier. If cfg.LLMEnabled
// is false, Classify always delegates straight to fallback without ever
// touching the network.
func NewLLMClassifier(cfg config.ClassifierConfig, fallback *Matcher) *LLMClassifier {
	return &LLMClassifier{
		client:   anthropic.NewClient(option.WithAPIKey(cfg.LLMAPIKey)),
		fallback: fallback,
		cfg:      cfg,
	}
}

// Classify implements contracts.Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, req *models.TriageRequest) (models.Classification, error) {
	if !c.cfg.LLMEnabled || c.cfg.LLMAPIKey == "" {
		return c.fallback.Classify(ctx, req)
	}
	if atomic.LoadInt64(&c.tokensUsed) >= int64(c.cfg.DailyTokenBudget) {
		log.Debug().Str("student_identity", req.StudentIdentity).Msg("llm classifier daily token budget exhausted, using matcher")
		return c.fallback.Classify(ctx, req)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout)
	defer cancel()

	result, used, err := c.ask(ctx, req.Query)
	atomic.AddInt64(&c.tokensUsed, int64(used))
	if err != nil {
		log.Debug().Err(err).Msg("llm classifier call failed, falling back to matcher")
		return c.fallback.Classify(context.Background(), req)
	}
	if result.Confidence < c.cfg.ConfidenceFloor {
		return c.fallback.Classify(context.Background(), req)
	}
	return result, nil
}

type llmIntentResponse struct {
	Intent     string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"keywords"`
}

func (c *LLMClassifier) ask(ctx context.Context, query string) (models.Classification, int, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.LLMModel),
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: classifierSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(query)),
		},
	})
	if err != nil {
		return models.Classification{}, 0, err
	}

	tokensUsed := int(message.Usage.InputTokens + message.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range message.Content {
		text.WriteString(block.Text)
	}

	var parsed llmIntentResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(text.String())), &parsed); err != nil {
		return models.Classification{}, tokensUsed, err
	}

	tag := models.IntentTag(parsed.Intent)
	if !validTag(tag) {
		tag = models.IntentReviewFallback
	}

	return models.Classification{
		IntentTag:         tag,
		Confidence:        parsed.Confidence,
		ExtractedKeywords: parsed.Keywords,
		ClassifierVersion: llmVersion,
	}, tokensUsed, nil
}

func validTag(tag models.IntentTag) bool {
	switch tag {
	case models.IntentSyntaxHelp, models.IntentConceptExplanation,
		models.IntentExerciseRequest, models.IntentProgressCheck, models.IntentReviewFallback:
		return true
	default:
		return false
	}
}

// ResetBudget zeroes the daily token counter. Callers schedule this once
// every 24h; it is not self-scheduling so tests can drive it directly.
func (c *LLMClassifier) ResetBudget() {
	atomic.StoreInt64(&c.tokensUsed, 0)
}

// TokensUsedToday reports the running daily token count, for metrics.
func (c *LLMClassifier) TokensUsedToday() int64 {
	return atomic.LoadInt64(&c.tokensUsed)
}
