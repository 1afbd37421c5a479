// Package models defines the wire and storage shapes shared across the
// tutormesh control plane: the triage request/decision/audit chain and
// the mastery aggregate chain. Nothing in this package talks to a
// store, a sidecar, or an event log — it is pure data.
package models

import "time"

// ── Identity ─────────────────────────────────────────────────

// Role is the claim the gateway attaches to an authenticated request.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// ── Intent ───────────────────────────────────────────────────

// IntentTag is one of the four routable intents, or the fallback.
type IntentTag string

const (
	IntentSyntaxHelp         IntentTag = "syntax_help"
	IntentConceptExplanation IntentTag = "concept_explanation"
	IntentExerciseRequest    IntentTag = "exercise_request"
	IntentProgressCheck      IntentTag = "progress_check"
	IntentReviewFallback     IntentTag = "review"
)

// AgentID names one of the five downstream tutor agents.
type AgentID string

const (
	AgentDebug    AgentID = "debug"
	AgentConcepts AgentID = "concepts"
	AgentExercise AgentID = "exercise"
	AgentProgress AgentID = "progress"
	AgentReview   AgentID = "review"
)

// ── Conversation context ────────────────────────────────────

type ConversationContext struct {
	ConversationID string    `json:"conversation_id,omitempty" validate:"omitempty,max=128"`
	TurnIndex      int       `json:"turn_index,omitempty" validate:"gte=0"`
	PreviousIntent IntentTag `json:"previous_intent_tag,omitempty"`
}

// TriageRequest is the inbound request body for POST /api/v1/triage.
// Never persisted directly — it is validated, classified, and routed
// within the lifetime of a single request.
type TriageRequest struct {
	Query           string               `json:"query" validate:"required,min=1,max=5000"`
	StudentIdentity string               `json:"student_identity" validate:"required,studentid"`
	Progress        *ProgressSnapshot    `json:"progress_snapshot,omitempty"`
	Conversation    *ConversationContext `json:"conversation,omitempty"`
	ClientTimestamp time.Time            `json:"client_timestamp" validate:"required"`
}

// AgentSource names which tutor agent produced a ProgressSnapshot.
type AgentSource string

const (
	SourceConcepts AgentSource = "concepts"
	SourceReview   AgentSource = "review"
	SourceDebug    AgentSource = "debug"
	SourceExercise AgentSource = "exercise"
	SourceProgress AgentSource = "progress"
)

// ProgressSnapshot is the canonical learning-progress event shape,
// published to the `learning.events` topic and consumed by the
// Mastery Engine. Any of the four score pointers may be nil — a
// nil component is not updated by the aggregator.
type ProgressSnapshot struct {
	StudentIdentity    string      `json:"student_identity" validate:"required,studentid"`
	ExerciseIdentifier string      `json:"exercise_identifier" validate:"required,exerciseid"`
	CompletionScore    *float64    `json:"completion_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	QuizScore          *float64    `json:"quiz_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	QualityScore       *float64    `json:"quality_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	ConsistencyScore   *float64    `json:"consistency_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	ServerTimestamp    time.Time   `json:"server_timestamp" validate:"required"`
	AgentSource        AgentSource `json:"agent_source" validate:"required,oneof=concepts review debug exercise progress"`
	IdempotencyKey     string      `json:"idempotency_key" validate:"required,len=32,hexadecimal"`
}

// ── Classification ───────────────────────────────────────────

// Classification is the ephemeral output of the Intent Classifier.
type Classification struct {
	IntentTag         IntentTag `json:"intent_tag"`
	Confidence        float64   `json:"confidence"`
	ExtractedKeywords []string  `json:"extracted_keywords"`
	ClassifierVersion string    `json:"classifier_version"`
}

// ── Routing ──────────────────────────────────────────────────

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type DecisionMetadata struct {
	Priority     Priority     `json:"priority"`
	RetryCount   int          `json:"retry_count"`
	BreakerState BreakerState `json:"breaker_state"`
}

// RoutingDecision records which agent a request was dispatched to and why.
type RoutingDecision struct {
	TargetAgentID     AgentID          `json:"target_agent_id"`
	IntentTag         IntentTag        `json:"intent_tag"`
	Confidence        float64          `json:"confidence"`
	StudentIdentity   string           `json:"student_identity"`
	DecisionMetadata  DecisionMetadata `json:"decision_metadata"`
	DecisionTimestamp time.Time        `json:"decision_timestamp"`
}

// ── Audit ────────────────────────────────────────────────────

type ValidationResult struct {
	SchemaOK bool     `json:"schema_ok"`
	AuthOK   bool     `json:"auth_ok"`
	Errors   []string `json:"errors,omitempty"`
}

type InvocationResult struct {
	Success        bool    `json:"success"`
	Attempts       int     `json:"attempts"`
	BreakerTripped bool    `json:"breaker_tripped"`
	ErrorMessage   *string `json:"error_message,omitempty"`

	// ResponseBody is the agent's raw response, excluded from the audit
	// wire shape — the audit retains decision metadata, not payloads.
	ResponseBody []byte `json:"-"`
}

// TriageAudit is the one-per-decision record published to `learning.audits`.
type TriageAudit struct {
	RequestID        string           `json:"request_id"`
	StudentIdentity  string           `json:"student_identity"`
	OriginalQuery    string           `json:"original_query"`
	Classification   Classification   `json:"classification"`
	Decision         RoutingDecision  `json:"decision"`
	ValidationResult ValidationResult `json:"validation_result"`
	InvocationResult InvocationResult `json:"invocation_result"`
	ProcessingTimeMs int64            `json:"processing_time_millis"`
	EmitTimestamp    time.Time        `json:"emit_timestamp"`
}

// ── Mastery ──────────────────────────────────────────────────

// ComponentName is one of the four mastery dimensions.
type ComponentName string

const (
	ComponentCompletion  ComponentName = "completion"
	ComponentQuiz        ComponentName = "quiz"
	ComponentQuality     ComponentName = "quality"
	ComponentConsistency ComponentName = "consistency"
)

// ComponentWeights are the fixed weights in the final-score formula.
var ComponentWeights = map[ComponentName]float64{
	ComponentCompletion:  0.40,
	ComponentQuiz:        0.30,
	ComponentQuality:     0.20,
	ComponentConsistency: 0.10,
}

// MasteryComponentRecord is the per (student, date, component) mean.
type MasteryComponentRecord struct {
	Value       float64   `json:"value"`
	SampleCount int       `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// MasteryAggregate is the per (student, date) aggregate of all four
// components plus the derived final score. Owned exclusively by the
// Mastery Engine's Event Consumer.
type MasteryAggregate struct {
	StudentIdentity string                                    `json:"student_identity"`
	Date            string                                    `json:"date"` // YYYY-MM-DD
	Components      map[ComponentName]MasteryComponentRecord   `json:"components"`
	FinalScore      float64                                   `json:"final_score"`
	CalculatedAt    time.Time                                 `json:"calculated_at"`
	Version         int64                                     `json:"version"`
}

// ── Idempotency ──────────────────────────────────────────────

// IdempotencyRecord guards a (student, request_key) pair for 24h.
type IdempotencyRecord struct {
	ProcessedAt   time.Time `json:"processed_at"`
	ResultSummary []byte    `json:"result_summary"`
}

// ── Prediction ───────────────────────────────────────────────

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// PredictionCacheEntry is the Predictor's per-student output, cached 1h.
type PredictionCacheEntry struct {
	PredictedScore   float64   `json:"predicted_score"`
	Confidence       float64   `json:"confidence"`
	Trend            Trend     `json:"trend"`
	InterventionFlag bool      `json:"intervention_flag"`
	HorizonDays      int       `json:"horizon_days"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// ── Recommendation ───────────────────────────────────────────

type RecommendedAction string

const (
	ActionPractice RecommendedAction = "practice"
	ActionReview   RecommendedAction = "review"
	ActionRefactor RecommendedAction = "refactor"
	ActionSchedule RecommendedAction = "schedule"
)

type RecommendationItem struct {
	Action           RecommendedAction `json:"action"`
	TargetArea       ComponentName     `json:"target_area"`
	Priority         Priority          `json:"priority"`
	EstimatedMinutes int               `json:"estimated_minutes"`
	ResourceRefs     []string          `json:"resource_refs,omitempty"`
}

// RecommendationSet is the Recommender's ranked output for a student.
type RecommendationSet struct {
	StudentIdentity string               `json:"student_identity"`
	Items           []RecommendationItem `json:"items"`
	GeneratedAt     time.Time            `json:"generated_at"`
}

// ── Dead letters ─────────────────────────────────────────────

// DeadLetterEnvelope is the schema published to `learning.deadletter`.
type DeadLetterEnvelope struct {
	OriginalPayload       []byte    `json:"original_payload"`
	ErrorKind             string    `json:"error_kind"`
	ErrorDetails          []string  `json:"error_details"`
	FirstFailureTimestamp time.Time `json:"first_failure_timestamp"`
	Attempts              int       `json:"attempts"`
}

// ── History / granularity ────────────────────────────────────

type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityWeekly  Granularity = "weekly"
	GranularityMonthly Granularity = "monthly"
)

// MasteryHistoryPoint is one bucket of an aggregated history series.
type MasteryHistoryPoint struct {
	PeriodStart string  `json:"period_start"`
	FinalScore  float64 `json:"final_score"`
	SampleDays  int     `json:"sample_days"`
}
