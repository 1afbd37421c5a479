// Package triage binds the request-routing control plane together:
// identity, validation, classification, the intent→agent table, sidecar
// invocation, and audit emission, in that order. The Service itself is
// stateless across requests — every per-request fact lives on the stack
// or in the request context, and shared state (breakers, rate-limit
// buckets, the idempotency store) is owned by the dependencies it holds
// by reference.
package triage

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutormesh/control-plane/internal/breaker"
	"github.com/tutormesh/control-plane/internal/metrics"
	"github.com/tutormesh/control-plane/internal/ratelimit"
	"github.com/tutormesh/control-plane/internal/store"
	"github.com/tutormesh/control-plane/internal/validation"
	"github.com/tutormesh/control-plane/pkg/apierr"
	"github.com/tutormesh/control-plane/pkg/contracts"
	pkgmw "github.com/tutormesh/control-plane/pkg/middleware"
	"github.com/tutormesh/control-plane/pkg/models"
)

// idempotencyTTL is how long a replayed Idempotency-Key returns the
// cached response byte-for-byte instead of re-invoking downstream.
const idempotencyTTL = 24 * time.Hour

var idemKeyPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// intentTargets is the fixed intent→agent table (spec §4.5). The review
// agent doubles as the low-confidence fallback destination.
var intentTargets = map[models.IntentTag]models.AgentID{
	models.IntentSyntaxHelp:         models.AgentDebug,
	models.IntentConceptExplanation: models.AgentConcepts,
	models.IntentExerciseRequest:    models.AgentExercise,
	models.IntentProgressCheck:      models.AgentProgress,
	models.IntentReviewFallback:     models.AgentReview,
}

// TargetResolver maps an agent id onto its invocation target. Implemented
// by invocation.Registry; tests substitute fakes.
type TargetResolver interface {
	Resolve(agentID models.AgentID) contracts.InvocationTarget
}

// Response is the 200 body for POST /api/v1/triage.
type Response struct {
	TargetAgentID models.AgentID  `json:"target_agent_id"`
	IntentTag     models.IntentTag `json:"intent_tag"`
	Confidence    float64         `json:"confidence"`
	AgentResponse json.RawMessage `json:"agent_response"`
	RequestID     string          `json:"request_id"`
}

// UpstreamError decorates a terminal invocation failure with the breaker
// state the 502 response body must carry.
type UpstreamError struct {
	Err          *apierr.Error
	BreakerState models.BreakerState
	Fallback     string
}

func (e *UpstreamError) Error() string { return e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Service is the Triage Router. All dependencies are injected at the
// composition root; none are package-level.
type Service struct {
	classifier contracts.Classifier
	targets    TargetResolver
	audit      contracts.AuditSink
	limiter    *ratelimit.Limiter
	breakers   *breaker.Manager
	idem       store.IdempotencyStore
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New wires a Service. metrics may be nil in tests.
func New(
	classifier contracts.Classifier,
	targets TargetResolver,
	audit contracts.AuditSink,
	limiter *ratelimit.Limiter,
	breakers *breaker.Manager,
	idem store.IdempotencyStore,
	m *metrics.Metrics,
) *Service {
	return &Service{
		classifier: classifier,
		targets:    targets,
		audit:      audit,
		limiter:    limiter,
		breakers:   breakers,
		idem:       idem,
		metrics:    m,
		now:        time.Now,
	}
}

// WithClock overrides the Service's clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Handle runs the full triage sequence for one request and returns the
// marshaled 200 response body. Returning bytes rather than a struct is
// what makes the idempotency guarantee byte-for-byte: a replayed key gets
// the exact body the first call produced, not a re-serialization.
func (s *Service) Handle(ctx context.Context, req *models.TriageRequest, idemKey string) ([]byte, error) {
	start := s.now()
	requestID := pkgmw.GetRequestID(ctx)

	id := pkgmw.GetIdentity(ctx)
	if id == nil {
		s.count("", "unauthenticated")
		return nil, apierr.Authentication("no authenticated identity on request").WithCorrelationID(requestID)
	}
	// A student may only triage on their own behalf; teacher/admin tooling
	// may submit for any student.
	if id.Role == string(models.RoleStudent) && id.StudentIdentity != req.StudentIdentity {
		s.count("", "forbidden")
		return nil, apierr.Authorization("student identity does not match the authenticated caller").WithCorrelationID(requestID)
	}

	if !s.limiter.Allow(req.StudentIdentity) {
		s.count("", "rate_limited")
		return nil, apierr.RateLimit("request rate exceeded for this student; retry after the current window").WithCorrelationID(requestID)
	}

	if idemKey != "" {
		if !idemKeyPattern.MatchString(idemKey) {
			s.count("", "validation_error")
			return nil, apierr.Validation("Idempotency-Key must be 32 lowercase hex characters").WithCorrelationID(requestID)
		}
		if rec, ok, err := s.idem.Get(ctx, req.StudentIdentity, idemKey); err == nil && ok {
			log.Debug().Str("request_id", requestID).Str("idempotency_key", idemKey).Msg("triage replay served from idempotency store")
			s.count("", "idempotent_replay")
			return rec.ResultSummary, nil
		}
	}

	if details := s.validate(req); details != nil {
		s.emitAudit(requestID, req, models.Classification{}, models.RoutingDecision{},
			models.ValidationResult{SchemaOK: false, AuthOK: true, Errors: details},
			models.InvocationResult{}, start)
		s.count("", "validation_error")
		return nil, apierr.Validation("triage request failed validation").
			WithDetails(details...).WithCorrelationID(requestID)
	}

	classification, err := s.classifier.Classify(ctx, req)
	if err != nil {
		// The deterministic matcher never errors; an error here means a
		// misbehaving custom classifier, which must not take triage down.
		log.Warn().Err(err).Str("request_id", requestID).Msg("classifier failed, using review fallback")
		classification = models.Classification{
			IntentTag:         models.IntentReviewFallback,
			Confidence:        0.4,
			ClassifierVersion: "fallback",
		}
	}

	agentID := intentTargets[classification.IntentTag]
	target := s.targets.Resolve(agentID)
	if target == nil {
		s.count(string(classification.IntentTag), "internal_error")
		return nil, apierr.Newf(apierr.KindInternal, "no invocation target configured for agent %q", agentID).
			WithCorrelationID(requestID)
	}

	invResult, invErr := target.Invoke(ctx, req, classification)
	breakerState := s.breakers.State(string(agentID))

	decision := models.RoutingDecision{
		TargetAgentID:   agentID,
		IntentTag:       classification.IntentTag,
		Confidence:      classification.Confidence,
		StudentIdentity: req.StudentIdentity,
		DecisionMetadata: models.DecisionMetadata{
			Priority:     priorityFor(classification.Confidence),
			RetryCount:   retryCount(invResult.Attempts),
			BreakerState: breakerState,
		},
		DecisionTimestamp: s.now().UTC(),
	}

	s.emitAudit(requestID, req, classification, decision,
		models.ValidationResult{SchemaOK: true, AuthOK: true},
		invResult, start)

	if invErr != nil {
		outcome := "upstream_unavailable"
		if invResult.BreakerTripped {
			outcome = "breaker_open"
		}
		s.count(string(classification.IntentTag), outcome)
		s.observe(outcome, start)

		ae, ok := apierr.As(invErr)
		if !ok {
			ae = apierr.Internal(invErr, "invocation failed")
		}
		return nil, &UpstreamError{
			Err:          ae.WithCorrelationID(requestID),
			BreakerState: breakerState,
			Fallback:     "none",
		}
	}

	body, err := json.Marshal(Response{
		TargetAgentID: agentID,
		IntentTag:     classification.IntentTag,
		Confidence:    classification.Confidence,
		AgentResponse: agentResponse(invResult.ResponseBody),
		RequestID:     requestID,
	})
	if err != nil {
		return nil, apierr.Internal(err, "failed to encode triage response").WithCorrelationID(requestID)
	}

	if idemKey != "" {
		if err := s.idem.Put(ctx, req.StudentIdentity, idemKey, models.IdempotencyRecord{
			ProcessedAt:   s.now().UTC(),
			ResultSummary: body,
		}, idempotencyTTL); err != nil {
			// A failed idempotency write degrades replay protection, not
			// the response already produced.
			log.Warn().Err(err).Str("request_id", requestID).Msg("failed to persist idempotency record")
		}
	}

	s.count(string(classification.IntentTag), "success")
	s.observe("success", start)
	return body, nil
}

func (s *Service) validate(req *models.TriageRequest) []string {
	details := validation.Struct(req)
	if !validation.WithinSkew(req.ClientTimestamp, s.now(), validation.IngressSkewWindow) {
		details = append(details, "client_timestamp: outside the permitted skew window")
	}
	return details
}

func (s *Service) emitAudit(
	requestID string,
	req *models.TriageRequest,
	classification models.Classification,
	decision models.RoutingDecision,
	vr models.ValidationResult,
	ir models.InvocationResult,
	start time.Time,
) {
	s.audit.Emit(models.TriageAudit{
		RequestID:        requestID,
		StudentIdentity:  req.StudentIdentity,
		OriginalQuery:    req.Query,
		Classification:   classification,
		Decision:         decision,
		ValidationResult: vr,
		InvocationResult: ir,
		ProcessingTimeMs: s.now().Sub(start).Milliseconds(),
		EmitTimestamp:    s.now().UTC(),
	})
}

func (s *Service) count(intent, outcome string) {
	if s.metrics == nil {
		return
	}
	if intent == "" {
		intent = "none"
	}
	s.metrics.TriageRequests.WithLabelValues(intent, outcome).Inc()
}

func (s *Service) observe(outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.TriageLatency.WithLabelValues(outcome).Observe(s.now().Sub(start).Seconds())
}

// retryCount converts an attempt total into retries. A breaker-open
// rejection makes zero attempts, which is still zero retries.
func retryCount(attempts int) int {
	if attempts <= 1 {
		return 0
	}
	return attempts - 1
}

// priorityFor buckets classification confidence into the decision
// priority: a confident classification is dispatched as high priority, a
// borderline one as medium, the review fallback as low.
func priorityFor(confidence float64) models.Priority {
	switch {
	case confidence >= 0.8:
		return models.PriorityHigh
	case confidence >= 0.6:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// agentResponse guards the raw sidecar body so the response is always
// valid JSON: a non-JSON body is wrapped as a JSON string.
func agentResponse(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return json.RawMessage(quoted)
}
