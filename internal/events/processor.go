// Package events implements the Mastery Engine's partitioned event
// consumer: it pulls ProgressSnapshot batches from the learning-events
// log, validates and deduplicates each event, applies it through the
// Mastery Aggregator, and commits the offset only after the event has
// either been applied or dead-lettered. The log is partitioned by
// student identity, so one worker sees all of a student's events in
// order and no two workers ever race on the same aggregate.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutormesh/control-plane/internal/mastery"
	"github.com/tutormesh/control-plane/internal/metrics"
	"github.com/tutormesh/control-plane/internal/store"
	"github.com/tutormesh/control-plane/internal/validation"
	"github.com/tutormesh/control-plane/pkg/models"
)

// processedTTL keeps event-level dedup markers alive as long as the
// topic's own retention, so a replayed partition can't re-apply.
const processedTTL = 7 * 24 * time.Hour

// maxApplyAttempts bounds retries of a failing apply before the event is
// declared poison and dead-lettered (spec §4.7).
const maxApplyAttempts = 3

// Processor holds the per-event pipeline: validate → dedup → apply →
// mark processed. It is driven by Consumer in production and directly by
// tests — it never touches Kafka itself.
type Processor struct {
	store   store.Store
	agg     *mastery.Aggregator
	dead    DeadLetterSink
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewProcessor wires the pipeline. metrics may be nil in tests.
func NewProcessor(s store.Store, agg *mastery.Aggregator, dead DeadLetterSink, m *metrics.Metrics) *Processor {
	return &Processor{store: s, agg: agg, dead: dead, metrics: m, now: time.Now}
}

// WithClock overrides the Processor's clock, for tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Process handles one raw event payload. A nil return means the offset
// may be committed: the event was applied, was a duplicate, or has been
// dead-lettered. A non-nil return means the event must be redelivered —
// only infrastructure failures (store down, dead-letter sink down)
// produce one.
func (p *Processor) Process(ctx context.Context, payload []byte) error {
	var snapshot models.ProgressSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return p.divert(ctx, payload, "validation_error", []string{"payload is not valid JSON: " + err.Error()}, 1)
	}

	if details := validation.Struct(&snapshot); details != nil {
		return p.divert(ctx, payload, "validation_error", details, 1)
	}
	if !validation.WithinSkew(snapshot.ServerTimestamp, p.now(), validation.EventSkewWindow) {
		return p.divert(ctx, payload, "validation_error",
			[]string{"server_timestamp: outside the permitted skew window"}, 1)
	}

	seen, err := p.store.WasProcessed(ctx, snapshot.IdempotencyKey)
	if err != nil {
		return err
	}
	if seen {
		log.Debug().
			Str("idempotency_key", snapshot.IdempotencyKey).
			Str("student_identity", snapshot.StudentIdentity).
			Msg("duplicate event acknowledged without side effects")
		p.count("duplicate")
		return nil
	}

	eventDate := snapshot.ServerTimestamp.UTC().Format("2006-01-02")

	var applyErr error
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		if _, applyErr = p.agg.Apply(ctx, &snapshot, eventDate); applyErr == nil {
			break
		}
		log.Warn().Err(applyErr).
			Int("attempt", attempt).
			Str("idempotency_key", snapshot.IdempotencyKey).
			Msg("event apply failed")
	}
	if applyErr != nil {
		return p.divert(ctx, payload, "processing_error",
			[]string{applyErr.Error()}, maxApplyAttempts)
	}

	if err := p.store.MarkProcessed(ctx, snapshot.IdempotencyKey, processedTTL); err != nil {
		// The aggregate write landed; failing to mark only risks one
		// redundant re-apply on redelivery, which the next dedup pass or
		// the CAS version discipline absorbs. Redeliver rather than lose
		// the marker silently.
		return err
	}

	p.count("applied")
	return nil
}

// divert routes a rejected event to the dead-letter sink. The consumer
// advances past it only if the sink accepted it.
func (p *Processor) divert(ctx context.Context, payload []byte, kind string, details []string, attempts int) error {
	err := p.dead.Divert(ctx, models.DeadLetterEnvelope{
		OriginalPayload:       payload,
		ErrorKind:             kind,
		ErrorDetails:          details,
		FirstFailureTimestamp: p.now().UTC(),
		Attempts:              attempts,
	})
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.DeadLetters.Inc()
	}
	p.count("dead_lettered")
	return nil
}

func (p *Processor) count(result string) {
	if p.metrics != nil {
		p.metrics.EventsProcessed.WithLabelValues(result).Inc()
	}
}
