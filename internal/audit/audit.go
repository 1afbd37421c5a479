// Package audit implements the Audit Emitter: a non-blocking publisher
// that takes a completed TriageAudit off the request path and writes it
// to the `learning.audits` topic in the background. Adapted from the
// teacher's notify.Service — same "send with retries, never let a
// downstream failure touch the caller" posture — but collapsed from a
// fan-out-to-many-channels dispatcher down to one queue feeding one topic,
// since there is exactly one audit destination here, not N notification
// channels.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/tutormesh/control-plane/internal/config"
	"github.com/tutormesh/control-plane/pkg/models"
)

const queueCapacity = 4096

// Emitter implements contracts.AuditSink. Emit enqueues and returns
// immediately; a background goroutine drains the queue to Kafka. When the
// queue is full or every publish attempt fails, audits spill to a local
// JSONL file instead of being dropped — the Mastery Engine's downstream
// consumers need a durable audit trail, not a best-effort one.
type Emitter struct {
	writer   *kafka.Writer
	queue    chan models.TriageAudit
	spillDir string
	onSpill  func()

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// NewEmitter starts the background publish loop. spillDir is created if
// missing; audits that can't reach Kafka after retries are appended there.
func NewEmitter(cfg config.EventLogConfig, spillDir string) (*Emitter, error) {
	if err := os.MkdirAll(spillDir, 0o755); err != nil {
		return nil, err
	}

	e := &Emitter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.AuditsTopic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		queue:    make(chan models.TriageAudit, queueCapacity),
		spillDir: spillDir,
		closed:   make(chan struct{}),
	}

	e.wg.Add(1)
	go e.run()

	return e, nil
}

// OnSpill registers a callback invoked every time an audit misses the
// queue or the broker and lands on disk instead — the drop counter in
// the metrics registry. Call before the emitter sees traffic.
func (e *Emitter) OnSpill(fn func()) {
	e.onSpill = fn
}

// Emit implements contracts.AuditSink.
func (e *Emitter) Emit(audit models.TriageAudit) {
	select {
	case e.queue <- audit:
	default:
		log.Warn().Str("request_id", audit.RequestID).Msg("audit queue full, spilling to disk")
		e.spill(audit)
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for {
		select {
		case a := <-e.queue:
			e.publish(a)
		case <-e.closed:
			// drain whatever is left before exiting
			for {
				select {
				case a := <-e.queue:
					e.publish(a)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) publish(audit models.TriageAudit) {
	body, err := json.Marshal(audit)
	if err != nil {
		log.Error().Err(err).Str("request_id", audit.RequestID).Msg("failed to encode audit")
		return
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := e.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(audit.StudentIdentity),
			Value: body,
			Time:  audit.EmitTimestamp,
		})
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}

	log.Warn().Err(lastErr).Str("request_id", audit.RequestID).Msg("audit publish failed after retries, spilling to disk")
	e.spill(audit)
}

func (e *Emitter) spill(audit models.TriageAudit) {
	if e.onSpill != nil {
		e.onSpill()
	}

	body, err := json.Marshal(audit)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode audit for disk spill")
		return
	}

	path := filepath.Join(e.spillDir, time.Now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to open audit spill file")
		return
	}
	defer f.Close()

	if _, err := f.Write(append(body, '\n')); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write audit spill entry")
	}
}

// Close stops the publish loop after draining the queue and closes the
// underlying Kafka writer.
func (e *Emitter) Close() error {
	e.once.Do(func() { close(e.closed) })
	e.wg.Wait()
	return e.writer.Close()
}
