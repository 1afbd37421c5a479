package events

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/tutormesh/control-plane/internal/config"
	"github.com/tutormesh/control-plane/internal/metrics"
)

// Consumer runs a pool of workers over the learning-events topic. Each
// worker owns its own group reader, and the group balancer assigns every
// partition to exactly one reader — so all events for one student (one
// partition) are applied serially, while distinct partitions progress in
// parallel. Commit-after-apply gives at-least-once delivery; the
// Processor's dedup pass turns that into exactly-once effects.
type Consumer struct {
	cfg       config.EventLogConfig
	processor *Processor
	metrics   *metrics.Metrics
	workers   int
}

// NewConsumer builds the worker pool. workers below 1 is clamped to 1.
func NewConsumer(cfg config.EventLogConfig, processor *Processor, m *metrics.Metrics, workers int) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{cfg: cfg, processor: processor, metrics: m, workers: workers}
}

// Run consumes until ctx is canceled. It returns the first worker error
// that is not a cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		worker := i
		g.Go(func() error { return c.runWorker(ctx, worker) })
	}
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (c *Consumer) runWorker(ctx context.Context, worker int) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.cfg.Brokers,
		GroupID:        c.cfg.ConsumerGroup,
		Topic:          c.cfg.EventsTopic,
		MinBytes:       c.cfg.MinBytes,
		MaxBytes:       c.cfg.MaxBytes,
		CommitInterval: 0, // synchronous commits: the offset discipline is the backpressure
		MaxWait:        500 * time.Millisecond,
	})
	defer reader.Close()

	log.Info().Int("worker", worker).Str("topic", c.cfg.EventsTopic).Msg("event consumer worker started")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		// Hold the offset on infrastructure failure: don't commit, back off,
		// and process the same message again until it is applied.
		for {
			err := c.processor.Process(ctx, msg.Value)
			if err == nil {
				break
			}
			log.Warn().Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("event processing hit an infrastructure failure, holding offset")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Int("partition", msg.Partition).Msg("offset commit failed")
		}

		if c.metrics != nil {
			c.metrics.ConsumerLag.
				WithLabelValues(strconv.Itoa(msg.Partition)).
				Set(float64(reader.Lag()))
		}
	}
}
