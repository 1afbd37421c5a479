// tutormesh control plane — the triage router and mastery engine.
//
// This binary wires the two subsystems together:
//   - Triage Router: classify an authenticated student query and
//     dispatch it to the right downstream tutor agent, with breakers,
//     retries, and audit emission.
//   - Mastery Engine: consume learning-progress events, maintain
//     per-student mastery aggregates, and answer queries, predictions,
//     and recommendations.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 dependency
// probes failed at startup beyond the grace period.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tutormesh/control-plane/internal/api"
	"github.com/tutormesh/control-plane/internal/api/handlers"
	"github.com/tutormesh/control-plane/internal/audit"
	"github.com/tutormesh/control-plane/internal/breaker"
	"github.com/tutormesh/control-plane/internal/classifier"
	"github.com/tutormesh/control-plane/internal/config"
	"github.com/tutormesh/control-plane/internal/events"
	"github.com/tutormesh/control-plane/internal/health"
	"github.com/tutormesh/control-plane/internal/invocation"
	"github.com/tutormesh/control-plane/internal/mastery"
	"github.com/tutormesh/control-plane/internal/metrics"
	"github.com/tutormesh/control-plane/internal/predictor"
	"github.com/tutormesh/control-plane/internal/query"
	"github.com/tutormesh/control-plane/internal/ratelimit"
	"github.com/tutormesh/control-plane/internal/store"
	"github.com/tutormesh/control-plane/internal/telemetry"
	"github.com/tutormesh/control-plane/internal/triage"
	"github.com/tutormesh/control-plane/pkg/contracts"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if level, err := zerolog.ParseLevel(os.Getenv("TUTORMESH_LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("configuration invalid")
		os.Exit(1)
	}

	log.Info().Str("version", cfg.Version).Msg("tutormesh control plane starting")

	shutdownTracing, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize tracing")
		os.Exit(1)
	}

	// ── State store ──────────────────────────────────────────
	var backend store.Store
	switch cfg.Store.Backend {
	case "redis":
		backend = store.NewRedisStore(store.RedisStoreConfig{
			Addr: cfg.Store.RedisAddr,
			DB:   cfg.Store.RedisDB,
		})
	default:
		backend = store.NewMemoryStore()
	}
	cachingStore := store.NewCachingStore(backend)
	defer cachingStore.Close()

	// ── Shared instruments and resilience primitives ─────────
	m := metrics.New()
	breakers := breaker.NewManager(cfg.Sidecar, m.SetBreakerState)

	// ── Triage chain ─────────────────────────────────────────
	emitter, err := audit.NewEmitter(cfg.EventLog, cfg.AuditSpillDir)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize audit emitter")
		os.Exit(1)
	}
	emitter.OnSpill(m.AuditDrops.Inc)
	defer emitter.Close()

	var clf contracts.Classifier = classifier.NewMatcher()
	var llmClf *classifier.LLMClassifier
	if cfg.Classifier.LLMEnabled {
		llmClf = classifier.NewLLMClassifier(cfg.Classifier, classifier.NewMatcher())
		clf = llmClf
	}

	limiter := ratelimit.New(cfg.RateLimit)
	triageSvc := triage.New(
		clf,
		invocation.NewRegistry(cfg.Sidecar, breakers),
		emitter,
		limiter,
		breakers,
		cachingStore,
		m,
	)

	// ── Mastery chain ────────────────────────────────────────
	aggregator := mastery.New(cachingStore)
	deadLetters := events.NewKafkaDeadLetterSink(cfg.EventLog)
	defer deadLetters.Close()
	consumer := events.NewConsumer(
		cfg.EventLog,
		events.NewProcessor(cachingStore, aggregator, deadLetters, m),
		m,
		cfg.EventLog.ConsumerWorkers,
	)

	querySvc := query.New(cachingStore)
	pred := predictor.New(cachingStore)

	// ── Probes ───────────────────────────────────────────────
	checker := health.NewChecker()
	checker.Register("state_store", cachingStore.Ping)
	checker.Register("event_log", brokerProbe(cfg.EventLog.Brokers))
	checker.Register("sidecar", sidecarProbe(cfg.Sidecar.Endpoints))

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.StartupGracePeriod)
	waitForDependencies(startupCtx, checker)
	cancelStartup()

	// ── HTTP server and workers ──────────────────────────────
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := consumer.Run(rootCtx); err != nil {
			log.Error().Err(err).Msg("event consumer exited")
		}
	}()

	// Sweep idle rate-limit buckets so the per-student map stays bounded,
	// and zero the LLM classifier's token counter every 24h.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		daily := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		defer daily.Stop()
		for {
			select {
			case now := <-ticker.C:
				limiter.Evict(now)
			case <-daily.C:
				if llmClf != nil {
					llmClf.ResetBudget()
				}
			case <-rootCtx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: api.NewRouter(&handlers.Handlers{
			Triage:    triageSvc,
			Query:     querySvc,
			Predictor: pred,
			Metrics:   m,
		}, checker, m),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	checker.MarkStarted()
	log.Info().Int("port", cfg.Port).Msg("tutormesh control plane ready")

	go func() {
		<-rootCtx.Done()
		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		shutdownTracing(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

// waitForDependencies polls readiness until every probe passes or the
// grace period lapses, in which case the process exits with code 2.
func waitForDependencies(ctx context.Context, checker *health.Checker) {
	for {
		results, ready := checker.CheckAll(ctx)
		if ready {
			return
		}
		log.Warn().Interface("dependencies", results).Msg("waiting for dependencies")
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			log.Error().Interface("dependencies", results).Msg("dependencies unreachable beyond the startup grace period")
			os.Exit(2)
		}
	}
}

// brokerProbe reports the event log reachable when any bootstrap broker
// accepts a TCP connection within the probe budget.
func brokerProbe(brokers []string) health.Probe {
	return func(ctx context.Context) error {
		var dialer net.Dialer
		var lastErr error
		for _, addr := range brokers {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err == nil {
				conn.Close()
				return nil
			}
			lastErr = err
		}
		return lastErr
	}
}

// sidecarProbe checks each configured agent sidecar's health endpoint.
// One unreachable sidecar degrades readiness — the breaker handles it at
// request time, but operators should see it before traffic does.
func sidecarProbe(endpoints map[string]string) health.Probe {
	client := &http.Client{}
	return func(ctx context.Context) error {
		for agent, base := range endpoints {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("sidecar %s: %w", agent, err)
			}
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("sidecar %s returned %d", agent, resp.StatusCode)
			}
		}
		return nil
	}
}
