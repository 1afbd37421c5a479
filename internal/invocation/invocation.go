// Package invocation implements the sidecar invocation layer: one HTTP
// client per downstream tutor agent, wrapping each logical invocation
// (its whole retry loop) in a per-target circuit breaker, with bounded
// retries and exponential backoff inside it. Modeled on the teacher's router.Route fallback loop, adapted
// from "try every provider once" to "retry one target with backoff,
// guarded by a breaker that refuses to let failures pile up."
package invocation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tutormesh/control-plane/internal/breaker"
	"github.com/tutormesh/control-plane/internal/config"
	"github.com/tutormesh/control-plane/pkg/apierr"
	"github.com/tutormesh/control-plane/pkg/contracts"
	"github.com/tutormesh/control-plane/pkg/models"
)

// sidecarPayload is the wire shape posted to each tutor agent's sidecar.
type sidecarPayload struct {
	Query           string               `json:"query"`
	StudentIdentity string               `json:"student_identity"`
	Conversation    *models.ConversationContext `json:"conversation,omitempty"`
	IntentTag       models.IntentTag     `json:"intent_tag"`
	Confidence      float64              `json:"confidence"`
}

// Target is a single downstream tutor agent reachable over HTTP via its
// sidecar. It implements contracts.InvocationTarget.
type Target struct {
	agentID  models.AgentID
	endpoint string
	client   *http.Client
	breakers *breaker.Manager
	cfg      config.SidecarConfig
}

// NewTarget builds a Target for one agent id and base endpoint, sharing
// the given breaker Manager (so one Manager tracks state across all
// targets built from the same config).
func NewTarget(agentID models.AgentID, endpoint string, breakers *breaker.Manager, cfg config.SidecarConfig) *Target {
	return &Target{
		agentID:  agentID,
		endpoint: endpoint,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		breakers: breakers,
		cfg:      cfg,
	}
}

// AgentID implements contracts.InvocationTarget.
func (t *Target) AgentID() models.AgentID { return t.agentID }

// Invoke implements contracts.InvocationTarget: POST the request to the
// agent's sidecar, retrying failed attempts up to cfg.MaxRetries times
// with exponential backoff. Every failure is retried alike: transport
// errors and any status of 400 or above, including 4xx rejections; no
// failure is treated as terminal before the attempts run out. The breaker wraps the whole retry loop — one
// logical invocation is one failure unit, so a request that exhausts its
// attempts counts once toward the consecutive-failure threshold, not once
// per attempt. Once the breaker trips, Invoke returns immediately without
// attempting the upstream at all.
func (t *Target) Invoke(ctx context.Context, req *models.TriageRequest, classification models.Classification) (models.InvocationResult, error) {
	body, err := json.Marshal(sidecarPayload{
		Query:           req.Query,
		StudentIdentity: req.StudentIdentity,
		Conversation:    req.Conversation,
		IntentTag:       classification.IntentTag,
		Confidence:      classification.Confidence,
	})
	if err != nil {
		return models.InvocationResult{}, apierr.Internal(err, "failed to encode sidecar request")
	}

	var attempts int
	resp, err := t.breakers.Execute(string(t.agentID), func() (interface{}, error) {
		return t.postWithRetries(ctx, body, &attempts)
	})
	if err == nil {
		respBody, _ := resp.([]byte)
		return models.InvocationResult{Success: true, Attempts: attempts, ResponseBody: respBody}, nil
	}

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		msg := err.Error()
		return models.InvocationResult{
			Success:        false,
			Attempts:       attempts,
			BreakerTripped: true,
			ErrorMessage:   &msg,
		}, apierr.BreakerOpen(fmt.Sprintf("%s is unavailable (breaker open)", t.agentID))
	}

	msg := err.Error()
	result := models.InvocationResult{
		Success:      false,
		Attempts:     attempts,
		ErrorMessage: &msg,
	}
	if ctx.Err() != nil {
		return result, apierr.Timeout("request context canceled during invocation")
	}
	return result, apierr.UpstreamUnavailable(fmt.Sprintf("%s did not respond after %d attempts", t.agentID, attempts))
}

// postWithRetries runs the bounded retry loop for one logical invocation.
// It executes inside the breaker, so however many attempts it burns, the
// breaker records a single success or failure. attempts reports how many
// were made, for the audit's invocation_result.
func (t *Target) postWithRetries(ctx context.Context, body []byte, attempts *int) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxRetries+1; attempt++ {
		*attempts = attempt
		resp, err := t.post(ctx, body)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if attempt <= t.cfg.MaxRetries {
			backoff := t.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
			log.Debug().Str("agent_id", string(t.agentID)).Int("attempt", attempt).Dur("backoff", backoff).Err(err).Msg("invocation attempt failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (t *Target) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("sidecar %s returned %d", t.agentID, resp.StatusCode)
	}
	return respBody, nil
}

// Registry maps AgentID to its Target, built once at startup from config.
type Registry struct {
	targets map[models.AgentID]*Target
}

// NewRegistry builds a Target for every configured sidecar endpoint.
func NewRegistry(cfg config.SidecarConfig, breakers *breaker.Manager) *Registry {
	r := &Registry{targets: make(map[models.AgentID]*Target)}
	for id, endpoint := range cfg.Endpoints {
		agentID := models.AgentID(id)
		r.targets[agentID] = NewTarget(agentID, endpoint, breakers, cfg)
	}
	return r
}

// Get returns the Target for agentID, or nil if unconfigured.
func (r *Registry) Get(agentID models.AgentID) *Target {
	return r.targets[agentID]
}

// Resolve returns the Target for agentID as a contracts.InvocationTarget,
// or a nil interface when unconfigured — callers can compare against nil
// directly.
func (r *Registry) Resolve(agentID models.AgentID) contracts.InvocationTarget {
	if t, ok := r.targets[agentID]; ok {
		return t
	}
	return nil
}
