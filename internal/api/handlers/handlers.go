// Package handlers is the thin HTTP adapter over the control plane's
// services. Handlers decode, delegate, and encode — every decision
// (validation, authorization, classification, routing) belongs to the
// service a handler calls, keeping the HTTP layer replaceable.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tutormesh/control-plane/internal/metrics"
	"github.com/tutormesh/control-plane/internal/predictor"
	"github.com/tutormesh/control-plane/internal/query"
	"github.com/tutormesh/control-plane/internal/recommender"
	"github.com/tutormesh/control-plane/internal/triage"
	"github.com/tutormesh/control-plane/pkg/apierr"
	pkgmw "github.com/tutormesh/control-plane/pkg/middleware"
	"github.com/tutormesh/control-plane/pkg/models"
)

// maxBodyBytes caps inbound request bodies well above the 5000-char
// query bound, leaving room for snapshots and conversation context.
const maxBodyBytes = 64 << 10

// Handlers owns every HTTP endpoint's dependencies.
type Handlers struct {
	Triage    *triage.Service
	Query     *query.Service
	Predictor *predictor.Predictor
	Metrics   *metrics.Metrics
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error     string   `json:"error"`
	Message   string   `json:"message"`
	RequestID string   `json:"request_id,omitempty"`
	Details   []string `json:"details,omitempty"`
}

// TriageRequest handles POST /api/v1/triage.
func (h *Handlers) TriageRequest(w http.ResponseWriter, r *http.Request) {
	var req models.TriageRequest
	if !decode(w, r, &req) {
		return
	}

	body, err := h.Triage.Handle(r.Context(), &req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeTriageError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// writeTriageError maps a terminal triage failure onto its wire shape.
// Upstream failures get the 502 body with breaker state and fallback
// disposition the callers' retry logic keys on.
func (h *Handlers) writeTriageError(w http.ResponseWriter, r *http.Request, err error) {
	var ue *triage.UpstreamError
	if errors.As(err, &ue) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ue.Err.StatusCode)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":         string(ue.Err.Kind),
			"message":       ue.Err.Message,
			"request_id":    ue.Err.CorrelationID,
			"breaker_state": ue.BreakerState,
			"fallback":      ue.Fallback,
		})
		return
	}
	writeError(w, r, err)
}

// MasteryQuery handles POST /api/v1/mastery/query.
func (h *Handlers) MasteryQuery(w http.ResponseWriter, r *http.Request) {
	defer h.observe("mastery_query", time.Now())

	var req query.QueryRequest
	if !decode(w, r, &req) {
		return
	}

	agg, err := h.Query.CurrentMastery(r.Context(), pkgmw.GetIdentity(r.Context()), req.StudentIdentity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// MasteryHistory handles POST /api/v1/mastery/history.
func (h *Handlers) MasteryHistory(w http.ResponseWriter, r *http.Request) {
	defer h.observe("mastery_history", time.Now())

	var req query.HistoryRequest
	if !decode(w, r, &req) {
		return
	}

	resp, err := h.Query.History(r.Context(), pkgmw.GetIdentity(r.Context()), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PredictNextWeek handles POST /api/v1/predictions/next-week.
func (h *Handlers) PredictNextWeek(w http.ResponseWriter, r *http.Request) {
	defer h.observe("prediction", time.Now())

	var req query.QueryRequest
	if !decode(w, r, &req) {
		return
	}
	if err := query.Authorize(pkgmw.GetIdentity(r.Context()), req.StudentIdentity); err != nil {
		writeError(w, r, err)
		return
	}

	entry, err := h.Predictor.Predict(r.Context(), req.StudentIdentity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// AdaptiveRecommendations handles POST /api/v1/recommendations/adaptive.
func (h *Handlers) AdaptiveRecommendations(w http.ResponseWriter, r *http.Request) {
	defer h.observe("recommendation", time.Now())

	var req query.QueryRequest
	if !decode(w, r, &req) {
		return
	}

	agg, err := h.Query.CurrentMastery(r.Context(), pkgmw.GetIdentity(r.Context()), req.StudentIdentity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recommender.Recommend(agg, time.Now()))
}

// ComplianceExport handles GET /api/v1/compliance/student/{id}/export.
func (h *Handlers) ComplianceExport(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	bundle, err := h.Query.Export(r.Context(), pkgmw.GetIdentity(r.Context()), studentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// ComplianceErase handles DELETE /api/v1/compliance/student/{id}.
func (h *Handlers) ComplianceErase(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	summary, err := h.Query.Erase(r.Context(), pkgmw.GetIdentity(r.Context()), studentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) observe(endpoint string, start time.Time) {
	if h.Metrics != nil {
		h.Metrics.MasteryQueryLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

// decode reads a bounded JSON body into dst, writing the 400 itself on
// failure.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, apierr.Validation("request body is not valid JSON: "+err.Error()).
			WithCorrelationID(pkgmw.GetRequestID(r.Context())))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

// writeError maps any error onto the uniform error body. Unknown errors
// become opaque 500s — internals never leak into a response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := pkgmw.GetRequestID(r.Context())

	ae, ok := apierr.As(err)
	if !ok {
		log.Error().Err(err).Str("request_id", requestID).Msg("unclassified handler error")
		ae = apierr.New(apierr.KindInternal, "internal error")
	}
	if ae.Kind == apierr.KindInternal && ae.Cause != nil {
		log.Error().Err(ae.Cause).Str("request_id", requestID).Msg("internal error")
	}
	if ae.CorrelationID == "" {
		ae.CorrelationID = requestID
	}

	writeJSON(w, ae.StatusCode, errorBody{
		Error:     string(ae.Kind),
		Message:   ae.Message,
		RequestID: ae.CorrelationID,
		Details:   ae.Details,
	})
}
