package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tutormesh/control-plane/internal/api"
	"github.com/tutormesh/control-plane/internal/api/handlers"
	"github.com/tutormesh/control-plane/internal/breaker"
	"github.com/tutormesh/control-plane/internal/classifier"
	"github.com/tutormesh/control-plane/internal/config"
	"github.com/tutormesh/control-plane/internal/health"
	"github.com/tutormesh/control-plane/internal/metrics"
	"github.com/tutormesh/control-plane/internal/predictor"
	"github.com/tutormesh/control-plane/internal/query"
	"github.com/tutormesh/control-plane/internal/ratelimit"
	"github.com/tutormesh/control-plane/internal/store"
	"github.com/tutormesh/control-plane/internal/triage"
	"github.com/tutormesh/control-plane/pkg/contracts"
	"github.com/tutormesh/control-plane/pkg/models"
)

const studentID = "stu-a1b2c3d4"

type stubTarget struct {
	agentID models.AgentID
}

func (s *stubTarget) AgentID() models.AgentID { return s.agentID }

func (s *stubTarget) Invoke(context.Context, *models.TriageRequest, models.Classification) (models.InvocationResult, error) {
	return models.InvocationResult{
		Success:      true,
		Attempts:     1,
		ResponseBody: []byte(fmt.Sprintf(`{"agent":%q}`, s.agentID)),
	}, nil
}

type stubResolver struct{}

func (stubResolver) Resolve(agentID models.AgentID) contracts.InvocationTarget {
	return &stubTarget{agentID: agentID}
}

type nopSink struct{}

func (nopSink) Emit(models.TriageAudit) {}

func newServer(t *testing.T, s *store.MemoryStore) http.Handler {
	t.Helper()
	m := metrics.New()
	triageSvc := triage.New(
		classifier.NewMatcher(),
		stubResolver{},
		nopSink{},
		ratelimit.New(config.RateLimitConfig{RequestsPerMinute: 600, Burst: 100}),
		breaker.NewManager(config.SidecarConfig{BreakerFailureThreshold: 5, BreakerOpenDuration: 30 * time.Second, BreakerHalfOpenMaxCalls: 1}, nil),
		s,
		m,
	)
	checker := health.NewChecker()
	checker.MarkStarted()
	return api.NewRouter(&handlers.Handlers{
		Triage:    triageSvc,
		Query:     query.New(store.NewCachingStore(s)),
		Predictor: predictor.New(s),
		Metrics:   m,
	}, checker, m)
}

func postJSON(t *testing.T, srv http.Handler, path string, body interface{}, identity string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set("X-Consumer-Username", identity)
		req.Header.Set("X-Consumer-Role", "student")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestTriage_MissingIdentityIs401(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())
	rec := postJSON(t, srv, "/api/v1/triage", map[string]interface{}{
		"query":            "quiz me",
		"student_identity": studentID,
		"client_timestamp": time.Now().Format(time.RFC3339),
	}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestTriage_EndToEnd(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())
	rec := postJSON(t, srv, "/api/v1/triage", map[string]interface{}{
		"query":            "I'm getting a TypeError on line 3",
		"student_identity": studentID,
		"client_timestamp": time.Now().Format(time.RFC3339),
	}, studentID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp triage.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TargetAgentID != models.AgentDebug {
		t.Errorf("target = %v, want debug", resp.TargetAgentID)
	}
	if resp.RequestID == "" {
		t.Error("response must carry a request id")
	}
}

func TestTriage_MalformedBodyIs400(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/triage", bytes.NewReader([]byte("{nope")))
	req.Header.Set("X-Consumer-Username", studentID)
	req.Header.Set("X-Consumer-Role", "student")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMasteryQuery_ReturnsAggregate(t *testing.T) {
	s := store.NewMemoryStore()
	today := time.Now().UTC().Format("2006-01-02")
	if err := s.CompareAndSwapAggregate(context.Background(), &models.MasteryAggregate{
		StudentIdentity: studentID,
		Date:            today,
		Components: map[models.ComponentName]models.MasteryComponentRecord{
			models.ComponentCompletion: {Value: 0.8, SampleCount: 2},
		},
		FinalScore: 0.32,
		Version:    2,
	}, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	srv := newServer(t, s)
	rec := postJSON(t, srv, "/api/v1/mastery/query",
		map[string]string{"student_identity": studentID}, studentID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var agg models.MasteryAggregate
	if err := json.Unmarshal(rec.Body.Bytes(), &agg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if agg.Version != 2 {
		t.Errorf("version = %d, want 2", agg.Version)
	}
	if agg.FinalScore != 0.32 {
		t.Errorf("final score = %v, want 0.32", agg.FinalScore)
	}
}

func TestMasteryQuery_OtherStudentIs403(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())
	rec := postJSON(t, srv, "/api/v1/mastery/query",
		map[string]string{"student_identity": "stu-other999"}, studentID)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestPrediction_InsufficientHistoryIs422(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())
	rec := postJSON(t, srv, "/api/v1/predictions/next-week",
		map[string]string{"student_identity": studentID}, studentID)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422, body %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	srv := newServer(t, store.NewMemoryStore())

	// Drive one triage request so the labeled counters have children to
	// export.
	postJSON(t, srv, "/api/v1/triage", map[string]interface{}{
		"query":            "quiz me",
		"student_identity": studentID,
		"client_timestamp": time.Now().Format(time.RFC3339),
	}, studentID)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("tutormesh_triage_requests_total")) {
		t.Error("metrics exposition should include the triage request counter")
	}
}
