// Package contracts defines the interfaces that let internal/triage
// depend on capabilities instead of concrete packages.
//
// Three boundaries are cut here: the Triage Router publishes audits
// without importing internal/audit directly, the deterministic and
// LLM-backed classifiers are swappable behind one signature, and each
// downstream tutor agent is reached through InvocationTarget rather than
// internal/invocation's concrete Target. The store interfaces live in
// internal/store itself, not here.
package contracts

import (
	"context"

	"github.com/tutormesh/control-plane/pkg/models"
)

// Classifier assigns an IntentTag to a TriageRequest. The deterministic
// matcher and the optional Anthropic-backed fallback both implement this;
// the router never knows which one it's holding.
type Classifier interface {
	Classify(ctx context.Context, req *models.TriageRequest) (models.Classification, error)
}

// AuditSink accepts a completed TriageAudit for asynchronous publication.
// Emit must not block the caller on downstream I/O — implementations queue
// and return immediately, per spec §4.6 (Audit Emitter never slows the
// request path a breaker trip is already slowing down).
type AuditSink interface {
	Emit(audit models.TriageAudit)
}

// InvocationTarget is a single downstream tutor agent reachable through
// the sidecar invocation layer. Implementations live in internal/invocation
// and wrap timeout, retry, and circuit-breaker behavior around one HTTP call.
type InvocationTarget interface {
	AgentID() models.AgentID
	Invoke(ctx context.Context, req *models.TriageRequest, classification models.Classification) (models.InvocationResult, error)
}
