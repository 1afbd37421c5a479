// Package health implements the liveness and readiness probes. Liveness
// is unconditional once startup completes; readiness consults every
// registered dependency probe with a per-probe budget and reports OK
// only when all of them answer in time.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// probeBudget bounds how long a single dependency probe may take before
// it is reported unreachable.
const probeBudget = 2 * time.Second

// Probe checks one dependency's reachability.
type Probe func(ctx context.Context) error

// Checker aggregates dependency probes behind /health and /ready.
type Checker struct {
	mu      sync.Mutex
	probes  map[string]Probe
	started atomic.Bool
}

// NewChecker builds an empty Checker. MarkStarted must be called once
// startup wiring completes, or liveness stays negative.
func NewChecker() *Checker {
	return &Checker{probes: make(map[string]Probe)}
}

// Register adds a named dependency probe consulted by readiness.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// MarkStarted flips liveness to OK.
func (c *Checker) MarkStarted() {
	c.started.Store(true)
}

// CheckAll runs every probe with its budget and returns the per-
// dependency result map plus overall readiness.
func (c *Checker) CheckAll(ctx context.Context) (map[string]bool, bool) {
	c.mu.Lock()
	names := make([]string, 0, len(c.probes))
	probes := make([]Probe, 0, len(c.probes))
	for name, probe := range c.probes {
		names = append(names, name)
		probes = append(probes, probe)
	}
	c.mu.Unlock()

	results := make(map[string]bool, len(names))
	ready := true
	for i, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, probeBudget)
		err := probe(probeCtx)
		cancel()
		results[names[i]] = err == nil
		if err != nil {
			ready = false
		}
	}
	return results, ready
}

// LiveHandler serves GET /health.
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !c.started.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "tutormesh-control-plane",
	})
}

// ReadyHandler serves GET /ready: 200 with a per-dependency boolean map
// when everything is reachable, 503 otherwise.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	results, ready := c.CheckAll(r.Context())

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	if !ready {
		status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       status,
		"dependencies": results,
	})
}
