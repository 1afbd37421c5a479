// Package breaker gives the Triage Router one sony/gobreaker circuit
// breaker per downstream tutor agent. Each target trips independently —
// a failing exercise agent must not degrade routing to the other four.
package breaker

import (
	"sync"

	"github.com/sony/gobreaker"

	"github.com/tutormesh/control-plane/internal/config"
	"github.com/tutormesh/control-plane/pkg/models"
)

// Manager owns one gobreaker.CircuitBreaker per agent id, created lazily
// on first use so the set of targets can grow without a restart.
type Manager struct {
	mu       sync.Mutex
	cfg      config.SidecarConfig
	breakers map[string]*gobreaker.CircuitBreaker
	onTrip   func(target string, state models.BreakerState)
}

// NewManager builds a Manager from the sidecar breaker budget. onTrip, if
// non-nil, is called on every state transition so callers can update the
// breaker-state gauge named in spec §8 without polling.
func NewManager(cfg config.SidecarConfig, onTrip func(target string, state models.BreakerState)) *Manager {
	return &Manager{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		onTrip:   onTrip,
	}
}

func (m *Manager) breakerFor(target string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[target]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: m.cfg.BreakerHalfOpenMaxCalls,
		Interval:    0, // never reset closed-state counts on a timer; only on trip/recover
		Timeout:     m.cfg.BreakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if m.onTrip != nil {
				m.onTrip(name, toModelState(to))
			}
		},
	})
	m.breakers[target] = b
	return b
}

// Execute runs fn through the named target's breaker. When the breaker is
// open, fn is never called and gobreaker.ErrOpenState is returned.
func (m *Manager) Execute(target string, fn func() (interface{}, error)) (interface{}, error) {
	return m.breakerFor(target).Execute(fn)
}

// State reports the current breaker state for a target. An unseen target
// is reported closed — it has never been exercised, so there is nothing
// open about it.
func (m *Manager) State(target string) models.BreakerState {
	m.mu.Lock()
	b, ok := m.breakers[target]
	m.mu.Unlock()
	if !ok {
		return models.BreakerClosed
	}
	return toModelState(b.State())
}

// IsOpen reports whether target's breaker currently rejects calls.
func (m *Manager) IsOpen(target string) bool {
	return m.State(target) == models.BreakerOpen
}

func toModelState(s gobreaker.State) models.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return models.BreakerOpen
	case gobreaker.StateHalfOpen:
		return models.BreakerHalfOpen
	default:
		return models.BreakerClosed
	}
}
