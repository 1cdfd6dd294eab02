// Package circuitbreaker prevents rapid repeated provisioning attempts
// against engines that consistently fail. It mirrors the three-state
// design (closed/open/half_open) and per-operation-class manager from
// original_source/app/services/circuit_breaker.py, expressed with the
// teacher's sync.Mutex-guarded struct idiom rather than a class with
// mutable enum state.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/debuglog"
	"github.com/krinkuto11/acestream-orchestrator/internal/eventlog"
)

// State is a circuit's current mode.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Class names the two operation classes spec.md's configuration exposes
// independent thresholds for.
type Class string

const (
	ClassGeneral     Class = "general"
	ClassReplacement Class = "replacement"
)

// breaker is a single circuit, guarded by the owning Manager's lock.
type breaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration

	state           State
	failureCount    int
	lastFailureTime time.Time
	lastSuccessTime time.Time
}

func newBreaker(threshold int, timeout time.Duration) *breaker {
	return &breaker{failureThreshold: threshold, recoveryTimeout: timeout, state: StateClosed}
}

// transition reports a breaker state change for the caller to log.
type transition struct {
	happened     bool
	from, to     State
	failureCount int
}

// canExecute mirrors CircuitBreaker.can_execute: CLOSED always allows;
// OPEN allows once recoveryTimeout has elapsed since the last failure,
// transitioning to HALF_OPEN as a side effect; HALF_OPEN allows the
// single probe attempt.
func (b *breaker) canExecute(now time.Time) (ok bool, t transition) {
	switch b.state {
	case StateClosed:
		return true, transition{}
	case StateOpen:
		if !b.lastFailureTime.IsZero() && now.Sub(b.lastFailureTime) > b.recoveryTimeout {
			from := b.state
			b.state = StateHalfOpen
			return true, transition{happened: true, from: from, to: b.state, failureCount: b.failureCount}
		}
		return false, transition{}
	case StateHalfOpen:
		return true, transition{}
	default:
		return false, transition{}
	}
}

func (b *breaker) recordSuccess(now time.Time) transition {
	from := b.state
	b.failureCount = 0
	b.lastSuccessTime = now
	b.state = StateClosed
	if from != b.state {
		return transition{happened: true, from: from, to: b.state, failureCount: b.failureCount}
	}
	return transition{}
}

func (b *breaker) recordFailure(now time.Time) transition {
	from := b.state
	b.failureCount++
	b.lastFailureTime = now

	switch {
	case b.state == StateHalfOpen:
		b.state = StateOpen
	case b.state == StateClosed && b.failureCount >= b.failureThreshold:
		b.state = StateOpen
	}
	if from != b.state {
		return transition{happened: true, from: from, to: b.state, failureCount: b.failureCount}
	}
	return transition{}
}

func (b *breaker) forceReset() transition {
	from := b.state
	b.state = StateClosed
	b.failureCount = 0
	if from != b.state {
		return transition{happened: true, from: from, to: b.state, failureCount: b.failureCount}
	}
	return transition{}
}

// Status is the externally visible snapshot of one breaker, shaped to
// match the `{state, failure_count, ...}` JSON get_status returns.
type Status struct {
	State             State      `json:"state"`
	FailureCount      int        `json:"failure_count"`
	FailureThreshold  int        `json:"failure_threshold"`
	RecoveryTimeoutS  int        `json:"recovery_timeout"`
	LastFailureTime   *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime   *time.Time `json:"last_success_time,omitempty"`
}

// Manager holds one breaker per Class and serializes access to all of
// them behind a single mutex, matching
// EngineCircuitBreakerManager._breakers.
type Manager struct {
	mu       sync.Mutex
	breakers map[Class]*breaker
	events   *eventlog.Store
}

// Config carries the per-class thresholds, sourced from config.Config.
type Config struct {
	GeneralFailureThreshold     int
	GeneralRecoveryTimeout      time.Duration
	ReplacementFailureThreshold int
	ReplacementRecoveryTimeout  time.Duration
}

// NewManager builds a Manager with one breaker per class. events may be
// nil, in which case transitions are not recorded anywhere but the
// returned Status.
func NewManager(cfg Config, events *eventlog.Store) *Manager {
	return &Manager{
		breakers: map[Class]*breaker{
			ClassGeneral:     newBreaker(cfg.GeneralFailureThreshold, cfg.GeneralRecoveryTimeout),
			ClassReplacement: newBreaker(cfg.ReplacementFailureThreshold, cfg.ReplacementRecoveryTimeout),
		},
		events: events,
	}
}

func (m *Manager) resolve(class Class) *breaker {
	if b, ok := m.breakers[class]; ok {
		return b
	}
	return m.breakers[ClassGeneral]
}

// logTransition records a state change to the external event log,
// matching spec.md 4.E: "all state changes are logged to the external
// event log."
func (m *Manager) logTransition(class Class, t transition) {
	if !t.happened {
		return
	}
	debuglog.Get().LogCircuitBreakerTransition(string(class), string(t.from), string(t.to), t.failureCount)
	if m.events == nil {
		return
	}
	m.events.Log(eventlog.TypeSystem, "circuit_breaker",
		"circuit breaker transitioned", map[string]any{
			"class": string(class), "from": string(t.from), "to": string(t.to),
		}, "", "")
}

// CanProvision reports whether class currently allows a provisioning
// attempt.
func (m *Manager) CanProvision(class Class) bool {
	m.mu.Lock()
	ok, t := m.resolve(class).canExecute(time.Now())
	m.mu.Unlock()
	m.logTransition(class, t)
	return ok
}

// RecordSuccess resets class's failure count and closes its circuit.
func (m *Manager) RecordSuccess(class Class) {
	m.mu.Lock()
	t := m.resolve(class).recordSuccess(time.Now())
	m.mu.Unlock()
	m.logTransition(class, t)
}

// RecordFailure increments class's failure count, opening the circuit
// once the threshold is reached (or immediately, if the failure occurred
// during a half-open recovery probe).
func (m *Manager) RecordFailure(class Class) {
	m.mu.Lock()
	t := m.resolve(class).recordFailure(time.Now())
	m.mu.Unlock()
	m.logTransition(class, t)
}

// ForceReset closes either one class's breaker, or (class == "") every
// breaker, regardless of current state. Used by the
// /health/circuit-breaker/reset administrative endpoint.
func (m *Manager) ForceReset(class Class) {
	m.mu.Lock()
	transitions := map[Class]transition{}
	if class == "" {
		for c, b := range m.breakers {
			transitions[c] = b.forceReset()
		}
	} else if b, ok := m.breakers[class]; ok {
		transitions[class] = b.forceReset()
	}
	m.mu.Unlock()
	for c, t := range transitions {
		m.logTransition(c, t)
	}
}

// Status returns a snapshot of every breaker, keyed by class.
func (m *Manager) Status() map[Class]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Class]Status, len(m.breakers))
	for class, b := range m.breakers {
		s := Status{
			State:            b.state,
			FailureCount:     b.failureCount,
			FailureThreshold: b.failureThreshold,
			RecoveryTimeoutS: int(b.recoveryTimeout.Seconds()),
		}
		if !b.lastFailureTime.IsZero() {
			t := b.lastFailureTime
			s.LastFailureTime = &t
		}
		if !b.lastSuccessTime.IsZero() {
			t := b.lastSuccessTime
			s.LastSuccessTime = &t
		}
		out[class] = s
	}
	return out
}
