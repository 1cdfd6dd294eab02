package circuitbreaker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/eventlog"
)

func testManager() *Manager {
	return NewManager(Config{
		GeneralFailureThreshold:     3,
		GeneralRecoveryTimeout:      50 * time.Millisecond,
		ReplacementFailureThreshold: 2,
		ReplacementRecoveryTimeout:  50 * time.Millisecond,
	}, nil)
}

func TestCanProvisionClosedByDefault(t *testing.T) {
	m := testManager()
	if !m.CanProvision(ClassGeneral) {
		t.Fatal("expected a fresh breaker to be closed and allow provisioning")
	}
}

func TestOpensAfterThresholdFailures(t *testing.T) {
	m := testManager()
	for i := 0; i < 3; i++ {
		m.RecordFailure(ClassGeneral)
	}
	if m.CanProvision(ClassGeneral) {
		t.Fatal("expected breaker to open after reaching the failure threshold")
	}
}

func TestStaysClosedBelowThreshold(t *testing.T) {
	m := testManager()
	m.RecordFailure(ClassGeneral)
	m.RecordFailure(ClassGeneral)
	if !m.CanProvision(ClassGeneral) {
		t.Fatal("expected breaker to remain closed below its failure threshold")
	}
}

func TestHalfOpenAfterRecoveryTimeout(t *testing.T) {
	m := testManager()
	for i := 0; i < 3; i++ {
		m.RecordFailure(ClassGeneral)
	}
	time.Sleep(60 * time.Millisecond)
	if !m.CanProvision(ClassGeneral) {
		t.Fatal("expected breaker to allow a half-open probe after the recovery timeout elapses")
	}
}

func TestFailureDuringHalfOpenReopensImmediately(t *testing.T) {
	m := testManager()
	for i := 0; i < 3; i++ {
		m.RecordFailure(ClassGeneral)
	}
	time.Sleep(60 * time.Millisecond)
	m.CanProvision(ClassGeneral) // transitions to half-open
	m.RecordFailure(ClassGeneral)

	if m.CanProvision(ClassGeneral) {
		t.Fatal("expected a failure during the half-open probe to reopen the circuit immediately")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	m := testManager()
	m.RecordFailure(ClassGeneral)
	m.RecordFailure(ClassGeneral)
	m.RecordSuccess(ClassGeneral)
	if status := m.Status()[ClassGeneral]; status.FailureCount != 0 || status.State != StateClosed {
		t.Fatalf("expected success to reset failure count and close the circuit, got %+v", status)
	}
}

func TestClassesAreIndependent(t *testing.T) {
	m := testManager()
	for i := 0; i < 3; i++ {
		m.RecordFailure(ClassGeneral)
	}
	if !m.CanProvision(ClassReplacement) {
		t.Fatal("expected ClassReplacement's breaker to be unaffected by ClassGeneral's failures")
	}
}

func TestForceResetSingleClass(t *testing.T) {
	m := testManager()
	for i := 0; i < 3; i++ {
		m.RecordFailure(ClassGeneral)
	}
	m.ForceReset(ClassGeneral)
	if !m.CanProvision(ClassGeneral) {
		t.Fatal("expected ForceReset to close the breaker regardless of state")
	}
}

func TestTransitionsAreLoggedToEventStore(t *testing.T) {
	events, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("unexpected error opening event store: %v", err)
	}
	defer events.Close()

	m := NewManager(Config{
		GeneralFailureThreshold:     3,
		GeneralRecoveryTimeout:      50 * time.Millisecond,
		ReplacementFailureThreshold: 2,
		ReplacementRecoveryTimeout:  50 * time.Millisecond,
	}, events)

	for i := 0; i < 3; i++ {
		m.RecordFailure(ClassGeneral) // third failure opens the circuit.
	}
	m.RecordFailure(ClassGeneral) // already open, no further transition.

	stats, err := events.Stats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.ByType[eventlog.TypeSystem] != 1 {
		t.Fatalf("expected exactly one logged transition for the open edge, got %d", stats.ByType[eventlog.TypeSystem])
	}
}

func TestNoEventLoggedWhenStateDoesNotChange(t *testing.T) {
	events, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("unexpected error opening event store: %v", err)
	}
	defer events.Close()

	m := NewManager(Config{
		GeneralFailureThreshold:     3,
		GeneralRecoveryTimeout:      50 * time.Millisecond,
		ReplacementFailureThreshold: 2,
		ReplacementRecoveryTimeout:  50 * time.Millisecond,
	}, events)

	m.RecordFailure(ClassGeneral) // below threshold, stays closed.
	m.CanProvision(ClassGeneral)  // closed, no transition.

	stats, err := events.Stats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected no transitions logged, got %d", stats.Total)
	}
}

func TestForceResetAllClasses(t *testing.T) {
	m := testManager()
	for i := 0; i < 3; i++ {
		m.RecordFailure(ClassGeneral)
	}
	for i := 0; i < 2; i++ {
		m.RecordFailure(ClassReplacement)
	}
	m.ForceReset("")
	if !m.CanProvision(ClassGeneral) || !m.CanProvision(ClassReplacement) {
		t.Fatal("expected ForceReset(\"\") to reset every class")
	}
}
