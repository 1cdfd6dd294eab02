package controller

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/eventlog"
	"github.com/krinkuto11/acestream-orchestrator/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtimetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		MinReplicas: 1, MaxReplicas: 5, MaxActiveReplicas: 5,
		PortRangeMin: 9000, PortRangeMax: 9050,
		ForwardedPortRangeMin: 8000, ForwardedPortRangeMax: 8050,
		CircuitBreakerFailureThreshold: 5, CircuitBreakerRecoveryTimeout: time.Minute,
		CircuitBreakerReplacementThreshold: 3, CircuitBreakerReplacementTimeout: time.Minute,
		MonitorInterval: time.Hour, AutoscaleInterval: time.Hour,
	}
}

func TestNewWiresEverySubsystemWithoutPanicking(t *testing.T) {
	rt := runtimetest.New()
	c := New(testConfig(), rt, nil, testLogger())

	if c.State == nil || c.Ports == nil || c.CB == nil || c.Elector == nil {
		t.Fatal("expected core collaborators to be non-nil")
	}
	if c.Provisioner == nil || c.Validator == nil || c.Lifecycle == nil || c.Autoscaler == nil {
		t.Fatal("expected engine-lifecycle collaborators to be non-nil")
	}
	if c.EngineClient == nil || c.MonitorLoop == nil || c.HealthSampler == nil || c.Realtime == nil {
		t.Fatal("expected periodic-task collaborators to be non-nil")
	}
	if c.Config.HasVPN() && c.VPNMonitor == nil {
		t.Fatal("expected a VPN monitor when a VPN is configured")
	}
}

func TestAssignerBoxResolvesCycleAfterConstruction(t *testing.T) {
	rt := runtimetest.New()
	c := New(testConfig(), rt, nil, testLogger())

	resp, err := c.Provisioner.StartEngine(context.Background(), provisioner.AceProvisionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ContainerID == "" {
		t.Fatal("expected the provisioner to successfully start an engine using the now-wired autoscaler VPN assigner")
	}
}

func TestShutdownStopsEveryManagedEngine(t *testing.T) {
	rt := runtimetest.New()
	c := New(testConfig(), rt, nil, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := c.Provisioner.StartEngine(context.Background(), provisioner.AceProvisionRequest{}); err != nil {
			t.Fatalf("unexpected error starting engine %d: %v", i, err)
		}
	}
	if got := len(c.State.ListEngines()); got != 3 {
		t.Fatalf("expected 3 engines before shutdown, got %d", got)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if got := len(c.State.ListEngines()); got != 0 {
		t.Fatalf("expected every engine stopped after shutdown, got %d remaining", got)
	}
}

func TestShutdownClosesEventStore(t *testing.T) {
	rt := runtimetest.New()
	events, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("unexpected error opening event store: %v", err)
	}
	c := New(testConfig(), rt, events, testLogger())

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if _, err := events.Stats(); err == nil {
		t.Fatal("expected the event store to be closed (and unusable) after Shutdown")
	}
}

func TestShutdownAggregatesStopErrors(t *testing.T) {
	rt := runtimetest.New()
	c := New(testConfig(), rt, nil, testLogger())
	if _, err := c.Provisioner.StartEngine(context.Background(), provisioner.AceProvisionRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rt.RemoveErr = errBoom{}
	if err := c.Shutdown(context.Background()); err == nil {
		t.Fatal("expected Shutdown to report an error when a StopEngine call fails")
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
