// Package vpnhealth samples VPN egress container health and drives the
// Emergency/Recovery mode finite state machine spec.md 4.F describes.
// gluetun.py (the Python module that owns the equivalent health sampling
// against the Gluetun container) was not present in the retrieval pack;
// this package is grounded on its call sites in
// original_source/app/services/monitor.py (is_healthy,
// is_in_recovery_stabilization_period) and on spec.md 4.F's prose for
// the FSM transitions themselves.
package vpnhealth

import (
	"context"
	"log/slog"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/debuglog"
	"github.com/krinkuto11/acestream-orchestrator/internal/engineclient"
	"github.com/krinkuto11/acestream-orchestrator/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// recoveryStabilizationWindow is the duration of continuously-balanced
// engine counts required before RECOVERY exits to NORMAL, resolving
// spec.md's open question on the exact stabilization window (see
// DESIGN.md).
const recoveryStabilizationWindow = 60 * time.Second

// VPNHealthChecker asks the runtime whether a VPN container itself is
// healthy (its own health check, independent of any engine).
type VPNHealthChecker interface {
	IsHealthy(ctx context.Context, vpnContainerName string) (bool, error)
}

// RuntimeChecker implements VPNHealthChecker by inspecting the Gluetun
// container's own Docker HEALTHCHECK status. A container with no
// HEALTHCHECK defined is treated as healthy whenever it is running, so
// deployments that don't configure one still get the engine-side
// secondary check as their real signal.
type RuntimeChecker struct {
	rt runtime.ContainerRuntime
}

// NewRuntimeChecker constructs a RuntimeChecker.
func NewRuntimeChecker(rt runtime.ContainerRuntime) *RuntimeChecker {
	return &RuntimeChecker{rt: rt}
}

func (c *RuntimeChecker) IsHealthy(ctx context.Context, vpnContainerName string) (bool, error) {
	info, err := c.rt.Inspect(ctx, vpnContainerName)
	if err != nil {
		return false, err
	}
	if info.State != "running" {
		return false, nil
	}
	if info.Healthy == nil {
		return true, nil
	}
	return *info.Healthy, nil
}

// Monitor samples VPN health on a ticker and drives the FSM.
type Monitor struct {
	cfg   *config.Config
	st    *state.State
	rt    runtime.ContainerRuntime
	vpnCk VPNHealthChecker
	eng   *engineclient.Client
	prov  *provisioner.Provisioner
	log   *slog.Logger

	interval time.Duration
}

// New constructs a Monitor.
func New(cfg *config.Config, st *state.State, rt runtime.ContainerRuntime, vpnCk VPNHealthChecker, eng *engineclient.Client, prov *provisioner.Provisioner, log *slog.Logger) *Monitor {
	return &Monitor{cfg: cfg, st: st, rt: rt, vpnCk: vpnCk, eng: eng, prov: prov, log: log, interval: 10 * time.Second}
}

// Run samples health on m.interval until ctx is cancelled, following the
// teacher's ticker-driven background-loop idiom
// (orchestrator_events.go's periodic goroutines).
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.safeTick(ctx)
		}
	}
}

// safeTick guards a single tick with recover so a panicking tick never
// kills the loop, only that one iteration.
func (m *Monitor) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("vpnhealth: recovered panic during tick", "panic", r)
		}
	}()
	m.tick(ctx)
}

func (m *Monitor) tick(ctx context.Context) {
	if !m.cfg.HasVPN() {
		return
	}

	healthy1 := m.sampleVPN(ctx, m.cfg.GluetunContainerName)
	m.st.SetVPNHealthy(m.cfg.GluetunContainerName, healthy1)

	if !m.cfg.Redundant() {
		return
	}

	healthy2 := m.sampleVPN(ctx, m.cfg.GluetunContainerName2)
	m.st.SetVPNHealthy(m.cfg.GluetunContainerName2, healthy2)

	m.evaluateFSM(ctx, healthy1, healthy2)
}

// sampleVPN implements the primary-plus-secondary health check: ask the
// runtime adapter, and if it reports unhealthy, ask any engine on that
// VPN for its own network-connection status before concluding unhealthy.
func (m *Monitor) sampleVPN(ctx context.Context, vpnName string) bool {
	healthy, err := m.vpnCk.IsHealthy(ctx, vpnName)
	if err == nil && healthy {
		return true
	}

	for _, e := range m.st.EnginesByVPN(vpnName) {
		connected, err := m.eng.NetworkConnectionStatus(ctx, e.Host, e.HTTPPort)
		if err == nil && connected {
			return true
		}
	}
	return false
}

func (m *Monitor) evaluateFSM(ctx context.Context, healthy1, healthy2 bool) {
	vpn1, vpn2 := m.cfg.GluetunContainerName, m.cfg.GluetunContainerName2

	if active, target := m.st.IsVPNRecoveryMode(); active {
		m.evaluateRecoveryExit(target)
		return
	}

	if m.st.IsEmergencyMode() {
		emg := m.st.EmergencyModeInfo()
		if emg.FailedVPN == vpn1 && healthy1 {
			m.transitionToRecovery(vpn1)
		} else if emg.FailedVPN == vpn2 && healthy2 {
			m.transitionToRecovery(vpn2)
		}
		return
	}

	// XOR: exactly one unhealthy triggers NORMAL -> EMERGENCY.
	if healthy1 != healthy2 {
		var failed, ok string
		if !healthy1 {
			failed, ok = vpn1, vpn2
		} else {
			failed, ok = vpn2, vpn1
		}
		m.transitionToEmergency(ctx, failed, ok)
	}
}

func (m *Monitor) transitionToEmergency(ctx context.Context, failedVPN, healthyVPN string) {
	m.log.Warn("vpnhealth: entering emergency mode", "failed_vpn", failedVPN, "healthy_vpn", healthyVPN)
	debuglog.Get().LogModeTransition("emergency", "enter", map[string]any{"failed_vpn": failedVPN, "healthy_vpn": healthyVPN})
	removed := m.st.EnterEmergencyMode(failedVPN, healthyVPN)
	for _, e := range removed {
		if err := m.prov.StopEngine(ctx, e.ID); err != nil {
			m.log.Error("vpnhealth: failed to stop engine on failed VPN", "id", e.ID, "error", err)
		}
	}
}

func (m *Monitor) transitionToRecovery(recoveredVPN string) {
	m.log.Info("vpnhealth: VPN recovered, entering recovery mode", "vpn", recoveredVPN)
	debuglog.Get().LogModeTransition("recovery", "enter", map[string]any{"vpn": recoveredVPN})
	m.st.ExitEmergencyMode()
	m.st.EnterVPNRecoveryMode(recoveredVPN)
}

// evaluateRecoveryExit implements RECOVERY -> NORMAL: exits once the
// per-VPN engine counts differ by at most one continuously for
// recoveryStabilizationWindow (spec.md 4.F). The first balanced tick
// records a deadline; a later tick that finds the deadline already
// elapsed (and the fleet still balanced) exits recovery mode.
func (m *Monitor) evaluateRecoveryExit(targetVPN string) {
	vpn1, vpn2 := m.cfg.GluetunContainerName, m.cfg.GluetunContainerName2
	count1 := len(m.st.EnginesByVPN(vpn1))
	count2 := len(m.st.EnginesByVPN(vpn2))

	if abs(count1-count2) > 1 {
		m.st.SetVPNRecoveryStabilizationUntil(targetVPN, time.Time{})
		return
	}

	deadline := m.st.VPNRecoveryStabilizationUntil(targetVPN)
	now := time.Now()
	if deadline.IsZero() {
		m.st.SetVPNRecoveryStabilizationUntil(targetVPN, now.Add(recoveryStabilizationWindow))
		return
	}
	if !now.Before(deadline) {
		m.log.Info("vpnhealth: recovery stabilization window elapsed, exiting recovery mode", "vpn", targetVPN)
		debuglog.Get().LogModeTransition("recovery", "exit", map[string]any{"vpn": targetVPN})
		m.st.ExitVPNRecoveryMode()
		m.st.SetVPNRecoveryStabilizationUntil(targetVPN, time.Time{})
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
