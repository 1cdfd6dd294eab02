// Package autoscaler keeps the fleet at its configured replica targets.
// It ports ensure_minimum/scale_to from
// original_source/app/services/autoscaler.py, generalized with the
// lookahead-layer and VPN-assignment rules spec.md 4.C adds on top of
// that source. The Lifecycle Controller (internal/lifecycle), not this
// package, decides WHICH engine is safe to stop; Autoscaler only decides
// HOW MANY.
package autoscaler

import (
	"context"
	"log/slog"
	"sort"

	"github.com/krinkuto11/acestream-orchestrator/internal/circuitbreaker"
	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/lifecycle"
	"github.com/krinkuto11/acestream-orchestrator/internal/model"
	"github.com/krinkuto11/acestream-orchestrator/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestrator/internal/replicavalidator"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// Autoscaler drives fleet size toward the configured targets.
type Autoscaler struct {
	cfg   *config.Config
	st    *state.State
	val   *replicavalidator.Validator
	prov  *provisioner.Provisioner
	life  *lifecycle.Controller
	cb    *circuitbreaker.Manager
	log   *slog.Logger

	// lastTieVPN remembers the last VPN chosen on a tie, so repeated
	// ties alternate rather than always landing on the same VPN.
	lastTieVPN string
}

// New constructs an Autoscaler.
func New(cfg *config.Config, st *state.State, val *replicavalidator.Validator, prov *provisioner.Provisioner, life *lifecycle.Controller, cb *circuitbreaker.Manager, log *slog.Logger) *Autoscaler {
	return &Autoscaler{cfg: cfg, st: st, val: val, prov: prov, life: life, cb: cb, log: log}
}

// EnsureMinimum is the periodic (initialStartup=false) or startup
// (initialStartup=true) entry point described in spec.md 4.C.1.
func (a *Autoscaler) EnsureMinimum(ctx context.Context, initialStartup bool) {
	if !initialStartup {
		if a.st.IsEmergencyMode() {
			a.log.Debug("autoscaler: paused, in emergency mode")
			return
		}
		if a.st.IsReprovisioningMode() {
			a.log.Debug("autoscaler: paused, in reprovisioning mode")
			return
		}
	}

	if !a.cb.CanProvision(circuitbreaker.ClassGeneral) {
		a.log.Warn("autoscaler: circuit breaker open, skipping provisioning attempt")
		return
	}

	counts, err := a.val.ValidateAndSync(ctx, false)
	if err != nil {
		a.log.Error("autoscaler: validate_and_sync failed", "error", err)
		return
	}

	var deficit int
	if initialStartup {
		deficit = a.cfg.MinReplicas - counts.Total
	} else {
		deficit = a.lookaheadAwareDeficit(counts)
	}

	if a.cfg.HasVPN() {
		maxNew := a.cfg.MaxActiveReplicas - counts.Total
		if deficit > maxNew {
			deficit = maxNew
		}
	}

	if deficit <= 0 {
		a.log.Debug("autoscaler: sufficient replicas", "total", counts.Total, "used", counts.Used, "free", counts.Free)
		return
	}

	a.log.Info("autoscaler: provisioning engines", "deficit", deficit, "total", counts.Total, "free", counts.Free)

	success := 0
	for i := 0; i < deficit; i++ {
		_, err := a.prov.StartEngine(ctx, provisioner.AceProvisionRequest{})
		if err != nil {
			a.cb.RecordFailure(circuitbreaker.ClassGeneral)
			a.log.Error("autoscaler: failed to start engine", "attempt", i+1, "deficit", deficit, "error", err)
			continue
		}
		success++
		a.cb.RecordSuccess(circuitbreaker.ClassGeneral)
	}

	if success > 0 {
		if err := a.prov.Reindex(ctx); err != nil {
			a.log.Error("autoscaler: reindex after provisioning failed", "error", err)
		}
	} else {
		a.log.Error("autoscaler: failed to start any of the needed engines", "deficit", deficit)
	}
}

// lookaheadAwareDeficit implements 4.C.1's MIN_FREE_REPLICAS target plus
// 4.C.3's lookahead-layer suppression on top of it.
func (a *Autoscaler) lookaheadAwareDeficit(counts replicavalidator.Counts) int {
	deficit := a.cfg.MinFreeReplicas - counts.Free

	if counts.Free == 0 && counts.Total > 0 {
		minPerEngine, ok := a.minStreamsPerEngine()
		if ok {
			layer, layerSet := a.st.GetLookaheadLayer()
			if !layerSet || minPerEngine >= layer {
				if deficit < 1 {
					deficit = 1
				}
				a.st.SetLookaheadLayer(minPerEngine)
				a.log.Info("autoscaler: lookahead trigger", "layer", minPerEngine)
			}
		}
	} else if layer, layerSet := a.st.GetLookaheadLayer(); layerSet && counts.Used < layer {
		a.st.ResetLookaheadLayer()
	}

	return deficit
}

func (a *Autoscaler) minStreamsPerEngine() (int, bool) {
	engines := a.st.ListEngines()
	if len(engines) == 0 {
		return 0, false
	}
	min := -1
	for _, e := range engines {
		n := len(e.Streams)
		if min == -1 || n < min {
			min = n
		}
	}
	return min, true
}

// ScaleTo drives the fleet to exactly clamp(demand, MIN_REPLICAS,
// MAX_REPLICAS) (spec.md 4.C.2), further clamped by MAX_ACTIVE_REPLICAS
// when a VPN is configured.
func (a *Autoscaler) ScaleTo(ctx context.Context, demand int) {
	desired := clamp(demand, a.cfg.MinReplicas, a.cfg.MaxReplicas)
	if a.cfg.HasVPN() && desired > a.cfg.MaxActiveReplicas {
		desired = a.cfg.MaxActiveReplicas
	}

	counts, err := a.val.ValidateAndSync(ctx, false)
	if err != nil {
		a.log.Error("autoscaler: scale_to validate_and_sync failed", "error", err)
		return
	}

	switch {
	case desired > counts.Total:
		deficit := desired - counts.Total
		a.log.Info("autoscaler: scaling up", "deficit", deficit, "current", counts.Total, "desired", desired)
		success := 0
		for i := 0; i < deficit; i++ {
			if _, err := a.prov.StartEngine(ctx, provisioner.AceProvisionRequest{}); err != nil {
				a.log.Error("autoscaler: scale-up start failed", "error", err)
				continue
			}
			success++
		}
		if success > 0 {
			if err := a.prov.Reindex(ctx); err != nil {
				a.log.Error("autoscaler: reindex after scale-up failed", "error", err)
			}
		}
	case desired < counts.Total:
		excess := counts.Total - desired
		a.log.Info("autoscaler: scaling down", "excess", excess, "current", counts.Total, "desired", desired)
		candidates := sortedByPort(a.st.ListEngines())
		stopped := 0
		for _, e := range candidates {
			if stopped >= excess {
				break
			}
			if a.life.CanStopEngine(ctx, e.ID, false) {
				if err := a.prov.StopEngine(ctx, e.ID); err != nil {
					a.log.Error("autoscaler: scale-down stop failed", "id", e.ID, "error", err)
					continue
				}
				stopped++
			}
		}
		if stopped < excess {
			a.log.Info("autoscaler: scale-down incomplete, grace period restrictions", "stopped", stopped, "excess", excess)
		}
	}
}

// AssignVPN implements provisioner.VPNAssigner per spec.md 4.C.4: in
// emergency mode always the healthy VPN, in recovery mode always the
// recovery target, otherwise the VPN with fewer engines (round-robin on
// a tie).
func (a *Autoscaler) AssignVPN() (vpnID string, networkMode string) {
	if !a.cfg.HasVPN() {
		return "", ""
	}

	if emg := a.st.EmergencyModeInfo(); emg.Active {
		return emg.HealthyVPN, networkModeFor(a.cfg, emg.HealthyVPN)
	}
	if active, target := a.st.IsVPNRecoveryMode(); active {
		return target, networkModeFor(a.cfg, target)
	}

	if !a.cfg.Redundant() {
		return a.cfg.GluetunContainerName, networkModeFor(a.cfg, a.cfg.GluetunContainerName)
	}

	count1 := len(a.st.EnginesByVPN(a.cfg.GluetunContainerName))
	count2 := len(a.st.EnginesByVPN(a.cfg.GluetunContainerName2))

	switch {
	case count1 < count2:
		return a.cfg.GluetunContainerName, networkModeFor(a.cfg, a.cfg.GluetunContainerName)
	case count2 < count1:
		return a.cfg.GluetunContainerName2, networkModeFor(a.cfg, a.cfg.GluetunContainerName2)
	default:
		if a.lastTieVPN == a.cfg.GluetunContainerName {
			a.lastTieVPN = a.cfg.GluetunContainerName2
		} else {
			a.lastTieVPN = a.cfg.GluetunContainerName
		}
		return a.lastTieVPN, networkModeFor(a.cfg, a.lastTieVPN)
	}
}

func networkModeFor(cfg *config.Config, vpnID string) string {
	if vpnID == "" {
		return ""
	}
	return "container:" + vpnID
}

func sortedByPort(engines []*model.Engine) []*model.Engine {
	sort.Slice(engines, func(i, j int) bool { return engines[i].HTTPPort < engines[j].HTTPPort })
	return engines
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
