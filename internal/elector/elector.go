// Package elector chooses which engine carries the P2P-forwarded port
// for a VPN (spec's invariant I2: at most one forwarded engine per VPN).
// It is a pure function over an engine slice plus State.SetForwardedEngine,
// following the same forwarded/vpn_container pairing state.py's
// set_forwarded_engine keys off of (internal/state/state.go), since
// election itself needs no lock beyond State's own.
package elector

import (
	"log/slog"

	"github.com/krinkuto11/acestream-orchestrator/internal/model"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// Elector re-elects the forwarded engine for a VPN whenever the observed
// set disagrees with the single-forwarded-engine invariant.
type Elector struct {
	st  *state.State
	log *slog.Logger
}

// New constructs an Elector.
func New(st *state.State, log *slog.Logger) *Elector {
	return &Elector{st: st, log: log}
}

// ReconcileVPN inspects every engine on vpnID and ensures exactly one is
// forwarded, demoting extras (lowest HTTPPort kept, matching spec.md
// 4.G's "all but one (lowest port) are demoted") and promoting one if
// none is currently forwarded. No-op if vpnID has no engines.
func (el *Elector) ReconcileVPN(vpnID string) {
	engines := el.st.EnginesByVPN(vpnID)
	if len(engines) == 0 {
		return
	}

	var forwarded []*model.Engine
	for _, e := range engines {
		if e.Forwarded {
			forwarded = append(forwarded, e)
		}
	}

	switch {
	case len(forwarded) == 1:
		return
	case len(forwarded) > 1:
		keep := lowestPort(forwarded)
		el.log.Info("elector: multiple forwarded engines detected, demoting extras",
			"vpn", vpnID, "keeping", keep.ID, "count", len(forwarded))
		el.st.SetForwardedEngine(keep.ID)
	default: // none forwarded: elect one
		candidate := lowestPort(engines)
		el.log.Info("elector: electing forwarded engine", "vpn", vpnID, "engine", candidate.ID)
		el.st.SetForwardedEngine(candidate.ID)
	}
}

// ElectOnProvision is called immediately after a new engine is created.
// If its VPN currently has no forwarded engine, the new engine is
// elected on the spot (spec.md 4.G, "Provisioning" trigger).
func (el *Elector) ElectOnProvision(engineID, vpnID string) {
	if el.st.ForwardedEngine(vpnID) != nil {
		return
	}
	el.log.Info("elector: electing newly provisioned engine as forwarded", "vpn", vpnID, "engine", engineID)
	el.st.SetForwardedEngine(engineID)
}

func lowestPort(engines []*model.Engine) *model.Engine {
	best := engines[0]
	for _, e := range engines[1:] {
		if e.HTTPPort < best.HTTPPort {
			best = e
		}
	}
	return best
}
