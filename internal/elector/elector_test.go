package elector

import (
	"io"
	"log/slog"
	"testing"

	"github.com/krinkuto11/acestream-orchestrator/internal/model"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReconcileVPNElectsWhenNoneForwarded(t *testing.T) {
	st := state.New()
	st.AddEngine(&model.Engine{ID: "a", VPNID: "vpn1", HTTPPort: 9002})
	st.AddEngine(&model.Engine{ID: "b", VPNID: "vpn1", HTTPPort: 9001})

	el := New(st, testLogger())
	el.ReconcileVPN("vpn1")

	if got := st.ForwardedEngine("vpn1"); got == nil || got.ID != "b" {
		t.Fatalf("expected lowest-port engine b elected, got %+v", got)
	}
}

func TestReconcileVPNDemotesExtras(t *testing.T) {
	st := state.New()
	st.AddEngine(&model.Engine{ID: "a", VPNID: "vpn1", HTTPPort: 9001, Forwarded: true})
	st.AddEngine(&model.Engine{ID: "b", VPNID: "vpn1", HTTPPort: 9002, Forwarded: true})

	el := New(st, testLogger())
	el.ReconcileVPN("vpn1")

	if got := st.ForwardedEngine("vpn1"); got == nil || got.ID != "a" {
		t.Fatalf("expected lowest-port engine a kept forwarded, got %+v", got)
	}
}

func TestReconcileVPNNoopWhenExactlyOneForwarded(t *testing.T) {
	st := state.New()
	st.AddEngine(&model.Engine{ID: "a", VPNID: "vpn1", HTTPPort: 9001, Forwarded: true})
	st.AddEngine(&model.Engine{ID: "b", VPNID: "vpn1", HTTPPort: 9002})

	el := New(st, testLogger())
	el.ReconcileVPN("vpn1")

	if got := st.ForwardedEngine("vpn1"); got == nil || got.ID != "a" {
		t.Fatalf("expected a to remain forwarded, got %+v", got)
	}
}

func TestReconcileVPNNoEnginesIsNoop(t *testing.T) {
	st := state.New()
	el := New(st, testLogger())
	el.ReconcileVPN("vpn-unknown")
	if st.ForwardedEngine("vpn-unknown") != nil {
		t.Fatal("expected no forwarded engine to appear out of nothing")
	}
}

func TestElectOnProvisionOnlyWhenNoneForwarded(t *testing.T) {
	st := state.New()
	st.AddEngine(&model.Engine{ID: "a", VPNID: "vpn1", Forwarded: true})
	st.AddEngine(&model.Engine{ID: "b", VPNID: "vpn1"})

	el := New(st, testLogger())
	el.ElectOnProvision("b", "vpn1")

	if got := st.ForwardedEngine("vpn1"); got == nil || got.ID != "a" {
		t.Fatal("expected a to remain forwarded since vpn1 already had one")
	}
}

func TestElectOnProvisionElectsWhenNoneExists(t *testing.T) {
	st := state.New()
	st.AddEngine(&model.Engine{ID: "b", VPNID: "vpn1"})

	el := New(st, testLogger())
	el.ElectOnProvision("b", "vpn1")

	if got := st.ForwardedEngine("vpn1"); got == nil || got.ID != "b" {
		t.Fatal("expected b to be elected forwarded")
	}
}
