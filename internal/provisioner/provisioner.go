// Package provisioner is the orchestrator-side counterpart to the
// AceProvisionRequest/AceProvisionResponse shapes the teacher's HTTP
// client marshals in orchestrator_events.go, except here Provisioner
// sits on the orchestrator side of that wire: it owns the container
// runtime, the port allocator, and engine creation/destruction,
// following spec.md 4.H. original_source's provisioner.py and reindex.py
// were not present in the retrieval pack, so StartEngine/StopEngine/
// Reindex are grounded directly on spec.md 4.H's bullet list rather than
// a Python equivalent.
package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/krinkuto11/acestream-orchestrator/internal/debuglog"
	"github.com/krinkuto11/acestream-orchestrator/internal/elector"
	"github.com/krinkuto11/acestream-orchestrator/internal/model"
	"github.com/krinkuto11/acestream-orchestrator/internal/portalloc"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

const (
	labelManaged      = "managed"
	labelHostHTTPPort = "host.http_port"
	labelForwarded    = "forwarded"
	labelVPN          = "vpn.container"

	engineImage       = "acestream/engine:latest"
	engineHTTPPort    = 6878
	stopGraceTimeout  = 10 * time.Second
)

// AceProvisionRequest carries optional overrides for a new engine. An
// empty request provisions a default engine on the next available port.
type AceProvisionRequest struct {
	VPNID           string
	ForceForwarded  bool
}

// AceProvisionResponse reports what was created.
type AceProvisionResponse struct {
	ContainerID  string
	HostHTTPPort int
	VPNID        string
	Forwarded    bool
}

// VPNAssigner resolves which VPN a new engine should be wired to. In
// single-VPN or no-VPN mode this always returns the same (possibly
// empty) id; in redundant mode the Autoscaler supplies the assignment
// policy (emergency/recovery/round-robin), so Provisioner only consumes
// the decision, it does not make it (keeps 4.H and the autoscaler's VPN
// assignment policy in 4.F decoupled).
type VPNAssigner interface {
	AssignVPN() (vpnID string, networkMode string)
}

// Provisioner wraps a runtime.ContainerRuntime with port allocation,
// State registration, and forwarded-engine election.
type Provisioner struct {
	rt    runtime.ContainerRuntime
	ports *portalloc.Allocator
	st    *state.State
	el    *elector.Elector
	vpn   VPNAssigner
	log   *slog.Logger
}

// New constructs a Provisioner.
func New(rt runtime.ContainerRuntime, ports *portalloc.Allocator, st *state.State, el *elector.Elector, vpn VPNAssigner, log *slog.Logger) *Provisioner {
	return &Provisioner{rt: rt, ports: ports, st: st, el: el, vpn: vpn, log: log}
}

// StartEngine allocates a port, creates a container labelled managed=true
// (plus host.http_port and, when applicable, forwarded/vpn.container),
// registers it in State, and elects it the forwarded engine if its VPN
// had none.
func (p *Provisioner) StartEngine(ctx context.Context, req AceProvisionRequest) (*AceProvisionResponse, error) {
	start := time.Now()
	port, err := p.ports.Allocate()
	if err != nil {
		debuglog.Get().LogProvisioning("start_engine", time.Since(start), false, err.Error())
		return nil, fmt.Errorf("provisioner: allocate port: %w", err)
	}

	vpnID, networkMode := "", ""
	if p.vpn != nil {
		vpnID, networkMode = p.vpn.AssignVPN()
	}
	if req.VPNID != "" {
		vpnID = req.VPNID
	}

	forwarded := req.ForceForwarded
	labels := map[string]string{
		labelManaged:      "true",
		labelHostHTTPPort: fmt.Sprintf("%d", port),
	}
	if vpnID != "" {
		labels[labelVPN] = vpnID
	}
	if forwarded {
		labels[labelForwarded] = "true"
	}

	spec := runtime.ContainerSpec{
		Image:       engineImage,
		Name:        fmt.Sprintf("acestream-engine-%s", uuid.NewString()[:8]),
		Labels:      labels,
		NetworkMode: networkMode,
		PortBinding: &runtime.PortBinding{ContainerPort: engineHTTPPort, HostPort: port},
	}

	id, err := p.rt.Create(ctx, spec)
	if err != nil {
		p.ports.Release(port)
		debuglog.Get().LogProvisioning("start_engine", time.Since(start), false, err.Error())
		return nil, fmt.Errorf("provisioner: create container: %w", err)
	}

	p.st.AddEngine(&model.Engine{
		ID:       id,
		Name:     spec.Name,
		Host:     "127.0.0.1",
		HTTPPort: port,
		Labels:   labels,
		VPNID:    vpnID,
		Health:   model.HealthUnknown,
	})

	if vpnID != "" && p.el != nil {
		p.el.ElectOnProvision(id, vpnID)
	}

	fwd := false
	if e := p.st.GetEngine(id); e != nil {
		fwd = e.Forwarded
	}

	p.log.Info("provisioner: started engine", "id", id, "port", port, "vpn", vpnID, "forwarded", fwd)
	debuglog.Get().LogProvisioning("start_engine", time.Since(start), true, "")
	return &AceProvisionResponse{ContainerID: id, HostHTTPPort: port, VPNID: vpnID, Forwarded: fwd}, nil
}

// StopEngine stops and removes the container, then releases its port via
// the allocator using its recorded labels. Direct runtime stops outside
// this path bypass port release and are forbidden by invariant I6;
// nothing else in this module calls rt.Stop/rt.Remove directly.
func (p *Provisioner) StopEngine(ctx context.Context, containerID string) error {
	start := time.Now()
	e := p.st.GetEngine(containerID)

	if err := p.rt.Stop(ctx, containerID, stopGraceTimeout); err != nil {
		p.log.Warn("provisioner: stop failed, attempting remove anyway", "id", containerID, "error", err)
	}
	if err := p.rt.Remove(ctx, containerID); err != nil {
		debuglog.Get().LogProvisioning("stop_engine", time.Since(start), false, err.Error())
		return fmt.Errorf("provisioner: remove container %s: %w", containerID, err)
	}

	p.st.RemoveEngine(containerID)

	if e != nil {
		p.ports.Release(e.HTTPPort)
	}
	p.log.Info("provisioner: stopped engine", "id", containerID)
	debuglog.Get().LogProvisioning("stop_engine", time.Since(start), true, "")
	return nil
}

// ClearCache execs an optional disk-cache scrub command inside an idle
// engine's container.
func (p *Provisioner) ClearCache(ctx context.Context, containerID string) error {
	_, err := p.rt.Exec(ctx, containerID, []string{"sh", "-c", "rm -rf /root/.ACEStream/*.cache 2>/dev/null || true"})
	if err != nil {
		return fmt.Errorf("provisioner: clear cache on %s: %w", containerID, err)
	}
	return nil
}

// Reindex enumerates runtime containers carrying the managed=true label
// and rebuilds State + port reservations for any not already tracked.
// Called by ReplicaValidator and the Monitor Loop after a detected
// container-set change.
func (p *Provisioner) Reindex(ctx context.Context) error {
	containers, err := p.rt.ListByLabel(ctx, map[string]string{labelManaged: "true"})
	if err != nil {
		return fmt.Errorf("provisioner: reindex list: %w", err)
	}

	known := p.st.EngineIDs()
	for _, c := range containers {
		if c.State != "running" {
			continue
		}
		if _, ok := known[c.ID]; ok {
			continue
		}

		port := c.HostPort
		p.ports.Reserve(port)

		vpnID := c.Labels[labelVPN]
		e := &model.Engine{
			ID:        c.ID,
			Name:      c.Name,
			Host:      c.Host,
			HTTPPort:  port,
			Labels:    c.Labels,
			VPNID:     vpnID,
			Forwarded: c.Labels[labelForwarded] == "true",
			Health:    model.HealthUnknown,
			FirstSeen: c.Created,
		}
		p.st.AddEngine(e)
		p.log.Info("provisioner: reindexed engine", "id", c.ID, "port", port, "vpn", vpnID)

		if vpnID != "" && p.el != nil {
			p.el.ReconcileVPN(vpnID)
		}
	}
	return nil
}
