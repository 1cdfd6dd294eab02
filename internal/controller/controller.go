// Package controller owns every subsystem and the goroutines that drive
// them, the single non-singleton composition root spec.md §9 calls for
// in place of the Python source's module-level `state`/`cfg`/
// `circuit_breaker_manager` globals. Handlers and background loops both
// receive explicit references into a *Controller; nothing here is a
// package-level var.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/autoscaler"
	"github.com/krinkuto11/acestream-orchestrator/internal/circuitbreaker"
	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/elector"
	"github.com/krinkuto11/acestream-orchestrator/internal/engineclient"
	"github.com/krinkuto11/acestream-orchestrator/internal/eventlog"
	"github.com/krinkuto11/acestream-orchestrator/internal/healthsampler"
	"github.com/krinkuto11/acestream-orchestrator/internal/lifecycle"
	"github.com/krinkuto11/acestream-orchestrator/internal/monitorloop"
	"github.com/krinkuto11/acestream-orchestrator/internal/portalloc"
	"github.com/krinkuto11/acestream-orchestrator/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestrator/internal/realtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/replicavalidator"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
	"github.com/krinkuto11/acestream-orchestrator/internal/vpnhealth"
)

// managedLabel filters every runtime adapter call to containers this
// orchestrator created, matching labelManaged in internal/provisioner.
var managedLabel = map[string]string{"managed": "true"}

// shutdownConcurrency bounds how many engines Shutdown stops at once,
// matching spec.md §5's "≤10 worker pool for shutdown".
const shutdownConcurrency = 10

// Controller composes State, Config, and every subsystem, and owns the
// goroutines for each periodic task.
type Controller struct {
	Config *config.Config
	State  *state.State

	Ports       *portalloc.Allocator
	Runtime     runtime.ContainerRuntime
	CB          *circuitbreaker.Manager
	Elector     *elector.Elector
	Provisioner *provisioner.Provisioner
	Validator   *replicavalidator.Validator
	Lifecycle   *lifecycle.Controller
	Autoscaler  *autoscaler.Autoscaler
	EngineClient *engineclient.Client
	VPNMonitor  *vpnhealth.Monitor
	MonitorLoop *monitorloop.Loop
	HealthSampler *healthsampler.Sampler
	Realtime    *realtime.Hub
	Events      *eventlog.Store

	log *slog.Logger
}

// New wires every subsystem, each after the ones it depends on (state,
// port allocator, circuit breakers, elector, provisioner, replica
// validator, lifecycle, autoscaler, then the engine client, VPN monitor,
// monitor loop, health sampler and realtime hub), resolving the
// provisioner<->autoscaler cycle via the VPNAssigner/Reindexer
// interfaces (see internal/provisioner, internal/replicavalidator).
func New(cfg *config.Config, rt runtime.ContainerRuntime, events *eventlog.Store, log *slog.Logger) *Controller {
	st := state.New()

	ports := portalloc.New(
		portalloc.Range{Min: cfg.PortRangeMin, Max: cfg.PortRangeMax},
		portalloc.Range{Min: cfg.ForwardedPortRangeMin, Max: cfg.ForwardedPortRangeMax},
	)

	cb := circuitbreaker.NewManager(circuitbreaker.Config{
		GeneralFailureThreshold:     cfg.CircuitBreakerFailureThreshold,
		GeneralRecoveryTimeout:      cfg.CircuitBreakerRecoveryTimeout,
		ReplacementFailureThreshold: cfg.CircuitBreakerReplacementThreshold,
		ReplacementRecoveryTimeout:  cfg.CircuitBreakerReplacementTimeout,
	}, events)

	el := elector.New(st, log)

	// autoscaler implements provisioner.VPNAssigner; constructed after
	// Provisioner below and only then assigned, since Provisioner needs
	// a VPNAssigner at construction time but Autoscaler needs Provisioner.
	// assignerBox defers the dependency by one indirection instead of a
	// two-pass constructor.
	box := &assignerBox{}
	prov := provisioner.New(rt, ports, st, el, box, log)

	val := replicavalidator.New(rt, st, prov, log, managedLabel)
	life := lifecycle.New(cfg, st, val, log)
	asc := autoscaler.New(cfg, st, val, prov, life, cb, log)
	box.asc = asc

	eng := engineclient.New()

	var vpnCk vpnhealth.VPNHealthChecker = vpnhealth.NewRuntimeChecker(rt)
	vpnMon := vpnhealth.New(cfg, st, rt, vpnCk, eng, prov, log)

	loop := monitorloop.New(cfg, st, rt, val, prov, life, asc, log, managedLabel)

	hsamp := healthsampler.New(st, eng, events, log, 30*time.Second)

	var hub *realtime.Hub
	if cfg.HasVPN() {
		hub = realtime.NewHub(st, func() realtime.VPNStatus {
			return realtime.VPNStatus{
				Enabled:   true,
				Connected: st.VPNHealthy(cfg.GluetunContainerName),
				Container: cfg.GluetunContainerName,
			}
		}, log)
	} else {
		hub = realtime.NewHub(st, nil, log)
	}

	return &Controller{
		Config: cfg, State: st,
		Ports: ports, Runtime: rt, CB: cb, Elector: el,
		Provisioner: prov, Validator: val, Lifecycle: life, Autoscaler: asc,
		EngineClient: eng, VPNMonitor: vpnMon, MonitorLoop: loop,
		HealthSampler: hsamp, Realtime: hub, Events: events,
		log: log,
	}
}

// assignerBox breaks the Provisioner<->Autoscaler construction cycle: it
// is handed to Provisioner as a provisioner.VPNAssigner immediately, and
// populated with the real Autoscaler once built.
type assignerBox struct {
	asc *autoscaler.Autoscaler
}

func (b *assignerBox) AssignVPN() (string, string) {
	if b.asc == nil {
		return "", ""
	}
	return b.asc.AssignVPN()
}

// Run starts every periodic task as its own goroutine and blocks until
// ctx is cancelled, the same shape as the teacher's
// StartHealthMonitor/StartCleanupMonitor pair, generalized to the full
// subsystem list.
func (c *Controller) Run(ctx context.Context) {
	c.log.Info("controller: starting")

	// Reindex once at startup so State reflects already-running engines
	// before the first autoscaler tick (spec.md's restart-reconstructs-
	// from-runtime persistence note).
	if err := c.Provisioner.Reindex(ctx); err != nil {
		c.log.Error("controller: startup reindex failed", "error", err)
	}
	c.Autoscaler.EnsureMinimum(ctx, true)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.recoverLoop(name)
			fn(ctx)
		}()
	}

	start("monitor_loop", c.MonitorLoop.Run)
	start("health_sampler", c.HealthSampler.Run)
	start("realtime_hub", c.Realtime.Run)
	if c.Config.HasVPN() {
		start("vpn_monitor", c.VPNMonitor.Run)
	}

	<-ctx.Done()
	c.log.Info("controller: context cancelled, waiting for loops to exit")
	wg.Wait()
	c.log.Info("controller: all loops exited")
}

// recoverLoop guards a periodic task's goroutine: a panicking tick never
// takes the process down, matching spec.md's ambient-stack requirement
// that periodic tasks never panic across a tick.
func (c *Controller) recoverLoop(name string) {
	if r := recover(); r != nil {
		c.log.Warn("controller: recovered panic in background loop", "loop", name, "panic", r)
	}
}

// Shutdown stops every managed engine through a bounded worker pool,
// mirroring the Python source's cleanup_all/clear_state full-fleet
// teardown (supplemented feature, see SPEC_FULL.md), and then closes the
// event store.
func (c *Controller) Shutdown(ctx context.Context) error {
	engines := c.State.ListEngines()
	c.log.Info("controller: shutting down, stopping engines", "count", len(engines))

	sem := make(chan struct{}, shutdownConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, e := range engines {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.Provisioner.StopEngine(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
				mu.Unlock()
			}
		}(e.ID)
	}
	wg.Wait()

	if c.Events != nil {
		if err := c.Events.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("controller: shutdown had %d error(s): %v", len(errs), errs[0])
	}
	c.log.Info("controller: shutdown complete")
	return nil
}
