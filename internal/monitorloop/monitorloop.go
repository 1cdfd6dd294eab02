// Package monitorloop is the single periodic driver spec.md 4.I
// describes, porting DockerMonitor from
// original_source/app/services/monitor.py: a tick-debounced container-set
// watch, a lighter periodic consistency check, a separate autoscale
// sub-interval, and (in AUTO_DELETE mode) an idle-engine sweep.
package monitorloop

import (
	"context"
	"log/slog"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/autoscaler"
	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/debuglog"
	"github.com/krinkuto11/acestream-orchestrator/internal/lifecycle"
	"github.com/krinkuto11/acestream-orchestrator/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestrator/internal/replicavalidator"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// debounceInterval is the quiet period after a detected container-set
// change before Reindex + validation run, matching DockerMonitor's
// _debounce_interval_s.
const debounceInterval = 3 * time.Second

// consistencyCheckEvery is how many unchanged ticks pass between cheap
// consistency checks (spec.md 4.I step 2, "every N ticks").
const consistencyCheckEvery = 6

// Loop is the Monitor Loop component (4.I).
type Loop struct {
	cfg   *config.Config
	st    *state.State
	rt    runtime.ContainerRuntime
	val   *replicavalidator.Validator
	prov  *provisioner.Provisioner
	life  *lifecycle.Controller
	asc   *autoscaler.Autoscaler
	log   *slog.Logger
	label map[string]string

	lastIDs       map[string]struct{}
	lastChangeAt  time.Time
	ticksSinceChk int
	autoscaleEvery int
	tickCount      int
}

// New constructs a Loop.
func New(cfg *config.Config, st *state.State, rt runtime.ContainerRuntime, val *replicavalidator.Validator, prov *provisioner.Provisioner, life *lifecycle.Controller, asc *autoscaler.Autoscaler, log *slog.Logger, label map[string]string) *Loop {
	autoscaleTicks := int(cfg.AutoscaleInterval / cfg.MonitorInterval)
	if autoscaleTicks < 1 {
		autoscaleTicks = 1
	}
	return &Loop{
		cfg: cfg, st: st, rt: rt, val: val, prov: prov, life: life, asc: asc, log: log, label: label,
		lastIDs:        make(map[string]struct{}),
		autoscaleEvery: autoscaleTicks,
	}
}

// Run ticks at cfg.MonitorInterval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.safeTick(ctx)
		}
	}
}

// safeTick guards a single tick with recover so a panicking tick never
// kills the loop, only that one iteration.
func (l *Loop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Warn("monitorloop: recovered panic during tick", "panic", r)
		}
	}()
	l.tick(ctx)
}

func (l *Loop) tick(ctx context.Context) {
	l.tickCount++

	currentIDs := l.pollRuntime(ctx)
	changed := setsDiffer(l.lastIDs, currentIDs)

	if changed {
		now := time.Now()
		if !l.lastChangeAt.IsZero() && now.Sub(l.lastChangeAt) < debounceInterval {
			l.log.Debug("monitorloop: debouncing rapid container-set change")
		} else {
			l.lastChangeAt = now
			l.lastIDs = currentIDs
			l.log.Info("monitorloop: container set changed, reindexing")
			if err := l.prov.Reindex(ctx); err != nil {
				l.log.Error("monitorloop: reindex failed", "error", err)
				debuglog.Get().LogError("monitorloop", "reindex", err)
			}
			if ok := l.val.RequestSyncCoordination("monitor"); ok {
				if _, err := l.val.ValidateAndSync(ctx, false); err != nil {
					l.log.Error("monitorloop: validate_and_sync failed", "error", err)
					debuglog.Get().LogError("monitorloop", "validate_and_sync", err)
				}
			}
		}
	} else {
		l.ticksSinceChk++
		if l.ticksSinceChk >= consistencyCheckEvery {
			l.ticksSinceChk = 0
			if !l.val.IsStateConsistent(ctx) {
				l.log.Warn("monitorloop: state inconsistency detected during periodic check")
				if ok := l.val.RequestSyncCoordination("monitor_periodic"); ok {
					if _, err := l.val.ValidateAndSync(ctx, true); err != nil {
						l.log.Error("monitorloop: forced validate_and_sync failed", "error", err)
					}
				}
			}
		}
	}

	if l.tickCount%l.autoscaleEvery == 0 {
		l.asc.EnsureMinimum(ctx, false)
		if l.cfg.AutoDelete {
			l.sweepIdleEngines(ctx)
		}
	}
}

func (l *Loop) pollRuntime(ctx context.Context) map[string]struct{} {
	containers, err := l.rt.ListByLabel(ctx, l.label)
	if err != nil {
		l.log.Warn("monitorloop: runtime unavailable this tick, retrying next tick", "error", err)
		return l.lastIDs
	}
	ids := make(map[string]struct{}, len(containers))
	for _, c := range containers {
		if c.State == "running" {
			ids[c.ID] = struct{}{}
		}
	}
	return ids
}

func setsDiffer(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return true
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return true
		}
	}
	return false
}

func (l *Loop) sweepIdleEngines(ctx context.Context) {
	for _, id := range l.life.ScaleDownCandidates() {
		if l.life.CanStopEngine(ctx, id, false) {
			l.log.Info("monitorloop: stopping idle engine past grace period", "id", id)
			if err := l.prov.StopEngine(ctx, id); err != nil {
				l.log.Error("monitorloop: failed to stop idle engine", "id", id, "error", err)
			}
		}
	}
}
