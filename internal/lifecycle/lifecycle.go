// Package lifecycle is the single gate for engine destruction
// (spec.md 4.D), porting can_stop_engine from
// original_source/app/services/autoscaler.py: four ordered predicates,
// any negative one decisive, followed by a grace window tracked in a
// per-engine map exactly like that function's module-level
// _empty_engine_timestamps dict, adapted here into a mutex-guarded map
// field following the teacher's EngineFailureTracker field-plus-mutex
// shape (engine_failure_tracker.go).
package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/replicavalidator"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// Controller decides whether an engine may be stopped.
type Controller struct {
	cfg *config.Config
	st  *state.State
	val *replicavalidator.Validator
	log *slog.Logger

	mu         sync.Mutex
	emptySince map[string]time.Time
}

// New constructs a Controller.
func New(cfg *config.Config, st *state.State, val *replicavalidator.Validator, log *slog.Logger) *Controller {
	return &Controller{cfg: cfg, st: st, val: val, log: log, emptySince: make(map[string]time.Time)}
}

func (c *Controller) clearGrace(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.emptySince, id)
}

// CanStopEngine reports whether engineID may be stopped right now. It
// evaluates the four predicates of spec.md 4.D in order, then the grace
// window.
func (c *Controller) CanStopEngine(ctx context.Context, engineID string, bypassGrace bool) bool {
	// 1. Active-stream predicate.
	if e := c.st.GetEngine(engineID); e != nil && len(e.Streams) > 0 {
		c.clearGrace(engineID)
		c.log.Debug("lifecycle: cannot stop, has active streams", "id", engineID, "streams", len(e.Streams))
		return false
	}

	counts, err := c.val.ValidateAndSync(ctx, false)
	if err != nil {
		c.log.Error("lifecycle: validate_and_sync failed, refusing to stop", "id", engineID, "error", err)
		return false
	}

	// 2. MIN_REPLICAS predicate.
	if counts.Total >= 1 && counts.Total-1 < c.cfg.MinReplicas {
		c.clearGrace(engineID)
		c.log.Debug("lifecycle: cannot stop, would violate MIN_REPLICAS", "id", engineID, "total", counts.Total, "min", c.cfg.MinReplicas)
		return false
	}

	// 3. MIN_FREE_REPLICAS predicate.
	if c.cfg.MinFreeReplicas > 0 && counts.Free > 0 && counts.Free-1 < c.cfg.MinFreeReplicas {
		c.clearGrace(engineID)
		c.log.Debug("lifecycle: cannot stop, would violate MIN_FREE_REPLICAS", "id", engineID, "free", counts.Free, "min_free", c.cfg.MinFreeReplicas)
		return false
	}

	// 4. Per-VPN balance predicate (redundant mode only).
	if c.cfg.Redundant() {
		if !c.vpnBalancePermits(engineID) {
			c.clearGrace(engineID)
			c.log.Debug("lifecycle: cannot stop, would worsen VPN imbalance", "id", engineID)
			return false
		}
	}

	if bypassGrace || c.cfg.EngineGracePeriod == 0 {
		c.clearGrace(engineID)
		return true
	}

	return c.checkGraceWindow(engineID)
}

func (c *Controller) checkGraceWindow(engineID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	since, ok := c.emptySince[engineID]
	if !ok {
		c.emptySince[engineID] = now
		c.log.Debug("lifecycle: engine became empty, starting grace period", "id", engineID)
		return false
	}

	if now.Sub(since) >= c.cfg.EngineGracePeriod {
		delete(c.emptySince, engineID)
		c.log.Info("lifecycle: engine past grace period, may be stopped", "id", engineID, "grace_period", c.cfg.EngineGracePeriod)
		return true
	}
	return false
}

// vpnBalancePermits implements 4.D's predicate 4: stopping engineID must
// not increase the absolute imbalance between the two VPNs, unless both
// are already above MIN_REPLICAS/2, in which case only "don't stop from
// the VPN with fewer engines" is enforced.
func (c *Controller) vpnBalancePermits(engineID string) bool {
	e := c.st.GetEngine(engineID)
	if e == nil || e.VPNID == "" {
		return true
	}

	count1 := len(c.st.EnginesByVPN(c.cfg.GluetunContainerName))
	count2 := len(c.st.EnginesByVPN(c.cfg.GluetunContainerName2))

	half := c.cfg.MinReplicas / 2
	if count1 > half && count2 > half {
		var thisCount, otherCount int
		if e.VPNID == c.cfg.GluetunContainerName {
			thisCount, otherCount = count1, count2
		} else {
			thisCount, otherCount = count2, count1
		}
		return thisCount >= otherCount
	}

	currentImbalance := abs(count1 - count2)
	var newCount1, newCount2 int
	if e.VPNID == c.cfg.GluetunContainerName {
		newCount1, newCount2 = count1-1, count2
	} else {
		newCount1, newCount2 = count1, count2-1
	}
	newImbalance := abs(newCount1 - newCount2)
	return newImbalance <= currentImbalance
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// ScaleDownCandidates returns free engines sorted by ascending HTTP
// port, the iteration order spec.md 4.C.2 specifies for scale_to's
// scale-down path.
func (c *Controller) ScaleDownCandidates() []string {
	engines := c.st.FreeEngines()
	sort.Slice(engines, func(i, j int) bool { return engines[i].HTTPPort < engines[j].HTTPPort })
	ids := make([]string, 0, len(engines))
	for _, e := range engines {
		ids = append(ids, e.ID)
	}
	return ids
}
