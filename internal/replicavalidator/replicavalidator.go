// Package replicavalidator reconciles the in-memory engine model against
// the container runtime's own view and reports the (total, used, free)
// replica counts every other subsystem keys off of. It ports
// ReplicaValidator from original_source/app/services/replica_validator.py:
// a 5s result cache, a 2s minimum-interval sync throttle, and orphan/
// missing-engine diffing that drives reindexing.
package replicavalidator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/debuglog"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

const (
	cacheTTL        = 5 * time.Second
	minSyncInterval = 2 * time.Second
)

// Reindexer rebuilds State from the runtime's view of running containers.
// Implemented by internal/provisioner.Provisioner; declared here to avoid
// an import cycle (provisioner depends on replicavalidator's Counts type
// via autoscaler, not the other way around).
type Reindexer interface {
	Reindex(ctx context.Context) error
}

// Validator is the Go counterpart to ReplicaValidator. It is safe for
// concurrent use; every exported method serializes through a single
// mutex the way the Python original serializes through a threading.RLock
// obtained lazily in _get_sync_lock.
type Validator struct {
	rt    runtime.ContainerRuntime
	st    *state.State
	rdx   Reindexer
	log   *slog.Logger
	label map[string]string

	mu             sync.Mutex
	lastValidation time.Time
	cached         Counts
	haveCached     bool
	lastSyncTime   time.Time
}

// Counts mirrors state.Counts but is reported from the runtime's point of
// view: Total comes from the container runtime, not from len(state
// engines), since Docker is the source of truth for "is it actually
// running" (validate_and_sync_state's docstring).
type Counts struct {
	Total int
	Used  int
	Free  int
}

// New constructs a Validator. label filters ListByLabel calls to
// orchestrator-managed containers only.
func New(rt runtime.ContainerRuntime, st *state.State, rdx Reindexer, log *slog.Logger, label map[string]string) *Validator {
	return &Validator{rt: rt, st: st, rdx: rdx, log: log, label: label}
}

// dockerStatus is the runtime-side snapshot get_docker_container_status
// returns.
type dockerStatus struct {
	totalManaged int
	runningIDs   map[string]struct{}
	available    bool
}

func (v *Validator) dockerContainerStatus(ctx context.Context) dockerStatus {
	containers, err := v.rt.ListByLabel(ctx, v.label)
	if err != nil {
		v.log.Warn("replicavalidator: runtime unavailable", "error", err)
		return dockerStatus{available: false, runningIDs: map[string]struct{}{}}
	}
	running := make(map[string]struct{}, len(containers))
	for _, c := range containers {
		if c.State == "running" {
			running[c.ID] = struct{}{}
		}
	}
	return dockerStatus{totalManaged: len(containers), runningIDs: running, available: true}
}

// ValidateAndSync reconciles State against the runtime and returns
// current (total, used, free) counts. forceReindex bypasses both the
// throttle and the cache. Safe to call frequently: cheap calls within
// the cache window return the memoized result.
func (v *Validator) ValidateAndSync(ctx context.Context, forceReindex bool) (Counts, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()

	if !forceReindex && !v.lastSyncTime.IsZero() && now.Sub(v.lastSyncTime) < minSyncInterval && v.haveCached {
		return v.cached, nil
	}
	if !forceReindex && v.haveCached && now.Sub(v.lastValidation) < cacheTTL {
		return v.cached, nil
	}

	allEngines := v.st.ListEngines()
	usedStreams := v.st.Snapshot().Used
	docker := v.dockerContainerStatus(ctx)

	if !docker.available {
		v.log.Warn("replicavalidator: skipping sync, runtime communication failed")
		if v.haveCached {
			return v.cached, nil
		}
		fallback := Counts{Total: len(allEngines), Used: usedStreams, Free: max0(len(allEngines) - usedStreams)}
		return fallback, nil
	}

	stateIDs := make(map[string]struct{}, len(allEngines))
	for _, e := range allEngines {
		stateIDs[e.ID] = struct{}{}
	}

	var orphaned, missing []string
	for id := range stateIDs {
		if _, ok := docker.runningIDs[id]; !ok {
			orphaned = append(orphaned, id)
		}
	}
	for id := range docker.runningIDs {
		if _, ok := stateIDs[id]; !ok {
			missing = append(missing, id)
		}
	}

	syncNeeded := len(allEngines) != len(docker.runningIDs) || len(orphaned) > 0 || len(missing) > 0

	if syncNeeded || forceReindex {
		v.log.Info("replicavalidator: syncing state with runtime",
			"sync_needed", syncNeeded, "force_reindex", forceReindex,
			"orphaned", len(orphaned), "missing", len(missing))

		for _, id := range orphaned {
			v.st.RemoveEngine(id)
		}
		if v.rdx != nil {
			if err := v.rdx.Reindex(ctx); err != nil {
				v.log.Error("replicavalidator: reindex failed", "error", err)
			}
		}
		if v.lastSyncTime.IsZero() || now.Sub(v.lastSyncTime) >= minSyncInterval {
			v.lastSyncTime = now
		}
	}

	total := len(docker.runningIDs)
	free := max0(total - usedStreams)
	result := Counts{Total: total, Used: usedStreams, Free: free}

	v.cached = result
	v.haveCached = true
	v.lastValidation = now

	debuglog.Get().LogReconciliation(total, usedStreams, free, orphaned, missing, len(orphaned) == 0 && len(missing) == 0)
	return result, nil
}

// RequestSyncCoordination reports whether the caller (identified by
// source, used only for logging) should proceed with its own sync pass,
// or whether one ran too recently elsewhere.
func (v *Validator) RequestSyncCoordination(source string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	if !v.lastSyncTime.IsZero() && now.Sub(v.lastSyncTime) < minSyncInterval {
		v.log.Debug("replicavalidator: denying sync coordination", "source", source)
		return false
	}
	v.lastSyncTime = now
	return true
}

// IsStateConsistent reports whether State's engine count matches the
// runtime's running-container count, without forcing a sync.
func (v *Validator) IsStateConsistent(ctx context.Context) bool {
	docker := v.dockerContainerStatus(ctx)
	if !docker.available {
		return false
	}
	return len(v.st.ListEngines()) == len(docker.runningIDs)
}

// ValidationStatus is the JSON-shaped diagnostic payload exposed for
// monitoring, mirroring get_validation_status.
type ValidationStatus struct {
	Timestamp       time.Time `json:"timestamp"`
	StateConsistent bool      `json:"state_consistent"`
	StateEngines    int       `json:"state_engines"`
	RuntimeRunning  int       `json:"runtime_running"`
	RuntimeTotal    int       `json:"runtime_total"`
	UsedEngines     int       `json:"used_engines"`
	FreeEngines     int       `json:"free_engines"`
	OrphanedIDs     []string  `json:"orphaned_ids"`
	MissingIDs      []string  `json:"missing_ids"`
}

// GetValidationStatus computes a fresh diagnostic snapshot without
// touching the cache.
func (v *Validator) GetValidationStatus(ctx context.Context) ValidationStatus {
	allEngines := v.st.ListEngines()
	usedStreams := v.st.Snapshot().Used
	docker := v.dockerContainerStatus(ctx)

	stateIDs := make(map[string]struct{}, len(allEngines))
	for _, e := range allEngines {
		stateIDs[e.ID] = struct{}{}
	}

	var orphaned, missing []string
	for id := range stateIDs {
		if _, ok := docker.runningIDs[id]; !ok {
			orphaned = append(orphaned, id)
		}
	}
	for id := range docker.runningIDs {
		if _, ok := stateIDs[id]; !ok {
			missing = append(missing, id)
		}
	}

	return ValidationStatus{
		Timestamp:       time.Now(),
		StateConsistent: len(orphaned) == 0 && len(missing) == 0,
		StateEngines:    len(allEngines),
		RuntimeRunning:  len(docker.runningIDs),
		RuntimeTotal:    docker.totalManaged,
		UsedEngines:     usedStreams,
		FreeEngines:     max0(len(docker.runningIDs) - usedStreams),
		OrphanedIDs:     orphaned,
		MissingIDs:      missing,
	}
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
