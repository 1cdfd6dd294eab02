// Package state owns the authoritative in-memory model of engines,
// streams, and the process-wide mode state machines. Every exported
// method takes State's single mutex; none perform I/O or call out to the
// container runtime while holding it. Composite reads (e.g. "engines by
// VPN with active-stream counts") are exposed as single exported methods
// so callers see a consistent snapshot, mirroring the discipline the
// teacher applies around OrchestratorHealth.mu in orchestrator_events.go.
package state

import (
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/model"
)

// State is the single source of truth for "how many engines exist, which
// are free". All collection-returning methods return detached copies.
type State struct {
	mu sync.Mutex

	engines map[string]*model.Engine // by container id
	streams map[string]*model.Stream // by stream id

	emergency      model.EmergencyMode
	reprovisioning model.ReprovisioningMode
	recovery       model.VPNRecoveryMode

	vpnHealth map[string]*model.VPNHealth

	lookaheadLayer    int
	lookaheadLayerSet bool
}

// New returns an empty State.
func New() *State {
	return &State{
		engines:   make(map[string]*model.Engine),
		streams:   make(map[string]*model.Stream),
		vpnHealth: make(map[string]*model.VPNHealth),
	}
}

// --- engine lifecycle -------------------------------------------------

// AddEngine registers an engine discovered via provisioning success or
// reindex. If an engine with the same ID already exists it is replaced,
// except FirstSeen is carried over.
func (s *State) AddEngine(e *model.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.engines[e.ID]; ok {
		e.FirstSeen = existing.FirstSeen
	} else if e.FirstSeen.IsZero() {
		e.FirstSeen = time.Now()
	}
	if e.LastSeen.IsZero() {
		e.LastSeen = time.Now()
	}
	s.engines[e.ID] = e.Clone()
}

// RemoveEngine deletes the engine (and any streams still pointing at it)
// from State. Used by the provisioner's stop path and by reconciliation
// when the runtime no longer reports the container.
func (s *State) RemoveEngine(id string) *model.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeEngineLocked(id)
}

func (s *State) removeEngineLocked(id string) *model.Engine {
	e, ok := s.engines[id]
	if !ok {
		return nil
	}
	for _, streamID := range append([]string(nil), e.Streams...) {
		delete(s.streams, streamID)
	}
	delete(s.engines, id)
	return e.Clone()
}

// GetEngine returns a detached copy, or nil if not present.
func (s *State) GetEngine(id string) *model.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[id]
	if !ok {
		return nil
	}
	return e.Clone()
}

// ListEngines returns detached copies of all engines.
func (s *State) ListEngines() []*model.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listEnginesLocked()
}

func (s *State) listEnginesLocked() []*model.Engine {
	out := make([]*model.Engine, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, e.Clone())
	}
	return out
}

// EngineIDs returns the set of engine ids currently known to State.
func (s *State) EngineIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.engines))
	for id := range s.engines {
		out[id] = struct{}{}
	}
	return out
}

// EnginesByVPN returns detached copies of engines assigned to vpnID.
func (s *State) EnginesByVPN(vpnID string) []*model.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Engine
	for _, e := range s.engines {
		if e.VPNID == vpnID {
			out = append(out, e.Clone())
		}
	}
	return out
}

// UpdateEngineHealth sets an engine's last-observed health.
func (s *State) UpdateEngineHealth(id string, h model.HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.engines[id]; ok {
		e.Health = h
		e.LastSeen = time.Now()
	}
}

// Counts is the (total, used, free) triple the Replica Validator and
// Autoscaler key off of. Used counts unique engines carrying at least one
// started stream, not total stream count (I-6 / §8 S6).
type Counts struct {
	Total int
	Used  int
	Free  int
}

// Snapshot computes Counts under a single lock acquisition.
func (s *State) Snapshot() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Counts {
	var c Counts
	c.Total = len(s.engines)
	for _, e := range s.engines {
		if len(e.Streams) > 0 {
			c.Used++
		}
	}
	c.Free = c.Total - c.Used
	return c
}

// FreeEngines returns detached copies of engines with zero started
// streams. Grace-window exclusion (I3) is the Lifecycle Controller's
// responsibility, not State's: State only knows about streams.
func (s *State) FreeEngines() []*model.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Engine
	for _, e := range s.engines {
		if len(e.Streams) == 0 {
			out = append(out, e.Clone())
		}
	}
	return out
}

// --- streams ------------------------------------------------------------

// OnStreamStarted registers a stream, creating the engine entry if it did
// not already exist (the provisioner should normally have already added
// it; this path also tolerates reconnecting to an engine State forgot).
// Idempotent on (stream_id, engine_id): calling it twice with the same
// pair returns the existing stream unchanged.
func (s *State) OnStreamStarted(evt model.StreamStartedEvent) *model.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[evt.StreamID]; ok && existing.ContainerID == evt.ContainerID {
		return existing.Clone()
	}

	e, ok := s.engines[evt.ContainerID]
	if !ok {
		e = &model.Engine{
			ID:        evt.ContainerID,
			Host:      evt.Host,
			HTTPPort:  evt.Port,
			Labels:    map[string]string{"managed": "true"},
			Health:    model.HealthUnknown,
			FirstSeen: time.Now(),
		}
		s.engines[evt.ContainerID] = e
	}
	e.AppendStream(evt.StreamID)
	e.LastSeen = time.Now()
	e.LastStreamUsage = time.Now()

	stream := &model.Stream{
		ID:          evt.StreamID,
		ContainerID: evt.ContainerID,
		KeyType:     evt.KeyType,
		Key:         evt.Key,
		StartedAt:   time.Now(),
		Status:      model.StreamStarted,
	}
	s.streams[evt.StreamID] = stream
	return stream.Clone()
}

// StreamEndedResult reports the ended stream plus whether its engine is
// now free (zero started streams), a signal the caller may use to hand
// off to the Lifecycle Controller.
type StreamEndedResult struct {
	Stream       *model.Stream
	EngineNowFree bool
	EngineID      string
}

// OnStreamEnded marks a stream ended and immediately deletes its record
// from memory (history persistence is the external event log's job, not
// State's). Returns nil if the stream was unknown or already ended.
func (s *State) OnStreamEnded(evt model.StreamEndedEvent) *StreamEndedResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[evt.StreamID]
	if !ok || stream.Status == model.StreamEnded {
		return nil
	}

	now := time.Now()
	stream.Status = model.StreamEnded
	stream.EndedAt = &now

	result := &StreamEndedResult{Stream: stream.Clone(), EngineID: stream.ContainerID}

	if e, ok := s.engines[stream.ContainerID]; ok {
		e.RemoveStream(evt.StreamID)
		e.LastStreamUsage = now
		result.EngineNowFree = len(e.Streams) == 0
	}

	delete(s.streams, evt.StreamID)
	return result
}

// ListStreams returns detached copies, optionally filtered by status.
func (s *State) ListStreams(status model.StreamStatus) []*model.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Stream
	for _, st := range s.streams {
		if status == "" || st.Status == status {
			out = append(out, st.Clone())
		}
	}
	return out
}

// GetStream returns a detached copy, or nil.
func (s *State) GetStream(id string) *model.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return nil
	}
	return st.Clone()
}

// --- forwarded engine election (I2) -------------------------------------

// SetForwardedEngine marks id as the forwarded engine. In single-VPN mode
// (vpnID == "") it clears every other engine's Forwarded flag globally;
// in redundant mode it only clears other engines on the same VPN, so I2
// ("at most one forwarded engine per VPN") holds per-VPN rather than
// fleet-wide.
func (s *State) SetForwardedEngine(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.engines[id]
	if !ok {
		return
	}
	vpn := target.VPNID
	for otherID, e := range s.engines {
		if otherID == id {
			continue
		}
		if vpn == "" || e.VPNID == vpn {
			e.Forwarded = false
		}
	}
	target.Forwarded = true
}

// ForwardedEngine returns the forwarded engine for vpnID ("" for
// single-VPN mode), or nil if none is currently elected.
func (s *State) ForwardedEngine(vpnID string) *model.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.engines {
		if e.Forwarded && e.VPNID == vpnID {
			return e.Clone()
		}
	}
	return nil
}

// --- modes ---------------------------------------------------------------

// EnterEmergencyMode marks Emergency Mode active and removes every engine
// assigned to failedVPN from State (the corresponding container stops are
// the Provisioner's job, delegated to by the caller). Idempotent:
// re-entry with the system already in emergency mode for the same failed
// VPN is a no-op.
func (s *State) EnterEmergencyMode(failedVPN, healthyVPN string) []*model.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.emergency.Active && s.emergency.FailedVPN == failedVPN {
		return nil
	}

	s.emergency = model.EmergencyMode{
		Active:     true,
		FailedVPN:  failedVPN,
		HealthyVPN: healthyVPN,
		EnteredAt:  time.Now(),
	}

	var removed []*model.Engine
	for id, e := range s.engines {
		if e.VPNID == failedVPN {
			removed = append(removed, e.Clone())
			s.removeEngineLocked(id)
		}
	}
	return removed
}

// ExitEmergencyMode clears Emergency Mode. Returns false if it was not
// active.
func (s *State) ExitEmergencyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.emergency.Active {
		return false
	}
	s.emergency = model.EmergencyMode{}
	return true
}

// EmergencyModeInfo returns a detached copy of the current Emergency Mode.
func (s *State) EmergencyModeInfo() model.EmergencyMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergency
}

// IsEmergencyMode reports whether Emergency Mode is active.
func (s *State) IsEmergencyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergency.Active
}

// EnterReprovisioningMode activates Reprovisioning Mode; idempotent.
func (s *State) EnterReprovisioningMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reprovisioning.Active {
		return false
	}
	s.reprovisioning = model.ReprovisioningMode{Active: true, EnteredAt: time.Now()}
	return true
}

// ExitReprovisioningMode deactivates Reprovisioning Mode.
func (s *State) ExitReprovisioningMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reprovisioning.Active {
		return false
	}
	s.reprovisioning = model.ReprovisioningMode{}
	return true
}

// IsReprovisioningMode reports whether Reprovisioning Mode is active.
func (s *State) IsReprovisioningMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reprovisioning.Active
}

// EnterVPNRecoveryMode activates VPN Recovery Mode targeting targetVPN.
func (s *State) EnterVPNRecoveryMode(targetVPN string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recovery.Active {
		return false
	}
	s.recovery = model.VPNRecoveryMode{Active: true, TargetVPN: targetVPN, EnteredAt: time.Now()}
	return true
}

// ExitVPNRecoveryMode deactivates VPN Recovery Mode.
func (s *State) ExitVPNRecoveryMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recovery.Active {
		return false
	}
	s.recovery = model.VPNRecoveryMode{}
	return true
}

// IsVPNRecoveryMode reports whether VPN Recovery Mode is active, and if
// so, its target VPN.
func (s *State) IsVPNRecoveryMode() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovery.Active, s.recovery.TargetVPN
}

// --- per-VPN health --------------------------------------------------------

// SetVPNHealthy records a health sample for vpnID.
func (s *State) SetVPNHealthy(vpnID string, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.vpnHealth[vpnID]
	if !ok {
		h = &model.VPNHealth{}
		s.vpnHealth[vpnID] = h
	}
	now := time.Now()
	h.Healthy = healthy
	if healthy {
		h.LastHealthyAt = now
	} else {
		h.LastUnhealthyAt = now
	}
}

// VPNHealthy returns the last-known health for vpnID. Unknown VPNs are
// reported unhealthy (fail safe).
func (s *State) VPNHealthy(vpnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.vpnHealth[vpnID]
	if !ok {
		return false
	}
	return h.Healthy
}

// SetVPNRecoveryStabilizationUntil records when a VPN's engine-count
// imbalance last looked acceptable, used by the RECOVERY->NORMAL
// stabilization-window exit condition. A zero time clears it.
func (s *State) SetVPNRecoveryStabilizationUntil(vpnID string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.vpnHealth[vpnID]
	if !ok {
		h = &model.VPNHealth{}
		s.vpnHealth[vpnID] = h
	}
	h.RecoveryStabilizationUntil = until
}

// VPNRecoveryStabilizationUntil returns the recorded deadline for vpnID,
// or the zero Time if none is set.
func (s *State) VPNRecoveryStabilizationUntil(vpnID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.vpnHealth[vpnID]
	if !ok {
		return time.Time{}
	}
	return h.RecoveryStabilizationUntil
}

// --- lookahead layer (autoscaler bookkeeping) -----------------------------

// SetLookaheadLayer records the minimum per-engine stream count at which
// lookahead provisioning last fired.
func (s *State) SetLookaheadLayer(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookaheadLayer = n
	s.lookaheadLayerSet = true
}

// GetLookaheadLayer returns the recorded layer and whether one is set.
func (s *State) GetLookaheadLayer() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookaheadLayer, s.lookaheadLayerSet
}

// ResetLookaheadLayer clears the recorded layer.
func (s *State) ResetLookaheadLayer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookaheadLayer = 0
	s.lookaheadLayerSet = false
}
