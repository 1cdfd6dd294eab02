// Package model defines the data types shared by every orchestrator
// subsystem: engines, streams, the process-wide mode state machines, and
// per-VPN health bookkeeping. Nothing in this package takes a lock or
// performs I/O; it is pure data plus small pure helpers.
package model

import "time"

// HealthStatus is an engine's last-observed liveness.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// KeyType identifies which AceStream content addressing scheme a Stream's
// Key uses. AceStream's middleware accepts exactly one of `id` (a content
// id) or `infohash`; a stream never carries both.
type KeyType string

const (
	KeyTypeID       KeyType = "id"
	KeyTypeInfohash KeyType = "infohash"
)

// Engine is one AceStream container managed by the orchestrator.
type Engine struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Host            string            `json:"host"`
	HTTPPort        int               `json:"http_port"`
	Labels          map[string]string `json:"labels"`
	VPNID           string            `json:"vpn_id,omitempty"` // empty when no VPN is configured for this engine
	Forwarded       bool              `json:"forwarded"`
	Streams         []string          `json:"streams"` // ordered, insertion order, no duplicates
	Health          HealthStatus      `json:"health"`
	FirstSeen       time.Time         `json:"first_seen"`
	LastSeen        time.Time         `json:"last_seen"`
	LastStreamUsage time.Time         `json:"last_stream_usage"`
}

// HasStream reports whether id is present in Streams.
func (e *Engine) HasStream(id string) bool {
	for _, s := range e.Streams {
		if s == id {
			return true
		}
	}
	return false
}

// AppendStream appends id to Streams if not already present.
func (e *Engine) AppendStream(id string) {
	if e.HasStream(id) {
		return
	}
	e.Streams = append(e.Streams, id)
}

// RemoveStream removes id from Streams, preserving order of the rest.
func (e *Engine) RemoveStream(id string) {
	out := e.Streams[:0]
	for _, s := range e.Streams {
		if s != id {
			out = append(out, s)
		}
	}
	e.Streams = out
}

// Clone returns a detached deep copy, safe to hand to callers outside the
// State lock.
func (e *Engine) Clone() *Engine {
	if e == nil {
		return nil
	}
	c := *e
	c.Labels = make(map[string]string, len(e.Labels))
	for k, v := range e.Labels {
		c.Labels[k] = v
	}
	c.Streams = append([]string(nil), e.Streams...)
	return &c
}

// StreamStatus is a Stream's lifecycle phase.
type StreamStatus string

const (
	StreamStarted StreamStatus = "started"
	StreamEnded   StreamStatus = "ended"
)

// Stream is one media session assigned to an Engine.
type Stream struct {
	ID          string       `json:"id"`
	ContainerID string       `json:"container_id"`
	KeyType     KeyType      `json:"key_type"`
	Key         string       `json:"key"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
	Status      StreamStatus `json:"status"`
}

// Clone returns a detached deep copy.
func (s *Stream) Clone() *Stream {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// StreamStartedEvent carries the fields needed to register a new stream
// (and, if necessary, the engine it runs on) in State.
type StreamStartedEvent struct {
	StreamID    string  `json:"stream_id"`
	ContainerID string  `json:"container_id"`
	Host        string  `json:"host"`
	Port        int     `json:"port"`
	KeyType     KeyType `json:"key_type"`
	Key         string  `json:"key"`
}

// StreamEndedEvent identifies the stream to retire.
type StreamEndedEvent struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}

// EmergencyMode tracks redundant-VPN degraded operation: one VPN has
// failed and only the other is serving traffic.
type EmergencyMode struct {
	Active     bool      `json:"active"`
	FailedVPN  string    `json:"failed_vpn,omitempty"`
	HealthyVPN string    `json:"healthy_vpn,omitempty"`
	EnteredAt  time.Time `json:"entered_at,omitempty"`
}

// ReprovisioningMode suppresses autoscaler activity during a bulk
// replacement operation.
type ReprovisioningMode struct {
	Active    bool      `json:"active"`
	EnteredAt time.Time `json:"entered_at,omitempty"`
}

// VPNRecoveryMode biases new-engine VPN assignment back towards a VPN that
// just recovered from EmergencyMode, until the fleet is roughly balanced.
type VPNRecoveryMode struct {
	Active    bool      `json:"active"`
	TargetVPN string    `json:"target_vpn,omitempty"`
	EnteredAt time.Time `json:"entered_at,omitempty"`
}

// VPNHealth is per-VPN health bookkeeping used by the health monitor and
// the recovery-mode exit condition.
type VPNHealth struct {
	LastHealthyAt               time.Time
	LastUnhealthyAt              time.Time
	RecoveryStabilizationUntil time.Time
	Healthy                    bool
}
