// Package healthsampler periodically refreshes each engine's
// model.Engine.Health by calling its status endpoint, distinct from (and
// running independently of) the VPN Health Monitor. Ported from
// original_source/app/services/health_monitor.py's HealthMonitor: a
// fixed-interval loop calling state.update_engines_health(), then
// logging a healthy/unhealthy count and warning when more than 30% of
// the fleet is unhealthy.
package healthsampler

import (
	"context"
	"log/slog"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/engineclient"
	"github.com/krinkuto11/acestream-orchestrator/internal/eventlog"
	"github.com/krinkuto11/acestream-orchestrator/internal/model"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// unhealthyWarnRatio matches HealthMonitor's ">0.3" stress threshold.
const unhealthyWarnRatio = 0.3

// Sampler ticks on its own interval and refreshes Engine.Health for every
// tracked engine.
type Sampler struct {
	st       *state.State
	eng      *engineclient.Client
	events   *eventlog.Store
	log      *slog.Logger
	interval time.Duration
}

// New constructs a Sampler. events may be nil, in which case the
// high-unhealthy-ratio warning is only logged, never recorded.
func New(st *state.State, eng *engineclient.Client, events *eventlog.Store, log *slog.Logger, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sampler{st: st, eng: eng, events: events, log: log, interval: interval}
}

// Run ticks until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// safeTick guards a single tick with recover so a panicking tick never
// kills the loop, only that one iteration.
func (s *Sampler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("healthsampler: recovered panic during tick", "panic", r)
		}
	}()
	s.tick(ctx)
}

func (s *Sampler) tick(ctx context.Context) {
	start := time.Now()
	engines := s.st.ListEngines()

	var healthy, unhealthy int
	for _, e := range engines {
		h := s.eng.GetStatus(ctx, e.Host, e.HTTPPort)
		s.st.UpdateEngineHealth(e.ID, h)
		switch h {
		case model.HealthHealthy:
			healthy++
		case model.HealthUnhealthy:
			unhealthy++
		}
	}

	s.log.Debug("healthsampler: tick complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"healthy", healthy, "unhealthy", unhealthy, "total", len(engines))

	if len(engines) > 0 && float64(unhealthy)/float64(len(engines)) > unhealthyWarnRatio {
		s.log.Warn("healthsampler: high proportion of unhealthy engines",
			"unhealthy", unhealthy, "total", len(engines))
		if s.events != nil {
			s.events.Log(eventlog.TypeHealth, "warning",
				"high proportion of unhealthy engines",
				map[string]any{"unhealthy": unhealthy, "total": len(engines)}, "", "")
		}
	}
}
