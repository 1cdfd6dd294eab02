// Package api exposes the orchestrator's HTTP surface (spec.md §6) on a
// chi.Router, the way kubernaut's Context API server builds its router:
// middleware chain (request id, recoverer, a slog-backed logging
// middleware) plus route groups, except auth here is a single API-key
// check applied only to the mutating routes the spec's table marks
// "yes", not the whole tree.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/krinkuto11/acestream-orchestrator/internal/apierr"
	"github.com/krinkuto11/acestream-orchestrator/internal/autoscaler"
	"github.com/krinkuto11/acestream-orchestrator/internal/circuitbreaker"
	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/debuglog"
	"github.com/krinkuto11/acestream-orchestrator/internal/engineclient"
	"github.com/krinkuto11/acestream-orchestrator/internal/eventlog"
	"github.com/krinkuto11/acestream-orchestrator/internal/lifecycle"
	"github.com/krinkuto11/acestream-orchestrator/internal/model"
	"github.com/krinkuto11/acestream-orchestrator/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestrator/internal/realtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/replicavalidator"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// Server wires every subsystem to HTTP handlers.
type Server struct {
	cfg   *config.Config
	st    *state.State
	val   *replicavalidator.Validator
	prov  *provisioner.Provisioner
	life  *lifecycle.Controller
	asc   *autoscaler.Autoscaler
	cb    *circuitbreaker.Manager
	eng   *engineclient.Client
	events *eventlog.Store
	hub   *realtime.Hub
	log   *slog.Logger
}

// New constructs a Server. events and hub may be nil (event history and
// the realtime feed are optional collaborators, not core requirements —
// spec.md §6's persistence note).
func New(
	cfg *config.Config,
	st *state.State,
	val *replicavalidator.Validator,
	prov *provisioner.Provisioner,
	life *lifecycle.Controller,
	asc *autoscaler.Autoscaler,
	cb *circuitbreaker.Manager,
	eng *engineclient.Client,
	events *eventlog.Store,
	hub *realtime.Hub,
	log *slog.Logger,
) *Server {
	return &Server{cfg: cfg, st: st, val: val, prov: prov, life: life, asc: asc, cb: cb, eng: eng, events: events, hub: hub, log: log}
}

// Router builds the chi.Router serving every endpoint in spec.md §6's
// table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/engines", s.handleListEngines)
	r.Get("/engines/{id}", s.handleGetEngine)
	r.Get("/streams", s.handleListStreams)
	r.Get("/orchestrator/status", s.handleOrchestratorStatus)
	r.Get("/vpn/status", s.handleVPNStatus)
	r.Get("/events", s.handleListEvents)
	r.Get("/events/stats", s.handleEventStats)
	if s.hub != nil {
		r.Get("/ws/events", s.hub.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		r.Post("/provision/acestream", s.handleProvision)
		r.Delete("/containers/{id}", s.handleStopContainer)
		r.Post("/scale/{n}", s.handleScale)
		r.Post("/gc", s.handleGC)
		r.Post("/events/stream_started", s.handleStreamStarted)
		r.Post("/events/stream_ended", s.handleStreamEnded)
		r.Post("/health/circuit-breaker/reset", s.handleCircuitBreakerReset)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds())
	})
}

// apiKeyMiddleware enforces the static API key on mutating routes, via
// either Authorization: Bearer <key> or X-API-Key (spec.md §6).
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key != s.cfg.APIKey {
			writeSimpleError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a controller error to the HTTP status + body shape
// spec.md §7 assigns it, via errors.As dispatch on the apierr taxonomy.
// This is the only place an error becomes a status code.
func writeError(w http.ResponseWriter, err error) {
	var notFound *apierr.NotFoundError
	var blocked *apierr.ProvisionBlockedError
	var failed *apierr.ProvisionFailedError
	var runtimeUnavail *apierr.RuntimeUnavailableError

	switch {
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": notFound.Error()})
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"blocked_reason_details": blocked.Details})
	case errors.As(err, &failed):
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": failed.Error()})
	case errors.As(err, &runtimeUnavail):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": runtimeUnavail.Error()})
	default:
		msg := "internal error"
		if err != nil {
			msg = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": msg})
	}
}

// writeSimpleError writes a plain {"error": message} body at status,
// used for request-validation failures that never reach a subsystem and
// so have no apierr type of their own (bad JSON, bad path params).
func writeSimpleError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	engines := s.st.ListEngines()
	out := make([]engineView, 0, len(engines))
	for _, e := range engines {
		if s.cfg.HasVPN() && e.VPNID != "" && !s.st.VPNHealthy(e.VPNID) {
			continue
		}
		out = append(out, s.toEngineView(r.Context(), e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetEngine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e := s.st.GetEngine(id)
	if e == nil {
		writeError(w, &apierr.NotFoundError{Kind: "engine", ID: id})
		return
	}
	view := s.toEngineView(r.Context(), e)
	writeJSON(w, http.StatusOK, map[string]any{
		"engine":  view,
		"streams": s.streamsForEngine(id),
	})
}

// engineView enriches model.Engine with the platform/version/forwarded
// port fields spec.md §6's /engines row promises.
type engineView struct {
	*model.Engine
	Version       string `json:"version,omitempty"`
	ForwardedPort int    `json:"forwarded_port,omitempty"`
}

func (s *Server) toEngineView(ctx context.Context, e *model.Engine) engineView {
	v := engineView{Engine: e}
	if s.eng != nil {
		if ver, err := s.eng.GetVersion(ctx, e.Host, e.HTTPPort); err == nil {
			v.Version = ver
		}
	}
	if e.Forwarded {
		v.ForwardedPort = e.HTTPPort
	}
	return v
}

func (s *Server) streamsForEngine(engineID string) []*model.Stream {
	var out []*model.Stream
	for _, st := range s.st.ListStreams("") {
		if st.ContainerID == engineID {
			out = append(out, st)
		}
	}
	return out
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	status := model.StreamStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, s.st.ListStreams(status))
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if r.ContentLength > 0 {
		json.NewDecoder(r.Body).Decode(&req)
	}

	class := circuitbreaker.ClassGeneral
	if blocked, details := s.checkProvisionBlocked(class); blocked {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"blocked_reason_details": details})
		return
	}

	resp, err := s.prov.StartEngine(r.Context(), provisioner.AceProvisionRequest{VPNID: req.VPNID, ForceForwarded: req.ForceForwarded})
	if err != nil {
		s.cb.RecordFailure(class)
		writeError(w, &apierr.ProvisionFailedError{Err: err})
		return
	}
	s.cb.RecordSuccess(class)
	if s.events != nil {
		s.events.Log(eventlog.TypeEngine, "created", "engine provisioned", nil, resp.ContainerID, "")
	}
	writeJSON(w, http.StatusOK, resp)
}

type provisionRequest struct {
	VPNID          string `json:"vpn_id"`
	ForceForwarded bool   `json:"force_forwarded"`
}

// checkProvisionBlocked implements the ProvisionBlocked gating spec.md
// §7 names: VPN disconnected, circuit breaker open, or fleet at max
// capacity, in that priority order.
func (s *Server) checkProvisionBlocked(class circuitbreaker.Class) (bool, *apierr.BlockedReasonDetails) {
	recoveryActive, _ := s.st.IsVPNRecoveryMode()
	if s.cfg.HasVPN() && !s.st.VPNHealthy(s.cfg.GluetunContainerName) && !recoveryActive {
		return true, &apierr.BlockedReasonDetails{
			Code: apierr.BlockedVPNDisconnected, Message: "primary VPN is disconnected",
			CanRetry: true, ShouldWait: true,
		}
	}
	if !s.cb.CanProvision(class) {
		return true, &apierr.BlockedReasonDetails{
			Code: apierr.BlockedCircuitBreaker, Message: "circuit breaker is open",
			CanRetry: true, ShouldWait: true,
		}
	}
	counts := s.st.Snapshot()
	if counts.Total >= s.cfg.MaxActiveReplicas {
		return true, &apierr.BlockedReasonDetails{
			Code: apierr.BlockedMaxCapacity, Message: "fleet at max active replicas",
			CanRetry: false, ShouldWait: false,
		}
	}
	return false, nil
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.st.GetEngine(id) == nil {
		writeError(w, &apierr.NotFoundError{Kind: "engine", ID: id})
		return
	}
	if err := s.prov.StopEngine(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if s.events != nil {
		s.events.Log(eventlog.TypeEngine, "deleted", "engine stopped", nil, id, "")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 0 {
		writeSimpleError(w, http.StatusBadRequest, "invalid target replica count")
		return
	}
	s.asc.ScaleTo(r.Context(), n)
	writeJSON(w, http.StatusOK, map[string]any{"target": n})
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	for _, id := range s.life.ScaleDownCandidates() {
		if s.life.CanStopEngine(r.Context(), id, false) {
			if err := s.prov.StopEngine(r.Context(), id); err != nil {
				s.log.Error("api: gc failed to stop engine", "id", id, "error", err)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStreamStarted(w http.ResponseWriter, r *http.Request) {
	var evt model.StreamStartedEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeSimpleError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stream := s.st.OnStreamStarted(evt)
	debuglog.Get().LogStreamEvent("started", evt.StreamID, evt.ContainerID)
	if s.events != nil {
		s.events.Log(eventlog.TypeStream, "started", "stream started", nil, evt.ContainerID, evt.StreamID)
	}
	writeJSON(w, http.StatusOK, stream)
}

func (s *Server) handleStreamEnded(w http.ResponseWriter, r *http.Request) {
	var evt model.StreamEndedEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeSimpleError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result := s.st.OnStreamEnded(evt)
	if result == nil {
		writeError(w, &apierr.NotFoundError{Kind: "stream", ID: evt.StreamID})
		return
	}
	debuglog.Get().LogStreamEvent("ended", evt.StreamID, result.EngineID)
	if s.events != nil {
		s.events.Log(eventlog.TypeStream, "ended", "stream ended", map[string]any{"reason": evt.Reason}, result.EngineID, evt.StreamID)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCircuitBreakerReset(w http.ResponseWriter, r *http.Request) {
	class := circuitbreaker.Class(r.URL.Query().Get("operation_type"))
	s.cb.ForceReset(class)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleVPNStatus(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.HasVPN() {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	out := map[string]any{
		"enabled":   true,
		"connected": s.st.VPNHealthy(s.cfg.GluetunContainerName),
		"container": s.cfg.GluetunContainerName,
	}
	if s.cfg.Redundant() {
		out["connected_secondary"] = s.st.VPNHealthy(s.cfg.GluetunContainerName2)
		out["container_secondary"] = s.cfg.GluetunContainerName2
	}
	if s.st.IsEmergencyMode() {
		out["mode"] = "emergency"
		out["emergency"] = s.st.EmergencyModeInfo()
	} else if active, target := s.st.IsVPNRecoveryMode(); active {
		out["mode"] = "recovery"
		out["recovery_target"] = target
	} else {
		out["mode"] = "normal"
	}
	writeJSON(w, http.StatusOK, out)
}

// eventView adds a human-readable relative age to a stored event,
// matching the teacher's preference for humanize over raw durations in
// anything meant to be read directly.
type eventView struct {
	eventlog.Event
	Age string `json:"age"`
}

// handleListEvents serves GET /events, the history equivalent of
// original_source's EventLogger.get_events, filtered by query params.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, []eventView{})
		return
	}
	q := r.URL.Query()
	query := eventlog.Query{
		Limit:       100,
		Type:        eventlog.Type(q.Get("event_type")),
		Category:    q.Get("category"),
		ContainerID: q.Get("container_id"),
		StreamID:    q.Get("stream_id"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			query.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			query.Offset = n
		}
	}
	events, err := s.events.List(query)
	if err != nil {
		writeSimpleError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]eventView, len(events))
	for i, ev := range events {
		out[i] = eventView{Event: ev, Age: humanize.Time(ev.Timestamp)}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEventStats serves GET /events/stats, the Go equivalent of
// EventLogger.get_event_stats.
func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"total": 0})
		return
	}
	stats, err := s.events.Stats()
	if err != nil {
		writeSimpleError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body := map[string]any{"total": stats.Total, "by_type": stats.ByType}
	if stats.Oldest != nil {
		body["oldest"] = stats.Oldest
		body["oldest_age"] = humanize.Time(*stats.Oldest)
	}
	if stats.Newest != nil {
		body["newest"] = stats.Newest
		body["newest_age"] = humanize.Time(*stats.Newest)
	}
	writeJSON(w, http.StatusOK, body)
}

// handleOrchestratorStatus produces the bit-exact shape spec.md §6 gives
// for /orchestrator/status.
func (s *Server) handleOrchestratorStatus(w http.ResponseWriter, r *http.Request) {
	counts, _ := s.val.ValidateAndSync(r.Context(), false)
	engines := s.st.ListEngines()

	var healthy, unhealthy, running int
	for _, e := range engines {
		switch e.Health {
		case model.HealthHealthy:
			healthy++
		case model.HealthUnhealthy:
			unhealthy++
		}
		running++
	}

	streamsStarted := s.st.ListStreams(model.StreamStarted)

	status := "healthy"
	if s.st.IsEmergencyMode() {
		status = "degraded"
	}
	if !s.cb.CanProvision(circuitbreaker.ClassGeneral) {
		status = "degraded"
	}

	class := circuitbreaker.ClassGeneral
	canProvision := s.cb.CanProvision(class)
	blocked, details := s.checkProvisionBlocked(class)

	cbStatus := s.cb.Status()[class]

	body := map[string]any{
		"status": status,
		"engines": map[string]int{
			"total": counts.Total, "running": running, "healthy": healthy, "unhealthy": unhealthy,
		},
		"streams": map[string]int{"active": len(streamsStarted), "total": len(streamsStarted)},
		"capacity": map[string]int{
			"total": counts.Total, "used": counts.Used, "available": counts.Free,
			"max_replicas": s.cfg.MaxReplicas, "min_replicas": s.cfg.MinReplicas,
		},
		"vpn":          s.vpnStatusBody(),
		"provisioning": s.provisioningStatusBody(canProvision, blocked, details, cbStatus),
		"timestamp":    time.Now().UTC(),
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) vpnStatusBody() map[string]any {
	if !s.cfg.HasVPN() {
		return map[string]any{"enabled": false, "connected": false, "health": "n/a"}
	}
	health := "healthy"
	connected := s.st.VPNHealthy(s.cfg.GluetunContainerName)
	if !connected {
		health = "unhealthy"
	}
	out := map[string]any{
		"enabled": true, "connected": connected, "health": health,
		"container": s.cfg.GluetunContainerName,
	}
	if fwd := s.st.ForwardedEngine(s.cfg.GluetunContainerName); fwd != nil {
		out["forwarded_port"] = fwd.HTTPPort
	}
	return out
}

func (s *Server) provisioningStatusBody(canProvision, blocked bool, details *apierr.BlockedReasonDetails, cb circuitbreaker.Status) map[string]any {
	out := map[string]any{
		"can_provision":         canProvision,
		"circuit_breaker_state": cb.State,
	}
	if cb.LastFailureTime != nil {
		out["last_failure"] = cb.LastFailureTime
	}
	if blocked && details != nil {
		out["blocked_reason"] = string(details.Code)
		out["blocked_reason_details"] = details
	}
	return out
}
