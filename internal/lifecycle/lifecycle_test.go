package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/model"
	"github.com/krinkuto11/acestream-orchestrator/internal/replicavalidator"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtimetest"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

type noopReindexer struct{}

func (noopReindexer) Reindex(ctx context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newValidator(st *state.State, rt *runtimetest.Fake) *replicavalidator.Validator {
	return replicavalidator.New(rt, st, noopReindexer{}, testLogger(), nil)
}

func baseConfig() *config.Config {
	return &config.Config{MinReplicas: 1, MinFreeReplicas: 0}
}

func TestCannotStopWithActiveStreams(t *testing.T) {
	st := state.New()
	rt := runtimetest.New()
	rt.Seed(runtime.ContainerInfo{ID: "e1", State: "running"})
	st.OnStreamStarted(model.StreamStartedEvent{StreamID: "s1", ContainerID: "e1"})

	c := New(baseConfig(), st, newValidator(st, rt), testLogger())
	if c.CanStopEngine(context.Background(), "e1", true) {
		t.Fatal("expected an engine with an active stream to never be stoppable")
	}
}

func TestCannotStopBelowMinReplicas(t *testing.T) {
	st := state.New()
	rt := runtimetest.New()
	rt.Seed(runtime.ContainerInfo{ID: "e1", State: "running"})
	st.AddEngine(&model.Engine{ID: "e1"})

	cfg := baseConfig()
	cfg.MinReplicas = 1

	c := New(cfg, st, newValidator(st, rt), testLogger())
	if c.CanStopEngine(context.Background(), "e1", true) {
		t.Fatal("expected stopping the only engine to violate MIN_REPLICAS=1")
	}
}

func TestCanStopAboveMinReplicasWithBypassGrace(t *testing.T) {
	st := state.New()
	rt := runtimetest.New()
	rt.Seed(runtime.ContainerInfo{ID: "e1", State: "running"})
	rt.Seed(runtime.ContainerInfo{ID: "e2", State: "running"})
	st.AddEngine(&model.Engine{ID: "e1"})
	st.AddEngine(&model.Engine{ID: "e2"})

	cfg := baseConfig()
	cfg.MinReplicas = 1

	c := New(cfg, st, newValidator(st, rt), testLogger())
	if !c.CanStopEngine(context.Background(), "e1", true) {
		t.Fatal("expected one of two free engines to be stoppable when MIN_REPLICAS=1 and grace is bypassed")
	}
}

func TestGraceWindowDelaysStop(t *testing.T) {
	st := state.New()
	rt := runtimetest.New()
	rt.Seed(runtime.ContainerInfo{ID: "e1", State: "running"})
	rt.Seed(runtime.ContainerInfo{ID: "e2", State: "running"})
	st.AddEngine(&model.Engine{ID: "e1"})
	st.AddEngine(&model.Engine{ID: "e2"})

	cfg := baseConfig()
	cfg.MinReplicas = 1
	cfg.EngineGracePeriod = 30 * time.Millisecond

	c := New(cfg, st, newValidator(st, rt), testLogger())

	if c.CanStopEngine(context.Background(), "e1", false) {
		t.Fatal("expected first check to start the grace window, not allow an immediate stop")
	}
	time.Sleep(40 * time.Millisecond)
	if !c.CanStopEngine(context.Background(), "e1", false) {
		t.Fatal("expected stop to be allowed once the grace period has elapsed")
	}
}

func TestGraceWindowResetsWhenPredicateFails(t *testing.T) {
	st := state.New()
	rt := runtimetest.New()
	rt.Seed(runtime.ContainerInfo{ID: "e1", State: "running"})
	rt.Seed(runtime.ContainerInfo{ID: "e2", State: "running"})
	st.AddEngine(&model.Engine{ID: "e1"})
	st.AddEngine(&model.Engine{ID: "e2"})

	cfg := baseConfig()
	cfg.MinReplicas = 1
	cfg.EngineGracePeriod = 30 * time.Millisecond

	c := New(cfg, st, newValidator(st, rt), testLogger())
	c.CanStopEngine(context.Background(), "e1", false) // starts grace window

	st.OnStreamStarted(model.StreamStartedEvent{StreamID: "s1", ContainerID: "e1"})
	c.CanStopEngine(context.Background(), "e1", false) // predicate fails, should clear grace

	st.OnStreamEnded(model.StreamEndedEvent{StreamID: "s1"})
	time.Sleep(40 * time.Millisecond)
	if c.CanStopEngine(context.Background(), "e1", false) {
		t.Fatal("expected the grace window to have been reset by the intervening failed check")
	}
}

func TestScaleDownCandidatesOnlyFreeEngines(t *testing.T) {
	st := state.New()
	st.AddEngine(&model.Engine{ID: "free1"})
	st.OnStreamStarted(model.StreamStartedEvent{StreamID: "s1", ContainerID: "busy"})

	c := New(baseConfig(), st, newValidator(st, runtimetest.New()), testLogger())
	ids := c.ScaleDownCandidates()
	if len(ids) != 1 || ids[0] != "free1" {
		t.Fatalf("expected only free1 as a scale-down candidate, got %v", ids)
	}
}
