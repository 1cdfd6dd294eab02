package replicavalidator

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/krinkuto11/acestream-orchestrator/internal/model"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtimetest"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingReindexer struct{ calls int }

func (r *countingReindexer) Reindex(ctx context.Context) error {
	r.calls++
	return nil
}

func TestValidateAndSyncMatchesConsistentState(t *testing.T) {
	rt := runtimetest.New()
	st := state.New()
	rdx := &countingReindexer{}

	rt.Seed(runtime.ContainerInfo{ID: "c1", State: "running"})
	st.AddEngine(&model.Engine{ID: "c1"})

	v := New(rt, st, rdx, testLogger(), nil)
	counts, err := v.ValidateAndSync(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Total != 1 {
		t.Fatalf("expected Total=1, got %d", counts.Total)
	}
	if rdx.calls != 0 {
		t.Fatalf("expected no reindex when state and runtime already agree, got %d calls", rdx.calls)
	}
}

func TestValidateAndSyncDetectsOrphan(t *testing.T) {
	rt := runtimetest.New()
	st := state.New()
	rdx := &countingReindexer{}

	st.AddEngine(&model.Engine{ID: "ghost"}) // not in runtime

	v := New(rt, st, rdx, testLogger(), nil)
	_, err := v.ValidateAndSync(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.GetEngine("ghost") != nil {
		t.Fatal("expected orphaned engine (in State but not in runtime) to be removed")
	}
	if rdx.calls != 1 {
		t.Fatalf("expected reindex to run once a mismatch is detected, got %d calls", rdx.calls)
	}
}

func TestValidateAndSyncCachesWithinTTL(t *testing.T) {
	rt := runtimetest.New()
	st := state.New()
	rdx := &countingReindexer{}
	rt.Seed(runtime.ContainerInfo{ID: "c1", State: "running"})
	st.AddEngine(&model.Engine{ID: "c1"})

	v := New(rt, st, rdx, testLogger(), nil)
	v.ValidateAndSync(context.Background(), false)
	listCallsBefore := rt.Calls.List

	v.ValidateAndSync(context.Background(), false)
	if rt.Calls.List != listCallsBefore {
		t.Fatal("expected second call within the cache TTL to not touch the runtime again")
	}
}

func TestValidateAndSyncForceReindexBypassesCache(t *testing.T) {
	rt := runtimetest.New()
	st := state.New()
	rdx := &countingReindexer{}
	rt.Seed(runtime.ContainerInfo{ID: "c1", State: "running"})
	st.AddEngine(&model.Engine{ID: "c1"})

	v := New(rt, st, rdx, testLogger(), nil)
	v.ValidateAndSync(context.Background(), false)
	listCallsBefore := rt.Calls.List

	v.ValidateAndSync(context.Background(), true)
	if rt.Calls.List <= listCallsBefore {
		t.Fatal("expected forceReindex to bypass the cache and hit the runtime again")
	}
}

func TestRequestSyncCoordinationThrottles(t *testing.T) {
	rt := runtimetest.New()
	st := state.New()
	v := New(rt, st, &countingReindexer{}, testLogger(), nil)

	if !v.RequestSyncCoordination("a") {
		t.Fatal("expected first coordination request to be granted")
	}
	if v.RequestSyncCoordination("b") {
		t.Fatal("expected a second request within the minimum sync interval to be denied")
	}
}

func TestIsStateConsistent(t *testing.T) {
	rt := runtimetest.New()
	st := state.New()
	rt.Seed(runtime.ContainerInfo{ID: "c1", State: "running"})
	st.AddEngine(&model.Engine{ID: "c1"})

	v := New(rt, st, &countingReindexer{}, testLogger(), nil)
	if !v.IsStateConsistent(context.Background()) {
		t.Fatal("expected state and runtime engine counts to match")
	}
}

func TestGetValidationStatusReportsOrphanedAndMissing(t *testing.T) {
	rt := runtimetest.New()
	st := state.New()
	rt.Seed(runtime.ContainerInfo{ID: "in-runtime-only", State: "running"})
	st.AddEngine(&model.Engine{ID: "in-state-only"})

	v := New(rt, st, &countingReindexer{}, testLogger(), nil)
	status := v.GetValidationStatus(context.Background())

	if len(status.OrphanedIDs) != 1 || status.OrphanedIDs[0] != "in-state-only" {
		t.Fatalf("expected OrphanedIDs=[in-state-only], got %v", status.OrphanedIDs)
	}
	if len(status.MissingIDs) != 1 || status.MissingIDs[0] != "in-runtime-only" {
		t.Fatalf("expected MissingIDs=[in-runtime-only], got %v", status.MissingIDs)
	}
	if status.StateConsistent {
		t.Fatal("expected StateConsistent=false when state and runtime ids disagree")
	}
}
