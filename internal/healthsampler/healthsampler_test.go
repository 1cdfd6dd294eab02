package healthsampler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/krinkuto11/acestream-orchestrator/internal/engineclient"
	"github.com/krinkuto11/acestream-orchestrator/internal/eventlog"
	"github.com/krinkuto11/acestream-orchestrator/internal/model"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("bad URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("bad port: %v", err)
	}
	return u.Hostname(), port
}

func healthyServer(t *testing.T) (*httptest.Server, string, int) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	host, port := hostPort(t, srv.URL)
	return srv, host, port
}

func unhealthyServer(t *testing.T) (*httptest.Server, string, int) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	host, port := hostPort(t, srv.URL)
	return srv, host, port
}

func TestTickUpdatesEngineHealth(t *testing.T) {
	srv, host, port := healthyServer(t)
	defer srv.Close()

	st := state.New()
	st.AddEngine(&model.Engine{ID: "e1", Host: host, HTTPPort: port})

	s := New(st, engineclient.New(), nil, testLogger(), 0)
	s.tick(context.Background())

	if got := st.GetEngine("e1").Health; got != model.HealthHealthy {
		t.Fatalf("expected engine health updated to healthy, got %v", got)
	}
}

func TestTickRecordsEventOnHighUnhealthyRatio(t *testing.T) {
	badSrv, badHost, badPort := unhealthyServer(t)
	defer badSrv.Close()

	st := state.New()
	st.AddEngine(&model.Engine{ID: "bad1", Host: badHost, HTTPPort: badPort})

	eventsPath := filepath.Join(t.TempDir(), "events.db")
	events, err := eventlog.Open(eventsPath)
	if err != nil {
		t.Fatalf("unexpected error opening event store: %v", err)
	}
	defer events.Close()

	s := New(st, engineclient.New(), events, testLogger(), 0)
	s.tick(context.Background())

	stats, err := events.Stats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.ByType[eventlog.TypeHealth] != 1 {
		t.Fatalf("expected one recorded health warning event when 100%% of the fleet is unhealthy, got %d", stats.ByType[eventlog.TypeHealth])
	}
}

func TestTickDoesNotRecordEventWhenRatioBelowThreshold(t *testing.T) {
	goodSrv, goodHost, goodPort := healthyServer(t)
	defer goodSrv.Close()

	st := state.New()
	st.AddEngine(&model.Engine{ID: "good1", Host: goodHost, HTTPPort: goodPort})

	eventsPath := filepath.Join(t.TempDir(), "events.db")
	events, err := eventlog.Open(eventsPath)
	if err != nil {
		t.Fatalf("unexpected error opening event store: %v", err)
	}
	defer events.Close()

	s := New(st, engineclient.New(), events, testLogger(), 0)
	s.tick(context.Background())

	stats, err := events.Stats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected no events recorded when the fleet is fully healthy, got %d", stats.Total)
	}
}

func TestNewDefaultsIntervalWhenNonPositive(t *testing.T) {
	s := New(state.New(), engineclient.New(), nil, testLogger(), 0)
	if s.interval <= 0 {
		t.Fatalf("expected a positive default interval, got %v", s.interval)
	}
}

func TestTickNoopWithNoEngines(t *testing.T) {
	s := New(state.New(), engineclient.New(), nil, testLogger(), 0)
	s.tick(context.Background()) // must not panic with zero engines.
}
